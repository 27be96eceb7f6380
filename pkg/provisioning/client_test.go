package provisioning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
)

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(GlobalEndpoint, "0ne000A1B2C", "reg-1", opts...)
	require.NoError(t, err)
	return c
}

func TestClient_Identity(t *testing.T) {
	c := newTestClient(t)
	assert.Equal(t, "reg-1", c.ClientID())
	assert.Equal(t, "0ne000A1B2C/registrations/reg-1/api-version=2019-03-31", c.Username())
	assert.Equal(t, "$dps/registrations/PUT/iotdps-register/?$rid=1", c.RegisterTopic("1"))
	assert.Equal(t,
		"$dps/registrations/GET/iotdps-get-operationstatus/?$rid=2&operationId=4.abc",
		c.QueryStatusTopic("2", "4.abc"))

	_, err := NewClient(GlobalEndpoint, "", "reg-1")
	assert.Error(t, err)
}

func TestClient_SASPassword(t *testing.T) {
	c := newTestClient(t)
	token, err := c.SASPassword("c3VwZXItc2VjcmV0LWRldmljZS1rZXk=", time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t,
		"SharedAccessSignature sr=0ne000A1B2C%2Fregistrations%2Freg-1&sig=GCoYWypJn%2BQDPik1T%2BoIqI6SHmpQcRPW3RqhR7dlOHU%3D&se=1700000000&skn=registration",
		token)
}

func TestRegistrationPayload(t *testing.T) {
	payload, err := newTestClient(t).RegistrationPayload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"registrationId":"reg-1"}`, string(payload))

	payload, err = newTestClient(t, WithModelID("dtmi:com:example:Thermostat;1")).RegistrationPayload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"registrationId":"reg-1","payload":{"modelId":"dtmi:com:example:Thermostat;1"}}`, string(payload))
}

func TestRequestTopicsRoundTrip(t *testing.T) {
	c := newTestClient(t)

	rid, ok := IsRegisterRequest(c.RegisterTopic("5"))
	assert.True(t, ok)
	assert.Equal(t, "5", rid)

	rid, op, ok := IsQueryRequest(c.QueryStatusTopic("6", "op-1"))
	assert.True(t, ok)
	assert.Equal(t, "6", rid)
	assert.Equal(t, "op-1", op)

	_, ok = IsRegisterRequest(c.QueryStatusTopic("6", "op-1"))
	assert.False(t, ok)
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		payload   string
		status    OperationStatus
		retry     time.Duration
		completed bool
		check     func(t *testing.T, r *Response)
	}{
		{
			name:    "assigning with retry-after",
			topic:   "$dps/registrations/res/202/?$rid=1&retry-after=3",
			payload: `{"operationId":"4.0a1b","status":"assigning"}`,
			status:  StatusAssigning,
			retry:   3 * time.Second,
			check: func(t *testing.T, r *Response) {
				assert.Equal(t, "4.0a1b", r.OperationID)
				assert.Equal(t, "1", r.RequestID)
			},
		},
		{
			name:    "assigning without retry-after uses default",
			topic:   "$dps/registrations/res/202/?$rid=2",
			payload: `{"operationId":"4.0a1b","status":"assigning"}`,
			status:  StatusAssigning,
			retry:   DefaultRetryAfter,
		},
		{
			name:  "assigned",
			topic: "$dps/registrations/res/200/?$rid=3",
			payload: `{"operationId":"4.0a1b","status":"assigned","registrationState":{
				"registrationId":"reg-1","assignedHub":"myhub.azure-devices.net","deviceId":"reg-1",
				"status":"assigned","substatus":"initialAssignment"}}`,
			status:    StatusAssigned,
			completed: true,
			check: func(t *testing.T, r *Response) {
				require.NotNil(t, r.State)
				assert.Equal(t, "myhub.azure-devices.net", r.State.AssignedHub)
				assert.Equal(t, "reg-1", r.State.DeviceID)
				assert.Equal(t, "initialAssignment", r.State.Substatus)
			},
		},
		{
			name:      "unauthorized",
			topic:     "$dps/registrations/res/401/?$rid=4",
			payload:   `{"errorCode":401002,"trackingId":"t-1","message":"Unauthorized","timestampUtc":"2024-01-01T00:00:00Z"}`,
			status:    StatusFailed,
			completed: true,
			check: func(t *testing.T, r *Response) {
				assert.Equal(t, 401002, r.ErrorCode)
				assert.Equal(t, "Unauthorized", r.ErrorMessage)
				assert.Equal(t, "t-1", r.TrackingID)
			},
		},
		{
			name:    "throttled keeps polling",
			topic:   "$dps/registrations/res/429/?$rid=5&retry-after=7",
			payload: `{"errorCode":429001}`,
			status:  StatusAssigning,
			retry:   7 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseResponse(tt.topic, []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.status, r.OperationStatus)
			assert.Equal(t, tt.retry, r.RetryAfter)
			assert.Equal(t, tt.completed, r.OperationStatus.Completed())
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestParseResponse_Errors(t *testing.T) {
	_, err := ParseResponse("$iothub/twin/res/200/?$rid=1", nil)
	assert.ErrorIs(t, err, ErrTopicMismatch)

	_, err = ParseResponse("$dps/registrations/res/xyz/?$rid=1", nil)
	assert.Error(t, err)

	_, err = ParseResponse("$dps/registrations/res/200/?$rid=1", []byte(`{"operationId":"x"}`))
	assert.Error(t, err)

	_, err = ParseResponse("$dps/registrations/res/200/?$rid=1", []byte(`not json`))
	assert.Error(t, err)
}

func TestResponseTopic(t *testing.T) {
	assert.Equal(t, "$dps/registrations/res/202/?$rid=1&retry-after=2", ResponseTopic(iothub.StatusAccepted, "1", 2*time.Second))
	assert.Equal(t, "$dps/registrations/res/200/?$rid=1", ResponseTopic(iothub.StatusOK, "1", 0))
}
