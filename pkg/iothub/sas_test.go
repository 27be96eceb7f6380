package iothub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "c3VwZXItc2VjcmV0LWRldmljZS1rZXk=" // base64("super-secret-device-key")

func TestSASPassword(t *testing.T) {
	c := newTestClient(t)

	token, err := c.SASPassword(testKey, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t,
		"SharedAccessSignature sr=myhub.azure-devices.net%2Fdevices%2Fdev1&sig=ta7CiH59EE2IM4gftmDivOxaR4xHY78Jjm%2BgkoD2yb0%3D&se=1700000000",
		token)
}

func TestSASToken_KeyName(t *testing.T) {
	token, err := SASToken("0ne000A1B2C/registrations/reg-1", testKey, "registration", time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t,
		"SharedAccessSignature sr=0ne000A1B2C%2Fregistrations%2Freg-1&sig=GCoYWypJn%2BQDPik1T%2BoIqI6SHmpQcRPW3RqhR7dlOHU%3D&se=1700000000&skn=registration",
		token)
}

func TestSASToken_InvalidKey(t *testing.T) {
	_, err := SASToken("hub/devices/dev1", "", "", time.Now())
	assert.Error(t, err)

	_, err = SASToken("hub/devices/dev1", "not base64!", "", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode SAS key")
}
