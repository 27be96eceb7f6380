package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"$iothub/methods/POST/#", "$iothub/methods/POST/ping/?$rid=1", true},
		{"$iothub/twin/res/#", "$iothub/twin/res/200/?$rid=get_twin", true},
		{"$iothub/twin/res/#", "$iothub/twin/PATCH/properties/desired/?$version=2", false},
		{"devices/dev1/messages/devicebound/#", "devices/dev1/messages/devicebound/%24.to=x", true},
		{"devices/dev1/messages/devicebound/#", "devices/dev1/messages/devicebound", true},
		{"devices/dev1/messages/devicebound/#", "devices/dev2/messages/devicebound/", false},
		{"devices/+/messages/events/#", "devices/dev1/messages/events/", true},
		{"devices/+/messages/events", "devices/dev1/messages/events/extra", false},
		{"#", "$dps/registrations/res/202", false},
		{"+/registrations/res/#", "$dps/registrations/res/202", false},
		{"a/b", "a/b", true},
		{"a/b", "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatches(tt.filter, tt.topic))
		})
	}
}
