package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	conf, err := NewConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "info", conf.LogLevel)
	assert.Equal(t, 4, conf.RTC.IOThreads)
	assert.Equal(t, 48000, conf.Audio.SampleRate)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	conf, err := NewConfig(`
log_level: debug
rtc:
  udp_port: 9000
  io_threads: 8
ice:
  stun_servers:
    - stun.example.org:3478
  turn_servers:
    - address: turn.example.org:3478
      username: user
      password: pass
audio:
  channels: 2
`, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, uint32(9000), conf.RTC.UDPPort)
	assert.Equal(t, 8, conf.RTC.IOThreads)
	assert.Equal(t, []string{"stun.example.org:3478"}, conf.ICE.StunServers)
	require.Len(t, conf.ICE.TurnServers, 1)
	assert.Equal(t, "user", conf.ICE.TurnServers[0].Username)
	assert.Equal(t, 2, conf.Audio.Channels)

	// untouched sections keep their defaults
	assert.Equal(t, uint64(1_000_000), conf.BWE.StartBitrateBps)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad port range", yaml: "rtc:\n  port_range_min: 6000\n  port_range_max: 5000\n"},
		{name: "zero io threads", yaml: "rtc:\n  io_threads: 0\n"},
		{name: "bad channels", yaml: "audio:\n  channels: 6\n"},
		{name: "bwe start below min", yaml: "bwe:\n  start_bitrate_bps: 1\n"},
		{name: "pacer queue", yaml: "pacer:\n  max_queue_size: 0\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.yaml, nil)
			assert.Error(t, err)
		})
	}
}

func TestRejectsMalformedYAML(t *testing.T) {
	_, err := NewConfig("rtc: [not a map", nil)
	assert.Error(t, err)
}
