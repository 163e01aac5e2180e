package mixer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constantFrame(config Config, value int16) []int16 {
	samples := make([]int16, config.samplesPerFrame())
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func collectOutputs(m *Mixer) map[string][]int16 {
	outputs := make(map[string][]int16)
	m.OnMixedAudio(func(recipient string, samples []int16, _ uint32) {
		outputs[recipient] = append([]int16(nil), samples...)
	})
	return outputs
}

func TestMixMinusSelf(t *testing.T) {
	config := DefaultConfig()
	m := NewMixer(config)
	outputs := collectOutputs(m)

	for _, id := range []string{"P1", "P2", "P3"} {
		m.AddSource(id, DefaultMixParams())
	}
	require.True(t, m.PushAudio("P1", constantFrame(config, 1000), 100))
	require.True(t, m.PushAudio("P2", constantFrame(config, 2000), 200))
	require.True(t, m.PushAudio("P3", constantFrame(config, 3000), 300))

	m.Process()

	require.Len(t, outputs, 3)
	assert.EqualValues(t, 5000, outputs["P1"][0])
	assert.EqualValues(t, 4000, outputs["P2"][0])
	assert.EqualValues(t, 3000, outputs["P3"][0])
}

func TestOwnSamplesDoNotAffectOwnMix(t *testing.T) {
	config := DefaultConfig()
	m := NewMixer(config)
	outputs := collectOutputs(m)

	m.AddSource("A", DefaultMixParams())
	m.AddSource("B", DefaultMixParams())

	m.PushAudio("A", constantFrame(config, 1234), 1)
	m.PushAudio("B", constantFrame(config, 500), 1)
	m.Process()
	first := outputs["A"]

	// vary only A's own input; A's mix must be identical
	m.PushAudio("A", constantFrame(config, -9999), 2)
	m.PushAudio("B", constantFrame(config, 500), 2)
	m.Process()

	assert.Equal(t, first, outputs["A"])
	assert.EqualValues(t, 500, outputs["A"][0])
}

func TestMutedSourceExcluded(t *testing.T) {
	config := DefaultConfig()
	m := NewMixer(config)
	outputs := collectOutputs(m)

	m.AddSource("A", DefaultMixParams())
	m.AddSource("B", MixParams{Volume: 1.0, Muted: true})
	m.AddSource("C", DefaultMixParams())

	m.PushAudio("B", constantFrame(config, 8000), 1)
	m.PushAudio("C", constantFrame(config, 700), 1)
	m.Process()

	assert.EqualValues(t, 700, outputs["A"][0], "muted B must not contribute")
}

func TestVolumeApplied(t *testing.T) {
	config := DefaultConfig()
	m := NewMixer(config)
	outputs := collectOutputs(m)

	m.AddSource("A", DefaultMixParams())
	m.AddSource("B", MixParams{Volume: 0.5})

	m.PushAudio("B", constantFrame(config, 2000), 1)
	m.Process()

	assert.EqualValues(t, 1000, outputs["A"][0])
}

func TestSaturation(t *testing.T) {
	config := DefaultConfig()
	m := NewMixer(config)
	outputs := collectOutputs(m)

	m.AddSource("A", DefaultMixParams())
	m.AddSource("B", DefaultMixParams())
	m.AddSource("C", DefaultMixParams())

	m.PushAudio("B", constantFrame(config, 30000), 1)
	m.PushAudio("C", constantFrame(config, 30000), 1)
	m.Process()

	assert.EqualValues(t, math.MaxInt16, outputs["A"][0], "sum must saturate, not wrap")
}

func TestStereoConstantPowerPan(t *testing.T) {
	config := DefaultConfig()
	config.Channels = 2
	m := NewMixer(config)
	outputs := collectOutputs(m)

	m.AddSource("A", DefaultMixParams())
	m.AddSource("B", MixParams{Volume: 1.0, Pan: -1.0}) // hard left

	m.PushAudio("B", constantFrame(config, 10000), 1)
	m.Process()

	out := outputs["A"]
	require.Len(t, out, config.samplesPerFrame()*2)
	assert.EqualValues(t, 10000, out[0], "hard left lands at unity on even samples")
	assert.EqualValues(t, 0, out[1], "right channel silent")
}

func TestActiveSpeakerDetection(t *testing.T) {
	config := DefaultConfig()
	m := NewMixer(config)

	var events int
	var lastID string
	var lastLevel float64
	m.OnActiveSpeaker(func(id string, level float64) {
		events++
		lastID = id
		lastLevel = level
	})

	m.AddSource("P1", DefaultMixParams())
	m.AddSource("P2", DefaultMixParams())
	m.AddSource("P3", DefaultMixParams())

	// P1 silent, P2 around -60 dBFS, P3 around -20 dBFS
	m.PushAudio("P1", constantFrame(config, 0), 1)
	m.PushAudio("P2", constantFrame(config, 33), 1)
	m.PushAudio("P3", constantFrame(config, 3277), 1)
	m.Process()

	assert.Equal(t, "P3", m.ActiveSpeaker())
	assert.Equal(t, 1, events, "transition fires exactly once")
	assert.Equal(t, "P3", lastID)
	assert.InDelta(t, -20.0, lastLevel, 0.5)

	// same speaker again: no new event
	m.PushAudio("P3", constantFrame(config, 3277), 2)
	m.Process()
	assert.Equal(t, 1, events)
}

func TestQuietSourceNeverActiveSpeaker(t *testing.T) {
	config := DefaultConfig()
	m := NewMixer(config)

	m.AddSource("whisper", DefaultMixParams())
	m.PushAudio("whisper", constantFrame(config, 33), 1) // ~-60 dBFS
	m.Process()

	assert.Empty(t, m.ActiveSpeaker())
}

func TestTimestampEchoesRecipientClock(t *testing.T) {
	config := DefaultConfig()
	m := NewMixer(config)

	var gotTS uint32
	m.OnMixedAudio(func(recipient string, _ []int16, ts uint32) {
		if recipient == "A" {
			gotTS = ts
		}
	})

	m.AddSource("A", DefaultMixParams())
	m.AddSource("B", DefaultMixParams())
	m.PushAudio("A", constantFrame(config, 10), 4242)
	m.PushAudio("B", constantFrame(config, 10), 9)
	m.Process()

	assert.Equal(t, uint32(4242), gotTS)
}

func TestRMSLevel(t *testing.T) {
	assert.Equal(t, SilenceFloor, RMSLevel(nil))
	assert.Equal(t, SilenceFloor, RMSLevel(make([]int16, 960)))

	full := make([]int16, 960)
	for i := range full {
		full[i] = math.MaxInt16
	}
	assert.InDelta(t, 0.0, RMSLevel(full), 0.01)

	half := make([]int16, 960)
	for i := range half {
		half[i] = 16384
	}
	assert.InDelta(t, -6.02, RMSLevel(half), 0.05)
}
