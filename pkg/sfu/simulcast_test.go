package sfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSimulcastLayers(t *testing.T) {
	layers := DefaultSimulcastLayers(1280, 720, 2000)
	require.Len(t, layers, 3)

	assert.Equal(t, 320, layers[0].Width)
	assert.Equal(t, 640, layers[1].Width)
	assert.Equal(t, 1280, layers[2].Width)

	// monotone non-decreasing bitrate, summing to the budget
	total := 0
	for i, l := range layers {
		assert.Equal(t, i, l.Index)
		assert.True(t, l.Active)
		if i > 0 {
			assert.GreaterOrEqual(t, l.BitrateKbps, layers[i-1].BitrateKbps)
		}
		total += l.BitrateKbps
	}
	assert.Equal(t, 2000, total)
}

func TestSelectActiveLayers(t *testing.T) {
	layers := DefaultSimulcastLayers(1280, 720, 2000) // 200 / 600 / 1200

	constrained := SelectActiveLayers(layers, 900)
	assert.True(t, constrained[0].Active)
	assert.True(t, constrained[1].Active)
	assert.False(t, constrained[2].Active, "1200 kbps rung does not fit 900 kbps budget")

	starved := SelectActiveLayers(layers, 50)
	assert.True(t, starved[0].Active, "bottom rung always survives")
	assert.False(t, starved[1].Active)
}
