package bwe

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController() (*Controller, *clock.Mock) {
	mock := clock.NewMock()
	return NewController(DefaultConfig(), mock), mock
}

func TestIncreaseWithoutLoss(t *testing.T) {
	c, _ := newTestController()
	start := c.TargetBitrate()
	c.Process()
	assert.Equal(t, uint64(float64(start)*1.08), c.TargetBitrate())
}

func TestDecreaseOnLoss(t *testing.T) {
	c, _ := newTestController()
	start := c.TargetBitrate()

	c.OnPacketLoss(0.05)
	c.Process()
	assert.Equal(t, uint64(float64(start)*0.85), c.TargetBitrate())
	assert.True(t, c.CurrentEstimate().Overusing)
}

func TestSlowRecoveryAfterOveruse(t *testing.T) {
	c, _ := newTestController()

	c.OnPacketLoss(0.05)
	c.Process()
	dropped := c.TargetBitrate()

	// loss subsides but stays above the recovered threshold
	c.OnPacketLoss(0.01)
	c.Process()
	assert.Equal(t, uint64(float64(dropped)*1.02), c.TargetBitrate())
	assert.True(t, c.CurrentEstimate().Overusing)

	// below 0.5% ends the episode, normal increase resumes
	c.OnPacketLoss(0.001)
	c.Process()
	assert.False(t, c.CurrentEstimate().Overusing)
	before := c.TargetBitrate()
	c.Process()
	assert.Equal(t, uint64(float64(before)*1.08), c.TargetBitrate())
}

func TestClampedToRange(t *testing.T) {
	config := DefaultConfig()
	config.StartBitrateBps = config.MinBitrateBps
	c := NewController(config, clock.NewMock())

	for i := 0; i < 100; i++ {
		c.OnPacketLoss(0.5)
		c.Process()
	}
	assert.Equal(t, config.MinBitrateBps, c.TargetBitrate())

	c.OnPacketLoss(0)
	c.SetBitrate(config.MaxBitrateBps)
	for i := 0; i < 10; i++ {
		c.Process()
	}
	assert.Equal(t, config.MaxBitrateBps, c.TargetBitrate())
}

func TestREMBCapsTarget(t *testing.T) {
	c, _ := newTestController()
	c.OnREMB(600_000)
	c.Process()
	assert.Equal(t, uint64(600_000), c.TargetBitrate())

	// recovered REMB releases the cap
	c.OnREMB(10_000_000)
	c.Process()
	assert.Greater(t, c.TargetBitrate(), uint64(600_000))
}

func TestCallbackOnlyOnChange(t *testing.T) {
	c, _ := newTestController()

	var calls int
	c.OnChange(func(uint64) { calls++ })

	c.OnREMB(c.TargetBitrate()) // pin at the current value
	c.Process()
	c.Process()
	assert.Zero(t, calls, "capped target never changes, no callback")

	c.OnREMB(800_000)
	c.Process()
	c.Process()
	assert.Equal(t, 1, calls, "only the transition to the new cap fires")
}

func TestSendRateWindow(t *testing.T) {
	c, mock := newTestController()

	for i := 0; i < 10; i++ {
		c.OnPacketSent(1250) // 12.5 kB over one second = 100 kbps
		mock.Add(100 * time.Millisecond)
	}
	c.OnPacketSent(0) // roll the window

	estimate := c.CurrentEstimate()
	require.NotZero(t, estimate.SendRateBps)
	assert.InEpsilon(t, 100_000, float64(estimate.SendRateBps), 0.05)
}
