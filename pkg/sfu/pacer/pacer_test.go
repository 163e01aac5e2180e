package pacer

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dest = netip.MustParseAddrPort("10.0.0.2:5000")

type sentPacket struct {
	size  int
	first byte
}

func newTestPacer(config Config) (*Pacer, *clock.Mock, *[]sentPacket) {
	mock := clock.NewMock()
	sent := &[]sentPacket{}
	p := NewPacer(config, mock, func(data []byte, _ netip.AddrPort) {
		*sent = append(*sent, sentPacket{size: len(data), first: data[0]})
	})
	return p, mock, sent
}

func TestBucketLimitsBurst(t *testing.T) {
	config := Config{TargetBitrateBps: 800_000, BucketSizeBytes: 3000, MaxQueueSize: 100}
	p, _, sent := newTestPacer(config)

	for i := 0; i < 5; i++ {
		require.True(t, p.Enqueue(make([]byte, 1000), dest, PriorityVideo))
	}

	// full bucket affords exactly three 1000-byte packets
	assert.Equal(t, 3, p.Process())
	assert.Len(t, *sent, 3)
	assert.Equal(t, 2, p.QueueSize())
}

func TestTokensAccrueOverTime(t *testing.T) {
	config := Config{TargetBitrateBps: 800_000, BucketSizeBytes: 1000, MaxQueueSize: 100}
	p, mock, sent := newTestPacer(config)

	require.True(t, p.Enqueue(make([]byte, 1000), dest, PriorityVideo))
	require.True(t, p.Enqueue(make([]byte, 1000), dest, PriorityVideo))

	assert.Equal(t, 1, p.Process(), "bucket drains on the first packet")
	assert.Equal(t, 0, p.Process(), "no tokens yet for the second")

	// 800 kbps = 100 kB/s: 10 ms accrues 1000 bytes
	mock.Add(10 * time.Millisecond)
	assert.Equal(t, 1, p.Process())
	assert.Len(t, *sent, 2)
}

func TestConservation(t *testing.T) {
	config := Config{TargetBitrateBps: 1_000_000, BucketSizeBytes: 5000, MaxQueueSize: 1000}
	p, mock, sent := newTestPacer(config)

	const window = 2 * time.Second
	for i := 0; i < 900; i++ {
		p.Enqueue(make([]byte, 1200), dest, PriorityVideo)
	}

	step := 5 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < window; elapsed += step {
		p.Process()
		mock.Add(step)
	}

	var total int
	for _, s := range *sent {
		total += s.size
	}
	bound := config.BucketSizeBytes + int(config.TargetBitrateBps/8*uint64(window/time.Second))
	assert.LessOrEqual(t, total, bound, "egress may not exceed bucket + rate x window")
	assert.Greater(t, total, bound/2, "pacer should actually utilize the budget")
}

func TestPriorityOrdering(t *testing.T) {
	config := Config{TargetBitrateBps: 1_000_000, BucketSizeBytes: 10_000, MaxQueueSize: 100}
	p, _, sent := newTestPacer(config)

	p.Enqueue([]byte{1, 0}, dest, PriorityFEC)
	p.Enqueue([]byte{2, 0}, dest, PriorityVideo)
	p.Enqueue([]byte{3, 0}, dest, PriorityAudio)
	p.Enqueue([]byte{4, 0}, dest, PriorityVideo)

	p.Process()
	require.Len(t, *sent, 4)
	assert.Equal(t, byte(3), (*sent)[0].first, "audio first")
	assert.Equal(t, byte(2), (*sent)[1].first, "video keeps FIFO order")
	assert.Equal(t, byte(4), (*sent)[2].first)
	assert.Equal(t, byte(1), (*sent)[3].first, "fec last")
}

func TestOverflowDropsNewest(t *testing.T) {
	config := Config{TargetBitrateBps: 1_000_000, BucketSizeBytes: 100, MaxQueueSize: 2}
	p, _, _ := newTestPacer(config)

	require.True(t, p.Enqueue([]byte{1}, dest, PriorityAudio))
	require.True(t, p.Enqueue([]byte{2}, dest, PriorityAudio))
	assert.False(t, p.Enqueue([]byte{3}, dest, PriorityAudio), "full queue drops the new packet")

	assert.Equal(t, uint64(1), p.Stats().PacketsDropped)
	assert.Equal(t, 2, p.QueueSize())
}

func TestQueueDelayTracksOldest(t *testing.T) {
	config := Config{TargetBitrateBps: 8_000, BucketSizeBytes: 1200, MaxQueueSize: 100}
	p, mock, _ := newTestPacer(config)

	assert.Zero(t, p.QueueDelay())

	p.Enqueue(make([]byte, 500), dest, PriorityVideo)
	mock.Add(40 * time.Millisecond)
	p.Enqueue(make([]byte, 500), dest, PriorityVideo)

	assert.Equal(t, 40*time.Millisecond, p.QueueDelay())

	// the raised rate drains both packets; an empty queue reports no delay
	p.SetTargetBitrate(10_000_000)
	mock.Add(10 * time.Millisecond)
	p.Process()

	assert.Zero(t, p.QueueDelay())
}

func TestClear(t *testing.T) {
	p, _, _ := newTestPacer(DefaultConfig())
	p.Enqueue([]byte{1}, dest, PriorityAudio)
	p.Clear()
	assert.Equal(t, 0, p.QueueSize())
	assert.Zero(t, p.QueueDelay())
}

func TestStatsDelayAveraging(t *testing.T) {
	config := Config{TargetBitrateBps: 1_000_000, BucketSizeBytes: 10_000, MaxQueueSize: 10}
	p, mock, _ := newTestPacer(config)

	p.Enqueue(make([]byte, 100), dest, PriorityAudio)
	mock.Add(20 * time.Millisecond)
	p.Process()

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.PacketsSent)
	assert.Equal(t, 20*time.Millisecond, stats.AvgQueueDelay)
}
