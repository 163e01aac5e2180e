// Copyright 2024 Voxmesh, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pacer shapes egress into a steady stream with a token bucket
// and a strict priority queue (audio above video above FEC).
package pacer

import (
	"container/heap"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/go-logr/logr"
)

// Logger is an implementation of logr.Logger. If it is not provided - will be turned off.
var Logger logr.Logger = logr.Discard()

// Conventional priorities.
const (
	PriorityAudio = 10
	PriorityVideo = 5
	PriorityFEC   = 1
)

// Config for the token bucket.
type Config struct {
	TargetBitrateBps uint64
	BucketSizeBytes  int
	MaxQueueSize     int
}

// DefaultConfig paces at 1 Mbps with a 10 kB bucket.
func DefaultConfig() Config {
	return Config{
		TargetBitrateBps: 1_000_000,
		BucketSizeBytes:  10_000,
		MaxQueueSize:     1000,
	}
}

// SendFunc transmits one paced packet.
type SendFunc func(data []byte, destination netip.AddrPort)

// Stats are cumulative pacer counters.
type Stats struct {
	PacketsSent    uint64
	BytesSent      uint64
	PacketsDropped uint64
	AvgQueueDelay  time.Duration
}

type packet struct {
	data       []byte
	dest       netip.AddrPort
	priority   int
	seq        uint64
	enqueuedAt time.Time
	sent       bool
}

// packetHeap orders by priority descending, FIFO within a priority.
type packetHeap []*packet

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h packetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x interface{}) { *h = append(*h, x.(*packet)) }
func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// Pacer drains a priority queue through a token bucket. The owner
// calls Process on its drain cadence (~5 ms).
type Pacer struct {
	config Config
	clock  clock.Clock
	send   SendFunc
	logger logr.Logger

	lock     sync.Mutex
	queue    packetHeap
	arrivals deque.Deque[*packet] // FIFO view for queue-delay tracking
	seq      uint64

	tokens   float64
	lastFill time.Time

	packetsSent    uint64
	bytesSent      uint64
	packetsDropped uint64
	delaySum       time.Duration
}

func NewPacer(config Config, clk clock.Clock, send SendFunc) *Pacer {
	return &Pacer{
		config:   config,
		clock:    clk,
		send:     send,
		logger:   Logger,
		tokens:   float64(config.BucketSizeBytes),
		lastFill: clk.Now(),
	}
}

// Enqueue queues a packet. When the queue is full the new packet is
// dropped; queued packets keep their priority ordering.
func (p *Pacer) Enqueue(data []byte, destination netip.AddrPort, priority int) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	if len(p.queue) >= p.config.MaxQueueSize {
		p.packetsDropped++
		return false
	}
	pkt := &packet{
		data:       append([]byte(nil), data...),
		dest:       destination,
		priority:   priority,
		seq:        p.seq,
		enqueuedAt: p.clock.Now(),
	}
	p.seq++
	heap.Push(&p.queue, pkt)
	p.arrivals.PushBack(pkt)
	return true
}

// Process refills the bucket and emits packets while the head fits.
// Returns the number of packets sent.
func (p *Pacer) Process() int {
	p.lock.Lock()

	now := p.clock.Now()
	elapsed := now.Sub(p.lastFill)
	p.lastFill = now
	p.tokens += float64(p.config.TargetBitrateBps) / 8 * elapsed.Seconds()
	if p.tokens > float64(p.config.BucketSizeBytes) {
		p.tokens = float64(p.config.BucketSizeBytes)
	}

	var out []*packet
	for len(p.queue) > 0 {
		head := p.queue[0]
		if float64(len(head.data)) > p.tokens {
			break
		}
		p.tokens -= float64(len(head.data))
		heap.Pop(&p.queue)
		head.sent = true
		p.packetsSent++
		p.bytesSent += uint64(len(head.data))
		p.delaySum += now.Sub(head.enqueuedAt)
		out = append(out, head)
	}

	// prune the FIFO view of everything already emitted
	for p.arrivals.Len() > 0 && p.arrivals.Front().sent {
		p.arrivals.PopFront()
	}
	send := p.send
	p.lock.Unlock()

	if send != nil {
		for _, pkt := range out {
			send(pkt.data, pkt.dest)
		}
	}
	return len(out)
}

// SetTargetBitrate retargets the bucket fill rate.
func (p *Pacer) SetTargetBitrate(bitrateBps uint64) {
	p.lock.Lock()
	p.config.TargetBitrateBps = bitrateBps
	p.lock.Unlock()
}

// TargetBitrate returns the current fill rate.
func (p *Pacer) TargetBitrate() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.config.TargetBitrateBps
}

// QueueSize returns the number of queued packets.
func (p *Pacer) QueueSize() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.queue)
}

// QueueDelay reports how long the oldest queued packet has waited.
func (p *Pacer) QueueDelay() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()

	for p.arrivals.Len() > 0 && p.arrivals.Front().sent {
		p.arrivals.PopFront()
	}
	if p.arrivals.Len() == 0 {
		return 0
	}
	return p.clock.Now().Sub(p.arrivals.Front().enqueuedAt)
}

// Clear drops all queued packets.
func (p *Pacer) Clear() {
	p.lock.Lock()
	p.queue = nil
	p.arrivals.Clear()
	p.lock.Unlock()
}

// Stats snapshots counters.
func (p *Pacer) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()

	s := Stats{
		PacketsSent:    p.packetsSent,
		BytesSent:      p.bytesSent,
		PacketsDropped: p.packetsDropped,
	}
	if p.packetsSent > 0 {
		s.AvgQueueDelay = p.delaySum / time.Duration(p.packetsSent)
	}
	return s
}
