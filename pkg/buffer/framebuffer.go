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

// Package buffer reassembles RTP video packets into complete frames,
// absorbing reordering and loss ahead of the decoder.
package buffer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/go-logr/logr"
	"github.com/livekit/mediatransportutil/pkg/nack"

	"github.com/voxmesh/voxmesh-server/pkg/utils"
)

// Logger is an implementation of logr.Logger. If it is not provided - will be turned off.
var Logger logr.Logger = logr.Discard()

const (
	// nackWindow bounds the gap the buffer is willing to chase with
	// retransmission requests; larger jumps are treated as a resync.
	nackWindow = 100

	// keyframeDropThreshold forces a keyframe request once more than this
	// many frames have been dropped since the last accepted keyframe.
	keyframeDropThreshold = 10
)

// Config tunes a FrameBuffer.
type Config struct {
	MaxFrames       int
	TargetDelay     time.Duration
	MaxDelay        time.Duration
	EnableNack      bool
	WaitForKeyframe bool
}

// DefaultConfig mirrors the defaults used in production rooms.
func DefaultConfig() Config {
	return Config{
		MaxFrames:       30,
		TargetDelay:     50 * time.Millisecond,
		MaxDelay:        200 * time.Millisecond,
		EnableNack:      true,
		WaitForKeyframe: true,
	}
}

// Frame is a fully reassembled video frame.
type Frame struct {
	Payload       []byte
	RTPTimestamp  uint32
	SequenceStart uint16
	SequenceEnd   uint16
	ArrivalTime   time.Time
	IsKeyframe    bool
}

// Stats is a point-in-time snapshot.
type Stats struct {
	FramesBuffered  int
	FramesCompleted uint64
	FramesDropped   uint64
	PacketsReceived uint64
	PacketsLost     uint64
	LossRate        float64
	CurrentDelay    time.Duration
}

// assembler collects the packets of a single RTP timestamp.
type assembler struct {
	packets    map[uint16][]byte
	firstSeq   uint16
	lastSeq    uint16
	haveFirst  bool
	haveLast   bool
	isKeyframe bool
	arrival    time.Time
}

func (a *assembler) insert(payload []byte, seq uint16, marker bool, keyframe bool) {
	if _, ok := a.packets[seq]; ok {
		return
	}
	a.packets[seq] = append([]byte(nil), payload...)
	if !a.haveFirst || utils.SeqBefore(seq, a.firstSeq) {
		a.firstSeq = seq
		a.haveFirst = true
	}
	if marker {
		a.lastSeq = seq
		a.haveLast = true
	}
	if keyframe {
		a.isKeyframe = true
	}
}

// complete reports whether every sequence number in [firstSeq, lastSeq]
// has been received, wrap-around safe.
func (a *assembler) complete() bool {
	if !a.haveFirst || !a.haveLast {
		return false
	}
	span := utils.SeqDiff(a.lastSeq, a.firstSeq)
	if span < 0 {
		return false
	}
	return len(a.packets) == int(span)+1
}

// assemble concatenates payloads in sequence order.
func (a *assembler) assemble() []byte {
	var size int
	for _, p := range a.packets {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for seq := a.firstSeq; ; seq++ {
		out = append(out, a.packets[seq]...)
		if seq == a.lastSeq {
			break
		}
	}
	return out
}

// FrameBuffer reorders and completes video frames before decode.
type FrameBuffer struct {
	lock   sync.Mutex
	config Config
	clock  clock.Clock
	logger logr.Logger

	assemblers map[uint32]*assembler
	complete   deque.Deque[*Frame]

	highestSeq  uint16
	haveHighest bool
	nacker      *nack.NackQueue

	keyframeSeen    bool
	droppedSinceKey uint64
	framesCompleted uint64
	framesDropped   uint64
	packetsReceived uint64
	packetsLost     uint64
}

func NewFrameBuffer(config Config, clk clock.Clock) *FrameBuffer {
	f := &FrameBuffer{
		config:     config,
		clock:      clk,
		logger:     Logger,
		assemblers: make(map[uint32]*assembler),
	}
	if config.EnableNack {
		f.nacker = nack.NewNACKQueue(nack.NackQueueParamsDefault)
	}
	return f
}

// SetRTT feeds the measured round-trip time into the NACK backoff.
func (f *FrameBuffer) SetRTT(rttMs uint32) {
	f.lock.Lock()
	if f.nacker != nil {
		f.nacker.SetRTT(rttMs)
	}
	f.lock.Unlock()
}

// InsertPacket feeds one RTP payload. marker signals end of frame;
// keyframeHint marks packets that belong to an intra frame.
func (f *FrameBuffer) InsertPacket(payload []byte, seq uint16, ts uint32, marker bool, keyframeHint bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	now := f.clock.Now()
	f.packetsReceived++
	f.trackSeqLocked(seq)

	asm, ok := f.assemblers[ts]
	if !ok {
		asm = &assembler{packets: make(map[uint16][]byte), arrival: now}
		f.assemblers[ts] = asm
	}
	asm.insert(payload, seq, marker, keyframeHint)

	if asm.complete() {
		delete(f.assemblers, ts)
		f.finishFrameLocked(asm, ts)
	}

	f.cleanupLocked(now)
}

func (f *FrameBuffer) finishFrameLocked(asm *assembler, ts uint32) {
	frame := &Frame{
		Payload:       asm.assemble(),
		RTPTimestamp:  ts,
		SequenceStart: asm.firstSeq,
		SequenceEnd:   asm.lastSeq,
		ArrivalTime:   asm.arrival,
		IsKeyframe:    asm.isKeyframe,
	}

	if f.config.WaitForKeyframe && !f.keyframeSeen {
		if !frame.IsKeyframe {
			f.framesDropped++
			f.droppedSinceKey++
			return
		}
		f.keyframeSeen = true
	}
	if frame.IsKeyframe {
		f.keyframeSeen = true
		f.droppedSinceKey = 0
	}

	if f.config.MaxFrames > 0 && f.complete.Len() >= f.config.MaxFrames {
		dropped := f.complete.PopFront()
		f.framesDropped++
		f.droppedSinceKey++
		f.logger.V(1).Info("complete queue full, dropping oldest frame", "ts", dropped.RTPTimestamp)
	}
	f.complete.PushBack(frame)
	f.framesCompleted++
}

// trackSeqLocked advances the receive window and keeps the NACK queue
// current: gaps are pushed as lost, arrivals retire pending requests.
func (f *FrameBuffer) trackSeqLocked(seq uint16) {
	if !f.haveHighest {
		f.highestSeq = seq
		f.haveHighest = true
		return
	}

	diff := utils.SeqDiff(seq, f.highestSeq)
	switch {
	case diff > 0 && int(diff) <= nackWindow:
		if f.nacker != nil {
			for lost := f.highestSeq + 1; lost != seq; lost++ {
				f.nacker.Push(lost)
			}
		}
		f.highestSeq = seq
	case diff > 0:
		// jump too large to chase, treat as a stream resync
		f.highestSeq = seq
	default:
		// late or retransmitted packet
		if f.nacker != nil {
			f.nacker.Remove(seq)
		}
	}
}

func (f *FrameBuffer) cleanupLocked(now time.Time) {
	for f.complete.Len() > 0 {
		head := f.complete.Front()
		if now.Sub(head.ArrivalTime) <= f.config.MaxDelay {
			break
		}
		f.complete.PopFront()
		f.framesDropped++
		f.droppedSinceKey++
	}

	stale := 2 * f.config.MaxDelay
	for ts, asm := range f.assemblers {
		if now.Sub(asm.arrival) > stale {
			delete(f.assemblers, ts)
			f.packetsLost += uint64(len(asm.packets))
			f.framesDropped++
			f.droppedSinceKey++
		}
	}
}

// PopFrame returns the next complete frame once it has aged past the
// target playout delay, giving late packets a chance to arrive.
func (f *FrameBuffer) PopFrame() (*Frame, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.complete.Len() == 0 {
		return nil, false
	}
	head := f.complete.Front()
	if f.clock.Now().Sub(head.ArrivalTime) < f.config.TargetDelay {
		return nil, false
	}
	return f.complete.PopFront(), true
}

// PeekFrame returns the next complete frame without removing it.
func (f *FrameBuffer) PeekFrame() (*Frame, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.complete.Len() == 0 {
		return nil, false
	}
	return f.complete.Front(), true
}

// NackList returns up to max missing sequence numbers that are due for
// a retransmission request. The queue applies per-sequence RTT backoff,
// so sequences just requested are not returned again immediately.
func (f *FrameBuffer) NackList(max int) []uint16 {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.nacker == nil {
		return nil
	}
	pairs, _ := f.nacker.Pairs()
	var missing []uint16
	for _, pair := range pairs {
		for _, seq := range pair.PacketList() {
			if len(missing) >= max {
				return missing
			}
			missing = append(missing, seq)
		}
	}
	return missing
}

// ShouldRequestKeyframe reports whether the consumer should solicit a
// PLI/FIR: no keyframe yet, or too much loss since the last one.
func (f *FrameBuffer) ShouldRequestKeyframe() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.keyframeSeen {
		return true
	}
	return f.droppedSinceKey > keyframeDropThreshold
}

// Stats snapshots counters.
func (f *FrameBuffer) Stats() Stats {
	f.lock.Lock()
	defer f.lock.Unlock()

	s := Stats{
		FramesBuffered:  f.complete.Len(),
		FramesCompleted: f.framesCompleted,
		FramesDropped:   f.framesDropped,
		PacketsReceived: f.packetsReceived,
		PacketsLost:     f.packetsLost,
	}
	if total := f.packetsReceived + f.packetsLost; total > 0 {
		s.LossRate = float64(f.packetsLost) / float64(total)
	}
	if f.complete.Len() > 0 {
		s.CurrentDelay = f.clock.Now().Sub(f.complete.Front().ArrivalTime)
	}
	return s
}

// Reset drops buffered frames, assemblers and NACK state and re-arms the
// keyframe gate. Cumulative counters reported by Stats are kept.
func (f *FrameBuffer) Reset() {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.assemblers = make(map[uint32]*assembler)
	f.complete.Clear()
	if f.config.EnableNack {
		f.nacker = nack.NewNACKQueue(nack.NackQueueParamsDefault)
	}
	f.haveHighest = false
	f.keyframeSeen = false
	f.droppedSinceKey = 0
}
