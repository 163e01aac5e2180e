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

// Package sfu implements the selective forwarding core: SSRC
// demultiplexing, per-subscriber forwarding rules with optional SSRC
// rewrite, and simulcast layer management.
package sfu

import (
	"net/netip"
	"sync"

	"github.com/go-logr/logr"
	"github.com/livekit/mediatransportutil/pkg/bucket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/voxmesh/voxmesh-server/pkg/rtp"
)

// Logger is an implementation of logr.Logger. If it is not provided - will be turned off.
var Logger logr.Logger = logr.Discard()

var (
	ErrSSRCCollision     = errors.New("sfu: ssrc already registered to another stream")
	ErrStreamExists      = errors.New("sfu: publisher stream already registered")
	ErrUnknownPublisher  = errors.New("sfu: unknown publisher stream")
	ErrUnknownSubscriber = errors.New("sfu: unknown subscription")
)

// MediaKind of a publisher stream.
type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	if k == MediaAudio {
		return "audio"
	}
	return "video"
}

// StreamInfo describes one published RTP stream. Attributes are
// immutable after registration; a changed stream is a new stream.
type StreamInfo struct {
	SSRC           uint32
	PayloadType    uint8
	Kind           MediaKind
	SimulcastLayer int // -1 if not simulcast, 0..2 otherwise
	Codec          string
}

// Rule routes one publisher stream to one subscriber.
type Rule struct {
	SubscriberID   string
	Destination    netip.AddrPort
	RewrittenSSRC  uint32 // 0 keeps the original
	PreferredLayer int    // -1 accepts every layer
	Active         bool
}

// ForwardSink receives forwarded packets. The payload slice is borrowed
// for the duration of the call; sinks that retain it must copy.
type ForwardSink interface {
	Forward(subscriberID string, packet []byte, destination netip.AddrPort)
}

// ForwardSinkFunc adapts a function to ForwardSink.
type ForwardSinkFunc func(subscriberID string, packet []byte, destination netip.AddrPort)

func (f ForwardSinkFunc) Forward(subscriberID string, packet []byte, destination netip.AddrPort) {
	f(subscriberID, packet, destination)
}

// Stats are cumulative forwarder counters.
type Stats struct {
	PacketsReceived      uint64
	PacketsForwarded     uint64
	PacketsRetransmitted uint64
	BytesReceived        uint64
	BytesForwarded       uint64
	PacketsDropped       uint64
	Publishers           int
	Subscribers          int
}

// rtx cache depth per stream, in packets
const (
	rtxPacketsVideo = 500
	rtxPacketsAudio = 100
)

type publisherStream struct {
	publisherID string
	streamID    string
	info        StreamInfo

	// rules keyed by subscriber id
	rules map[string]*Rule

	// rtx retains forwarded packets so subscriber NACKs can be served
	// without a round trip to the publisher
	rtxLock sync.Mutex
	rtx     *bucket.Bucket
}

func (s *publisherStream) cachePacket(packet []byte) {
	seq, err := rtp.SequenceFromRaw(packet)
	if err != nil {
		return
	}
	s.rtxLock.Lock()
	_, _ = s.rtx.AddPacketWithSequenceNumber(packet, seq)
	s.rtxLock.Unlock()
}

func (s *publisherStream) cachedPacket(buf []byte, seq uint16) (int, bool) {
	s.rtxLock.Lock()
	n, err := s.rtx.GetPacket(buf, seq)
	s.rtxLock.Unlock()
	return n, err == nil
}

// Forwarder owns the SSRC table. The packet hot path takes the read
// side of the lock; rule mutation takes the write side and is rare
// relative to packet rate.
type Forwarder struct {
	logger logr.Logger
	sink   ForwardSink

	lock     sync.RWMutex
	bySSRC   map[uint32]*publisherStream
	byStream map[string]*publisherStream // publisherID/streamID
	scratch  sync.Pool

	packetsReceived      atomic.Uint64
	packetsForwarded     atomic.Uint64
	packetsRetransmitted atomic.Uint64
	bytesReceived        atomic.Uint64
	bytesForwarded       atomic.Uint64
	packetsDropped       atomic.Uint64
}

func NewForwarder(sink ForwardSink) *Forwarder {
	return &Forwarder{
		logger:   Logger,
		sink:     sink,
		bySSRC:   make(map[uint32]*publisherStream),
		byStream: make(map[string]*publisherStream),
		scratch: sync.Pool{
			New: func() interface{} { return make([]byte, 1500) },
		},
	}
}

func streamKey(publisherID, streamID string) string {
	return publisherID + "/" + streamID
}

// RegisterPublisher adds a publisher stream. Colliding SSRCs and
// re-registration with different attributes are rejected.
func (f *Forwarder) RegisterPublisher(publisherID, streamID string, info StreamInfo) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	key := streamKey(publisherID, streamID)
	if existing, ok := f.byStream[key]; ok {
		if existing.info == info {
			return nil
		}
		return ErrStreamExists
	}
	if existing, ok := f.bySSRC[info.SSRC]; ok {
		f.logger.Info("rejecting ssrc collision",
			"ssrc", info.SSRC, "existing", existing.publisherID, "publisher", publisherID)
		return ErrSSRCCollision
	}

	rtxPackets := rtxPacketsVideo
	if info.Kind == MediaAudio {
		rtxPackets = rtxPacketsAudio
	}
	rtxBuf := make([]byte, rtxPackets*bucket.MaxPktSize)
	stream := &publisherStream{
		publisherID: publisherID,
		streamID:    streamID,
		info:        info,
		rules:       make(map[string]*Rule),
		rtx:         bucket.NewBucket(&rtxBuf),
	}
	f.bySSRC[info.SSRC] = stream
	f.byStream[key] = stream
	return nil
}

// UnregisterPublisher removes a stream and all its rules.
func (f *Forwarder) UnregisterPublisher(publisherID, streamID string) {
	f.lock.Lock()
	defer f.lock.Unlock()

	key := streamKey(publisherID, streamID)
	stream, ok := f.byStream[key]
	if !ok {
		return
	}
	delete(f.byStream, key)
	delete(f.bySSRC, stream.info.SSRC)
}

// UnregisterAllPublisher removes every stream of a publisher.
func (f *Forwarder) UnregisterAllPublisher(publisherID string) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for key, stream := range f.byStream {
		if stream.publisherID == publisherID {
			delete(f.byStream, key)
			delete(f.bySSRC, stream.info.SSRC)
		}
	}
}

// Subscribe attaches a rule to every stream of the publisher.
func (f *Forwarder) Subscribe(publisherID, subscriberID string, rule Rule) error {
	rule.SubscriberID = subscriberID

	f.lock.Lock()
	defer f.lock.Unlock()

	found := false
	for _, stream := range f.byStream {
		if stream.publisherID != publisherID {
			continue
		}
		r := rule
		stream.rules[subscriberID] = &r
		found = true
	}
	if !found {
		return ErrUnknownPublisher
	}
	return nil
}

// Unsubscribe removes the subscriber's rules from all publisher streams.
func (f *Forwarder) Unsubscribe(publisherID, subscriberID string) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, stream := range f.byStream {
		if stream.publisherID == publisherID {
			delete(stream.rules, subscriberID)
		}
	}
}

// UnsubscribeAll removes the subscriber from every publisher.
func (f *Forwarder) UnsubscribeAll(subscriberID string) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, stream := range f.byStream {
		delete(stream.rules, subscriberID)
	}
}

// SetPreferredLayer updates the simulcast layer filter on the
// subscriber's rules for this publisher.
func (f *Forwarder) SetPreferredLayer(publisherID, subscriberID string, layer int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	found := false
	for _, stream := range f.byStream {
		if stream.publisherID != publisherID {
			continue
		}
		if rule, ok := stream.rules[subscriberID]; ok {
			rule.PreferredLayer = layer
			found = true
		}
	}
	if !found {
		return ErrUnknownSubscriber
	}
	return nil
}

// SetRuleActive pauses or resumes the subscriber's rules.
func (f *Forwarder) SetRuleActive(publisherID, subscriberID string, active bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	found := false
	for _, stream := range f.byStream {
		if stream.publisherID != publisherID {
			continue
		}
		if rule, ok := stream.rules[subscriberID]; ok {
			rule.Active = active
			found = true
		}
	}
	if !found {
		return ErrUnknownSubscriber
	}
	return nil
}

// OnRTPPacket is the ingress hot path: demultiplex by SSRC and emit to
// every matching rule. The original buffer is borrowed zero-copy; a
// copy is made only when the SSRC must be rewritten.
func (f *Forwarder) OnRTPPacket(ssrc uint32, packet []byte, _ netip.AddrPort) {
	f.lock.RLock()
	stream, ok := f.bySSRC[ssrc]
	if !ok {
		f.lock.RUnlock()
		f.packetsDropped.Inc()
		return
	}

	f.packetsReceived.Inc()
	f.bytesReceived.Add(uint64(len(packet)))
	stream.cachePacket(packet)

	layer := stream.info.SimulcastLayer
	for _, rule := range stream.rules {
		if !rule.Active {
			continue
		}
		if layer >= 0 && rule.PreferredLayer >= 0 && rule.PreferredLayer != layer {
			continue
		}

		out := packet
		if rule.RewrittenSSRC != 0 && rule.RewrittenSSRC != ssrc {
			buf := f.scratch.Get().([]byte)
			if cap(buf) < len(packet) {
				buf = make([]byte, len(packet))
			}
			out = buf[:len(packet)]
			copy(out, packet)
			_ = rtp.OverwriteSSRC(out, rule.RewrittenSSRC)
			f.sink.Forward(rule.SubscriberID, out, rule.Destination)
			f.scratch.Put(buf[:cap(buf)])
		} else {
			f.sink.Forward(rule.SubscriberID, out, rule.Destination)
		}

		f.packetsForwarded.Inc()
		f.bytesForwarded.Add(uint64(len(packet)))
	}
	f.lock.RUnlock()
}

// ResendPackets serves a subscriber NACK from the per-stream rtx cache,
// returning how many of the requested sequences could be re-emitted.
func (f *Forwarder) ResendPackets(publisherID, subscriberID string, seqs []uint16) int {
	f.lock.RLock()
	defer f.lock.RUnlock()

	resent := 0
	buf := f.scratch.Get().([]byte)
	if cap(buf) < bucket.MaxPktSize {
		buf = make([]byte, bucket.MaxPktSize)
	}
	buf = buf[:cap(buf)]
	defer f.scratch.Put(buf)

	for _, stream := range f.byStream {
		if stream.publisherID != publisherID {
			continue
		}
		rule, ok := stream.rules[subscriberID]
		if !ok || !rule.Active {
			continue
		}
		for _, seq := range seqs {
			n, ok := stream.cachedPacket(buf, seq)
			if !ok {
				continue
			}
			out := buf[:n]
			if rule.RewrittenSSRC != 0 && rule.RewrittenSSRC != stream.info.SSRC {
				_ = rtp.OverwriteSSRC(out, rule.RewrittenSSRC)
			}
			f.sink.Forward(rule.SubscriberID, out, rule.Destination)
			f.packetsRetransmitted.Inc()
			f.bytesForwarded.Add(uint64(n))
			resent++
		}
	}
	return resent
}

// StreamBySSRC resolves the owning publisher and stream of an SSRC.
func (f *Forwarder) StreamBySSRC(ssrc uint32) (publisherID, streamID string, ok bool) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	stream, ok := f.bySSRC[ssrc]
	if !ok {
		return "", "", false
	}
	return stream.publisherID, stream.streamID, true
}

// Publishers lists registered publisher ids.
func (f *Forwarder) Publishers() []string {
	f.lock.RLock()
	defer f.lock.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, stream := range f.byStream {
		if _, ok := seen[stream.publisherID]; !ok {
			seen[stream.publisherID] = struct{}{}
			out = append(out, stream.publisherID)
		}
	}
	return out
}

// Subscribers lists subscriber ids attached to a publisher.
func (f *Forwarder) Subscribers(publisherID string) []string {
	f.lock.RLock()
	defer f.lock.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, stream := range f.byStream {
		if stream.publisherID != publisherID {
			continue
		}
		for id := range stream.rules {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// Stats snapshots the counters.
func (f *Forwarder) Stats() Stats {
	f.lock.RLock()
	publishers := len(f.byStream)
	subscribers := make(map[string]struct{})
	for _, stream := range f.byStream {
		for id := range stream.rules {
			subscribers[id] = struct{}{}
		}
	}
	f.lock.RUnlock()

	return Stats{
		PacketsReceived:      f.packetsReceived.Load(),
		PacketsForwarded:     f.packetsForwarded.Load(),
		PacketsRetransmitted: f.packetsRetransmitted.Load(),
		BytesReceived:        f.bytesReceived.Load(),
		BytesForwarded:       f.bytesForwarded.Load(),
		PacketsDropped:       f.packetsDropped.Load(),
		Publishers:           publishers,
		Subscribers:          len(subscribers),
	}
}
