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

// Package service assembles the media engine: forwarding plane,
// subscription reconciliation, audio mixing, pacing and bandwidth
// control, under one explicit lifecycle.
package service

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/go-logr/logr"
	"github.com/livekit/mediatransportutil/pkg/twcc"
	pionrtcp "github.com/pion/rtcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/voxmesh/voxmesh-server/pkg/config"
	"github.com/voxmesh/voxmesh-server/pkg/mixer"
	"github.com/voxmesh/voxmesh-server/pkg/rtcp"
	"github.com/voxmesh/voxmesh-server/pkg/rtp"
	"github.com/voxmesh/voxmesh-server/pkg/sfu"
	"github.com/voxmesh/voxmesh-server/pkg/sfu/bwe"
	"github.com/voxmesh/voxmesh-server/pkg/sfu/pacer"
	"github.com/voxmesh/voxmesh-server/pkg/telemetry/prometheus"
)

// PacketSink is the socket surface the engine writes through. The I/O
// layer owns the sockets and their lifetime.
type PacketSink interface {
	Send(data []byte, destination netip.AddrPort) error
}

// keyframe requests towards one publisher are throttled to avoid PLI storms
const keyframeRequestsPerSecond = 2

// MediaEngine owns the forwarding and mixing planes of one node.
type MediaEngine struct {
	conf   *config.Config
	logger logr.Logger
	clock  clock.Clock
	sink   PacketSink

	Forwarder     *sfu.Forwarder
	Subscriptions *sfu.SubscriptionManager
	Mixer         *mixer.Mixer
	Pacer         *pacer.Pacer

	lock           sync.Mutex
	controllers    map[string]*bwe.Controller
	keyframeRL     map[string]*rate.Limiter
	twccResponders map[uint32]*twcc.Responder
	twccSources    map[uint32]netip.AddrPort

	cleanupPool *workerpool.WorkerPool
	stop        core.Fuse
	started     bool
}

// NewMediaEngine wires the components. The only goroutine it starts is
// the cleanup pool's dispatcher, which Stop shuts down; the periodic
// workers run from Start.
func NewMediaEngine(conf *config.Config, sink PacketSink, clk clock.Clock, logger logr.Logger) *MediaEngine {
	e := &MediaEngine{
		conf:           conf,
		logger:         logger,
		clock:          clk,
		sink:           sink,
		controllers:    make(map[string]*bwe.Controller),
		keyframeRL:     make(map[string]*rate.Limiter),
		twccResponders: make(map[uint32]*twcc.Responder),
		twccSources:    make(map[uint32]netip.AddrPort),
		cleanupPool:    workerpool.New(2),
	}

	e.Pacer = pacer.NewPacer(pacer.Config{
		TargetBitrateBps: conf.Pacer.TargetBitrateBps,
		BucketSizeBytes:  conf.Pacer.BucketSizeBytes,
		MaxQueueSize:     conf.Pacer.MaxQueueSize,
	}, clk, func(data []byte, dest netip.AddrPort) {
		if err := e.sink.Send(data, dest); err != nil {
			e.logger.V(1).Info("send failed, relying on rtcp recovery", "dest", dest)
		}
	})

	e.Forwarder = sfu.NewForwarder(sfu.ForwardSinkFunc(e.onForward))
	e.Subscriptions = sfu.NewSubscriptionManager(e.Forwarder)
	e.Mixer = mixer.NewMixer(mixer.Config{
		SampleRate:      conf.Audio.SampleRate,
		Channels:        conf.Audio.Channels,
		FrameDurationMs: conf.Audio.FrameDurationMs,
	})
	return e
}

// onForward bridges the forwarding plane into the pacer. Priority is
// chosen from the RTP payload type alone: static types below 96 are
// queued at audio priority, every dynamic type at video priority,
// including dynamic audio payload types such as Opus on 111.
func (e *MediaEngine) onForward(subscriberID string, packet []byte, destination netip.AddrPort) {
	priority := pacer.PriorityVideo
	if len(packet) > 1 && packet[1]&0x7f < 96 {
		priority = pacer.PriorityAudio
	}
	if !e.Pacer.Enqueue(packet, destination, priority) {
		prometheus.IncrementDropped(prometheus.Outgoing, 1)
	}

	e.lock.Lock()
	controller := e.controllers[subscriberID]
	e.lock.Unlock()
	if controller != nil {
		controller.OnPacketSent(len(packet))
	}
}

// Start launches the periodic workers and blocks until ctx is done or
// Stop is called.
func (e *MediaEngine) Start(ctx context.Context) error {
	e.lock.Lock()
	if e.started {
		e.lock.Unlock()
		return nil
	}
	e.started = true
	e.lock.Unlock()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return e.subscriptionWorker(ctx) })
	group.Go(func() error { return e.mixerWorker(ctx) })
	group.Go(func() error { return e.pacerWorker(ctx) })
	return group.Wait()
}

// Stop signals all workers and drains the cleanup pool.
func (e *MediaEngine) Stop() {
	e.stop.Once(func() {
		e.cleanupPool.StopWait()
	})
}

func (e *MediaEngine) subscriptionWorker(ctx context.Context) error {
	ticker := e.clock.Ticker(e.conf.WorkerTick())
	defer ticker.Stop()
	// bandwidth controllers step on their own ~25 ms cadence
	const bweProcessInterval = 25 * time.Millisecond
	bweTicker := e.clock.Ticker(bweProcessInterval)
	defer bweTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop.Watch():
			return nil
		case <-bweTicker.C:
			e.processControllers()
		case <-ticker.C:
			e.Subscriptions.Process()
			stats := e.Forwarder.Stats()
			prometheus.SetActiveStreams(stats.Publishers)
			prometheus.SetSubscriptions(e.Subscriptions.Count())
		}
	}
}

func (e *MediaEngine) mixerWorker(ctx context.Context) error {
	ticker := e.clock.Ticker(time.Duration(e.conf.Audio.FrameDurationMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop.Watch():
			return nil
		case <-ticker.C:
			e.Mixer.Process()
		}
	}
}

func (e *MediaEngine) pacerWorker(ctx context.Context) error {
	ticker := e.clock.Ticker(e.conf.PacerDrainInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop.Watch():
			return nil
		case <-ticker.C:
			sent := e.Pacer.Process()
			if sent > 0 {
				prometheus.IncrementPackets(prometheus.Outgoing, uint64(sent))
			}
		}
	}
}

func (e *MediaEngine) processControllers() {
	e.lock.Lock()
	controllers := make(map[string]*bwe.Controller, len(e.controllers))
	for id, c := range e.controllers {
		controllers[id] = c
	}
	e.lock.Unlock()

	for id, c := range controllers {
		c.Process()
		estimate := c.CurrentEstimate()
		e.Subscriptions.UpdateBandwidth(id, sfu.Bandwidth{
			EstimatedBps: estimate.TargetBps,
			PacketLoss:   estimate.PacketLoss,
			RTTMs:        estimate.RTTMs,
		})
	}
}

// controllerFor lazily creates the per-subscriber bandwidth controller.
func (e *MediaEngine) controllerFor(subscriberID string) *bwe.Controller {
	e.lock.Lock()
	defer e.lock.Unlock()

	c, ok := e.controllers[subscriberID]
	if !ok {
		c = bwe.NewController(bwe.Config{
			StartBitrateBps: e.conf.BWE.StartBitrateBps,
			MinBitrateBps:   e.conf.BWE.MinBitrateBps,
			MaxBitrateBps:   e.conf.BWE.MaxBitrateBps,
			IncreaseRate:    e.conf.BWE.IncreaseRate,
			DecreaseRate:    e.conf.BWE.DecreaseRate,
			LossThreshold:   e.conf.BWE.LossThreshold,
		}, e.clock)
		e.controllers[subscriberID] = c
	}
	return c
}

// OnRTPPacket is the ingress entry from the I/O threads.
func (e *MediaEngine) OnRTPPacket(data []byte, source netip.AddrPort) {
	ssrc, err := rtp.SSRCFromRaw(data)
	if err != nil {
		prometheus.IncrementDropped(prometheus.Incoming, 1)
		return
	}
	prometheus.IncrementPackets(prometheus.Incoming, 1)
	prometheus.IncrementBytes(prometheus.Incoming, uint64(len(data)))
	e.observeTWCC(ssrc, data, source)
	e.Forwarder.OnRTPPacket(ssrc, data, source)
}

// observeTWCC feeds the publisher's transport-wide-cc responder so it
// can report the receive timeline back to the sender. Only packets
// carrying a header extension are parsed.
func (e *MediaEngine) observeTWCC(ssrc uint32, data []byte, source netip.AddrPort) {
	extID := e.conf.RTC.TWCCExtID
	if extID == 0 || len(data) == 0 || data[0]&0x10 == 0 {
		return
	}
	pkt, err := rtp.Parse(data)
	if err != nil {
		return
	}
	ext := pkt.GetExtension(uint8(extID))
	if len(ext) < 2 {
		return
	}

	e.lock.Lock()
	e.twccSources[ssrc] = source
	responder, ok := e.twccResponders[ssrc]
	if !ok {
		responder = twcc.NewTransportWideCCResponder(ssrc)
		responder.OnFeedback(func(fb pionrtcp.RawPacket) {
			e.lock.Lock()
			dest := e.twccSources[ssrc]
			e.lock.Unlock()
			if dest.IsValid() {
				_ = e.sink.Send(fb, dest)
			}
		})
		e.twccResponders[ssrc] = responder
	}
	e.lock.Unlock()

	sn := uint16(ext[0])<<8 | uint16(ext[1])
	responder.Push(sn, e.clock.Now().UnixNano(), pkt.Header.Marker)
}

// OnRTCPPacket feeds subscriber feedback into the bandwidth plane.
func (e *MediaEngine) OnRTCPPacket(subscriberID string, data []byte) {
	packets, err := rtcp.ParseCompound(data)
	if err != nil {
		prometheus.IncrementDropped(prometheus.Incoming, 1)
		return
	}

	controller := e.controllerFor(subscriberID)
	for _, p := range packets {
		switch pkt := p.(type) {
		case *rtcp.ReceiverEstimatedMaxBitrate:
			controller.OnREMB(pkt.Bitrate)
		case *rtcp.ReceiverReport:
			for _, block := range pkt.Reports {
				controller.OnPacketLoss(block.LossRate())
			}
		case *rtcp.Nack:
			prometheus.IncrementNack(prometheus.Incoming)
			if publisherID, _, ok := e.Forwarder.StreamBySSRC(pkt.MediaSSRC); ok {
				var seqs []uint16
				for _, pair := range pkt.Pairs {
					seqs = append(seqs, pair.Sequences()...)
				}
				e.Forwarder.ResendPackets(publisherID, subscriberID, seqs)
			}
		case *rtcp.PictureLossIndication:
			prometheus.IncrementPLI(prometheus.Incoming)
		case *rtcp.FullIntraRequest:
			prometheus.IncrementFIR(prometheus.Incoming)
		}
	}
}

// RequestKeyframe emits a PLI towards a publisher, throttled per
// publisher to keep a lossy subscriber from starving the encoder.
func (e *MediaEngine) RequestKeyframe(publisherSSRC uint32, dest netip.AddrPort) bool {
	e.lock.Lock()
	limiter, ok := e.keyframeRL[dest.String()]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(keyframeRequestsPerSecond), 1)
		e.keyframeRL[dest.String()] = limiter
	}
	e.lock.Unlock()

	if !limiter.Allow() {
		return false
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: publisherSSRC}
	raw, err := pli.Marshal()
	if err != nil {
		return false
	}
	prometheus.IncrementPLI(prometheus.Outgoing)
	return e.sink.Send(raw, dest) == nil
}

// RemoveParticipant cascades: subscriptions first, then publisher
// streams, so no forwarding rule is left pointing at a dead stream.
func (e *MediaEngine) RemoveParticipant(participantID string) {
	e.Subscriptions.UnsubscribeAll(participantID)
	e.Forwarder.UnsubscribeAll(participantID)

	e.Subscriptions.RemovePublisher(participantID)
	e.Forwarder.UnregisterAllPublisher(participantID)
	e.Mixer.RemoveSource(participantID)

	e.lock.Lock()
	delete(e.controllers, participantID)
	ssrcs := make([]uint32, 0, len(e.twccResponders))
	for ssrc := range e.twccResponders {
		ssrcs = append(ssrcs, ssrc)
	}
	e.lock.Unlock()

	// drop twcc state for streams that no longer resolve
	var dead []uint32
	for _, ssrc := range ssrcs {
		if _, _, ok := e.Forwarder.StreamBySSRC(ssrc); !ok {
			dead = append(dead, ssrc)
		}
	}
	e.lock.Lock()
	for _, ssrc := range dead {
		delete(e.twccResponders, ssrc)
		delete(e.twccSources, ssrc)
	}
	e.lock.Unlock()

	e.cleanupPool.Submit(func() {
		e.logger.Info("participant removed", "participant", participantID)
	})
}
