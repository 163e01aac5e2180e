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

// Package mixer implements the MCU audio path: N sources mixed into N
// unique outputs, each excluding the recipient's own contribution, with
// active-speaker detection on top of the per-source levels.
package mixer

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/voxmesh/voxmesh-server/pkg/utils"
)

// Logger is an implementation of logr.Logger. If it is not provided - will be turned off.
var Logger logr.Logger = logr.Discard()

const (
	// activeSpeakerThreshold gates speaker promotion: quieter sources
	// never become the active speaker.
	activeSpeakerThreshold = -40.0

	// sourceQueueFrames bounds the capture-to-mixer hand-off ring.
	sourceQueueFrames = 8
)

// Config describes the shared audio format of all sources.
type Config struct {
	SampleRate      int
	Channels        int
	FrameDurationMs int
}

// DefaultConfig is 20 ms mono at 48 kHz, the Opus conferencing profile.
func DefaultConfig() Config {
	return Config{
		SampleRate:      48000,
		Channels:        1,
		FrameDurationMs: 20,
	}
}

// samplesPerFrame is the mono sample count per tick.
func (c Config) samplesPerFrame() int {
	return c.SampleRate * c.FrameDurationMs / 1000
}

// MixParams are per-source gain controls.
type MixParams struct {
	Volume float64 // 0..2
	Pan    float64 // -1 (left) .. 1 (right)
	Muted  bool
}

// DefaultMixParams is unity gain, centered.
func DefaultMixParams() MixParams {
	return MixParams{Volume: 1.0}
}

// MixedAudioHandler receives one mix per recipient per tick. samples is
// reused across ticks; handlers that retain it must copy.
type MixedAudioHandler func(recipient string, samples []int16, timestamp uint32)

// ActiveSpeakerHandler fires on active-speaker transitions.
type ActiveSpeakerHandler func(participant string, level float64)

// Stats is a point-in-time snapshot.
type Stats struct {
	Sources     int
	MixedFrames uint64
}

type pcmFrame struct {
	samples   []int16
	timestamp uint32
}

type source struct {
	id     string
	params MixParams

	// queue is written by the capture thread and drained on the mix
	// tick; the SPSC ring keeps the ingress path lock-free.
	queue *utils.RingBuffer[pcmFrame]

	buffer  []int16
	hasData bool
	lastTS  uint32
	level   float64
}

// Mixer mixes audio sources. Process is driven by the owner's cadence
// loop, once per frame duration.
type Mixer struct {
	config Config
	logger logr.Logger

	lock    sync.Mutex
	sources map[string]*source

	onMixedAudio    MixedAudioHandler
	onActiveSpeaker ActiveSpeakerHandler
	activeSpeaker   string

	mixedFrames uint64

	// scratch buffers reused across ticks
	acc []int32
	out []int16
}

func NewMixer(config Config) *Mixer {
	outLen := config.samplesPerFrame() * config.Channels
	return &Mixer{
		config:  config,
		logger:  Logger,
		sources: make(map[string]*source),
		acc:     make([]int32, outLen),
		out:     make([]int16, outLen),
	}
}

// OnMixedAudio registers the per-recipient output callback.
func (m *Mixer) OnMixedAudio(handler MixedAudioHandler) {
	m.lock.Lock()
	m.onMixedAudio = handler
	m.lock.Unlock()
}

// OnActiveSpeaker registers the speaker-transition callback.
func (m *Mixer) OnActiveSpeaker(handler ActiveSpeakerHandler) {
	m.lock.Lock()
	m.onActiveSpeaker = handler
	m.lock.Unlock()
}

// AddSource registers a participant.
func (m *Mixer) AddSource(id string, params MixParams) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.sources[id]; ok {
		return
	}
	m.sources[id] = &source{
		id:     id,
		params: params,
		queue:  utils.NewRingBuffer[pcmFrame](sourceQueueFrames),
		level:  SilenceFloor,
	}
}

// RemoveSource drops a participant. A departing active speaker clears
// the title without an event; the next tick elects a successor.
func (m *Mixer) RemoveSource(id string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.sources, id)
	if m.activeSpeaker == id {
		m.activeSpeaker = ""
	}
}

// SetMixParams updates gain controls for a source.
func (m *Mixer) SetMixParams(id string, params MixParams) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return false
	}
	s.params = params
	return true
}

// PushAudio queues one 20 ms PCM frame from a capture thread. When the
// source's ring is full the new frame is dropped and false is returned.
func (m *Mixer) PushAudio(id string, samples []int16, timestamp uint32) bool {
	m.lock.Lock()
	s, ok := m.sources[id]
	m.lock.Unlock()
	if !ok {
		return false
	}
	return s.queue.Push(pcmFrame{
		samples:   append([]int16(nil), samples...),
		timestamp: timestamp,
	})
}

// ActiveSpeaker returns the current active speaker id, if any.
func (m *Mixer) ActiveSpeaker() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.activeSpeaker
}

// SourceLevel returns the last measured level for a source in dBFS.
func (m *Mixer) SourceLevel(id string) (float64, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return 0, false
	}
	return s.level, true
}

// Stats snapshots counters.
func (m *Mixer) Stats() Stats {
	m.lock.Lock()
	defer m.lock.Unlock()
	return Stats{
		Sources:     len(m.sources),
		MixedFrames: m.mixedFrames,
	}
}

// Process runs one mix tick: drain queues, update levels and the
// active speaker, then emit one mix-minus-self frame per recipient.
func (m *Mixer) Process() {
	m.lock.Lock()

	for _, s := range m.sources {
		if frame, ok := s.queue.Pop(); ok {
			s.buffer = frame.samples
			s.lastTS = frame.timestamp
			s.hasData = true
			s.level = RMSLevel(frame.samples)
		} else {
			s.level = SilenceFloor
		}
	}

	m.updateActiveSpeakerLocked()

	handler := m.onMixedAudio
	for _, recipient := range m.sortedSourcesLocked() {
		m.mixForLocked(recipient)
		if handler != nil {
			handler(recipient.id, m.out, recipient.lastTS)
		}
		m.mixedFrames++
	}

	for _, s := range m.sources {
		s.hasData = false
	}
	m.lock.Unlock()
}

// sortedSourcesLocked gives a stable iteration order so outputs are
// deterministic within a tick.
func (m *Mixer) sortedSourcesLocked() []*source {
	out := make([]*source, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Mixer) mixForLocked(recipient *source) {
	for i := range m.acc {
		m.acc[i] = 0
	}
	mono := m.config.samplesPerFrame()

	for _, s := range m.sources {
		if s == recipient || !s.hasData || s.params.Muted {
			continue
		}
		samples := s.buffer
		if len(samples) > mono {
			samples = samples[:mono]
		}
		if m.config.Channels == 2 {
			left, right := panGains(s.params.Volume, s.params.Pan)
			for i, v := range samples {
				m.acc[2*i] += int32(float64(v) * left)
				m.acc[2*i+1] += int32(float64(v) * right)
			}
		} else {
			for i, v := range samples {
				m.acc[i] += int32(float64(v) * s.params.Volume)
			}
		}
	}

	for i, v := range m.acc {
		m.out[i] = saturate(v)
	}
}

func (m *Mixer) updateActiveSpeakerLocked() {
	var loudest *source
	for _, s := range m.sources {
		if s.params.Muted || !s.hasData || s.level <= activeSpeakerThreshold {
			continue
		}
		if loudest == nil || s.level > loudest.level {
			loudest = s
		}
	}
	if loudest == nil {
		return
	}
	if loudest.id == m.activeSpeaker {
		return
	}
	m.activeSpeaker = loudest.id
	if m.onActiveSpeaker != nil {
		m.onActiveSpeaker(loudest.id, loudest.level)
	}
}
