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

package sfu

import (
	"sync"

	"github.com/go-logr/logr"
)

const (
	// upgradeHeadroom: a higher layer is adopted only when its bitrate
	// stays at or below this share of the estimate.
	upgradeHeadroom = 0.85

	// downgradeOverload: the current layer is abandoned immediately
	// when its bitrate exceeds this share of the estimate.
	downgradeOverload = 1.10

	// downgradeLossThreshold forces an immediate downgrade.
	downgradeLossThreshold = 0.02

	// upgradeStableCycles is how many consecutive process cycles an
	// upgrade candidate must hold before it is applied.
	upgradeStableCycles = 2

	// AutoLayer selects layers from the bandwidth estimate.
	AutoLayer = -1
)

// Layer describes one simulcast encoding of a stream.
type Layer struct {
	Index       int
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
	Active      bool
}

// Bandwidth is the per-subscriber estimate fed from RTCP.
type Bandwidth struct {
	EstimatedBps uint64
	PacketLoss   float64
	RTTMs        float64
}

// Subscription couples a subscriber with one publisher stream.
type Subscription struct {
	SubscriberID string
	PublisherID  string
	StreamID     string
	TargetLayer  int
	CurrentLayer int
	Paused       bool
	Bytes        uint64
}

// LayerSwitchHandler fires before the rule update becomes observable.
type LayerSwitchHandler func(subscriberID, publisherID string, oldLayer, newLayer int)

// RuleUpdater is the forwarder surface the manager drives.
type RuleUpdater interface {
	SetPreferredLayer(publisherID, subscriberID string, layer int) error
	SetRuleActive(publisherID, subscriberID string, active bool) error
}

type subKey struct {
	subscriber string
	publisher  string
	stream     string
}

type subscription struct {
	Subscription

	// pendingUpgrade tracks how many consecutive cycles the same
	// upgrade candidate has been affordable.
	pendingUpgrade       int
	pendingUpgradeCycles int
}

// SubscriptionManager owns the subscription table and reconciles layer
// choices against bandwidth estimates on each Process cycle.
type SubscriptionManager struct {
	logger  logr.Logger
	updater RuleUpdater

	lock          sync.Mutex
	subscriptions map[subKey]*subscription
	layers        map[string][]Layer // publisherID/streamID
	bandwidth     map[string]Bandwidth

	onLayerSwitch LayerSwitchHandler
}

func NewSubscriptionManager(updater RuleUpdater) *SubscriptionManager {
	return &SubscriptionManager{
		logger:        Logger,
		updater:       updater,
		subscriptions: make(map[subKey]*subscription),
		layers:        make(map[string][]Layer),
		bandwidth:     make(map[string]Bandwidth),
	}
}

// OnLayerSwitch registers the switch event handler.
func (m *SubscriptionManager) OnLayerSwitch(handler LayerSwitchHandler) {
	m.lock.Lock()
	m.onLayerSwitch = handler
	m.lock.Unlock()
}

// SetAvailableLayers installs the layer table for a publisher stream.
// Layers must be ordered by index with non-decreasing bitrate.
func (m *SubscriptionManager) SetAvailableLayers(publisherID, streamID string, layers []Layer) {
	sorted := append([]Layer(nil), layers...)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].BitrateKbps < sorted[i-1].BitrateKbps {
			m.logger.Info("layer table not monotone, reordering",
				"publisher", publisherID, "stream", streamID)
			sorted[i], sorted[i-1] = sorted[i-1], sorted[i]
			i = 0
		}
	}

	m.lock.Lock()
	m.layers[streamKey(publisherID, streamID)] = sorted
	m.lock.Unlock()
}

// Subscribe adds a subscription. A cold start with unknown bandwidth
// begins at the highest layer so new viewers are not stuck at low
// quality while the estimator warms up.
func (m *SubscriptionManager) Subscribe(subscriberID, publisherID, streamID string, targetLayer int) {
	m.lock.Lock()
	defer m.lock.Unlock()

	key := subKey{subscriber: subscriberID, publisher: publisherID, stream: streamID}
	if _, ok := m.subscriptions[key]; ok {
		return
	}

	current := targetLayer
	if current == AutoLayer {
		current = m.highestActiveLayerLocked(publisherID, streamID)
	}
	m.subscriptions[key] = &subscription{
		Subscription: Subscription{
			SubscriberID: subscriberID,
			PublisherID:  publisherID,
			StreamID:     streamID,
			TargetLayer:  targetLayer,
			CurrentLayer: current,
		},
	}
}

// Unsubscribe removes one subscription.
func (m *SubscriptionManager) Unsubscribe(subscriberID, publisherID, streamID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.subscriptions, subKey{subscriber: subscriberID, publisher: publisherID, stream: streamID})
}

// UnsubscribeAll removes every subscription held by a subscriber.
func (m *SubscriptionManager) UnsubscribeAll(subscriberID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for key := range m.subscriptions {
		if key.subscriber == subscriberID {
			delete(m.subscriptions, key)
		}
	}
	delete(m.bandwidth, subscriberID)
}

// RemovePublisher drops all subscriptions to a departing publisher.
func (m *SubscriptionManager) RemovePublisher(publisherID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for key := range m.subscriptions {
		if key.publisher == publisherID {
			delete(m.subscriptions, key)
		}
	}
	for key := range m.layers {
		if pub, _ := splitStreamKey(key); pub == publisherID {
			delete(m.layers, key)
		}
	}
}

// SetPaused pauses or resumes one subscription. Rules stay in place so
// the forwarder's inner loop skips them without a table mutation.
func (m *SubscriptionManager) SetPaused(subscriberID, publisherID, streamID string, paused bool) bool {
	m.lock.Lock()
	sub, ok := m.subscriptions[subKey{subscriber: subscriberID, publisher: publisherID, stream: streamID}]
	if ok {
		sub.Paused = paused
	}
	m.lock.Unlock()
	if !ok {
		return false
	}

	if err := m.updater.SetRuleActive(publisherID, subscriberID, !paused); err != nil {
		m.logger.V(1).Info("pause without forwarder rule", "subscriber", subscriberID, "publisher", publisherID)
	}
	return true
}

// SetTargetLayer overrides automatic selection for one subscription.
func (m *SubscriptionManager) SetTargetLayer(subscriberID, publisherID, streamID string, layer int) bool {
	m.lock.Lock()
	sub, ok := m.subscriptions[subKey{subscriber: subscriberID, publisher: publisherID, stream: streamID}]
	if ok {
		sub.TargetLayer = layer
		sub.pendingUpgradeCycles = 0
	}
	m.lock.Unlock()
	return ok
}

// UpdateBandwidth stores the latest estimate for a subscriber.
func (m *SubscriptionManager) UpdateBandwidth(subscriberID string, bw Bandwidth) {
	m.lock.Lock()
	m.bandwidth[subscriberID] = bw
	m.lock.Unlock()
}

// AddBytes accounts forwarded bytes to a subscription.
func (m *SubscriptionManager) AddBytes(subscriberID, publisherID, streamID string, n uint64) {
	m.lock.Lock()
	if sub, ok := m.subscriptions[subKey{subscriber: subscriberID, publisher: publisherID, stream: streamID}]; ok {
		sub.Bytes += n
	}
	m.lock.Unlock()
}

type layerSwitch struct {
	subscriberID string
	publisherID  string
	oldLayer     int
	newLayer     int
}

// Process reconciles every automatic subscription against the latest
// bandwidth estimates. Layer-switch events fire before the forwarder
// rule update becomes observable to the next packet.
func (m *SubscriptionManager) Process() {
	m.lock.Lock()
	var switches []layerSwitch
	for _, sub := range m.subscriptions {
		if sub.Paused || sub.TargetLayer != AutoLayer {
			continue
		}
		layers := m.layers[streamKey(sub.PublisherID, sub.StreamID)]
		if len(layers) == 0 {
			continue
		}

		bw, known := m.bandwidth[sub.SubscriberID]
		next := m.decideLayerLocked(sub, layers, bw, known)
		if next != sub.CurrentLayer {
			switches = append(switches, layerSwitch{
				subscriberID: sub.SubscriberID,
				publisherID:  sub.PublisherID,
				oldLayer:     sub.CurrentLayer,
				newLayer:     next,
			})
			sub.CurrentLayer = next
		}
	}
	handler := m.onLayerSwitch
	m.lock.Unlock()

	for _, s := range switches {
		if handler != nil {
			handler(s.subscriberID, s.publisherID, s.oldLayer, s.newLayer)
		}
		if err := m.updater.SetPreferredLayer(s.publisherID, s.subscriberID, s.newLayer); err != nil {
			m.logger.V(1).Info("layer switch without forwarder rule",
				"subscriber", s.subscriberID, "publisher", s.publisherID)
		}
	}
}

// decideLayerLocked applies selection with hysteresis: upgrades need
// headroom held for consecutive cycles, downgrades act immediately.
func (m *SubscriptionManager) decideLayerLocked(sub *subscription, layers []Layer, bw Bandwidth, known bool) int {
	if !known || bw.EstimatedBps == 0 {
		// estimator cold: stay high rather than stall at the bottom
		return highestActive(layers)
	}

	best := bestAffordable(layers, bw.EstimatedBps)
	current := sub.CurrentLayer

	if best > current {
		// upgrade only with sustained headroom
		candidate := layerByIndex(layers, best)
		if candidate == nil || float64(candidate.BitrateKbps*1000) > upgradeHeadroom*float64(bw.EstimatedBps) {
			sub.pendingUpgradeCycles = 0
			return current
		}
		if sub.pendingUpgrade != best {
			sub.pendingUpgrade = best
			sub.pendingUpgradeCycles = 1
			return current
		}
		sub.pendingUpgradeCycles++
		if sub.pendingUpgradeCycles < upgradeStableCycles {
			return current
		}
		sub.pendingUpgradeCycles = 0
		return best
	}

	sub.pendingUpgradeCycles = 0
	if best < current {
		return best
	}

	// same layer: check for overload conditions
	if bw.PacketLoss > downgradeLossThreshold {
		if current > 0 {
			return lowerActive(layers, current)
		}
		return current
	}
	if l := layerByIndex(layers, current); l != nil &&
		float64(l.BitrateKbps*1000) > downgradeOverload*float64(bw.EstimatedBps) {
		return lowerActive(layers, current)
	}
	return current
}

// CurrentLayer returns the layer for one subscription.
func (m *SubscriptionManager) CurrentLayer(subscriberID, publisherID, streamID string) (int, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	sub, ok := m.subscriptions[subKey{subscriber: subscriberID, publisher: publisherID, stream: streamID}]
	if !ok {
		return 0, false
	}
	return sub.CurrentLayer, true
}

// Subscriptions lists the subscriber's subscriptions.
func (m *SubscriptionManager) Subscriptions(subscriberID string) []Subscription {
	m.lock.Lock()
	defer m.lock.Unlock()
	var out []Subscription
	for key, sub := range m.subscriptions {
		if key.subscriber == subscriberID {
			out = append(out, sub.Subscription)
		}
	}
	return out
}

// Count returns the total subscription count.
func (m *SubscriptionManager) Count() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.subscriptions)
}

func (m *SubscriptionManager) highestActiveLayerLocked(publisherID, streamID string) int {
	return highestActive(m.layers[streamKey(publisherID, streamID)])
}

// bestAffordable picks the highest active layer whose bitrate fits the
// estimate; layer 0 when nothing fits.
func bestAffordable(layers []Layer, estimatedBps uint64) int {
	best := 0
	for _, l := range layers {
		if !l.Active {
			continue
		}
		if uint64(l.BitrateKbps)*1000 <= estimatedBps {
			best = l.Index
		}
	}
	return best
}

func highestActive(layers []Layer) int {
	best := 0
	for _, l := range layers {
		if l.Active && l.Index > best {
			best = l.Index
		}
	}
	return best
}

func lowerActive(layers []Layer, current int) int {
	next := 0
	for _, l := range layers {
		if l.Active && l.Index < current && l.Index > next {
			next = l.Index
		}
	}
	return next
}

func layerByIndex(layers []Layer, index int) *Layer {
	for i := range layers {
		if layers[i].Index == index {
			return &layers[i]
		}
	}
	return nil
}

func splitStreamKey(key string) (publisher, stream string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
