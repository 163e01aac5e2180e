package sfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedUpdate struct {
	publisher  string
	subscriber string
	layer      int
	active     bool
	isLayer    bool
}

type fakeUpdater struct {
	updates []recordedUpdate
}

func (u *fakeUpdater) SetPreferredLayer(publisherID, subscriberID string, layer int) error {
	u.updates = append(u.updates, recordedUpdate{
		publisher: publisherID, subscriber: subscriberID, layer: layer, isLayer: true,
	})
	return nil
}

func (u *fakeUpdater) SetRuleActive(publisherID, subscriberID string, active bool) error {
	u.updates = append(u.updates, recordedUpdate{
		publisher: publisherID, subscriber: subscriberID, active: active,
	})
	return nil
}

func threeLayers() []Layer {
	return []Layer{
		{Index: 0, Width: 320, Height: 180, FPS: 15, BitrateKbps: 150, Active: true},
		{Index: 1, Width: 640, Height: 360, FPS: 30, BitrateKbps: 500, Active: true},
		{Index: 2, Width: 1280, Height: 720, FPS: 30, BitrateKbps: 1500, Active: true},
	}
}

type switchEvent struct {
	subscriber string
	publisher  string
	oldLayer   int
	newLayer   int
}

func newTestManager() (*SubscriptionManager, *fakeUpdater, *[]switchEvent) {
	updater := &fakeUpdater{}
	m := NewSubscriptionManager(updater)
	events := &[]switchEvent{}
	m.OnLayerSwitch(func(sub, pub string, oldLayer, newLayer int) {
		*events = append(*events, switchEvent{sub, pub, oldLayer, newLayer})
	})
	m.SetAvailableLayers("pub", "cam", threeLayers())
	return m, updater, events
}

func TestAutomaticSelection(t *testing.T) {
	m, updater, events := newTestManager()

	m.Subscribe("sub", "pub", "cam", AutoLayer)
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 800_000})
	m.Process()

	layer, ok := m.CurrentLayer("sub", "pub", "cam")
	require.True(t, ok)
	assert.Equal(t, 1, layer, "800 kbps affords the 500 kbps rung, not 1500")

	require.Len(t, *events, 1)
	assert.Equal(t, switchEvent{"sub", "pub", 2, 1}, (*events)[0])

	require.Len(t, updater.updates, 1)
	assert.Equal(t, recordedUpdate{publisher: "pub", subscriber: "sub", layer: 1, isLayer: true}, updater.updates[0])
}

func TestColdStartDefaultsHigh(t *testing.T) {
	m, _, events := newTestManager()

	m.Subscribe("sub", "pub", "cam", AutoLayer)
	m.Process() // no bandwidth known

	layer, _ := m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 2, layer, "unknown bandwidth must not stall at layer 0")
	assert.Empty(t, *events)
}

func TestSelectionNeverExceedsEstimate(t *testing.T) {
	m, _, _ := newTestManager()
	m.Subscribe("sub", "pub", "cam", AutoLayer)

	for _, bps := range []uint64{100_000, 150_000, 400_000, 500_000, 1_400_000, 1_500_000, 5_000_000} {
		m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: bps})
		m.Process()
		m.Process() // allow hysteresis upgrades to settle
		m.Process()

		layer, _ := m.CurrentLayer("sub", "pub", "cam")
		for _, l := range threeLayers() {
			if l.Index == layer && layer > 0 {
				assert.LessOrEqual(t, uint64(l.BitrateKbps)*1000, bps,
					"layer %d at %d bps estimate", layer, bps)
			}
		}
	}
}

func TestUpgradeRequiresSustainedHeadroom(t *testing.T) {
	m, _, events := newTestManager()

	m.Subscribe("sub", "pub", "cam", AutoLayer)
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 200_000})
	m.Process()
	layer, _ := m.CurrentLayer("sub", "pub", "cam")
	require.Equal(t, 0, layer)
	*events = nil

	// estimate recovers: 500 kbps rung needs <= 85% of estimate held twice
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 700_000})
	m.Process()
	layer, _ = m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 0, layer, "first good cycle must not upgrade yet")

	m.Process()
	layer, _ = m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 1, layer, "second consecutive good cycle upgrades")
	require.Len(t, *events, 1)
	assert.Equal(t, switchEvent{"sub", "pub", 0, 1}, (*events)[0])
}

func TestNoUpgradeWithoutHeadroom(t *testing.T) {
	m, _, _ := newTestManager()

	m.Subscribe("sub", "pub", "cam", AutoLayer)
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 200_000})
	m.Process()

	// 500 kbps fits 520 kbps on paper but violates the 85% headroom rule
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 520_000})
	for i := 0; i < 5; i++ {
		m.Process()
	}
	layer, _ := m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 0, layer)
}

func TestLossTriggersImmediateDowngrade(t *testing.T) {
	m, _, _ := newTestManager()

	m.Subscribe("sub", "pub", "cam", AutoLayer)
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 2_000_000})
	m.Process()
	layer, _ := m.CurrentLayer("sub", "pub", "cam")
	require.Equal(t, 2, layer)

	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 2_000_000, PacketLoss: 0.05})
	m.Process()
	layer, _ = m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 1, layer, "loss above 2% downgrades without hysteresis")
}

func TestOverloadedLayerDowngrades(t *testing.T) {
	m, _, _ := newTestManager()

	m.Subscribe("sub", "pub", "cam", AutoLayer)
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 2_000_000})
	m.Process()

	// estimate sags: 1500 kbps layer now exceeds 110% of available
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 1_300_000})
	m.Process()
	layer, _ := m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 1, layer)
}

func TestManualOverrideBypassesAutomation(t *testing.T) {
	m, _, events := newTestManager()

	m.Subscribe("sub", "pub", "cam", 0)
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 5_000_000})
	m.Process()

	layer, _ := m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 0, layer)
	assert.Empty(t, *events)

	require.True(t, m.SetTargetLayer("sub", "pub", "cam", AutoLayer))
	m.Process()
	m.Process()
	m.Process()
	layer, _ = m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 2, layer)
}

func TestPauseStopsReconciliation(t *testing.T) {
	m, updater, _ := newTestManager()

	m.Subscribe("sub", "pub", "cam", AutoLayer)
	require.True(t, m.SetPaused("sub", "pub", "cam", true))

	require.NotEmpty(t, updater.updates)
	last := updater.updates[len(updater.updates)-1]
	assert.False(t, last.active)
	assert.False(t, last.isLayer)

	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 100_000})
	m.Process()
	layer, _ := m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 2, layer, "paused subscriptions are not reconciled")

	require.True(t, m.SetPaused("sub", "pub", "cam", false))
	m.Process()
	layer, _ = m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 0, layer)
}

func TestUnsubscribeAllCleansBandwidth(t *testing.T) {
	m, _, _ := newTestManager()

	m.Subscribe("sub", "pub", "cam", AutoLayer)
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 800_000})
	m.UnsubscribeAll("sub")

	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.Subscriptions("sub"))
}

func TestNonMonotoneLayerTableReordered(t *testing.T) {
	m := NewSubscriptionManager(&fakeUpdater{})
	m.SetAvailableLayers("pub", "cam", []Layer{
		{Index: 0, BitrateKbps: 500, Active: true},
		{Index: 1, BitrateKbps: 150, Active: true},
	})

	m.Subscribe("sub", "pub", "cam", AutoLayer)
	m.UpdateBandwidth("sub", Bandwidth{EstimatedBps: 200_000})
	m.Process()

	layer, _ := m.CurrentLayer("sub", "pub", "cam")
	assert.Equal(t, 1, layer, "after reordering the cheap rung is index 1")
}
