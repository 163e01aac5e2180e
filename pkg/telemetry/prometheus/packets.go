package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const voxmeshNamespace = "voxmesh"

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

var (
	promPacketLabels = []string{"direction"}

	promPacketTotal   *prometheus.CounterVec
	promPacketBytes   *prometheus.CounterVec
	promPacketDropped *prometheus.CounterVec
	promNackTotal     *prometheus.CounterVec
	promPliTotal      *prometheus.CounterVec
	promFirTotal      *prometheus.CounterVec
	promLayerSwitches prometheus.Counter
	promActiveStreams prometheus.Gauge
	promSubscriptions prometheus.Gauge
	promMixedFrames   prometheus.Counter
)

func initPacketStats(nodeID string) {
	constLabels := prometheus.Labels{"node_id": nodeID}

	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "packet",
		Name:        "bytes",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promPacketDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "packet",
		Name:        "dropped",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promNackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "nack",
		Name:        "total",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promPliTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "pli",
		Name:        "total",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promFirTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "fir",
		Name:        "total",
		ConstLabels: constLabels,
	}, promPacketLabels)
	promLayerSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "simulcast",
		Name:        "layer_switches",
		ConstLabels: constLabels,
	})
	promActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "stream",
		Name:        "active",
		ConstLabels: constLabels,
	})
	promSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "subscription",
		Name:        "active",
		ConstLabels: constLabels,
	})
	promMixedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   voxmeshNamespace,
		Subsystem:   "mixer",
		Name:        "frames",
		ConstLabels: constLabels,
	})

	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketBytes)
	prometheus.MustRegister(promPacketDropped)
	prometheus.MustRegister(promNackTotal)
	prometheus.MustRegister(promPliTotal)
	prometheus.MustRegister(promFirTotal)
	prometheus.MustRegister(promLayerSwitches)
	prometheus.MustRegister(promActiveStreams)
	prometheus.MustRegister(promSubscriptions)
	prometheus.MustRegister(promMixedFrames)
}

// Metrics are no-ops until Init has registered them.

func IncrementPackets(direction Direction, count uint64) {
	if promPacketTotal != nil {
		promPacketTotal.WithLabelValues(string(direction)).Add(float64(count))
	}
}

func IncrementBytes(direction Direction, count uint64) {
	if promPacketBytes != nil {
		promPacketBytes.WithLabelValues(string(direction)).Add(float64(count))
	}
}

func IncrementDropped(direction Direction, count uint64) {
	if promPacketDropped != nil {
		promPacketDropped.WithLabelValues(string(direction)).Add(float64(count))
	}
}

func IncrementNack(direction Direction) {
	if promNackTotal != nil {
		promNackTotal.WithLabelValues(string(direction)).Add(1)
	}
}

func IncrementPLI(direction Direction) {
	if promPliTotal != nil {
		promPliTotal.WithLabelValues(string(direction)).Add(1)
	}
}

func IncrementFIR(direction Direction) {
	if promFirTotal != nil {
		promFirTotal.WithLabelValues(string(direction)).Add(1)
	}
}

func IncrementLayerSwitches() {
	if promLayerSwitches != nil {
		promLayerSwitches.Inc()
	}
}

func SetActiveStreams(count int) {
	if promActiveStreams != nil {
		promActiveStreams.Set(float64(count))
	}
}

func SetSubscriptions(count int) {
	if promSubscriptions != nil {
		promSubscriptions.Set(float64(count))
	}
}

func AddMixedFrames(count uint64) {
	if promMixedFrames != nil {
		promMixedFrames.Add(float64(count))
	}
}
