package prometheus

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Init registers the engine metrics for this node. Must be called once
// before any other function in this package.
func Init(nodeID string) {
	initPacketStats(nodeID)
}

// Sink is a generic labelled metrics sink on top of the default
// prometheus registerer. Collectors are created lazily
// per metric name and label-key set.
type Sink struct {
	lock       sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewSink() *Sink {
	return &Sink{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func metricKey(name string, keys []string) string {
	return name + "{" + strings.Join(keys, ",") + "}"
}

// Counter adds value to a labelled counter.
func (s *Sink) Counter(name string, value float64, labels map[string]string) {
	keys := labelKeys(labels)

	s.lock.Lock()
	vec, ok := s.counters[metricKey(name, keys)]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: voxmeshNamespace,
			Name:      name,
		}, keys)
		prometheus.MustRegister(vec)
		s.counters[metricKey(name, keys)] = vec
	}
	s.lock.Unlock()

	vec.With(labels).Add(value)
}

// Gauge sets a labelled gauge.
func (s *Sink) Gauge(name string, value float64, labels map[string]string) {
	keys := labelKeys(labels)

	s.lock.Lock()
	vec, ok := s.gauges[metricKey(name, keys)]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: voxmeshNamespace,
			Name:      name,
		}, keys)
		prometheus.MustRegister(vec)
		s.gauges[metricKey(name, keys)] = vec
	}
	s.lock.Unlock()

	vec.With(labels).Set(value)
}

// Histogram observes a value on a labelled histogram.
func (s *Sink) Histogram(name string, value float64, labels map[string]string) {
	keys := labelKeys(labels)

	s.lock.Lock()
	vec, ok := s.histograms[metricKey(name, keys)]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: voxmeshNamespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		prometheus.MustRegister(vec)
		s.histograms[metricKey(name, keys)] = vec
	}
	s.lock.Unlock()

	vec.With(labels).Observe(value)
}
