// Package metrics exposes the stream core's counters and gauges to
// prometheus. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stereocam"

// Drop reasons used as the "reason" label of the dropped counter.
const (
	ReasonDisabled = "disabled"
	ReasonEvicted  = "evicted"
	ReasonBacklog  = "backlog"
	ReasonDiscard  = "discarded"
	ReasonInvalid  = "invalid"
)

type Metrics struct {
	dispatched *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	cacheItems *prometheus.GaugeVec
	queueDepth *prometheus.GaugeVec
	faults     *prometheus.CounterVec
	callback   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Items accepted for delivery, per channel.",
		}, []string{"channel"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Items dropped before reaching a consumer, per channel and reason.",
		}, []string{"channel", "reason"}),
		cacheItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_items",
			Help:      "Items currently held in a channel cache.",
		}, []string{"channel"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting for an asynchronous callback.",
		}, []string{"channel"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Runtime faults reported by the stream core, per kind.",
		}, []string{"kind"}),
		callback: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "callback_seconds",
			Help:      "Time spent inside consumer callbacks.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}, []string{"channel"}),
	}
	for _, c := range []prometheus.Collector{m.dispatched, m.dropped, m.cacheItems, m.queueDepth, m.faults, m.callback} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Dispatched(channel string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(channel).Inc()
}

func (m *Metrics) Dropped(channel, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) CacheItems(channel string, n int) {
	if m == nil {
		return
	}
	m.cacheItems.WithLabelValues(channel).Set(float64(n))
}

func (m *Metrics) QueueDepth(channel string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(channel).Set(float64(n))
}

func (m *Metrics) Fault(kind string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(kind).Inc()
}

func (m *Metrics) Callback(channel string, d time.Duration) {
	if m == nil {
		return
	}
	m.callback.WithLabelValues(channel).Observe(d.Seconds())
}
