// Package metrics holds the secondary's prometheus instruments.
//
// All methods are safe on a nil *Metrics, so components can take one
// optionally.
package metrics

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/roach88/replicant/internal/event"
	"github.com/roach88/replicant/internal/registry"
)

const namespace = "replicant"

// Metrics records sync, removal and event counters.
//
// Thread-safety: Metrics is safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry
	syncs    *prometheus.CounterVec
	removals *prometheus.CounterVec
	events   *prometheus.CounterVec
	inflight prometheus.Gauge
	cursor   prometheus.Gauge
}

// New creates and registers the instruments on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Sync attempts by replicable type and outcome.",
		}, []string{"type", "result"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removal_total",
			Help:      "Removals by replicable type and outcome.",
		}, []string{"type", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Event log entries applied, by kind.",
		}, []string{"kind"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_inflight",
			Help:      "Attempts currently holding a capacity slot.",
		}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_cursor",
			Help:      "Id of the last applied event log entry.",
		}),
	}
	m.registry.MustRegister(m.syncs, m.removals, m.events, m.inflight, m.cursor)
	return m
}

// Handler serves the instruments in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Sync counts one finished sync attempt.
func (m *Metrics) Sync(t registry.Type, result string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(string(t), result).Inc()
}

// Removal counts one finished removal.
func (m *Metrics) Removal(t registry.Type, result string) {
	if m == nil {
		return
	}
	m.removals.WithLabelValues(string(t), result).Inc()
}

// Event counts one applied event.
func (m *Metrics) Event(kind event.Kind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}

// SetInFlight records the number of running attempts.
func (m *Metrics) SetInFlight(n int64) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(n))
}

// SetCursor records the consumer's position in the event log.
func (m *Metrics) SetCursor(id int64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(id))
}

// Totals flattens every series into "name{label=value,...}" -> value, the
// shape pushed to the primary with the node status.
func (m *Metrics) Totals() (map[string]float64, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			out[seriesName(mf.GetName(), metric.GetLabel())] = value(mf.GetType(), metric)
		}
	}
	return out, nil
}

func seriesName(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func value(t dto.MetricType, metric *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return metric.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return metric.GetGauge().GetValue()
	default:
		return metric.GetUntyped().GetValue()
	}
}
