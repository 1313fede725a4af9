// Package prom implements the MetricsRecorder port on a private Prometheus
// registry, exporting sensor values and poll health per instance.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MetricsRecorder = (*Recorder)(nil)

const namespace = "foliowatch"

// Recorder exports poll outcomes as Prometheus metrics. Percentage sensors
// are exported in percent (not as fractions), matching the JSON API.
type Recorder struct {
	registry *prometheus.Registry

	sensors map[model.SensorKind]*prometheus.GaugeVec
	up      *prometheus.GaugeVec
	polls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with all collectors registered on a
// fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	newSensorGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "portfolio",
				Name:      name,
				Help:      help,
			},
			[]string{"instance", "range"},
		)
	}

	r := &Recorder{
		registry: registry,
		sensors: map[model.SensorKind]*prometheus.GaugeVec{
			model.SensorCurrentValue:                            newSensorGauge("current_value", "Current portfolio value in the base currency."),
			model.SensorNetPerformance:                          newSensorGauge("net_performance", "Net performance in the base currency."),
			model.SensorNetPerformancePercent:                   newSensorGauge("net_performance_percent", "Net performance in percent."),
			model.SensorTotalInvestment:                         newSensorGauge("total_investment", "Total invested amount in the base currency."),
			model.SensorNetPerformanceWithCurrencyEffect:        newSensorGauge("net_performance_currency_effect", "Net performance with currency effect in the base currency."),
			model.SensorNetPerformancePercentWithCurrencyEffect: newSensorGauge("net_performance_percent_currency_effect", "Net performance with currency effect in percent."),
		},
		up: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "up",
				Help:      "Whether the most recent poll of the instance succeeded.",
			},
			[]string{"instance"},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of poll cycles per instance and outcome.",
			},
			[]string{"instance", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of poll cycles.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"instance"},
		),
	}

	for _, g := range r.sensors {
		registry.MustRegister(g)
	}
	registry.MustRegister(r.up, r.polls, r.latency)

	return r
}

// Handler returns the HTTP handler serving this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordSnapshot publishes the sensor values of a fresh snapshot. Gauges
// whose source field is absent are removed so stale values never linger.
func (r *Recorder) RecordSnapshot(instanceName, rng string, snap model.Snapshot) {
	for _, reading := range model.Project(&snap, true) {
		gauge, ok := r.sensors[reading.Kind]
		if !ok {
			continue
		}

		if reading.Value == nil {
			gauge.DeleteLabelValues(instanceName, rng)
			continue
		}
		gauge.WithLabelValues(instanceName, rng).Set(*reading.Value)
	}
}

// ObservePoll records the duration and outcome of one poll cycle.
func (r *Recorder) ObservePoll(instanceName string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.polls.WithLabelValues(instanceName, status).Inc()
	r.latency.WithLabelValues(instanceName).Observe(duration.Seconds())
}

// SetUp flags whether the most recent poll cycle for an instance succeeded.
func (r *Recorder) SetUp(instanceName string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	r.up.WithLabelValues(instanceName).Set(v)
}

// Forget drops all series for a removed instance.
func (r *Recorder) Forget(instanceName string) {
	labels := prometheus.Labels{"instance": instanceName}

	for _, g := range r.sensors {
		g.DeletePartialMatch(labels)
	}
	r.up.DeletePartialMatch(labels)
	r.polls.DeletePartialMatch(labels)
	r.latency.DeletePartialMatch(labels)
}
