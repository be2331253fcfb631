package ratelimit

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "ratelimit"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Current upload rate ceiling, in bytes per second.
	Rate metrics.Gauge
	// Number of upload slots suggested by the automatic controller.
	Slots metrics.Gauge
	// Number of bytes granted to connections.
	BytesSent metrics.Counter
	// Number of automatic rate adjustments.
	Adjustments metrics.Counter `metrics_labels:"direction"`
	// Number of connections waiting for bandwidth.
	Queued metrics.Gauge
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library.  Optionally, labels can be provided along with their values
// ("foo", "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Rate: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rate",
			Help:      "Current upload rate ceiling, in bytes per second.",
		}, labels).With(labelsAndValues...),
		Slots: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "slots",
			Help:      "Number of upload slots suggested by the automatic controller.",
		}, labels).With(labelsAndValues...),
		BytesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bytes_sent",
			Help:      "Number of bytes granted to connections.",
		}, labels).With(labelsAndValues...),
		Adjustments: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "adjustments",
			Help:      "Number of automatic rate adjustments.",
		}, append(labels, "direction")).With(labelsAndValues...),
		Queued: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queued",
			Help:      "Number of connections waiting for bandwidth.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Rate:        discard.NewGauge(),
		Slots:       discard.NewGauge(),
		BytesSent:   discard.NewCounter(),
		Adjustments: discard.NewCounter(),
		Queued:      discard.NewGauge(),
	}
}
