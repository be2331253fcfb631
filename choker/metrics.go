package choker

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "choker"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of connections left unchoked by the last rechoke.
	Unchoked metrics.Gauge
	// Number of rechokes.
	Rechokes metrics.Counter
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
		Unchoked: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "unchoked",
			Help:      "Number of connections left unchoked by the last rechoke.",
		}, labels).With(labelsAndValues...),
		Rechokes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rechokes",
			Help:      "Number of rechokes.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Unchoked: discard.NewGauge(),
		Rechokes: discard.NewCounter(),
	}
}
