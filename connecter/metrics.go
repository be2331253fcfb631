package connecter

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "connecter"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of open connections.
	Connections metrics.Gauge
	// Number of connections closed for protocol violations.
	Violations metrics.Counter `metrics_labels:"reason"`
	// Number of bytes of PIECE messages written.
	PieceBytes metrics.Counter
	// Number of forwarding announcements sent.
	G2GAnnouncements metrics.Counter
	// Number of peers received over PEX.
	PexPeers metrics.Counter
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
		Connections: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections",
			Help:      "Number of open connections.",
		}, labels).With(labelsAndValues...),
		Violations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "violations",
			Help:      "Number of connections closed for protocol violations.",
		}, append(labels, "reason")).With(labelsAndValues...),
		PieceBytes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "piece_bytes",
			Help:      "Number of bytes of PIECE messages written.",
		}, labels).With(labelsAndValues...),
		G2GAnnouncements: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "g2g_announcements",
			Help:      "Number of forwarding announcements sent.",
		}, labels).With(labelsAndValues...),
		PexPeers: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pex_peers",
			Help:      "Number of peers received over PEX.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Connections:      discard.NewGauge(),
		Violations:       discard.NewCounter(),
		PieceBytes:       discard.NewCounter(),
		G2GAnnouncements: discard.NewCounter(),
		PexPeers:         discard.NewCounter(),
	}
}
