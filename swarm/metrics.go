package swarm

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/jech/swarmcore/choker"
	"github.com/jech/swarmcore/connecter"
	"github.com/jech/swarmcore/ratelimit"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "swarm"
)

// Metrics contains metrics exposed by this package, and those of the
// components owned by a swarm.
type Metrics struct {
	// Total upload rate, in bytes per second.
	UploadRate metrics.Gauge
	// Number of peers known but not necessarily connected.
	KnownPeers metrics.Gauge
	// Number of failed handshakes.
	HandshakeFailures metrics.Counter `metrics_labels:"direction"`
	// Number of connections refused after a successful handshake.
	Refused metrics.Counter `metrics_labels:"reason"`

	Connecter *connecter.Metrics
	Choker    *choker.Metrics
	RateLimit *ratelimit.Metrics
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
		UploadRate: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "upload_rate",
			Help:      "Total upload rate, in bytes per second.",
		}, labels).With(labelsAndValues...),
		KnownPeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "known_peers",
			Help:      "Number of peers known but not necessarily connected.",
		}, labels).With(labelsAndValues...),
		HandshakeFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "handshake_failures",
			Help:      "Number of failed handshakes.",
		}, append(labels, "direction")).With(labelsAndValues...),
		Refused: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "refused",
			Help:      "Number of connections refused after a successful handshake.",
		}, append(labels, "reason")).With(labelsAndValues...),

		Connecter: connecter.PrometheusMetrics(namespace, labelsAndValues...),
		Choker:    choker.PrometheusMetrics(namespace, labelsAndValues...),
		RateLimit: ratelimit.PrometheusMetrics(namespace, labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		UploadRate:        discard.NewGauge(),
		KnownPeers:        discard.NewGauge(),
		HandshakeFailures: discard.NewCounter(),
		Refused:           discard.NewCounter(),
		Connecter:         connecter.NopMetrics(),
		Choker:            choker.NopMetrics(),
		RateLimit:         ratelimit.NopMetrics(),
	}
}
