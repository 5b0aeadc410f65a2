// Package metrics exposes corenode's Prometheus collectors on an
// isolated registry: the node embeds a *prometheus.Registry rather
// than registering onto prometheus.DefaultRegisterer, so multiple
// corenode instances in one process (simulation / tests) never
// collide on metric names.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every collector corenode registers. All fields are safe
// for concurrent use (prometheus collectors always are).
type Set struct {
	Registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectAttempts   *prometheus.CounterVec // label: result
	MessagesSent      *prometheus.CounterVec // label: category
	MessagesReceived  *prometheus.CounterVec // label: category
	DedupDrops        prometheus.Counter
	Forwarded         prometheus.Counter
	RoundDuration     prometheus.Histogram
	ReputationScore   *prometheus.GaugeVec // label: peer
	AggregationSize   prometheus.Gauge
}

// New builds a Set on a fresh, isolated registry and registers every
// collector.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corenode",
			Subsystem: "overlay",
			Name:      "connections_active",
			Help:      "Number of connections currently in the ACTIVE state.",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corenode",
			Subsystem: "overlay",
			Name:      "connect_attempts_total",
			Help:      "Outbound connection attempts by result.",
		}, []string{"result"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corenode",
			Subsystem: "comms",
			Name:      "messages_sent_total",
			Help:      "Messages sent, by category.",
		}, []string{"category"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corenode",
			Subsystem: "comms",
			Name:      "messages_received_total",
			Help:      "Messages received and accepted (post-dedup), by category.",
		}, []string{"category"}),
		DedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corenode",
			Subsystem: "comms",
			Name:      "dedup_drops_total",
			Help:      "Messages dropped because their digest was already seen.",
		}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corenode",
			Subsystem: "comms",
			Name:      "forwarded_total",
			Help:      "Flood-eligible messages rebroadcast to other peers.",
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "corenode",
			Subsystem: "engine",
			Name:      "round_duration_seconds",
			Help:      "Wall-clock duration of each completed round.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReputationScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corenode",
			Subsystem: "reputation",
			Name:      "score",
			Help:      "Current smoothed reputation score per peer.",
		}, []string{"peer"}),
		AggregationSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corenode",
			Subsystem: "aggregation",
			Name:      "pending_updates",
			Help:      "Number of updates currently pending in the aggregation buffer.",
		}),
	}
	reg.MustRegister(
		s.ConnectionsActive,
		s.ConnectAttempts,
		s.MessagesSent,
		s.MessagesReceived,
		s.DedupDrops,
		s.Forwarded,
		s.RoundDuration,
		s.ReputationScore,
		s.AggregationSize,
	)
	return s
}
