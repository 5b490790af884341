package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the fixed Prometheus namespace for all node metrics.
const Namespace = "zetina"

// Node aggregates the metrics a delegator or executor process exposes.
type Node struct {
	registry *ComponentRegistry

	OverlayConnectionsActive prometheus.Gauge
	OverlayMessagesTotal     *prometheus.CounterVec
	OverlayMessageSizeBytes  *prometheus.HistogramVec
	OverlayDHTRequestsTotal  *prometheus.CounterVec
	OverlayDHTLatency        prometheus.Histogram

	AuctionsStarted prometheus.Counter
	AuctionBids     prometheus.Histogram
	AuctionDuration prometheus.Histogram
	JobsDelegated   prometheus.Counter
	JobsUndelegated prometheus.Counter

	JobsExecuted    prometheus.Counter
	RunnerDuration  prometheus.Histogram
	ProverDuration  prometheus.Histogram
	ProcessAborts   *prometheus.CounterVec
	ProcessFailures *prometheus.CounterVec
}

// NewNode constructs the node's metric set under a single private
// registry.
func NewNode() *Node {
	reg := NewComponentRegistry(Namespace, "")

	return &Node{
		registry: reg,

		OverlayConnectionsActive: reg.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_connections_active",
			Help: "Number of active peer connections",
		}),
		OverlayMessagesTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_messages_total",
			Help: "Total gossip messages by topic and direction",
		}, []string{"topic", "direction"}),
		OverlayMessageSizeBytes: reg.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "overlay_message_size_bytes",
			Help:    "Size of gossip message payloads",
			Buckets: SizeBuckets,
		}, []string{"topic"}),
		OverlayDHTRequestsTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_dht_requests_total",
			Help: "DHT get/put requests by operation and outcome",
		}, []string{"op", "outcome"}),
		OverlayDHTLatency: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_dht_latency_seconds",
			Help:    "DHT get round-trip latency",
			Buckets: DurationBuckets,
		}),

		AuctionsStarted: reg.NewCounter(prometheus.CounterOpts{
			Name: "auctions_started_total",
			Help: "Total bid auctions started",
		}),
		AuctionBids: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_bids_received",
			Help:    "Number of bids received per auction",
			Buckets: CountBuckets,
		}),
		AuctionDuration: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_duration_seconds",
			Help:    "Duration of a job's bid auction window",
			Buckets: DurationBuckets,
		}),
		JobsDelegated: reg.NewCounter(prometheus.CounterOpts{
			Name: "jobs_delegated_total",
			Help: "Total jobs delegated to a winning bidder",
		}),
		JobsUndelegated: reg.NewCounter(prometheus.CounterOpts{
			Name: "jobs_undelegated_total",
			Help: "Total jobs whose auction closed with no bids",
		}),

		JobsExecuted: reg.NewCounter(prometheus.CounterOpts{
			Name: "jobs_executed_total",
			Help: "Total jobs this node accepted and finished proving",
		}),
		RunnerDuration: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "runner_duration_seconds",
			Help:    "Duration of cairo-run executions",
			Buckets: DurationBuckets,
		}),
		ProverDuration: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "prover_duration_seconds",
			Help:    "Duration of cpu_air_prover executions",
			Buckets: DurationBuckets,
		}),
		ProcessAborts: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "process_aborts_total",
			Help: "Total supervised processes aborted before completion",
		}, []string{"component"}),
		ProcessFailures: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "process_failures_total",
			Help: "Total supervised processes that exited with an error",
		}, []string{"component"}),
	}
}

// Registry returns the node's ComponentRegistry; its Registry method
// yields the underlying prometheus.Registry that Handler serves.
func (n *Node) Registry() *ComponentRegistry { return n.registry }

// Handler returns an http.Handler serving this node's metrics in the
// Prometheus exposition format.
func (n *Node) Handler() http.Handler {
	return promhttp.HandlerFor(n.registry.Registry(), promhttp.HandlerOpts{})
}
