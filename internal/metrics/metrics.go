// Package metrics wraps the Prometheus collectors every component
// publishes, in the shape of go-server-3/internal/metrics.Registry
// (promauto-registered gauges/counters, one struct per component).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the collectors shared across the four components plus the
// ambient system-resource gauges (internal/metrics/system.go).
type Registry struct {
	// Message Director.
	MDParticipants   prometheus.Gauge
	MDQueueDepth     prometheus.Gauge
	MDMessagesRouted prometheus.Counter
	MDMessagesDropped prometheus.Counter
	MDPostRemoveFired prometheus.Counter

	// State Server.
	SSObjects       prometheus.Gauge
	SSShards        prometheus.Gauge
	SSFieldUpdates  prometheus.Counter
	SSUnknownObject prometheus.Counter

	// Client Agent.
	CAConnections     prometheus.Gauge
	CAAuthenticated    prometheus.Gauge
	CAInterestTimeouts prometheus.Counter
	CADisconnects      prometheus.Counter

	// Database.
	DBOpsTotal   prometheus.Counter
	DBOpLatency  prometheus.Histogram
	DBObjects    prometheus.Gauge

	System *SystemCollector
}

// NewRegistry creates and registers every collector against the default
// Prometheus registry, namespaced "otp_<component>_...".
func NewRegistry() *Registry {
	return &Registry{
		MDParticipants: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otp_md_participants", Help: "Number of channels currently bound to a peer.",
		}),
		MDQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otp_md_queue_depth", Help: "Pending routed datagrams waiting to be flushed.",
		}),
		MDMessagesRouted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_md_messages_routed_total", Help: "Routed datagrams successfully forwarded.",
		}),
		MDMessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_md_messages_dropped_total", Help: "Routed datagrams dropped (no bound participant).",
		}),
		MDPostRemoveFired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_md_post_remove_fired_total", Help: "Post-remove datagrams replayed on disconnect.",
		}),
		SSObjects: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otp_ss_objects", Help: "Live distributed objects in the state server.",
		}),
		SSShards: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otp_ss_shards", Help: "Connected AI shards.",
		}),
		SSFieldUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_ss_field_updates_total", Help: "Accepted OBJECT_UPDATE_FIELD messages.",
		}),
		SSUnknownObject: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_ss_unknown_object_total", Help: "Messages addressed to an unknown doId.",
		}),
		CAConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otp_ca_connections", Help: "Currently open client TCP connections.",
		}),
		CAAuthenticated: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otp_ca_authenticated", Help: "Connections that have completed login.",
		}),
		CAInterestTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_ca_interest_timeouts_total", Help: "Interest handshakes forced complete by timeout.",
		}),
		CADisconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_ca_disconnects_total", Help: "Client connections torn down.",
		}),
		DBOpsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_db_ops_total", Help: "Database operations processed.",
		}),
		DBOpLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "otp_db_op_latency_seconds", Help: "Database operation latency.",
			Buckets: prometheus.DefBuckets,
		}),
		DBObjects: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otp_db_objects", Help: "Objects persisted in the database directory.",
		}),
		System: NewSystemCollector(),
	}
}

// Handler returns an HTTP handler exposing the Prometheus registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
