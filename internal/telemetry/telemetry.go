// Package telemetry holds the Prometheus metrics and the localhost debug
// server (pprof + /metrics).
package telemetry

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-client or per-entity labels)
var (
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_tick_duration_seconds",
		Help:    "Time spent running all passes of one tick",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05},
	})

	entityCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_entities",
		Help: "Current number of networked entities",
	})

	clientCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_clients",
		Help: "Current number of connected clients",
	})

	// Ingestion
	IngestAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_accepted_total",
		Help: "Events admitted into a snapshot buffer",
	}, []string{"kind"}) // Bounded: "movement", "fire"

	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_rejected_total",
		Help: "Events discarded at the ingestion boundary",
	}, []string{"kind", "reason"})

	DroppedUnconsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_dropped_unconsumed_total",
		Help: "Snapshots evicted before any consumer read them",
	}, []string{"kind"})

	InboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbound_queue_dropped_total",
		Help: "Inbound events dropped because the engine queue was full",
	})

	// Culling
	DistancesComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "culling_distances_computed_total",
		Help: "Pairwise distances computed by the recompute pass",
	})

	VisibilityTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "culling_transitions_total",
		Help: "Visibility flips applied by the evaluator",
	}, []string{"visible"}) // Bounded: "true", "false"

	CullingMissing = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "culling_missing_total",
		Help: "Pairs skipped by the evaluator for lack of data",
	}, []string{"what"}) // Bounded: "distance", "client"

	SnapshotLookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_lookup_failures_total",
		Help: "Timestamp-bounded history lookups that found nothing",
	})

	FiresResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fire_resolutions_total",
		Help: "Per-target fire lookups that found a historical position",
	})

	// Journal
	JournalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_records_total",
		Help: "Total records accepted by the audit journal",
	})

	JournalDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "journal_dropped_total",
		Help: "Journal records dropped due to rate limiting or buffer full",
	})

	// Transport
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter, origin or handshake checks",
	}, []string{"reason"})

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})

	wsMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total WebSocket messages",
	}, []string{"direction"}) // Bounded: "in", "out"
)

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	Enabled       bool
	ListenAddr    string // MUST be localhost in production
	BasicAuthUser string
	BasicAuthPass string
}

// DefaultObservabilityConfig returns safe defaults
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// StartDebugServer starts the internal observability server.
// It refuses non-localhost addresses unless ALLOW_DEBUG_EXTERNAL=true.
func StartDebugServer(cfg ObservabilityConfig) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}

	if cfg.ListenAddr != "127.0.0.1:6060" && cfg.ListenAddr != "localhost:6060" {
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("⚠️ Debug server forced to localhost for security")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := http.ListenAndServe(cfg.ListenAddr, DebugHandler(cfg)); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()

	return nil
}

// DebugHandler builds the debug mux without starting a listener.
func DebugHandler(cfg ObservabilityConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordTick records tick timing
func RecordTick(duration time.Duration) {
	tickDuration.Observe(duration.Seconds())
}

// UpdateWorld updates the entity and client gauges
func UpdateWorld(entities, clients int) {
	entityCount.Set(float64(entities))
	clientCount.Set(float64(clients))
}

// RecordConnectionRejected increments the rejection counter.
// reason must be one of: "rate_limit", "origin", "handshake", "ws_total_limit", "ws_ip_limit", "full"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

// UpdateWSConnections updates WebSocket connection count
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages counts one message in the given direction ("in" or "out")
func IncrementWSMessages(direction string) {
	wsMessagesTotal.WithLabelValues(direction).Inc()
}
