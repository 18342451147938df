package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Refresh outcomes used as label values.
const (
	RefreshApplied = "applied"
	RefreshStale   = "stale"
	RefreshFailed  = "failed"
)

// Metrics holds all Prometheus metrics for the aggregation service.
type Metrics struct {
	// Read metrics
	FieldReads        *prometheus.CounterVec
	InstancesExcluded *prometheus.CounterVec

	// Aggregation metrics
	AggregationLatency *prometheus.HistogramVec
	SnapshotRecords    *prometheus.GaugeVec

	// Refresh metrics
	Refreshes      *prometheus.CounterVec
	RefreshLatency *prometheus.HistogramVec

	// Chain metrics
	HeadSubscriptionStatus prometheus.Gauge
	LastBlockSeen          prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// New creates the metrics and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		FieldReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenhub_field_reads_total",
				Help: "Total number of field reads by dashboard and outcome",
			},
			[]string{"dashboard", "outcome"},
		),
		InstancesExcluded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenhub_instances_excluded_total",
				Help: "Instances dropped from a snapshot because a mandatory field failed",
			},
			[]string{"dashboard"},
		),
		AggregationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenhub_aggregation_latency_seconds",
				Help:    "Time to read all fields of all instances",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"dashboard"},
		),
		SnapshotRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tokenhub_snapshot_records",
				Help: "Number of records in the current snapshot",
			},
			[]string{"dashboard"},
		),
		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenhub_refreshes_total",
				Help: "Refreshes by dashboard and result (applied, stale, failed)",
			},
			[]string{"dashboard", "result"},
		),
		RefreshLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenhub_refresh_latency_seconds",
				Help:    "Full refresh latency including instance resolution",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"dashboard"},
		),
		HeadSubscriptionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenhub_head_subscription_connected",
				Help: "New-head subscription status (1=connected, 0=disconnected)",
			},
		),
		LastBlockSeen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenhub_last_block_seen",
				Help: "Last block number seen from the head subscription",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	// Register all metrics
	m.registry.MustRegister(
		m.FieldReads,
		m.InstancesExcluded,
		m.AggregationLatency,
		m.SnapshotRecords,
		m.Refreshes,
		m.RefreshLatency,
		m.HeadSubscriptionStatus,
		m.LastBlockSeen,
	)

	return m
}

// Handler returns the HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	router := chi.NewRouter()
	router.Method(http.MethodGet, path, m.Handler())
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordFieldRead counts one field read.
func (m *Metrics) RecordFieldRead(dashboard string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.FieldReads.WithLabelValues(dashboard, outcome).Inc()
}

// RecordInstanceExcluded counts one excluded instance.
func (m *Metrics) RecordInstanceExcluded(dashboard string) {
	m.InstancesExcluded.WithLabelValues(dashboard).Inc()
}

// RecordAggregationLatency records the duration of one aggregation run.
func (m *Metrics) RecordAggregationLatency(dashboard string, d time.Duration) {
	m.AggregationLatency.WithLabelValues(dashboard).Observe(d.Seconds())
}

// SetSnapshotRecords sets the record count of the current snapshot.
func (m *Metrics) SetSnapshotRecords(dashboard string, count int) {
	m.SnapshotRecords.WithLabelValues(dashboard).Set(float64(count))
}

// RecordRefresh counts a finished refresh and records its latency.
func (m *Metrics) RecordRefresh(dashboard, result string, d time.Duration) {
	m.Refreshes.WithLabelValues(dashboard, result).Inc()
	m.RefreshLatency.WithLabelValues(dashboard).Observe(d.Seconds())
}

// SetHeadSubscriptionConnected sets the head subscription status.
func (m *Metrics) SetHeadSubscriptionConnected(connected bool) {
	if connected {
		m.HeadSubscriptionStatus.Set(1)
	} else {
		m.HeadSubscriptionStatus.Set(0)
	}
}

// SetLastBlockSeen sets the last block number seen.
func (m *Metrics) SetLastBlockSeen(block uint64) {
	m.LastBlockSeen.Set(float64(block))
}
