// Package metrics provides Prometheus metrics for the bitemporal store
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of one process
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Store operation metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	ConflictsTotal         *prometheus.CounterVec
	SearchResultsTotal     prometheus.Counter
	HistoryRowsTotal       prometheus.Counter
	ChangeEventsTotal      *prometheus.CounterVec

	// Cache metrics
	CacheLookupsTotal *prometheus.CounterVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry(); the binary passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitemporal_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bitemporal_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "bitemporal_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitemporal_store_operations_total",
			Help: "Total number of master operations by outcome",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bitemporal_store_operation_duration_seconds",
			Help:    "Duration of master operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.ConflictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitemporal_concurrent_modifications_total",
			Help: "Writes rejected because the addressed row was no longer current",
		},
		[]string{"operation"},
	)

	m.SearchResultsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "bitemporal_search_results_total",
			Help: "Total number of documents returned by searches",
		},
	)

	m.HistoryRowsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "bitemporal_history_rows_total",
			Help: "Total number of rows yielded by history queries",
		},
	)

	m.ChangeEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitemporal_change_events_total",
			Help: "Change notifications published to subscribers",
		},
		[]string{"type"},
	)

	m.CacheLookupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitemporal_cache_lookups_total",
			Help: "Redis cache lookups by operation and result (hit, miss, error)",
		},
		[]string{"operation", "result"},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "bitemporal_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge every interval until ctx is done.
func (m *Metrics) RunUptime(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordStoreOperation records one master operation; status is an error kind
// from sentinel.Kind.
func (m *Metrics) RecordStoreOperation(operation string, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if status == "conflict" {
		m.ConflictsTotal.WithLabelValues(operation).Inc()
	}
}

// RecordSearch records the size of one search page.
func (m *Metrics) RecordSearch(returned int) {
	m.SearchResultsTotal.Add(float64(returned))
}

// RecordHistoryRow counts one yielded history row.
func (m *Metrics) RecordHistoryRow() {
	m.HistoryRowsTotal.Inc()
}

// RecordChangeEvent counts one published change notification.
func (m *Metrics) RecordChangeEvent(eventType string) {
	m.ChangeEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordCacheLookup counts one cache lookup.
func (m *Metrics) RecordCacheLookup(operation, result string) {
	m.CacheLookupsTotal.WithLabelValues(operation, result).Inc()
}
