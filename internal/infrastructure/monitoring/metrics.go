package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mover"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Migration metrics
	MigrationsTotal   *prometheus.CounterVec
	MigrationDuration *prometheus.HistogramVec
	MigrationActive   prometheus.Gauge
	PhaseDuration     *prometheus.HistogramVec
	PatchesTotal      *prometheus.CounterVec
	RollbacksTotal    *prometheus.CounterVec

	// Executor metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON API.
type Snapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	Migrations      int64   `json:"migrations"`
	FailedMigration int64   `json:"failed_migrations"`
	Rollbacks       int64   `json:"rollbacks"`
	Commands        int64   `json:"commands"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetrics creates a collector registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a collector registered with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		MigrationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_total",
				Help:      "Finished migrations by family and status",
			},
			[]string{"family", "status"},
		),
		MigrationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_duration_seconds",
				Help:      "Migration duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"family"},
		),
		MigrationActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "migration_active",
				Help:      "1 while a migration or rollback is running",
			},
		),
		PhaseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Phase duration in seconds by kind and outcome",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
			},
			[]string{"kind", "outcome"},
		),
		PatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patches_total",
				Help:      "Artifact patch operations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		RollbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Rollbacks by outcome",
			},
			[]string{"outcome"},
		),

		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_commands_total",
				Help:      "Privileged commands by executor mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		CommandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "executor_command_duration_seconds",
				Help:      "Privileged command duration in seconds",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 5, 30, 120},
			},
			[]string{"mode"},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of active WebSocket connections",
			},
		),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Total number of WebSocket messages sent",
			},
			[]string{"type"},
		),
	}

	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// ObserveCommand records one privileged command.
func (m *Metrics) ObserveCommand(mode, outcome string, d time.Duration) {
	m.CommandsTotal.WithLabelValues(mode, outcome).Inc()
	m.CommandDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.mu.Lock()
	m.snapshot.Commands++
	m.mu.Unlock()
}

// ObservePatch records one patch operation.
func (m *Metrics) ObservePatch(kind, outcome string) {
	m.PatchesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObservePhase records one executed phase.
func (m *Metrics) ObservePhase(kind, outcome string, d time.Duration) {
	m.PhaseDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// ObserveMigration records a finished migration.
func (m *Metrics) ObserveMigration(family, status string, d time.Duration) {
	m.MigrationsTotal.WithLabelValues(family, status).Inc()
	m.MigrationDuration.WithLabelValues(family).Observe(d.Seconds())
	m.mu.Lock()
	m.snapshot.Migrations++
	if status == "failure" {
		m.snapshot.FailedMigration++
	}
	m.mu.Unlock()
}

// ObserveRollback records a finished rollback.
func (m *Metrics) ObserveRollback(outcome string) {
	m.RollbacksTotal.WithLabelValues(outcome).Inc()
	m.mu.Lock()
	m.snapshot.Rollbacks++
	m.mu.Unlock()
}

// SetActive marks whether an operation is running.
func (m *Metrics) SetActive(active bool) {
	if active {
		m.MigrationActive.Set(1)
		return
	}
	m.MigrationActive.Set(0)
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(msgType string) {
	m.WSMessages.WithLabelValues(msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// Snapshot returns current values for the JSON API.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
