package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors of a management process. A
// Metrics built with collection disabled, and a nil *Metrics, accept every
// Record call and do nothing.
type Metrics struct {
	config MetricsConfig

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	steps             *prometheus.CounterVec
	transactions      *prometheus.CounterVec
	activeTx          prometheus.Gauge
	queuedOps         prometheus.Gauge

	proxyRequests *prometheus.CounterVec
	proxyDuration prometheus.Histogram

	persisterStores *prometheus.CounterVec
	notifications   *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_total",
			Help:      "Top-level management operations executed",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of top-level management operations",
			Buckets:   buckets,
		}, []string{"operation"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "steps_total",
			Help:      "Operation steps executed per stage",
		}, []string{"stage"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "transactions_total",
			Help:      "Completed transactions by result",
		}, []string{"result"}),
		activeTx: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_transactions",
			Help:      "Transactions currently executing or awaiting commit",
		}),
		queuedOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "queued_operations",
			Help:      "Asynchronous operations waiting for a worker",
		}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "proxy_requests_total",
			Help:      "Operations forwarded to remote controllers by final outcome",
		}, []string{"outcome"}),
		proxyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "proxy_request_duration_seconds",
			Help:      "Time from sending a proxied operation to its prepared or failed reply",
			Buckets:   buckets,
		}),
		persisterStores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "persister_stores_total",
			Help:      "Model stores by persister kind and result",
		}, []string{"persister", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "notifications_total",
			Help:      "Notifications published after commit",
		}, []string{"type"}),
		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_by_class_total",
			Help:      "Failed operations by error class",
		}, []string{"class"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_by_code_total",
			Help:      "Failed operations by error code",
		}, []string{"code"}),
	}

	m.registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.steps,
		m.transactions,
		m.activeTx,
		m.queuedOps,
		m.proxyRequests,
		m.proxyDuration,
		m.persisterStores,
		m.notifications,
		m.errorsByClass,
		m.errorsByCode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m, nil
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

// RecordOperation records a completed top-level operation.
func (m *Metrics) RecordOperation(operation, outcome string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordStep counts one executed step.
func (m *Metrics) RecordStep(stage string) {
	if !m.enabled() {
		return
	}
	m.steps.WithLabelValues(stage).Inc()
}

// TransactionStarted increments the active transaction gauge.
func (m *Metrics) TransactionStarted() {
	if !m.enabled() {
		return
	}
	m.activeTx.Inc()
}

// TransactionFinished records the transaction result ("committed" or
// "rolled-back") and decrements the active gauge.
func (m *Metrics) TransactionFinished(result string) {
	if !m.enabled() {
		return
	}
	m.transactions.WithLabelValues(result).Inc()
	m.activeTx.Dec()
}

// SetQueuedOperations sets the async queue depth.
func (m *Metrics) SetQueuedOperations(n int) {
	if !m.enabled() {
		return
	}
	m.queuedOps.Set(float64(n))
}

// RecordProxyRequest records a proxied request's first reply.
func (m *Metrics) RecordProxyRequest(outcome string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.proxyRequests.WithLabelValues(outcome).Inc()
	m.proxyDuration.Observe(d.Seconds())
}

// RecordPersisterStore records a store by persister kind.
func (m *Metrics) RecordPersisterStore(persister string, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.persisterStores.WithLabelValues(persister, result).Inc()
}

// RecordNotification counts a published notification.
func (m *Metrics) RecordNotification(notificationType string) {
	if !m.enabled() {
		return
	}
	m.notifications.WithLabelValues(notificationType).Inc()
}

// RecordError records a failure by class and, when set, by code.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Registry returns the private registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on the configured listen address until
// ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.enabled() {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	return nil
}
