package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles the logger, tracer, metrics and notification
// publisher of one process.
type Telemetry struct {
	Logger        *Logger
	Tracer        *Tracer
	Metrics       *Metrics
	Notifications *NotificationPublisher
	Config        *Config
}

type telemetryContextKey struct{}

// New builds every component from cfg.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return &Telemetry{
		Logger:        logger,
		Tracer:        tracer,
		Metrics:       metrics,
		Notifications: NewNotificationPublisher(cfg.Notifications, metrics),
		Config:        cfg,
	}, nil
}

// NewNop returns a Telemetry that records nothing. Tests use it.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Notifications.EnableAsync = false
	return &Telemetry{
		Logger:        NewNopLogger(),
		Tracer:        NewNopTracer(),
		Metrics:       &Metrics{},
		Notifications: NewNotificationPublisher(cfg.Notifications, nil),
		Config:        cfg,
	}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the Telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains notifications and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Notifications.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}
