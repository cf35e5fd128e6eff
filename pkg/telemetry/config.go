package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry configuration of a management process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Environment names the deployment (development, production).
	Environment string

	Logging       LoggingConfig
	Tracing       TracingConfig
	Metrics       MetricsConfig
	Notifications NotificationsConfig

	// ResourceAttributes are extra attributes attached to every span.
	ResourceAttributes map[string]string
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level: trace, debug, info, warn, error or fatal.
	Level string `validate:"oneof=trace debug info warn error fatal"`

	// Format is console or json.
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `validate:"required"`

	EnableCaller bool

	// EnableSampling throttles high-volume debug logging from busy
	// controllers.
	EnableSampling     bool
	SamplingInitial    int `validate:"gte=0"`
	SamplingThereafter int `validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP collector address.
	Endpoint string

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures prometheus collection.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress is used by StartMetricsServer when metrics are not
	// served from the management listener.
	ListenAddress string
	Path          string
	Namespace     string `validate:"required_if=Enabled true"`

	DurationBuckets []float64
}

// NotificationsConfig configures the post-commit notification publisher.
type NotificationsConfig struct {
	Enabled bool

	// BufferSize bounds the queue of undelivered notifications when
	// delivery is asynchronous.
	BufferSize int `validate:"gte=0"`

	EnableAsync bool
}

var configValidator = validator.New()

// DefaultConfig returns the configuration used by `mgmtd` when nothing is
// overridden.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mgmtd",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9990",
			Path:          "/metrics",
			Namespace:     "mgmtd",
			DurationBuckets: []float64{
				0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30,
			},
		},
		Notifications: NotificationsConfig{
			Enabled:     true,
			BufferSize:  1024,
			EnableAsync: true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig returns DefaultConfig tuned for production: json logs,
// sampled debug output and OTLP export of a tenth of all traces.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unixms"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig returns DefaultConfig with debug logging and every
// trace printed to stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("otlp exporter requires an endpoint")
			}
		case "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}
	if c.Notifications.Enabled && c.Notifications.EnableAsync && c.Notifications.BufferSize == 0 {
		return fmt.Errorf("asynchronous notifications need a positive buffer size")
	}
	return nil
}
