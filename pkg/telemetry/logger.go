package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logger handed to controllers, proxies and
// persisters.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

type loggerContextKey struct{}

// NewLogger builds a Logger from cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		writer = file
	}
	return NewLoggerWriter(cfg, writer), nil
}

// NewLoggerWriter builds a Logger writing to w.
func NewLoggerWriter(cfg LoggingConfig, w io.Writer) *Logger {
	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	case "unixmicro":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(w).With().Timestamp().Logger().Level(parseLogLevel(cfg.Level))
	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}
	if cfg.EnableSampling {
		// Only debug and trace output is sampled; warnings and errors
		// from a failing transaction are always kept.
		zlog = zlog.Sample(zerolog.LevelSampler{
			TraceSampler: &zerolog.BasicSampler{N: uint32(max(cfg.SamplingThereafter, 1))},
			DebugSampler: &zerolog.BurstSampler{
				Burst:       uint32(cfg.SamplingInitial),
				Period:      time.Second,
				NextSampler: &zerolog.BasicSampler{N: uint32(max(cfg.SamplingThereafter, 1))},
			},
		})
	}
	return &Logger{zlog: zlog, config: cfg}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(l.zlog.With().Str("component", component))
}

func (l *Logger) with(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), config: l.config}
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewNopLogger()
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return l.with(ctx)
}

// WithField returns a logger with one additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(l.zlog.With().Interface(key, value))
}

// WithTxID tags the logger with a transaction id.
func (l *Logger) WithTxID(txID string) *Logger {
	return l.with(l.zlog.With().Str("tx_id", txID))
}

// WithOperation tags the logger with an operation name and target address.
func (l *Logger) WithOperation(name string, addr fmt.Stringer) *Logger {
	return l.with(l.zlog.With().Str("operation", name).Stringer("address", addr))
}

// WithRequestID tags the logger with a proxy request id.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.with(l.zlog.With().Str("request_id", id))
}

// WithError adds err to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

// Enabled reports whether level is logged.
func (l *Logger) Enabled(level zerolog.Level) bool {
	return l.zlog.GetLevel() <= level
}

// Zerolog exposes the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger { return l.zlog }

func (l *Logger) Trace(msg string)                           { l.zlog.Trace().Msg(msg) }
func (l *Logger) Tracef(format string, args ...interface{}) { l.zlog.Trace().Msgf(format, args...) }
func (l *Logger) Debug(msg string)                           { l.zlog.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                            { l.zlog.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warn(msg string)                            { l.zlog.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                           { l.zlog.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...interface{})  { l.zlog.Error().Msgf(format, args...) }

// AddHook returns a logger that runs hook for every event.
func (l *Logger) AddHook(hook zerolog.Hook) *Logger {
	return &Logger{zlog: l.zlog.Hook(hook), config: l.config}
}

func parseLogLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
