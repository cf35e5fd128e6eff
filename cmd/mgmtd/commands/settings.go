package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/mgmtd/pkg/controller"
	"github.com/openfroyo/mgmtd/pkg/persistence"
	"github.com/openfroyo/mgmtd/pkg/registry"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
	"github.com/openfroyo/mgmtd/pkg/transports/ssh"
)

// settings is the merged flag, environment and file configuration.
type settings struct {
	Listen       string   `mapstructure:"listen" validate:"required"`
	Persister    string   `mapstructure:"persister" validate:"oneof=sqlite yaml none"`
	DataDir      string   `mapstructure:"data" validate:"required_unless=Persister none"`
	KeepVersions int      `mapstructure:"keep-versions" validate:"gte=0"`
	ProcessType  string   `mapstructure:"process-type" validate:"oneof=server host-controller domain-coordinator"`
	PoolSize     int      `mapstructure:"pool-size" validate:"gte=1"`
	Mounts       []string `mapstructure:"mount"`
	MountType    string   `mapstructure:"mount-type" validate:"required"`

	// DecisionTimeout bounds how long a prepared remote transaction waits
	// for the host's commit or rollback.
	DecisionTimeout  time.Duration `mapstructure:"decision-timeout" validate:"gt=0"`
	OperationTimeout time.Duration `mapstructure:"operation-timeout" validate:"gte=0"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format" validate:"oneof=console json"`

	Tracing struct {
		Exporter     string  `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
		Endpoint     string  `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
		SamplingRate float64 `mapstructure:"sampling-rate" validate:"gte=0,lte=1"`
	} `mapstructure:"tracing"`

	Metrics bool `mapstructure:"metrics"`

	// SSH holds the defaults for ssh:// mounts.
	SSH ssh.Config `mapstructure:"ssh" validate:"-"`
}

var settingsValidator = validator.New()

// configure sets defaults and environment binding. Every key is known to
// v, so MGMTD_* variables reach Unmarshal.
func configure(v *viper.Viper) {
	v.SetEnvPrefix("mgmtd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":9990")
	v.SetDefault("persister", "sqlite")
	v.SetDefault("keep-versions", persistence.DefaultKeepVersions)
	v.SetDefault("process-type", string(registry.ProcessTypeServer))
	v.SetDefault("pool-size", controller.DefaultConfig().PoolSize)
	v.SetDefault("mount-type", "host")
	v.SetDefault("decision-timeout", 5*time.Minute)
	v.SetDefault("operation-timeout", controller.DefaultConfig().DefaultTimeout)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sampling-rate", 1.0)
	v.SetDefault("metrics", true)

	sshDefaults := ssh.DefaultConfig("", "")
	v.SetDefault("ssh.port", sshDefaults.Port)
	v.SetDefault("ssh.auth", string(sshDefaults.AuthMethod))
	v.SetDefault("ssh.known-hosts", sshDefaults.KnownHostsPath)
	v.SetDefault("ssh.strict-host-key-checking", sshDefaults.StrictHostKeyChecking)
	v.SetDefault("ssh.connection-timeout", sshDefaults.ConnectionTimeout)
	v.SetDefault("ssh.keep-alive-interval", sshDefaults.KeepAliveInterval)
	v.SetDefault("ssh.keep-alive-retries", sshDefaults.MaxKeepAliveRetries)
	v.SetDefault("ssh.command", sshDefaults.RemoteCommand)
	v.SetDefault("ssh.jump-port", sshDefaults.JumpPort)

	v.SetDefault("mount", []string{})
	for _, key := range []string{
		"tracing.endpoint",
		"ssh.user", "ssh.password", "ssh.private-key", "ssh.private-key-passphrase",
		"ssh.jump-host", "ssh.jump-user",
	} {
		_ = v.BindEnv(key)
	}
}

func (a *app) settings() (*settings, error) {
	s := &settings{}
	if err := a.v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := settingsValidator.Struct(s); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// telemetryConfig maps settings onto the telemetry configuration.
func (s *settings) telemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Logging.Level = s.LogLevel
	cfg.Logging.Format = s.LogFormat
	cfg.Logging.Output = "stderr"
	cfg.Metrics.Enabled = s.Metrics
	if s.Tracing.Exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = s.Tracing.Exporter
		cfg.Tracing.Endpoint = s.Tracing.Endpoint
		cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	}
	return cfg
}

// controllerConfig maps settings onto the controller configuration.
func (s *settings) controllerConfig() controller.Config {
	cfg := controller.DefaultConfig()
	cfg.ProcessType = registry.ProcessType(s.ProcessType)
	cfg.PoolSize = s.PoolSize
	cfg.DefaultTimeout = s.OperationTimeout
	return cfg
}
