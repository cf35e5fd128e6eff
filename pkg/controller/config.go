package controller

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/mgmtd/pkg/registry"
)

// Config configures a ModelController.
type Config struct {
	// ProcessType decides which runtime-only operations the process offers.
	ProcessType registry.ProcessType `validate:"required"`

	// PoolSize is the number of workers serving ExecuteAsync.
	PoolSize int `validate:"gte=1,lte=1024"`

	// QueueSize bounds the number of async operations waiting for a worker.
	QueueSize int `validate:"gte=0"`

	// ReservedFeatureNames are parameter names that collide with address
	// parameters when the model is projected to features.
	ReservedFeatureNames []string `validate:"dive,required"`

	// DefaultTimeout bounds waits on remote controllers and on the commit
	// decision of a prepared transaction. Zero waits until the caller's
	// context ends.
	DefaultTimeout time.Duration `validate:"gte=0"`
}

// DefaultConfig returns the configuration of a standalone server.
func DefaultConfig() Config {
	return Config{
		ProcessType:          registry.ProcessTypeServer,
		PoolSize:             8,
		QueueSize:            256,
		ReservedFeatureNames: []string{"host", "profile", "server-group"},
		DefaultTimeout:       5 * time.Minute,
	}
}

var configValidator = validator.New()

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid controller config: %w", err)
	}
	return c.ProcessType.Validate()
}
