package poll

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	DefaultBaseInterval  = 5 * time.Second
	DefaultMaxInterval   = 60 * time.Second
	DefaultBackoffFactor = 1.5
)

var (
	// Returned by New when the configuration cannot be used.
	ErrInvalidConfig = errors.New("invalid engine configuration")
)

// Config for an Engine. Zero durations and factor take their defaults.
type Config struct {
	// Identity of this worker, passed verbatim to hooks. Required.
	WorkerID string

	// Interval between cycles while work is being found.
	BaseInterval time.Duration
	// Upper bound of the interval while idle.
	MaxInterval time.Duration
	// Applied to the interval after every idle cycle.
	BackoffFactor float64
}

func (c Config) withDefaults() Config {
	if c.BaseInterval == 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = DefaultMaxInterval
		if c.MaxInterval < c.BaseInterval {
			c.MaxInterval = c.BaseInterval
		}
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.WorkerID == "":
		return fmt.Errorf("%w: worker id is required", ErrInvalidConfig)
	case c.BaseInterval < 0:
		return fmt.Errorf("%w: negative base interval %s", ErrInvalidConfig, c.BaseInterval)
	case c.MaxInterval < c.BaseInterval:
		return fmt.Errorf("%w: max interval %s is below base interval %s",
			ErrInvalidConfig, c.MaxInterval, c.BaseInterval)
	case math.IsNaN(c.BackoffFactor) || math.IsInf(c.BackoffFactor, 0):
		return fmt.Errorf("%w: backoff factor %g is not finite", ErrInvalidConfig, c.BackoffFactor)
	case c.BackoffFactor < 1:
		return fmt.Errorf("%w: backoff factor %g is below 1", ErrInvalidConfig, c.BackoffFactor)
	}
	return nil
}
