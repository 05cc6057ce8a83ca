package pool

import (
	"errors"
	"fmt"
	"time"
)

// Config sizes and paces a Pool. It is copied at construction.
type Config struct {
	InitialSize         int
	MaxSize             int
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	MaxAcquireWait      time.Duration
	// ConnectTimeout bounds a single client Connect.
	ConnectTimeout time.Duration
	// CallTimeout bounds disconnects, state resets and health probes.
	CallTimeout time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		InitialSize:         2,
		MaxSize:             8,
		IdleTimeout:         10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		MaxAcquireWait:      30 * time.Second,
		ConnectTimeout:      10 * time.Second,
		CallTimeout:         5 * time.Second,
	}
}

func (c Config) validate() error {
	var errs []error
	if c.MaxSize <= 0 {
		errs = append(errs, errors.New("max size must be > 0"))
	}
	if c.InitialSize < 0 || c.InitialSize > c.MaxSize {
		errs = append(errs, fmt.Errorf("initial size must be between 0 and %d", c.MaxSize))
	}
	if c.IdleTimeout <= 0 || c.HealthCheckInterval <= 0 || c.MaxAcquireWait <= 0 {
		errs = append(errs, errors.New("pool durations must be > 0"))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}
