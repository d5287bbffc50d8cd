// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// Package config loads gateway configuration with layered precedence:
// built-in defaults, then an optional YAML file, then SENSORGATE_ prefixed
// environment variables. An invalid configuration is a startup-time fatal
// error with a descriptive message.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tessera-io/sensorgate/internal/storage"
)

// Config is the full gateway configuration.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	Ring     RingConfig     `koanf:"ring"`
	Registry RegistryConfig `koanf:"registry"`
	Storage  storage.Config `koanf:"storage"`
	LogPipe  LogPipeConfig  `koanf:"logpipe"`
}

// LoggingConfig configures the gateway's own (non-pipe) logging.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// RingConfig configures the shared transport region. Capacity and slot size
// are agreed at deployment time by producers and the gateway; a mismatch is
// fatal for the mismatched party.
type RingConfig struct {
	// Name is the region file name under Dir.
	Name string `koanf:"name" validate:"required"`

	// Dir holds the region file. Empty selects /dev/shm or the OS temp dir.
	Dir string `koanf:"dir"`

	Capacity uint32 `koanf:"capacity" validate:"gt=0"`
	SlotSize uint32 `koanf:"slot_size" validate:"gte=64"`

	// StuckAfter is the consumer's dead-producer threshold.
	StuckAfter time.Duration `koanf:"stuck_after" validate:"gt=0"`
}

// RegistryConfig configures node liveness tracking.
type RegistryConfig struct {
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	StaleAfter    time.Duration `koanf:"stale_after" validate:"gt=0"`
	ExpireAfter   time.Duration `koanf:"expire_after" validate:"gt=0"`
}

// LogPipeConfig configures the channel to the log process.
type LogPipeConfig struct {
	// Socket is the unix socket path shared with the log process.
	Socket string `koanf:"socket" validate:"required"`

	// Capacity bounds the in-gateway event queue; overflow drops oldest.
	Capacity int `koanf:"capacity" validate:"gt=0"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Ring: RingConfig{
			Name:       "sensorgate.ring",
			Capacity:   4096,
			SlotSize:   64,
			StuckAfter: 5 * time.Second,
		},
		Registry: RegistryConfig{
			SweepInterval: 10 * time.Second,
			StaleAfter:    30 * time.Second,
			ExpireAfter:   5 * time.Minute,
		},
		Storage: storage.DefaultConfig(),
		LogPipe: LogPipeConfig{
			Socket:   "/run/sensorgate/logpipe.sock",
			Capacity: 4096,
		},
	}
}

// Validate checks the configuration. Struct tags cover per-field bounds;
// cross-field rules are checked explicitly.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: field %s failed %q validation (value %v)",
				fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}

	if c.Registry.ExpireAfter <= c.Registry.StaleAfter {
		return fmt.Errorf("config: registry.expire_after (%s) must exceed registry.stale_after (%s)",
			c.Registry.ExpireAfter, c.Registry.StaleAfter)
	}
	return nil
}
