// Package config models the configuration surface enumerated in spec §6.
package config

import (
	"errors"
	"time"
)

// Config mirrors spec §6's enumerated configuration surface. A nil *Config
// anywhere one is accepted is equivalent to &Config{} after WithDefaults, matching
// the optional-config idiom used by microbatch.BatcherConfig.
type Config struct {
	// ParallelProcessingPoolSize is the mini-batch width (spec §4.D). Defaults
	// to 8.
	ParallelProcessingPoolSize int

	// SchemaPollingTimeoutMs bounds wait_until_schema_available and
	// wait_version_state_available (spec §4.E, §5). Defaults to 10_000.
	SchemaPollingTimeoutMs int64

	// SchemaPollingDelayMs is the fixed interval between polling attempts.
	// Defaults to 100.
	SchemaPollingDelayMs int64

	// GlobalRTDivEnabled selects DIV tracker topology (spec §3).
	GlobalRTDivEnabled bool

	// ActiveActiveReplicationEnabled gates the A/A merge path (spec §4.E, §4.F).
	ActiveActiveReplicationEnabled bool

	// ChunkingEnabled permits chunked value/manifest schema ids (spec §4.E
	// pre-flight).
	ChunkingEnabled bool

	// IncrementalPushEnabled permits START_OF_INCREMENTAL_PUSH/
	// END_OF_INCREMENTAL_PUSH control messages.
	IncrementalPushEnabled bool

	// SeparateRTTopicEnabled indicates records may arrive from a dedicated
	// real-time topic distinct from the version topic.
	SeparateRTTopicEnabled bool

	// LeaderCompleteStateCheckIntervalMs is retained per spec §6's
	// enumerated surface; spec §4.I's heartbeat emission is triggered by
	// observing a real-time SOS heartbeat, not by a timer, so this is read
	// only as a validated duration and not otherwise consulted (see
	// SPEC_FULL.md §12).
	LeaderCompleteStateCheckIntervalMs int64

	// IsDataRecovery marks this partition as undergoing data recovery (spec
	// §4.E TOPIC_SWITCH handling).
	IsDataRecovery bool
}

// WithDefaults returns a copy of cfg (or a fresh zero Config, if cfg is nil)
// with every unset field given its documented default.
func WithDefaults(cfg *Config) Config {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.ParallelProcessingPoolSize == 0 {
		c.ParallelProcessingPoolSize = 8
	}
	if c.SchemaPollingTimeoutMs == 0 {
		c.SchemaPollingTimeoutMs = 10_000
	}
	if c.SchemaPollingDelayMs == 0 {
		c.SchemaPollingDelayMs = 100
	}
	if c.LeaderCompleteStateCheckIntervalMs == 0 {
		c.LeaderCompleteStateCheckIntervalMs = 30_000
	}
	return c
}

// Validate rejects configuration that can't produce correct behavior: a
// non-positive parallelism width, or a polling timeout shorter than its own
// delay (which would never allow a single poll attempt).
func (c Config) Validate() error {
	if c.ParallelProcessingPoolSize <= 0 {
		return errors.New("config: parallel processing pool size must be positive")
	}
	if c.SchemaPollingTimeoutMs <= 0 {
		return errors.New("config: schema polling timeout must be positive")
	}
	if c.SchemaPollingDelayMs <= 0 {
		return errors.New("config: schema polling delay must be positive")
	}
	if c.SchemaPollingDelayMs > c.SchemaPollingTimeoutMs {
		return errors.New("config: schema polling delay must not exceed timeout")
	}
	if c.LeaderCompleteStateCheckIntervalMs <= 0 {
		return errors.New("config: leader complete state check interval must be positive")
	}
	return nil
}

// SchemaPollingTimeout returns SchemaPollingTimeoutMs as a time.Duration.
func (c Config) SchemaPollingTimeout() time.Duration {
	return time.Duration(c.SchemaPollingTimeoutMs) * time.Millisecond
}

// SchemaPollingDelay returns SchemaPollingDelayMs as a time.Duration.
func (c Config) SchemaPollingDelay() time.Duration {
	return time.Duration(c.SchemaPollingDelayMs) * time.Millisecond
}
