// Package scheduler admits queued simulation runs under per-queue concurrency limits.
package scheduler

import (
	"time"

	"github.com/fentz26/simqueue/internal/retry"
)

// Config defines the scheduler configuration.
type Config struct {
	// InstanceID identifies this orchestrator across restarts. Checkpoint
	// entries left behind under the same id belong to a dead process.
	InstanceID string `yaml:"instance_id"`

	// DefaultMaxConcurrent and DefaultMaxRetries apply to queues created without explicit limits.
	DefaultMaxConcurrent int `yaml:"default_max_concurrent"`
	DefaultMaxRetries    int `yaml:"default_max_retries"`

	// TickInterval is the safety tick of each admission loop.
	TickInterval time.Duration `yaml:"tick_interval"`

	// MaxRounds and PerRoundTimeout derive the per-run wall-clock budget
	// unless RunTimeout is set.
	MaxRounds       int           `yaml:"max_rounds"`
	PerRoundTimeout time.Duration `yaml:"per_round_timeout"`
	RunTimeout      time.Duration `yaml:"run_timeout"`

	// CheckpointTTL is how long a checkpoint heartbeat stays valid.
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`
	// SweepSchedule is the cron spec of the stale-checkpoint sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// StopGracePeriod bounds how long StopQueue waits for cancelled runs.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`

	FallbackRunDuration time.Duration `yaml:"fallback_run_duration"`
	EstimatedRunCost    float64       `yaml:"estimated_run_cost"`

	Retry      retry.Policy `yaml:"retry"`
	StoreRetry retry.Policy `yaml:"store_retry"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultMaxConcurrent: 3,
		DefaultMaxRetries:    3,
		TickInterval:         time.Second,
		MaxRounds:            6,
		PerRoundTimeout:      2 * time.Minute,
		CheckpointTTL:        90 * time.Second,
		SweepSchedule:        "@every 1m",
		StopGracePeriod:      30 * time.Second,
		FallbackRunDuration:  30 * time.Second,
		EstimatedRunCost:     0.05,
		Retry:                retry.DefaultPolicy(),
		StoreRetry: retry.Policy{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
	}
}

// RunBudget returns the wall-clock limit of a single run.
func (c *Config) RunBudget() time.Duration {
	if c.RunTimeout > 0 {
		return c.RunTimeout
	}
	rounds := c.MaxRounds
	if rounds <= 0 {
		rounds = 6
	}
	return time.Duration(rounds) * c.PerRoundTimeout
}

// HeartbeatInterval returns how often running checkpoints are renewed.
func (c *Config) HeartbeatInterval() time.Duration {
	return c.CheckpointTTL / 3
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *c
	if out.DefaultMaxConcurrent <= 0 {
		out.DefaultMaxConcurrent = d.DefaultMaxConcurrent
	}
	if out.DefaultMaxRetries < 0 {
		out.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if out.TickInterval <= 0 {
		out.TickInterval = d.TickInterval
	}
	if out.PerRoundTimeout <= 0 && out.RunTimeout <= 0 {
		out.PerRoundTimeout = d.PerRoundTimeout
	}
	if out.CheckpointTTL <= 0 {
		out.CheckpointTTL = d.CheckpointTTL
	}
	if out.StopGracePeriod <= 0 {
		out.StopGracePeriod = d.StopGracePeriod
	}
	if out.FallbackRunDuration <= 0 {
		out.FallbackRunDuration = d.FallbackRunDuration
	}
	if out.Retry == (retry.Policy{}) {
		out.Retry = d.Retry
	}
	if out.StoreRetry == (retry.Policy{}) {
		out.StoreRetry = d.StoreRetry
	}
	return &out
}
