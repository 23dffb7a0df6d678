package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration marshals as a Go duration string ("90s", "2m") in config files
// and environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// SchedulerConfig tunes the claim loop.
type SchedulerConfig struct {
	MaxConcurrent int      `json:"max_concurrent,omitempty" env:"MAX_CONCURRENT"` // global in-flight ceiling
	TickInterval  Duration `json:"tick_interval,omitempty" env:"TICK_INTERVAL"`
}

// LeaseConfig tunes assignment leases and their recovery.
type LeaseConfig struct {
	TTL               Duration `json:"ttl,omitempty" env:"TTL"`
	RenewOnHeartbeat  bool     `json:"renew_on_heartbeat,omitempty" env:"RENEW_ON_HEARTBEAT"` // heartbeats extend the lease deadline, not just liveness
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty" env:"HEARTBEAT_INTERVAL"`
	SweepInterval     Duration `json:"sweep_interval,omitempty" env:"SWEEP_INTERVAL"`
}

// RetryConfig tunes failure retries.
type RetryConfig struct {
	Policy     string   `json:"policy,omitempty" env:"POLICY"` // "fixed" or "exponential"
	Base       Duration `json:"base,omitempty" env:"BASE"`
	Cap        Duration `json:"cap,omitempty" env:"CAP"`
	MaxRetries int      `json:"max_retries,omitempty" env:"MAX_RETRIES"` // default budget for tasks that do not set one
}

// PlanConfig tunes plan-level failure handling.
type PlanConfig struct {
	Policy string `json:"policy,omitempty" env:"POLICY"` // "fail_fast" or "continue_on_error"
}

// MonitorConfig tunes health evaluation.
type MonitorConfig struct {
	StuckThreshold     Duration `json:"stuck_threshold,omitempty" env:"STUCK_THRESHOLD"`
	Window             Duration `json:"window,omitempty" env:"WINDOW"`
	ErrorRateWarning   float64  `json:"error_rate_warning,omitempty" env:"ERROR_RATE_WARNING"`
	ErrorRateCritical  float64  `json:"error_rate_critical,omitempty" env:"ERROR_RATE_CRITICAL"`
	StuckWarning       int      `json:"stuck_warning,omitempty" env:"STUCK_WARNING"`
	StuckCritical      int      `json:"stuck_critical,omitempty" env:"STUCK_CRITICAL"`
	QueueDepthWarning  int      `json:"queue_depth_warning,omitempty" env:"QUEUE_DEPTH_WARNING"`
	QueueDepthCritical int      `json:"queue_depth_critical,omitempty" env:"QUEUE_DEPTH_CRITICAL"`
}

// WorkerConfig defines one local worker pool started alongside the engine.
// Pools are keyed by worker id in Config.Workers.
type WorkerConfig struct {
	Slots        int      `json:"slots,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"` // task types served; empty serves every type
	Workspaces   bool     `json:"workspaces,omitempty"`   // give jobs scratch dirs under DataDir
}

// Config is the top-level configuration.
type Config struct {
	DataDir  string `json:"data_dir,omitempty" env:"HIVE_DATA_DIR"` // database and workspaces
	Listen   string `json:"listen,omitempty" env:"HIVE_LISTEN"`     // API bind address
	LogLevel string `json:"log_level,omitempty" env:"HIVE_LOG_LEVEL"`

	Scheduler SchedulerConfig `json:"scheduler,omitempty" envPrefix:"HIVE_SCHEDULER_"`
	Lease     LeaseConfig     `json:"lease,omitempty" envPrefix:"HIVE_LEASE_"`
	Retry     RetryConfig     `json:"retry,omitempty" envPrefix:"HIVE_RETRY_"`
	Plan      PlanConfig      `json:"plan,omitempty" envPrefix:"HIVE_PLAN_"`
	Monitor   MonitorConfig   `json:"monitor,omitempty" envPrefix:"HIVE_MONITOR_"`

	Workers map[string]WorkerConfig `json:"workers,omitempty"`
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Retry.Policy {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("retry.policy must be %q or %q, got %q", "fixed", "exponential", c.Retry.Policy)
	}
	switch c.Plan.Policy {
	case "", "fail_fast", "continue_on_error":
	default:
		return fmt.Errorf("plan.policy must be %q or %q, got %q", "fail_fast", "continue_on_error", c.Plan.Policy)
	}
	if c.Scheduler.MaxConcurrent < 0 {
		return fmt.Errorf("scheduler.max_concurrent must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	for id, w := range c.Workers {
		if w.Slots < 0 {
			return fmt.Errorf("worker %q: slots must not be negative", id)
		}
	}
	return nil
}
