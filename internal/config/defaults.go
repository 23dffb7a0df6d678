package config

import "time"

// DefaultConfig returns the default configuration with a single local
// command-runner pool.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
			TickInterval:  Duration(2 * time.Second),
		},
		Lease: LeaseConfig{
			TTL:               Duration(2 * time.Minute),
			HeartbeatInterval: Duration(15 * time.Second),
			SweepInterval:     Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			Policy:     "exponential",
			Base:       Duration(5 * time.Second),
			Cap:        Duration(5 * time.Minute),
			MaxRetries: 3,
		},
		Plan: PlanConfig{
			Policy: "continue_on_error",
		},
		Monitor: MonitorConfig{
			StuckThreshold:     Duration(2 * time.Minute),
			Window:             Duration(time.Hour),
			ErrorRateWarning:   0.25,
			ErrorRateCritical:  0.5,
			StuckWarning:       1,
			StuckCritical:      5,
			QueueDepthWarning:  100,
			QueueDepthCritical: 500,
		},
		Workers: map[string]WorkerConfig{
			"local": {
				Slots:        4,
				Capabilities: []string{"command"},
				Workspaces:   true,
			},
		},
	}
}
