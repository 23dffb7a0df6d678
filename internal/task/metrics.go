package task

import "time"

// Metrics is the pipeline snapshot exposed by the monitor.
type Metrics struct {
	Pending           int       `json:"pending"`
	Queued            int       `json:"queued"`
	Assigned          int       `json:"assigned"`
	Running           int       `json:"running"`
	Completed         int       `json:"completed"`
	Failed            int       `json:"failed"`
	Blocked           int       `json:"blocked"`
	Cancelled         int       `json:"cancelled"`
	StuckTasks        int       `json:"stuck_tasks"`
	ErrorRate         float64   `json:"error_rate"` // failed / (completed + failed) over the window
	ThroughputPerHour int       `json:"throughput_per_hour"`
	Window            string    `json:"window,omitempty"`
	CollectedAt       time.Time `json:"collected_at"`
}

// HealthLevel is the monitor's overall verdict.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
)

// AlertSeverity ranks how urgently an alert needs attention.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert is a triggered threshold condition. Alerts are advisory; the monitor
// never mutates pipeline state.
type Alert struct {
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// HealthReport is the metrics snapshot plus the evaluated verdict.
type HealthReport struct {
	Level   HealthLevel `json:"level"`
	Alerts  []Alert     `json:"alerts,omitempty"`
	Metrics Metrics     `json:"metrics"`
}
