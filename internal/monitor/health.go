package monitor

import (
	"fmt"
	"time"

	"github.com/hiveplan/hive/internal/task"
)

// Thresholds configures when the monitor raises alerts. Zero values take
// the defaults; the critical bound for each condition sits above its
// warning bound.
type Thresholds struct {
	StuckThreshold time.Duration // heartbeat staleness that marks a running task stuck
	Window         time.Duration // trailing window for the error rate

	ErrorRateWarning   float64
	ErrorRateCritical  float64
	StuckWarning       int
	StuckCritical      int
	QueueDepthWarning  int
	QueueDepthCritical int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StuckThreshold:     2 * time.Minute,
		Window:             time.Hour,
		ErrorRateWarning:   0.25,
		ErrorRateCritical:  0.5,
		StuckWarning:       1,
		StuckCritical:      5,
		QueueDepthWarning:  100,
		QueueDepthCritical: 500,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.StuckThreshold == 0 {
		t.StuckThreshold = d.StuckThreshold
	}
	if t.Window <= 0 {
		t.Window = d.Window
	}
	if t.ErrorRateWarning <= 0 {
		t.ErrorRateWarning = d.ErrorRateWarning
	}
	if t.ErrorRateCritical <= 0 {
		t.ErrorRateCritical = d.ErrorRateCritical
	}
	if t.StuckWarning <= 0 {
		t.StuckWarning = d.StuckWarning
	}
	if t.StuckCritical <= 0 {
		t.StuckCritical = d.StuckCritical
	}
	if t.QueueDepthWarning <= 0 {
		t.QueueDepthWarning = d.QueueDepthWarning
	}
	if t.QueueDepthCritical <= 0 {
		t.QueueDepthCritical = d.QueueDepthCritical
	}
	return t
}

// evaluate returns one alert per breached condition, at the highest
// severity the metrics reach.
func (t Thresholds) evaluate(m task.Metrics, now time.Time) []task.Alert {
	var alerts []task.Alert

	switch {
	case m.ErrorRate >= t.ErrorRateCritical:
		alerts = append(alerts, task.Alert{
			Condition:   "error_rate",
			Severity:    task.SeverityHigh,
			Message:     fmt.Sprintf("error rate %.0f%% over %s exceeds %.0f%%", m.ErrorRate*100, m.Window, t.ErrorRateCritical*100),
			TriggeredAt: now,
		})
	case m.ErrorRate >= t.ErrorRateWarning:
		alerts = append(alerts, task.Alert{
			Condition:   "error_rate",
			Severity:    task.SeverityMedium,
			Message:     fmt.Sprintf("error rate %.0f%% over %s exceeds %.0f%%", m.ErrorRate*100, m.Window, t.ErrorRateWarning*100),
			TriggeredAt: now,
		})
	}

	switch {
	case m.StuckTasks >= t.StuckCritical:
		alerts = append(alerts, task.Alert{
			Condition:   "stuck_tasks",
			Severity:    task.SeverityHigh,
			Message:     fmt.Sprintf("%d running tasks have stale heartbeats", m.StuckTasks),
			TriggeredAt: now,
		})
	case m.StuckTasks >= t.StuckWarning:
		alerts = append(alerts, task.Alert{
			Condition:   "stuck_tasks",
			Severity:    task.SeverityMedium,
			Message:     fmt.Sprintf("%d running tasks have stale heartbeats", m.StuckTasks),
			TriggeredAt: now,
		})
	}

	switch {
	case m.Queued >= t.QueueDepthCritical:
		alerts = append(alerts, task.Alert{
			Condition:   "queue_depth",
			Severity:    task.SeverityHigh,
			Message:     fmt.Sprintf("%d tasks queued, workers are not keeping up", m.Queued),
			TriggeredAt: now,
		})
	case m.Queued >= t.QueueDepthWarning:
		alerts = append(alerts, task.Alert{
			Condition:   "queue_depth",
			Severity:    task.SeverityMedium,
			Message:     fmt.Sprintf("%d tasks queued, workers are not keeping up", m.Queued),
			TriggeredAt: now,
		})
	}

	return alerts
}
