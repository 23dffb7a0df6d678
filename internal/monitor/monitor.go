// Package monitor derives pipeline health from the store. Everything here
// is a read-only view: metrics and alerts are recomputed on demand and
// never feed back into scheduling.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/task"
)

// Monitor assembles metrics snapshots and evaluates alert thresholds.
type Monitor struct {
	store      persistence.Store
	thresholds Thresholds
}

func New(store persistence.Store, th Thresholds) *Monitor {
	return &Monitor{store: store, thresholds: th.withDefaults()}
}

// Metrics returns the current pipeline snapshot. Stuck tasks are running
// tasks whose worker has not heartbeated within the stuck threshold; the
// error rate and throughput come from the persisted event log, so they
// survive restarts.
func (m *Monitor) Metrics(ctx context.Context) (task.Metrics, error) {
	now := time.Now()

	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return task.Metrics{}, err
	}

	stuck, err := m.store.StuckTaskCount(ctx, now.Add(-m.thresholds.StuckThreshold))
	if err != nil {
		return task.Metrics{}, err
	}

	completed, failed, err := m.store.OutcomeCounts(ctx, now.Add(-m.thresholds.Window))
	if err != nil {
		return task.Metrics{}, err
	}

	throughput := completed
	if m.thresholds.Window != time.Hour {
		throughput, _, err = m.store.OutcomeCounts(ctx, now.Add(-time.Hour))
		if err != nil {
			return task.Metrics{}, err
		}
	}

	var errorRate float64
	if completed+failed > 0 {
		errorRate = float64(failed) / float64(completed+failed)
	}

	return task.Metrics{
		Pending:           counts[task.StatusPending],
		Queued:            counts[task.StatusQueued],
		Assigned:          counts[task.StatusAssigned],
		Running:           counts[task.StatusRunning],
		Completed:         counts[task.StatusCompleted],
		Failed:            counts[task.StatusFailed],
		Blocked:           counts[task.StatusBlocked],
		Cancelled:         counts[task.StatusCancelled],
		StuckTasks:        stuck,
		ErrorRate:         errorRate,
		ThroughputPerHour: throughput,
		Window:            m.thresholds.Window.String(),
		CollectedAt:       now.UTC(),
	}, nil
}

// Health evaluates the snapshot against the thresholds. The worst triggered
// severity decides the level.
func (m *Monitor) Health(ctx context.Context) (task.HealthReport, error) {
	metrics, err := m.Metrics(ctx)
	if err != nil {
		return task.HealthReport{}, err
	}

	alerts := m.thresholds.evaluate(metrics, time.Now().UTC())

	level := task.HealthHealthy
	for _, a := range alerts {
		switch a.Severity {
		case task.SeverityHigh:
			level = task.HealthCritical
		case task.SeverityMedium:
			if level != task.HealthCritical {
				level = task.HealthWarning
			}
		}
	}

	return task.HealthReport{Level: level, Alerts: alerts, Metrics: metrics}, nil
}

// RecentEvents returns the newest entries of the persisted event log, for
// the API and the TUI event pane.
func (m *Monitor) RecentEvents(ctx context.Context, limit int) ([]*persistence.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	events, err := m.store.ListEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}
