package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hiveplan/hive/internal/outcome"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/task"
)

// Sweeper reclaims leases whose workers stopped heartbeating. Each expired
// lease is reported as a timeout failure, which requeues the task within
// its retry budget or fails it terminally.
type Sweeper struct {
	store    persistence.Store
	sync     *outcome.Synchronizer
	registry *Registry
	interval time.Duration
}

func NewSweeper(store persistence.Store, sync *outcome.Synchronizer, registry *Registry, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		sync:     sync,
		registry: registry,
		interval: interval,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Ctx(ctx).Info().Dur("interval", s.interval).Msg("lease sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).Info().Msg("lease sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("lease sweep failed")
				continue
			}
			if n > 0 {
				log.Ctx(ctx).Warn().Int("reclaimed", n).Msg("expired leases reclaimed")
			}
		}
	}
}

// Sweep reclaims every lease that has expired by now and returns how many
// it settled. Failures on individual leases are logged and skipped so one
// bad lease cannot wedge the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.ExpiredAssignments(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired leases: %w", err)
	}

	reclaimed := 0
	for _, a := range expired {
		rep := task.Report{
			AssignmentID: a.ID,
			TaskID:       a.TaskID,
			WorkerID:     a.WorkerID,
			Outcome:      task.OutcomeExpired,
		}
		if _, err := s.sync.Apply(ctx, rep); err != nil {
			log.Ctx(ctx).Error().Err(err).
				Str("assignment_id", a.ID).
				Str("task_id", a.TaskID).
				Msg("failed to reclaim expired lease")
			continue
		}
		if s.registry != nil {
			s.registry.Release(a.WorkerID, a.TaskID)
		}
		reclaimed++
	}
	return reclaimed, nil
}
