// Package worker runs assignments in-process. A pool takes deliveries from
// the dispatcher, executes each task's handler under its lease, heartbeats
// while the handler runs, and reports the outcome back through the
// dispatcher. Handlers observe cancellation and lease loss through their
// context.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hiveplan/hive/internal/dispatch"
	"github.com/hiveplan/hive/internal/task"
)

// Job is what a handler sees: the lease, the task payload, and a private
// scratch directory when workspaces are enabled.
type Job struct {
	AssignmentID string
	TaskID       string
	Type         string
	Payload      json.RawMessage
	Workspace    string
}

// Handler executes one job. The context is cancelled when the task is
// cancelled, the lease is lost, or the pool shuts down; handlers should
// return promptly once that happens.
type Handler func(ctx context.Context, job Job) (json.RawMessage, error)

// Config tunes a worker pool.
type Config struct {
	ID                string
	Slots             int           // concurrent handler limit (default 4)
	Capabilities      []string      // task types served; empty serves all
	HeartbeatInterval time.Duration // liveness cadence (default 15s)
}

// Pool is an in-process worker. It implements dispatch.Deliverer so the
// dispatcher can hand it leases directly.
type Pool struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	handlers   map[string]Handler
	workspaces *Workspaces
	queue      chan *task.Assignment
	running    atomic.Bool
}

func New(cfg Config, d *dispatch.Dispatcher) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = 4
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Pool{
		cfg:        cfg,
		dispatcher: d,
		handlers:   make(map[string]Handler),
		queue:      make(chan *task.Assignment, cfg.Slots*2),
	}
}

// Handle registers the handler for a task type. Not safe to call after Run.
func (p *Pool) Handle(taskType string, h Handler) {
	p.handlers[taskType] = h
}

// UseWorkspaces gives each job a scratch directory under root.
func (p *Pool) UseWorkspaces(w *Workspaces) {
	p.workspaces = w
}

// Descriptor returns the registration record for the dispatcher's registry.
func (p *Pool) Descriptor() dispatch.Worker {
	return dispatch.Worker{
		ID:           p.cfg.ID,
		Capabilities: p.cfg.Capabilities,
		Slots:        p.cfg.Slots,
	}
}

// Deliver queues an assignment for execution. It never blocks: a stopped or
// saturated pool refuses the delivery and the dispatcher finds another
// worker.
func (p *Pool) Deliver(_ context.Context, a *task.Assignment) error {
	if !p.running.Load() {
		return fmt.Errorf("worker %s is not running", p.cfg.ID)
	}
	select {
	case p.queue <- a:
		return nil
	default:
		return fmt.Errorf("worker %s queue is full", p.cfg.ID)
	}
}

// Run executes queued assignments with bounded concurrency until the
// context is cancelled, then waits for in-flight handlers to finish.
func (p *Pool) Run(ctx context.Context) error {
	if p.workspaces != nil {
		if err := p.workspaces.Prune(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("failed to prune stale workspaces")
		}
	}

	p.running.Store(true)
	defer p.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Slots)

	log.Ctx(ctx).Info().
		Str("worker_id", p.cfg.ID).
		Int("slots", p.cfg.Slots).
		Strs("capabilities", p.cfg.Capabilities).
		Msg("worker pool started")

	for {
		select {
		case <-ctx.Done():
			err := g.Wait()
			log.Ctx(ctx).Info().Str("worker_id", p.cfg.ID).Msg("worker pool stopped")
			return err
		case a := <-p.queue:
			g.Go(func() error {
				p.run(gctx, a)
				return nil
			})
		}
	}
}

// run executes one assignment end to end.
func (p *Pool) run(ctx context.Context, a *task.Assignment) {
	logger := log.Ctx(ctx).With().
		Str("worker_id", p.cfg.ID).
		Str("task_id", a.TaskID).
		Str("assignment_id", a.ID).
		Logger()

	if err := p.dispatcher.Start(ctx, a.ID); err != nil {
		// The lease was swept or settled before we got to it.
		logger.Warn().Err(err).Msg("assignment gone before start, dropping")
		p.dispatcher.ReleaseSlot(p.cfg.ID, a.TaskID)
		return
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var cancelled atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, a.ID, &cancelled, cancelJob)

	handler, ok := p.handlers[a.TaskType]
	if !ok {
		p.report(ctx, a, task.OutcomeFailed, nil, fmt.Sprintf("no handler registered for task type %q", a.TaskType))
		return
	}

	job := Job{
		AssignmentID: a.ID,
		TaskID:       a.TaskID,
		Type:         a.TaskType,
		Payload:      a.Payload,
	}
	if p.workspaces != nil {
		dir, err := p.workspaces.Create(a.ID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create workspace")
			p.report(ctx, a, task.OutcomeFailed, nil, fmt.Sprintf("workspace setup failed: %v", err))
			return
		}
		job.Workspace = dir
		defer func() {
			if err := p.workspaces.Cleanup(dir); err != nil {
				logger.Warn().Err(err).Str("dir", dir).Msg("failed to clean workspace")
			}
		}()
	}

	started := time.Now()
	result, err := handler(jobCtx, job)
	stopHeartbeat()
	elapsed := time.Since(started)

	switch {
	case err == nil:
		logger.Info().Dur("elapsed", elapsed).Msg("task completed")
		p.report(ctx, a, task.OutcomeCompleted, result, "")
	case cancelled.Load():
		logger.Info().Dur("elapsed", elapsed).Msg("task cancelled mid-run")
		p.report(ctx, a, task.OutcomeCancelled, nil, "cancellation observed by worker")
	case ctx.Err() != nil:
		// Pool shutdown: leave the lease for the sweeper, the retry
		// budget is not the task's to pay for our exit.
		logger.Warn().Msg("shutdown interrupted task, leaving lease to the sweeper")
	default:
		logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("task failed")
		p.report(ctx, a, task.OutcomeFailed, nil, err.Error())
	}
}

// heartbeat keeps the lease warm and watches for cancellation. Losing the
// lease cancels the job context: any work after that point is wasted.
func (p *Pool) heartbeat(ctx context.Context, assignmentID string, cancelled *atomic.Bool, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat, err := p.dispatcher.Heartbeat(ctx, assignmentID)
			if err != nil {
				if errors.Is(err, task.ErrLeaseReleased) || errors.Is(err, task.ErrNotFound) {
					cancelJob()
					return
				}
				log.Ctx(ctx).Warn().Err(err).
					Str("assignment_id", assignmentID).
					Msg("heartbeat failed")
				continue
			}
			if beat.CancelRequested {
				cancelled.Store(true)
				cancelJob()
				return
			}
		}
	}
}

// report submits the outcome on a context that survives pool shutdown long
// enough for the result not to be lost.
func (p *Pool) report(ctx context.Context, a *task.Assignment, outcome task.Outcome, result json.RawMessage, reason string) {
	repCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	switch outcome {
	case task.OutcomeCompleted:
		_, err = p.dispatcher.ReportComplete(repCtx, a.ID, result)
	case task.OutcomeCancelled:
		_, err = p.dispatcher.ReportCancelled(repCtx, a.ID, reason)
	default:
		_, err = p.dispatcher.ReportFailed(repCtx, a.ID, reason)
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("assignment_id", a.ID).
			Str("outcome", string(outcome)).
			Msg("failed to report outcome, lease sweep will recover the task")
	}
}
