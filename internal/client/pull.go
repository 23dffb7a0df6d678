package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hiveplan/hive/internal/task"
	"github.com/hiveplan/hive/internal/worker"
)

// PullConfig tunes a remote worker.
type PullConfig struct {
	WorkerID          string
	Capabilities      []string      // task types claimed; empty claims all
	Slots             int           // concurrent jobs (default 1)
	PollInterval      time.Duration // idle wait between empty claims (default 2s)
	HeartbeatInterval time.Duration // liveness cadence (default 15s)
}

// PullWorker claims tasks over HTTP and executes them locally. It is the
// remote counterpart of the in-process pool: same handlers, same job shape,
// but the lease travels over the API instead of the dispatcher.
type PullWorker struct {
	client     *Client
	cfg        PullConfig
	handlers   map[string]worker.Handler
	workspaces *worker.Workspaces
}

func NewPullWorker(c *Client, cfg PullConfig) *PullWorker {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &PullWorker{
		client:   c,
		cfg:      cfg,
		handlers: make(map[string]worker.Handler),
	}
}

// Handle registers the handler for a task type. Not safe to call after Run.
func (p *PullWorker) Handle(taskType string, h worker.Handler) {
	p.handlers[taskType] = h
}

// UseWorkspaces gives each job a scratch directory under root.
func (p *PullWorker) UseWorkspaces(w *worker.Workspaces) {
	p.workspaces = w
}

// Run claims and executes tasks until the context is cancelled. Claim
// failures back off exponentially so a restarting engine is not hammered.
func (p *PullWorker) Run(ctx context.Context) error {
	if p.cfg.WorkerID == "" {
		return errors.New("pull worker needs a worker id")
	}
	if p.workspaces != nil {
		if err := p.workspaces.Prune(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("failed to prune stale workspaces")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Slots)

	log.Ctx(ctx).Info().
		Str("worker_id", p.cfg.WorkerID).
		Int("slots", p.cfg.Slots).
		Strs("capabilities", p.cfg.Capabilities).
		Msg("pull worker started")

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // keep claiming until shutdown

	for {
		if ctx.Err() != nil {
			err := g.Wait()
			log.Ctx(ctx).Info().Str("worker_id", p.cfg.WorkerID).Msg("pull worker stopped")
			return err
		}

		a, err := p.client.Claim(ctx, p.cfg.WorkerID, p.cfg.Capabilities)
		switch {
		case errors.Is(err, ErrNoWork):
			bo.Reset()
			sleep(ctx, p.cfg.PollInterval)
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			wait := bo.NextBackOff()
			log.Ctx(ctx).Warn().Err(err).Dur("retry_in", wait).Msg("claim failed")
			sleep(ctx, wait)
		default:
			bo.Reset()
			g.Go(func() error {
				p.run(gctx, a)
				return nil
			})
		}
	}
}

// run executes one claimed assignment. The task is already running on the
// engine side; only the outcome report remains.
func (p *PullWorker) run(ctx context.Context, a *task.Assignment) {
	logger := log.Ctx(ctx).With().
		Str("worker_id", p.cfg.WorkerID).
		Str("task_id", a.TaskID).
		Str("assignment_id", a.ID).
		Logger()

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var cancelled atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, a.ID, &cancelled, cancelJob)

	handler, ok := p.handlers[a.TaskType]
	if !ok {
		p.fail(ctx, a.ID, fmt.Sprintf("no handler registered for task type %q", a.TaskType))
		return
	}

	job := worker.Job{
		AssignmentID: a.ID,
		TaskID:       a.TaskID,
		Type:         a.TaskType,
		Payload:      a.Payload,
	}
	if p.workspaces != nil {
		dir, err := p.workspaces.Create(a.ID)
		if err != nil {
			p.fail(ctx, a.ID, fmt.Sprintf("workspace setup failed: %v", err))
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

	repCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		logger.Info().Dur("elapsed", elapsed).Msg("task completed")
		if err := p.client.Complete(repCtx, a.ID, result); err != nil {
			logger.Error().Err(err).Msg("failed to report completion, lease sweep will recover the task")
		}
	case cancelled.Load():
		// The engine turns a failure report on a cancel-flagged task into
		// a cancellation.
		logger.Info().Dur("elapsed", elapsed).Msg("task cancelled mid-run")
		p.fail(repCtx, a.ID, "cancellation observed by worker")
	case ctx.Err() != nil:
		logger.Warn().Msg("shutdown interrupted task, leaving lease to the sweeper")
	default:
		logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("task failed")
		p.fail(repCtx, a.ID, err.Error())
	}
}

// heartbeat keeps the lease warm and watches for cancellation, mirroring
// the in-process pool.
func (p *PullWorker) heartbeat(ctx context.Context, assignmentID string, cancelled *atomic.Bool, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat, err := p.client.Heartbeat(ctx, assignmentID)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && (apiErr.Status == http.StatusConflict || apiErr.Status == http.StatusNotFound) {
					// Lease gone: swept or settled by someone else.
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

func (p *PullWorker) fail(ctx context.Context, assignmentID, reason string) {
	if err := p.client.Fail(ctx, assignmentID, reason); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("assignment_id", assignmentID).
			Msg("failed to report failure, lease sweep will recover the task")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
