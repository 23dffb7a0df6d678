// Package engine assembles the pipeline from one Config: store, event bus,
// ingestor, scheduler, dispatcher, lease sweeper, health monitor, local
// worker pools, and the HTTP API. Run drives every long-lived component
// under a single errgroup so one fatal error stops them all.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hiveplan/hive/internal/api"
	"github.com/hiveplan/hive/internal/config"
	"github.com/hiveplan/hive/internal/dispatch"
	"github.com/hiveplan/hive/internal/events"
	"github.com/hiveplan/hive/internal/monitor"
	"github.com/hiveplan/hive/internal/outcome"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/scheduler"
	"github.com/hiveplan/hive/internal/worker"
)

// Engine owns every component of a running node. Build one with New,
// drive it with Run, release its resources with Close.
type Engine struct {
	cfg *config.Config

	store *persistence.SQLiteStore
	bus   *events.Bus

	resolver   *plan.Resolver
	ingestor   *plan.Ingestor
	sync       *outcome.Synchronizer
	registry   *dispatch.Registry
	reports    *dispatch.ReportQueue
	dispatcher *dispatch.Dispatcher
	sweeper    *dispatch.Sweeper
	queen      *scheduler.Queen
	monitor    *monitor.Monitor

	procs *worker.ProcessManager
	pools map[string]*worker.Pool

	listener   net.Listener
	httpServer *http.Server
}

// New builds an engine from cfg. The store is opened (and the API listener
// bound, when cfg.Listen is set) immediately so failures surface here
// rather than mid-Run. Nothing starts until Run.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		store: store,
		bus:   events.NewBus(),
		procs: worker.NewProcessManager(),
		pools: make(map[string]*worker.Pool),
	}

	e.resolver = plan.NewResolver(store)
	e.ingestor = plan.NewIngestor(store, e.bus, cfg.Retry.MaxRetries)
	e.sync = outcome.NewSynchronizer(store, e.bus, e.resolver, retryPolicy(cfg.Retry), planPolicy(cfg.Plan))
	e.registry = dispatch.NewRegistry(e.bus)

	slots := 0
	for _, wc := range cfg.Workers {
		slots += wc.Slots
	}
	if slots < 64 {
		slots = 64
	}
	e.reports = dispatch.NewReportQueue(slots, e.sync, e.registry)

	e.dispatcher = dispatch.NewDispatcher(store, e.registry, e.reports, dispatch.Options{
		LeaseTTL:         cfg.Lease.TTL.Std(),
		RenewOnHeartbeat: cfg.Lease.RenewOnHeartbeat,
	})
	e.sweeper = dispatch.NewSweeper(store, e.sync, e.registry, cfg.Lease.SweepInterval.Std())
	e.queen = scheduler.NewQueen(store, e.resolver, e.dispatcher, e.bus, scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		TickInterval:  cfg.Scheduler.TickInterval.Std(),
	})
	e.monitor = monitor.New(store, monitorThresholds(cfg.Monitor))

	if err := e.buildPools(); err != nil {
		store.Close()
		return nil, err
	}

	if cfg.Listen != "" {
		srv := api.NewServer(store, e.ingestor, e.dispatcher, e.monitor, api.Config{
			ClaimTTL: cfg.Lease.TTL.Std(),
		})
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("binding %s: %w", cfg.Listen, err)
		}
		e.listener = ln
		e.httpServer = &http.Server{
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return e, nil
}

// buildPools creates one local pool per configured worker. Engine pools run
// shell commands; every declared capability is served by the command runner,
// so a pool with no capabilities defaults to the "command" type.
func (e *Engine) buildPools() error {
	runner := worker.NewProcessRunner(e.procs)

	ids := make([]string, 0, len(e.cfg.Workers))
	for id := range e.cfg.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		wc := e.cfg.Workers[id]
		caps := wc.Capabilities
		if len(caps) == 0 {
			caps = []string{"command"}
		}

		pool := worker.New(worker.Config{
			ID:                id,
			Slots:             wc.Slots,
			Capabilities:      caps,
			HeartbeatInterval: e.cfg.Lease.HeartbeatInterval.Std(),
		}, e.dispatcher)
		for _, c := range caps {
			pool.Handle(c, runner.Handle)
		}

		if wc.Workspaces {
			ws, err := worker.NewWorkspaces(filepath.Join(e.cfg.DataDir, "workspaces", id))
			if err != nil {
				return fmt.Errorf("workspaces for pool %s: %w", id, err)
			}
			pool.UseWorkspaces(ws)
		}

		e.pools[id] = pool
	}
	return nil
}

// Store exposes the backing store, mainly for embedding and tests.
func (e *Engine) Store() persistence.Store { return e.store }

// Bus exposes the event bus for subscribers such as the TUI.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Ingestor exposes plan ingestion for embedding without the HTTP API.
func (e *Engine) Ingestor() *plan.Ingestor { return e.ingestor }

// Monitor exposes health and metrics queries.
func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }

// Pool returns a configured local pool by id. Attach extra handlers before
// calling Run; pools only serve the task types they have handlers for.
func (e *Engine) Pool(id string) (*worker.Pool, bool) {
	p, ok := e.pools[id]
	return p, ok
}

// Addr returns the bound API address, or "" when the API is disabled.
func (e *Engine) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Run starts every component and blocks until ctx ends or a component
// fails. On return all components have stopped; Close still has to be
// called to release the store.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, p := range e.pools {
		if err := e.registry.Register(p.Descriptor(), p); err != nil {
			return fmt.Errorf("registering pool: %w", err)
		}
	}

	e.reports.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.queen.Run(gctx) })
	g.Go(func() error { return e.sweeper.Run(gctx) })
	for _, p := range e.pools {
		g.Go(func() error { return p.Run(gctx) })
	}

	if e.httpServer != nil {
		g.Go(func() error {
			log.Ctx(gctx).Info().Str("addr", e.Addr()).Msg("api listening")
			if err := e.httpServer.Serve(e.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			return e.httpServer.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	cancel()
	e.reports.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close kills any processes still tracked, closes the bus, and closes the
// store. Call after Run has returned.
func (e *Engine) Close() error {
	if err := e.procs.KillAll(); err != nil {
		log.Error().Err(err).Msg("failed to kill tracked processes")
	}
	e.bus.Close()
	if e.listener != nil {
		e.listener.Close()
	}
	return e.store.Close()
}

// openStore opens the SQLite store under dataDir, or an in-memory store
// when dataDir is ":memory:".
func openStore(ctx context.Context, dataDir string) (*persistence.SQLiteStore, error) {
	if dataDir == ":memory:" {
		return persistence.NewMemoryStore(ctx)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dataDir, err)
	}
	return persistence.NewSQLiteStore(ctx, filepath.Join(dataDir, "hive.db"))
}

func retryPolicy(rc config.RetryConfig) outcome.RetryPolicy {
	p := outcome.DefaultRetryPolicy()
	if rc.Policy == "fixed" {
		p.Kind = outcome.RetryFixed
	}
	if rc.Base > 0 {
		p.Base = rc.Base.Std()
	}
	if rc.Cap > 0 {
		p.Cap = rc.Cap.Std()
	}
	return p
}

func planPolicy(pc config.PlanConfig) outcome.PlanPolicy {
	if pc.Policy == "fail_fast" {
		return outcome.PlanFailFast
	}
	return outcome.PlanContinue
}

func monitorThresholds(mc config.MonitorConfig) monitor.Thresholds {
	return monitor.Thresholds{
		StuckThreshold:     mc.StuckThreshold.Std(),
		Window:             mc.Window.Std(),
		ErrorRateWarning:   mc.ErrorRateWarning,
		ErrorRateCritical:  mc.ErrorRateCritical,
		StuckWarning:       mc.StuckWarning,
		StuckCritical:      mc.StuckCritical,
		QueueDepthWarning:  mc.QueueDepthWarning,
		QueueDepthCritical: mc.QueueDepthCritical,
	}
}
