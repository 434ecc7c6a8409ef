// Package daemon assembles the hub: it wires every subsystem from the
// configuration snapshot, runs the control socket, and drives the periodic
// loops (SLA sweeps, collab janitor, message archiving, watchdog).
package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/agentctl/agentctl/pkg/collab"
	"github.com/agentctl/agentctl/pkg/config"
	"github.com/agentctl/agentctl/pkg/council"
	"github.com/agentctl/agentctl/pkg/delegation"
	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/events"
	"github.com/agentctl/agentctl/pkg/hubdir"
	"github.com/agentctl/agentctl/pkg/launcher"
	"github.com/agentctl/agentctl/pkg/log"
	"github.com/agentctl/agentctl/pkg/metrics"
	"github.com/agentctl/agentctl/pkg/progress"
	"github.com/agentctl/agentctl/pkg/server"
	"github.com/agentctl/agentctl/pkg/sla"
	"github.com/agentctl/agentctl/pkg/store"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/agentctl/agentctl/pkg/workflow"
	"github.com/agentctl/agentctl/pkg/workspace"
	"golang.org/x/sync/errgroup"
)

// messageSweepInterval is how often read messages are aged into the archive.
const messageSweepInterval = time.Hour

// consecutivePingFailures is how many failed store probes the watchdog
// tolerates before it gives up and lets the supervisor restart us.
const consecutivePingFailures = 3

// Options carries the capabilities only the embedder can provide.
type Options struct {
	// Caller connects the council to actual models. Without one the
	// council message types report that no council is configured.
	Caller         council.LLMCaller
	CouncilMembers []string
	CouncilRounds  int
}

// Daemon is one assembled hub instance.
type Daemon struct {
	layout    hubdir.Layout
	cfgMgr    *config.Manager
	deps      server.Deps
	srv       *server.Server
	collector *metrics.Collector
}

// New builds a daemon rooted at the given hub directory.
func New(layout hubdir.Layout, opts Options) (*Daemon, error) {
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	cfgMgr, err := config.NewManager(layout.ConfigFile())
	if err != nil {
		return nil, err
	}
	cfg := cfgMgr.Snapshot()
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	stores, err := store.Open(layout)
	if err != nil {
		return nil, err
	}
	// Runtime overrides live in the config store; replay them before any
	// subsystem reads its knobs.
	if err := cfgMgr.AttachOverlay(stores.Config); err != nil {
		stores.Close()
		return nil, err
	}
	cfg = cfgMgr.Snapshot()

	bus := events.New(cfg.Events.RingSize)
	tracker := progress.NewTracker()
	registry := sla.NewRegistry()
	coordinator := sla.NewCoordinator(sla.CoordinatorConfig{
		PingAfter:              time.Duration(cfg.SLA.PingAfterMinutes) * time.Minute,
		SuggestAfter:           time.Duration(cfg.SLA.SuggestReassignAfterMinutes) * time.Minute,
		UnresponsiveAfter:      time.Duration(cfg.SLA.UnresponsiveThresholdMinutes) * time.Minute,
		ReassignCooldown:       time.Duration(cfg.SLA.ReassignCooldownMinutes) * time.Minute,
		MaxReassignments:       cfg.SLA.MaxReassignments,
		RejectionQuarantine:    cfg.SLA.ConsecutiveRejectionsForPenalty,
		BehindThresholdPercent: cfg.SLA.BehindScheduleThresholdPercent,
	}, tracker, registry)

	deps := server.Deps{
		Layout:   layout,
		Config:   cfgMgr,
		Stores:   stores,
		Bus:      bus,
		Progress: tracker,
		Launcher: launcher.New(launcher.Config{
			MaxSpawnsPerMinute: cfg.Launcher.MaxSpawnsPerMinute,
			DedupWindow:        cfg.Launcher.DedupWindow,
			CircuitThreshold:   cfg.Launcher.CircuitThreshold,
			CircuitCooldown:    cfg.Launcher.CircuitCooldown,
			BlockSelfHandoff:   cfg.Launcher.BlockSelfHandoff,
		}),
		Delegation:  delegation.NewTracker(cfg.Delegation.MaxDepth),
		SLA:         sla.NewEngine(cfg.SLA.StatusThresholds),
		Coordinator: coordinator,
		Trust:       registry,
		Collab:      collab.NewManager(cfg.Collab.StaleAfter),
		Workspace:   workspace.NewManager(layout.WorktreesDir()),
		StartedAt:   time.Now(),
	}
	deps.Engine = workflow.NewEngine(stores.Workflows, bus,
		&dispatchExecutor{messages: stores.Messages}, "")
	deps.Engine.EnableRetros(stores.Retros)

	if opts.Caller != nil && len(opts.CouncilMembers) > 0 {
		deps.Council = council.New(council.Config{
			Members:           opts.CouncilMembers,
			Rounds:            opts.CouncilRounds,
			AnalysisTimeout:   cfg.Council.ResearchTimeout,
			DiscussionTimeout: cfg.Council.DiscussionTimeout,
			VerifyTimeout:     cfg.Council.DecisionTimeout,
		}, stores.Council, bus, opts.Caller)
	}

	return &Daemon{
		layout:    layout,
		cfgMgr:    cfgMgr,
		deps:      deps,
		srv:       server.New(deps),
		collector: metrics.New(),
	}, nil
}

// Deps exposes the assembled capability struct, mainly for tests.
func (d *Daemon) Deps() server.Deps { return d.deps }

// Run serves until ctx is cancelled or the watchdog trips, then shuts down
// gracefully: socket first, stores last.
func (d *Daemon) Run(ctx context.Context) error {
	if pid, alive := d.layout.PidAlive(); alive {
		return errdefs.Validationf("daemon already running (pid %d)", pid)
	}
	// Start first: the stale-socket check must run before our own pid file
	// exists, or it would see us as the conflicting daemon.
	if err := d.srv.Start(); err != nil {
		return err
	}
	if err := d.layout.WritePidFile(os.Getpid()); err != nil {
		return err
	}
	defer d.layout.RemovePidFile()
	logger := log.WithComponent("daemon")
	logger.Info().Int("pid", os.Getpid()).Msg("daemon up")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.collector.Watch(gctx, d.deps.Bus)
		return nil
	})
	g.Go(func() error { return d.metricsListener(gctx) })
	g.Go(func() error { return d.slaLoop(gctx) })
	g.Go(func() error { return d.collabJanitor(gctx) })
	g.Go(func() error { return d.messageSweeper(gctx) })
	g.Go(func() error { return d.watchdog(gctx) })

	err := g.Wait()

	cfg := d.cfgMgr.Snapshot()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.GracefulShutdown)
	defer cancel()
	if stopErr := d.srv.Stop(stopCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	if closeErr := d.deps.Stores.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil && errdefs.KindOf(err) == errdefs.KindAbort {
		return nil
	}
	logger.Info().Msg("daemon down")
	return err
}

func (d *Daemon) metricsListener(ctx context.Context) error {
	addr := d.cfgMgr.Snapshot().Metrics.ListenAddr
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errdefs.Networkf("metrics listener: %v", err)
	}
	return nil
}

// slaLoop runs the static time-in-status check and the adaptive coordinator
// pass on every tick.
func (d *Daemon) slaLoop(ctx context.Context) error {
	interval := d.cfgMgr.Snapshot().SLA.TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := log.WithComponent("sla")
	for {
		select {
		case <-ctx.Done():
			return errdefs.Abort("")
		case <-ticker.C:
		}
		d.staticPass(ctx)
		if _, err := server.AdaptivePass(ctx, d.deps); err != nil {
			logger.Warn().Err(err).Msg("adaptive pass failed")
		}
	}
}

func (d *Daemon) staticPass(ctx context.Context) {
	states, err := d.taskStates(ctx)
	if err != nil {
		logger := log.WithComponent("sla")
		logger.Warn().Err(err).Msg("collecting task states")
		return
	}
	for _, esc := range d.deps.SLA.Check(states, time.Now()) {
		d.deps.Bus.Emit(events.Event{
			Type:    events.EventEscalation,
			TaskID:  esc.TaskID,
			Account: esc.Assignee,
			Payload: map[string]any{
				"action":       string(esc.Action),
				"task_title":   esc.TaskTitle,
				"stale_for_ms": esc.StaleFor.Milliseconds(),
			},
		})
	}
}

// taskStates pairs every live task with the moment it entered its current
// status, taken from the last transition in its event history.
func (d *Daemon) taskStates(ctx context.Context) ([]sla.TaskState, error) {
	tasks, err := d.deps.Stores.Tasks.List(ctx, "", "")
	if err != nil {
		return nil, err
	}
	var states []sla.TaskState
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		entered := parseTime(task.CreatedAt)
		taskEvents, err := d.deps.Stores.Tasks.Events(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		for _, ev := range taskEvents {
			if ev.Type == "status_changed" {
				entered = parseTime(ev.Timestamp)
			}
		}
		states = append(states, sla.TaskState{Task: task, EnteredStatusAt: entered})
	}
	return states, nil
}

func (d *Daemon) collabJanitor(ctx context.Context) error {
	ticker := time.NewTicker(d.cfgMgr.Snapshot().Collab.CleanupPeriod)
	defer ticker.Stop()
	logger := log.WithComponent("collab")
	for {
		select {
		case <-ctx.Done():
			return errdefs.Abort("")
		case <-ticker.C:
		}
		if ended := d.deps.Collab.CleanupStale(); ended > 0 {
			logger.Info().Int("ended", ended).Msg("stale sessions ended")
		}
		d.deps.Collab.PurgeInactive(d.cfgMgr.Snapshot().Collab.PurgeMaxAge)
	}
}

func (d *Daemon) messageSweeper(ctx context.Context) error {
	ticker := time.NewTicker(messageSweepInterval)
	defer ticker.Stop()
	logger := log.WithComponent("daemon")
	for {
		select {
		case <-ctx.Done():
			return errdefs.Abort("")
		case <-ticker.C:
		}
		days := d.cfgMgr.Snapshot().Messages.ArchiveAfterDays
		if days <= 0 {
			continue
		}
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		n, err := d.deps.Stores.Messages.ArchiveOlderThan(ctx, cutoff)
		if err != nil {
			logger.Warn().Err(err).Msg("message archive sweep failed")
			continue
		}
		if n > 0 {
			logger.Info().Int("archived", n).Msg("aged messages archived")
		}
	}
}

// watchdog probes the stores and the process's memory footprint. Tripping it
// ends the run; the supervisor decides whether to bring us back.
func (d *Daemon) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(d.cfgMgr.Snapshot().Watchdog.Interval)
	defer ticker.Stop()
	logger := log.WithComponent("watchdog")
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return errdefs.Abort("")
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := d.deps.Stores.Ping(pingCtx)
		cancel()
		if err != nil {
			failures++
			logger.Warn().
				Err(err).
				Int("failures", failures).
				Msg("store probe failed")
			if failures >= consecutivePingFailures {
				return errdefs.Internalf("watchdog: %d consecutive store probe failures", failures)
			}
			continue
		}
		failures = 0

		if limitMB := d.cfgMgr.Snapshot().Watchdog.MemoryLimitMB; limitMB > 0 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > uint64(limitMB)<<20 {
				return errdefs.Internalf("watchdog: heap %d MB over limit %d MB",
					ms.HeapAlloc>>20, limitMB)
			}
		}
	}
}

func parseTime(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// dispatchExecutor carries a workflow step to its assignee as a structured
// message. The step completes once the dispatch is queued; the assignee's
// own task flow takes it from there.
type dispatchExecutor struct {
	messages *store.MessageStore
}

func (e *dispatchExecutor) ExecuteStep(ctx context.Context, run types.WorkflowRun, step workflow.Step, attempt int) (string, error) {
	if step.Assign == "" {
		return "no assignee; step recorded only", nil
	}
	payload, err := json.Marshal(map[string]any{
		"run_id":   run.ID,
		"workflow": run.WorkflowName,
		"step_id":  step.ID,
		"title":    step.Title,
		"goal":     step.Goal,
		"attempt":  attempt,
	})
	if err != nil {
		return "", errdefs.Internalf("encode step dispatch: %v", err)
	}
	if _, _, err := e.messages.Send(ctx, types.Message{
		From:      "workflow",
		To:        step.Assign,
		Type:      "workflow_step",
		Content:   string(payload),
		DedupeKey: "step:" + run.ID + ":" + step.ID,
	}); err != nil {
		return "", err
	}
	return "dispatched to " + step.Assign, nil
}
