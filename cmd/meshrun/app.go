package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/meshrun/meshrun/a2a"
	"github.com/meshrun/meshrun/capability"
	"github.com/meshrun/meshrun/config"
	"github.com/meshrun/meshrun/plan"
	"github.com/meshrun/meshrun/runner"
	"github.com/meshrun/meshrun/storage"
	"github.com/meshrun/meshrun/task"
	"github.com/meshrun/meshrun/validation"
)

// App wires the orchestration components together around one NATS
// connection.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	bus      a2a.Bus
	store    *storage.Store
	registry *capability.Registry
	selector *capability.Selector
	watcher  *capability.Watcher
}

// NewApp creates an application instance from validated configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: capability.NewRegistry(),
	}
}

// Start brings up NATS, storage, the bus, and the agent registry.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := storage.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	a.bus = a2a.NewNATSBus(a.natsConn, a2a.WithLogger(a.logger))

	if err := a.loadAgents(ctx); err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	a.selector = capability.NewSelector(a.registry)

	a.logger.Info("components initialized",
		"agents", a.registry.Size(),
		"nats", a.natsConn.ConnectedUrl())
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// loadAgents fills the registry from the manifest, falling back to stored
// snapshots when no manifest is configured. Optionally starts the manifest
// watcher for hot reload.
func (a *App) loadAgents(ctx context.Context) error {
	if a.cfg.Registry.ManifestPath == "" {
		agents, err := a.store.ListAgents(ctx)
		if err != nil {
			return err
		}
		return a.registry.Replace(agents)
	}

	agents, err := capability.LoadManifest(a.cfg.Registry.ManifestPath)
	if err != nil {
		return err
	}
	if err := a.registry.Replace(agents); err != nil {
		return err
	}

	// Mirror the manifest into storage so other components can read it.
	for _, agent := range agents {
		if err := a.store.PutAgent(ctx, agent); err != nil {
			a.logger.Warn("agent snapshot store failed", "agent_id", agent.ID, "error", err)
		}
	}

	if a.cfg.Registry.Watch {
		watcher, err := capability.NewWatcher(a.cfg.Registry.ManifestPath, a.registry, a.logger)
		if err != nil {
			return err
		}
		a.watcher = watcher
	}
	return nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

// BuildPlan plans the graph and enforces the configured cost and duration
// limits.
func (a *App) BuildPlan(g *task.Graph) (*plan.ExecutionPlan, plan.Metrics, error) {
	p, err := plan.NewPlanner(a.selector, a.logger).Build(g)
	if err != nil {
		return nil, plan.Metrics{}, err
	}

	m := p.ComputeMetrics()
	if limit := a.cfg.Limits.MaxCostUSD; limit > 0 && m.TotalEstimatedCost > limit {
		return nil, m, fmt.Errorf("plan estimated cost $%.2f exceeds limit $%.2f", m.TotalEstimatedCost, limit)
	}
	if limit := a.cfg.Limits.MaxDurationHours; limit > 0 && m.TotalEstimatedDuration.Hours() > limit {
		return nil, m, fmt.Errorf("plan estimated duration %s exceeds limit %.1fh", m.TotalEstimatedDuration, limit)
	}
	return p, m, nil
}

// Execute runs the plan and persists the report and any escalations.
func (a *App) Execute(ctx context.Context, g *task.Graph, p *plan.ExecutionPlan) (*runner.Report, error) {
	self := a2a.Endpoint{ID: "orchestrator", Name: "Orchestrator"}
	coordinator := a2a.Endpoint{ID: a.cfg.Orchestrator.EscalationRecipient}

	var loop *validation.LoopHandler
	validator := a2a.Endpoint{ID: a.cfg.Orchestrator.ValidatorID}
	if validator.ID != "" {
		retries := validation.NewRetryManager(validation.RetryConfig{
			MaxRetries: a.cfg.Orchestrator.ValidationMaxRetries,
			Timeout:    a.cfg.Orchestrator.RequestTimeout,
		})
		loop = validation.NewLoopHandler(a.bus, self, coordinator, retries, a.logger)
	}

	r := runner.New(a.bus, a.registry, loop, validator, self, coordinator, runner.Config{
		MaxParallelAgents: a.cfg.Orchestrator.MaxParallelAgents,
		RequestTimeout:    a.cfg.Orchestrator.RequestTimeout,
		ApproverID:        a.cfg.Orchestrator.ApproverID,
	}, a.logger)

	rep, err := r.Run(ctx, g, p)
	if rep != nil {
		a.persistRun(ctx, g, rep)
	}
	return rep, err
}

// persistRun stores the report, a final snapshot of every task, and one
// escalation record per escalated task. Persistence failures are logged,
// never fatal: the report still goes to the caller.
func (a *App) persistRun(ctx context.Context, g *task.Graph, rep *runner.Report) {
	runID, err := a.store.CreateRun(ctx, rep)
	if err != nil {
		a.logger.Warn("run report store failed", "error", err)
		return
	}

	for _, tk := range g.Tasks() {
		if err := a.store.PutTask(ctx, storage.NewTaskRecord(tk)); err != nil {
			a.logger.Warn("task snapshot store failed", "task_id", tk.ID, "error", err)
		}
	}

	for _, taskID := range rep.Escalated {
		tk := g.Get(taskID)
		rec := &storage.EscalationRecord{
			RunID:  runID.String(),
			TaskID: taskID,
		}
		if tk != nil {
			for i, vr := range tk.ValidationHistory() {
				if vr.Passed {
					continue
				}
				rec.History = append(rec.History, validation.AttemptRecord{
					Attempt:  i + 1,
					Issues:   vr.Issues,
					Feedback: vr.Feedback,
				})
			}
		}
		if _, err := a.store.CreateEscalation(ctx, rec); err != nil {
			a.logger.Warn("escalation store failed", "task_id", taskID, "error", err)
		}
	}
}
