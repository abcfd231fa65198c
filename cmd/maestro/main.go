// Command maestro runs the multi-agent orchestration core. The serve
// command loads the configuration, spawns the configured agents, loads
// workflow definitions, and serves scheduled workflow runs until
// interrupted. The goal command pursues a single goal with one configured
// agent and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"maestro/internal/adapter/model"
	"maestro/internal/adapter/store"
	"maestro/internal/adapter/tool"
	"maestro/internal/domain"
	"maestro/internal/infra/config"
	"maestro/internal/infra/logger"
	"maestro/internal/infra/tracer"
	"maestro/internal/usecase"
	"maestro/internal/usecase/budget"
	"maestro/internal/usecase/eventbus"
	"maestro/internal/usecase/goal"
	"maestro/internal/usecase/multiagent"
	"maestro/internal/usecase/schedule"
	"maestro/internal/usecase/toolsec"
	"maestro/internal/usecase/workflow"
)

const usageText = `usage: maestro [-config path] <command>

commands:
  serve                     run agents, workflows, and schedules (default)
  goal <agent-id> <text>    pursue a goal with one agent, then exit
`

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	var err error
	switch args := flag.Args(); {
	case len(args) == 0 || args[0] == "serve":
		err = runServe(*cfgPath)
	case args[0] == "goal":
		err = runGoal(*cfgPath, args[1:])
	default:
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// core bundles the wired subsystems shared by every command.
type core struct {
	cfg    *config.Config
	log    *slog.Logger
	bus    *eventbus.Bus
	sqlite *store.SQLiteStore
	files  *store.FileStore
	agents *multiagent.Registry
	broker *multiagent.Broker
	engine *workflow.Engine

	shutdown func(context.Context)
}

// buildCore wires config, logging, tracing, stores, budget, security, the
// model provider, and the agent registry. The caller must invoke shutdown.
func buildCore(ctx context.Context, cfgPath string) (*core, error) {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// 2. Logger and tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	// 3. Event bus
	bus := eventbus.New(log)

	// 4. Stores
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logCloser()
		return nil, fmt.Errorf("data dir: %w", err)
	}
	sqliteStore, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "maestro.db"))
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	fileStore, err := store.NewFileStore(cfg.DataDir, log)
	if err != nil {
		sqliteStore.Close()
		logCloser()
		return nil, fmt.Errorf("file store: %w", err)
	}

	// 5. Budget and tool security
	budgetMgr := budget.NewManager(budget.Config{
		Global: cfg.Budget.Global,
		Agents: cfg.Budget.AgentLimits,
	}, bus, sqliteStore, log)
	secMgr := toolsec.NewManager(cfg.Security.Policy, bus, sqliteStore, log)

	// 6. Model provider behind a circuit breaker
	provider := model.NewBreakerProvider(
		model.NewAnthropicProvider(cfg.Model, log),
		model.BreakerConfig{
			MaxFailures: cfg.Model.BreakerMaxFailures,
			Timeout:     cfg.Model.BreakerTimeout,
			Interval:    cfg.Model.BreakerInterval,
		}, log)

	estimator := usecase.NewCostEstimator(pricingTable(cfg.Pricing), usecase.ModelPricing{
		InputPerMTok:  cfg.Pricing.Default.InputPerMTok,
		OutputPerMTok: cfg.Pricing.Default.OutputPerMTok,
	})

	// 7. Agents, broker, workflow engine. The factory closes over the
	// broker and engine variables; both are assigned before any Spawn.
	var (
		agentReg *multiagent.Registry
		broker   *multiagent.Broker
		engine   *workflow.Engine
	)
	agentReg = multiagent.NewRegistry(func(identity domain.AgentIdentity) (*usecase.Agent, error) {
		tools, err := buildToolset(log, broker, agentReg, engine, fileStore, identity.ID)
		if err != nil {
			return nil, err
		}
		modelName := identity.Model
		if modelName == "" {
			modelName = cfg.Model.Name
		}
		return usecase.NewAgent(usecase.AgentDeps{
			Model:    provider,
			Tools:    tools,
			Logger:   log,
			Identity: identity,
			Bus:      bus,
			Security: secMgr,
			Budget:   usecase.NewTurnMeter(budgetMgr, estimator, modelName),
		}), nil
	}, bus, log)
	agentReg.UseSessionManager(usecase.NewSessionManager(filepath.Join(cfg.DataDir, "sessions")))
	broker = multiagent.NewBroker(agentReg, bus, log)
	engine = workflow.NewEngine(broker, fileStore, bus, log)

	// 8. Workflow definitions
	if cfg.Workflows.Dir != "" {
		n, err := fileStore.LoadDefinitionDir(cfg.Workflows.Dir, workflow.ValidateDefinition)
		if err != nil {
			sqliteStore.Close()
			logCloser()
			return nil, fmt.Errorf("workflow definitions: %w", err)
		}
		log.Info("workflow definitions loaded", "dir", cfg.Workflows.Dir, "count", n)
	}

	return &core{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		sqlite: sqliteStore,
		files:  fileStore,
		agents: agentReg,
		broker: broker,
		engine: engine,
		shutdown: func(ctx context.Context) {
			tracerShutdown(ctx)
			sqliteStore.Close()
			logCloser()
		},
	}, nil
}

func runServe(cfgPath string) error {
	ctx := context.Background()
	c, err := buildCore(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer c.shutdown(ctx)

	// Spawn configured agents
	for _, identity := range c.cfg.Agents {
		if _, err := c.agents.Spawn(ctx, identity); err != nil {
			return fmt.Errorf("spawn agent %s: %w", identity.ID, err)
		}
	}
	c.log.Info("agents ready", "count", len(c.cfg.Agents))

	// Scheduler
	scheduler := schedule.NewScheduler(c.engine, c.bus, c.log)
	loaded := scheduler.Load(scheduleEntries(c.cfg.Schedules))
	scheduler.Start(ctx)
	defer scheduler.Stop()
	c.log.Info("scheduler started", "entries", loaded)

	// Run until interrupted
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	c.log.Info("shutting down")

	for _, status := range c.agents.List() {
		if err := c.agents.Terminate(ctx, status.ID); err != nil {
			c.log.Warn("terminate agent", "agent", status.ID, "error", err)
		}
	}
	return nil
}

// runGoal spawns a single configured agent and drives the goal loop to a
// terminal record, printing the outcome to stdout.
func runGoal(cfgPath string, args []string) error {
	if len(args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	agentID := args[0]
	goalText := strings.Join(args[1:], " ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer c.shutdown(ctx)

	identity, ok := findIdentity(c.cfg.Agents, agentID)
	if !ok {
		return fmt.Errorf("agent %q is not configured", agentID)
	}
	inst, err := c.agents.Spawn(ctx, identity)
	if err != nil {
		return fmt.Errorf("spawn agent %s: %w", agentID, err)
	}
	defer func() {
		if err := c.agents.Terminate(ctx, agentID); err != nil {
			c.log.Warn("terminate agent", "agent", agentID, "error", err)
		}
	}()

	loop := goal.NewLoop(goal.Deps{
		Process: func(ctx context.Context, message, systemPrompt string) (*domain.TurnResult, error) {
			return inst.Agent.HandleMessageWithSystem(ctx, inst.Session, message, systemPrompt)
		},
		Store:  c.sqlite,
		Bus:    c.bus,
		Logger: c.log,
	})

	record, err := loop.Pursue(ctx, agentID, goalText, identity.Persona, 0)
	if err != nil {
		return fmt.Errorf("goal: %w", err)
	}

	fmt.Printf("goal %s: %s after %d iteration(s)\n", record.ID, record.Status, record.Iterations)
	if record.BlockedReason != "" {
		fmt.Printf("blocked: %s\n", record.BlockedReason)
	}
	if record.Reflection != "" {
		fmt.Printf("\n%s\n", record.Reflection)
	}
	return nil
}

func findIdentity(agents []domain.AgentIdentity, id string) (domain.AgentIdentity, bool) {
	for _, identity := range agents {
		if identity.ID == id {
			return identity, true
		}
	}
	return domain.AgentIdentity{}, false
}

// buildToolset assembles one agent's tool registry.
func buildToolset(log *slog.Logger, broker *multiagent.Broker, agents *multiagent.Registry, engine *workflow.Engine, wfStore domain.WorkflowStore, agentID string) (*tool.Registry, error) {
	reg := tool.NewRegistry(log)
	if err := reg.Register(tool.NewDelegateTool(broker, agents, agentID)); err != nil {
		return nil, err
	}
	if err := reg.Register(tool.NewWorkflowTool(engine, wfStore)); err != nil {
		return nil, err
	}
	return reg, nil
}

func pricingTable(cfg config.PricingConfig) map[string]usecase.ModelPricing {
	out := make(map[string]usecase.ModelPricing, len(cfg.Models))
	for name, p := range cfg.Models {
		out[name] = usecase.ModelPricing{
			InputPerMTok:  p.InputPerMTok,
			OutputPerMTok: p.OutputPerMTok,
		}
	}
	return out
}

func scheduleEntries(cfgs []config.ScheduleConfig) []schedule.Entry {
	entries := make([]schedule.Entry, 0, len(cfgs))
	for _, c := range cfgs {
		entries = append(entries, schedule.Entry{
			ID:         c.ID,
			Name:       c.Name,
			Schedule:   c.Schedule,
			WorkflowID: c.WorkflowID,
			Inputs:     c.Inputs,
			Enabled:    c.Enabled,
		})
	}
	return entries
}
