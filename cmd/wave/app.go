package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"wave-agent/internal/adapter/llm"
	"wave-agent/internal/adapter/memory"
	"wave-agent/internal/adapter/session"
	"wave-agent/internal/adapter/tool"
	"wave-agent/internal/domain"
	"wave-agent/internal/infra/config"
	"wave-agent/internal/infra/logger"
	"wave-agent/internal/infra/tracer"
	"wave-agent/internal/security"
	"wave-agent/internal/usecase/engine"
	"wave-agent/internal/usecase/eventbus"
	"wave-agent/internal/usecase/process"
)

// fileListLimit bounds the project file metadata handed to tools.
const fileListLimit = 500

// app owns every long-lived component behind one Engine.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *engine.Engine
	supervisor *process.Supervisor
	bus        *eventbus.Bus
	store      session.Store

	closeLogger    func() error
	shutdownTracer func(context.Context) error
}

// loadConfig reads the config file and applies the --workdir override.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.workdir != "" {
		cfg.Agent.Workdir = flags.workdir
	}
	abs, err := filepath.Abs(cfg.Agent.Workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	cfg.Agent.Workdir = abs
	return cfg, nil
}

// newApp wires the engine and its collaborators. Callers must call close.
func newApp(ctx context.Context, cfg *config.Config, cb engine.Callbacks) (_ *app, err error) {
	log, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: log, closeLogger: closeLogger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.shutdownTracer, err = tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	sandbox, err := security.NewSandbox(cfg.Agent.Workdir)
	if err != nil {
		return nil, fmt.Errorf("init sandbox: %w", err)
	}

	a.bus = eventbus.New(log)

	var tasks tool.TaskManager
	var lister engine.TaskLister
	if cfg.Tasks.Enabled {
		a.supervisor, err = process.NewSupervisor(supervisorConfig(cfg.Tasks), a.bus, log)
		if err != nil {
			return nil, fmt.Errorf("init task supervisor: %w", err)
		}
		tasks, lister = a.supervisor, a.supervisor
	}

	caller := llm.NewGuard(llm.NewClient(cfg.LLM, log), cfg.LLM, log)

	var mem domain.MemorySource
	if cfg.Memory.Enabled {
		mem = memory.NewFileMemory(cfg.Agent.Workdir, cfg.Memory.UserDir, cfg.Memory.FileName)
	}

	a.store, err = session.Open(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	var store domain.SessionStore
	if a.store != nil {
		store = a.store
	}

	files := func() []domain.FileInfo { return sandbox.Files(fileListLimit) }

	base := engine.Deps{
		LLM:              caller,
		Memory:           mem,
		Bus:              a.bus,
		Files:            files,
		Logger:           log,
		Workdir:          cfg.Agent.Workdir,
		SystemPrompt:     cfg.Agent.SystemPrompt,
		MaxCommandOutput: cfg.Agent.MaxCommandOutput,
	}
	if cfg.Agent.Compression.Enabled {
		base.Compression = engine.CompressionConfig{
			Threshold:  cfg.Agent.Compression.Threshold,
			KeepRecent: cfg.Agent.Compression.KeepRecent,
		}
	}

	registry, err := buildRegistry(sandbox, tasks, log, cfg.Agent.MaxCommandOutput)
	if err != nil {
		return nil, err
	}
	if cfg.Agent.SubAgent.Enabled {
		// Subagents get the same tools minus delegation, so they cannot recurse.
		subRegistry, err := buildRegistry(sandbox, tasks, log, cfg.Agent.MaxCommandOutput)
		if err != nil {
			return nil, err
		}
		subDeps := base
		subDeps.Tools = subRegistry
		subDeps.MaxIterations = cfg.Agent.SubAgent.MaxIterations
		runner := engine.NewSubagentRunner(subDeps)
		if err := registry.Register(tool.NewDelegateTool(runner, tasks, log)); err != nil {
			return nil, fmt.Errorf("register delegate tool: %w", err)
		}
	}

	deps := base
	deps.Tools = registry
	deps.Store = store
	deps.Tasks = lister
	deps.MaxIterations = cfg.Agent.MaxIterations
	deps.Callbacks = cb

	a.engine, err = engine.New(deps)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return a, nil
}

func buildRegistry(sandbox *security.Sandbox, tasks tool.TaskManager, log *slog.Logger, maxOutput int) (*tool.Registry, error) {
	opts := []tool.BashToolOption{tool.WithMaxOutput(maxOutput)}
	all := []domain.Tool{tool.NewFilesystemTool(sandbox, log)}
	if tasks != nil {
		opts = append(opts, tool.WithTaskManager(tasks))
		all = append(all, tool.NewTaskTool(tasks, log))
	}
	all = append(all, tool.NewBashTool(sandbox, log, opts...))

	registry := tool.NewRegistry(log, true)
	for _, t := range all {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register %s tool: %w", t.Name(), err)
		}
	}
	return registry, nil
}

func supervisorConfig(cfg config.TasksConfig) process.SupervisorConfig {
	return process.SupervisorConfig{
		MaxRunning:      cfg.MaxRunning,
		OutputBufferMax: cfg.OutputBufferMax,
		Eviction: process.EvictionPolicy{
			Mode:         process.EvictionMode(cfg.Eviction.Mode),
			TTL:          cfg.Eviction.TTL,
			MaxCompleted: cfg.Eviction.MaxCompleted,
			Interval:     cfg.Eviction.Interval,
		},
	}
}

// close tears components down in reverse dependency order.
func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.supervisor != nil {
		a.supervisor.Shutdown(ctx)
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close session store", "error", err)
		}
	}
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			a.logger.Warn("tracer shutdown", "error", err)
		}
	}
	if a.closeLogger != nil {
		_ = a.closeLogger()
	}
}
