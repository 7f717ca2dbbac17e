package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/host"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/runner"
	"github.com/fyrsmithlabs/agentd/internal/session"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// Exit codes of the session runner. The daemon maps them onto agent status.
const (
	exitOK      = 0
	exitError   = 1
	exitWaiting = 2
)

// runAgent is the session-runner child process: one agent's session loop,
// spawned fresh by the daemon.
func runAgent(args []string, configPath string) int {
	fs := flag.NewFlagSet("run-agent", flag.ContinueOnError)
	agentID := fs.String("agent-id", "", "daemon-assigned agent id")
	projectDir := fs.String("project-dir", "", "project root directory")
	specSlug := fs.String("spec-slug", "", "spec slug")
	specHash := fs.String("spec-hash", "", "spec hash")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *projectDir == "" || *specSlug == "" || *specHash == "" || *agentID == "" {
		fmt.Fprintln(os.Stderr, "run-agent requires --agent-id, --project-dir, --spec-slug and --spec-hash")
		return exitError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitError
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitError
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("agent_id", *agentID))

	result, err := runSessionLoop(ctx, cfg, logger, *agentID, *projectDir, *specSlug, *specHash)
	if err != nil {
		logger.Error("agent run failed", zap.Error(err))
		return exitError
	}

	switch result.Status {
	case session.StatusWaiting:
		logger.Info("suspended on pending checkpoint", zap.String("checkpoint_id", result.CheckpointID))
		return exitWaiting
	case session.StatusFailed:
		logger.Error("session failed", zap.String("diagnostic", result.Diagnostic))
		return exitError
	default:
		logger.Info("agent run finished", zap.String("status", string(result.Status)))
		return exitOK
	}
}

// runSessionLoop wires the orchestrator for one agent and runs it.
func runSessionLoop(ctx context.Context, cfg *config.Config, logger *zap.Logger, agentID, projectDir, specSlug, specHash string) (*session.Result, error) {
	store, err := workspace.NewStore(projectDir, specSlug, specHash)
	if err != nil {
		return nil, err
	}
	info, err := store.LoadWorkspaceInfo()
	if err != nil {
		return nil, err
	}

	cps, err := checkpoint.NewService(store, logger.Named("checkpoint"))
	if err != nil {
		return nil, err
	}

	backend, err := buildHostBackend(ctx, cfg, store, info)
	if err != nil {
		return nil, err
	}
	retryCfg := &host.RetryConfig{
		MaxRetries:     cfg.Host.MaxRetries,
		InitialBackoff: cfg.Host.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Host.MaxBackoff.Duration(),
	}
	hostSvc, err := host.NewService(backend, store, retryCfg, logger.Named("host"))
	if err != nil {
		return nil, err
	}

	run, err := runner.New(runner.Config{
		Command:         cfg.Runner.Command,
		Args:            cfg.Runner.Args,
		Env:             os.Environ(),
		Dir:             projectDir,
		FailureSentinel: cfg.Runner.FailureSentinel,
		StopGracePeriod: cfg.Daemon.StopGracePeriod.Duration(),
		SessionTimeout:  cfg.Runner.SessionTimeout.Duration(),
	}, logger.Named("runner"))
	if err != nil {
		return nil, err
	}

	orch, err := session.New(store, cps, hostSvc, run, agentID, logger.Named("session"))
	if err != nil {
		return nil, err
	}

	return orch.RunLoop(ctx)
}

// buildHostBackend selects the host backend: the run's file_only_mode flag
// wins over the configured provider.
func buildHostBackend(ctx context.Context, cfg *config.Config, store *workspace.Store, info *workspace.WorkspaceInfo) (host.Backend, error) {
	if info.Modes.FileOnly || cfg.Host.Provider == "file" {
		return host.NewFileBackend(store)
	}
	return host.NewGitHubBackend(ctx, cfg.Host)
}
