// Agentd is the harness daemon for human-gated autonomous coding agents.
//
// The daemon owns the agent registry, spawns one session-runner child per
// running agent, and serves client commands on a local Unix socket. The
// same binary doubles as the session runner: the daemon re-executes itself
// with the run-agent subcommand for each agent it starts.
//
// Usage:
//
//	# Start the daemon with defaults
//	agentd
//
//	# Configure via file or environment
//	agentd -config ~/.config/agentd/config.yaml
//	DAEMON_SOCKET_PATH=/tmp/agentd.sock agentd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/daemon"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/agentd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "run-agent":
			os.Exit(runAgent(args[1:], *configPath))
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  agentd             Start the agentd daemon\n")
			fmt.Fprintf(os.Stderr, "  agentd run-agent   Run one agent's session loop (spawned by the daemon)\n")
			fmt.Fprintf(os.Stderr, "  agentd version     Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}
	log.Println("Daemon shutdown complete")
}

func printVersion() {
	fmt.Printf("agentd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	tel, err := telemetry.New(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger.Info("starting agentd",
		zap.String("version", version),
		zap.String("socket", cfg.Daemon.SocketPath),
		zap.String("data_dir", cfg.Daemon.DataDir),
		zap.Duration("stop_grace_period", cfg.Daemon.StopGracePeriod.Duration()),
	)

	srv, err := daemon.NewServer(cfg, tel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}

	return srv.Run(ctx)
}
