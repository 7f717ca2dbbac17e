// Package main implements the agentctl CLI for operating the agentd daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/client"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/daemon"
	"github.com/fyrsmithlabs/agentd/internal/protocol"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

var (
	socketPath string
	version    = "dev"

	// exitCode lets commands distinguish "waiting on a pending checkpoint"
	// (2) from success (0) and operational errors (1).
	exitCode int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "CLI for the agentd daemon",
	Long: `agentctl operates the agentd daemon: start spec runs, watch agents,
resolve pending checkpoints, and stop or remove agents.

Exit codes: 0 success, 1 operational error, 2 waiting on a pending checkpoint.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default from config)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(shutdownCmd)
}

// dial connects to the daemon using the --socket flag or the configured
// default.
func dial() (*client.Client, error) {
	path := socketPath
	if path == "" {
		cfg, err := config.LoadWithFile("")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Daemon.SocketPath
	}
	return client.Dial(path)
}

var (
	startProjectDir    string
	startSpecFile      string
	startTargetBranch  string
	startAutoAccept    bool
	startMaxIterations int
	startAgentID       int64
	startModes         workspace.ModeFlags
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new spec run (or restart an agent with --agent-id)",
	Long: `Start a new agent for a spec run, or restart an existing agent.

Examples:
  # New run
  agentctl start --project-dir ~/src/myapp --spec-file specs/auth.md --target-branch main

  # File-only issue tracking with auto-accepted checkpoints
  agentctl start --project-dir . --spec-file spec.md --file-only --auto-accept

  # Restart a stopped or suspended agent
  agentctl start --agent-id 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		record, err := c.Start(protocol.StartArgs{
			AgentID:       startAgentID,
			ProjectDir:    startProjectDir,
			SpecFile:      startSpecFile,
			TargetBranch:  startTargetBranch,
			AutoAccept:    startAutoAccept,
			Modes:         startModes,
			MaxIterations: startMaxIterations,
		})
		if err != nil {
			return err
		}
		printRecord(record)
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&startProjectDir, "project-dir", "", "project root directory")
	startCmd.Flags().StringVar(&startSpecFile, "spec-file", "", "path to the spec file")
	startCmd.Flags().StringVar(&startTargetBranch, "target-branch", "main", "target branch for the merge request")
	startCmd.Flags().BoolVar(&startAutoAccept, "auto-accept", false, "auto-approve checkpoints with kind defaults")
	startCmd.Flags().IntVar(&startMaxIterations, "max-iterations", 0, "session cap (0 = unlimited)")
	startCmd.Flags().Int64Var(&startAgentID, "agent-id", 0, "restart this existing agent")
	startCmd.Flags().BoolVar(&startModes.FileOnly, "file-only", false, "track issues in local files instead of the remote host")
	startCmd.Flags().BoolVar(&startModes.SkipMRCreation, "skip-mr-creation", false, "end the run after the coding phase")
	startCmd.Flags().BoolVar(&startModes.SkipPuppeteer, "skip-puppeteer", false, "skip browser-automation verification")
	startCmd.Flags().BoolVar(&startModes.SkipTestSuite, "skip-test-suite", false, "skip test-suite verification")
	startCmd.Flags().BoolVar(&startModes.SkipRegressionTesting, "skip-regression-testing", false, "skip regression sweeps")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		records, err := c.List()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No agents.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%-4d %-20s %-20s %-10s %s\n",
				r.AgentID, r.SpecSlug+"-"+r.SpecHash, r.Status, r.Phase, r.ProjectDir)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <agent-id>",
	Short: "Show one agent's record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAgentID(args[0])
		if err != nil {
			return err
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		record, err := c.Status(id)
		if err != nil {
			return err
		}
		printRecord(record)
		if record.Status == daemon.StatusWaitingCheckpoint {
			exitCode = 2
		}
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach [agent-id]",
	Short: "Stream status and checkpoint events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var agentID *int64
		if len(args) == 1 {
			id, err := parseAgentID(args[0])
			if err != nil {
				return err
			}
			agentID = &id
		}

		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return c.Subscribe(ctx, agentID, func(e protocol.Event) {
			line, err := json.Marshal(e)
			if err != nil {
				return
			}
			fmt.Println(string(line))
		})
	},
}

var (
	resolveVerdict       string
	resolveNotes         string
	resolveDecision      string
	resolveModifications string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <agent-id> <checkpoint-id>",
	Short: "Resolve a pending checkpoint",
	Long: `Resolve a pending checkpoint with a verdict.

Examples:
  agentctl resolve 3 1f2e3d4c-5b6a --verdict approved
  agentctl resolve 3 1f2e3d4c-5b6a --verdict rejected --notes "missing test for empty input"
  agentctl resolve 3 1f2e3d4c-5b6a --verdict modified --modifications '{"issue_order":[2,1,3]}'
  agentctl resolve 3 1f2e3d4c-5b6a --verdict approved --decision defer`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAgentID(args[0])
		if err != nil {
			return err
		}

		var mods map[string]any
		if resolveModifications != "" {
			if err := json.Unmarshal([]byte(resolveModifications), &mods); err != nil {
				return fmt.Errorf("invalid --modifications JSON: %w", err)
			}
		}

		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		resolved, err := c.ResolveCheckpoint(protocol.ResolveArgs{
			AgentID:       id,
			CheckpointID:  args[1],
			Verdict:       resolveVerdict,
			Decision:      resolveDecision,
			Notes:         resolveNotes,
			Modifications: mods,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Checkpoint %s: %s\n", resolved.ID, resolved.Status)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveVerdict, "verdict", "", "approved, modified or rejected (required)")
	resolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "free-text notes for the agent")
	resolveCmd.Flags().StringVar(&resolveDecision, "decision", "", "kind-specific decision (regression: fix_now|defer|rollback|false_positive)")
	resolveCmd.Flags().StringVar(&resolveModifications, "modifications", "", "JSON object of kind-specific overrides")
	_ = resolveCmd.MarkFlagRequired("verdict")
}

var stopCmd = &cobra.Command{
	Use:   "stop <agent-id>",
	Short: "Gracefully stop a running agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAgentID(args[0])
		if err != nil {
			return err
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		record, err := c.Stop(id)
		if err != nil {
			return err
		}
		fmt.Printf("Agent %d: %s\n", record.AgentID, record.Status)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <agent-id>",
	Short: "Remove a stopped agent's record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAgentID(args[0])
		if err != nil {
			return err
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Remove(id); err != nil {
			return err
		}
		fmt.Printf("Agent %d removed\n", id)
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Println("Daemon is running.")
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the daemon to exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Shutdown()
	},
}

func parseAgentID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil || id < 1 {
		return 0, fmt.Errorf("invalid agent id %q", s)
	}
	return id, nil
}

func printRecord(r *daemon.AgentRecord) {
	fmt.Printf("Agent:    %d\n", r.AgentID)
	fmt.Printf("Spec run: %s-%s\n", r.SpecSlug, r.SpecHash)
	fmt.Printf("Project:  %s\n", r.ProjectDir)
	fmt.Printf("Branches: %s -> %s\n", r.FeatureBranch, r.TargetBranch)
	fmt.Printf("Status:   %s (phase %s)\n", r.Status, r.Phase)
	if r.LogPath != "" {
		fmt.Printf("Log:      %s\n", r.LogPath)
	}
	if r.Diagnostic != "" {
		fmt.Printf("Diagnostic:\n%s\n", r.Diagnostic)
	}
}
