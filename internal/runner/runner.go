// Package runner spawns and supervises the AI subprocess for one session.
//
// Each session gets a fresh subprocess with a clean execution context;
// nothing in memory survives from one session to the next. The subprocess
// receives its prompt on stdin, streams output into the session log, and
// reports structured events (modified files, quality-check outcomes,
// checkpoint requests) on marked stdout lines.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// EventPrefix marks a structured event line on the subprocess's stdout.
const EventPrefix = "@agentd-event "

// Event is a structured report from the subprocess.
type Event struct {
	// Type is one of file_modified, quality_checks, checkpoint_request.
	Type string `json:"type"`

	// Path accompanies file_modified.
	Path string `json:"path,omitempty"`

	// Quality-check outcomes, each "pass", "fail" or empty (not run).
	Lint    string `json:"lint,omitempty"`
	Format  string `json:"format,omitempty"`
	Types   string `json:"types,omitempty"`
	Tests   string `json:"tests,omitempty"`
	Browser string `json:"browser,omitempty"`

	// Checkpoint request fields.
	Kind    string         `json:"kind,omitempty"`
	Scope   string         `json:"scope,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// EventHandler receives parsed events as they stream in. Returning an error
// is reported back into the session log but does not kill the subprocess.
type EventHandler func(Event) error

// Config configures the subprocess.
type Config struct {
	Command         string
	Args            []string
	Env             []string
	Dir             string
	FailureSentinel string
	StopGracePeriod time.Duration
	SessionTimeout  time.Duration
}

// Result describes how the subprocess ended.
type Result struct {
	ExitCode     int
	SentinelSeen bool
	TimedOut     bool
}

// Runner launches subprocesses for sessions.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a runner.
func New(cfg Config, logger *zap.Logger) (*Runner, error) {
	if cfg.Command == "" {
		return nil, errors.New("runner command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 30 * time.Second
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// Run executes one subprocess to completion, streaming output into log and
// dispatching structured events to onEvent. Cancellation of ctx sends
// SIGTERM, waits the grace period, then kills.
func (r *Runner) Run(ctx context.Context, prompt string, log *workspace.SessionLog, onEvent EventHandler) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	timedOut := false
	if r.cfg.SessionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.SessionTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = r.cfg.Env
	cmd.Stdin = strings.NewReader(prompt)
	// The subprocess leads its own process group so cancellation also
	// reaches its children, which would otherwise keep the output pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Graceful first; the group is killed after the grace period, and
		// WaitDelay escalates to SIGKILL for the subprocess itself.
		pgid := cmd.Process.Pid
		time.AfterFunc(r.cfg.StopGracePeriod, func() { _ = syscall.Kill(-pgid, syscall.SIGKILL) })
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.StopGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start subprocess: %w", err)
	}
	r.logger.Info("session subprocess started",
		zap.String("command", r.cfg.Command),
		zap.Int("pid", cmd.Process.Pid),
	)

	result := &Result{}

	var g errgroup.Group
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, EventPrefix) {
				r.dispatchEvent(strings.TrimPrefix(line, EventPrefix), log, onEvent)
				continue
			}
			if err := log.AppendRaw([]byte(line + "\n")); err != nil {
				return err
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if r.cfg.FailureSentinel != "" && strings.Contains(line, r.cfg.FailureSentinel) {
				result.SentinelSeen = true
			}
			if err := log.AppendRaw([]byte(line + "\n")); err != nil {
				return err
			}
		}
		return scanner.Err()
	})

	streamErr := g.Wait()
	waitErr := cmd.Wait()

	if runCtx.Err() != nil && ctx.Err() == nil {
		timedOut = true
	}
	result.TimedOut = timedOut
	result.ExitCode = cmd.ProcessState.ExitCode()

	if streamErr != nil {
		return result, fmt.Errorf("failed to stream subprocess output: %w", streamErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Non-zero exit is reported through ExitCode, not as an error.
			return result, nil
		}
		return result, fmt.Errorf("subprocess wait failed: %w", waitErr)
	}
	return result, nil
}

// dispatchEvent parses one event line and hands it to the handler. Bad
// event lines are logged and skipped; they never kill the session.
func (r *Runner) dispatchEvent(payload string, log *workspace.SessionLog, onEvent EventHandler) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn("discarding malformed event line", zap.Error(err))
		_ = log.Append(fmt.Sprintf("[agentd] malformed event discarded: %v", err))
		return
	}
	if onEvent == nil {
		return
	}
	if err := onEvent(event); err != nil {
		r.logger.Warn("event handler rejected event",
			zap.String("type", event.Type),
			zap.Error(err),
		)
		_ = log.Append(fmt.Sprintf("[agentd] event rejected: %v", err))
	}
}
