package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/protocol"
	"github.com/fyrsmithlabs/agentd/internal/session"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/daemon"

// Server is the agentd daemon.
type Server struct {
	cfg      *config.Config
	registry *Registry
	logger   *zap.Logger
	events   *broadcaster
	tel      *telemetry.Telemetry

	// exePath is the binary spawned as the per-agent session runner.
	exePath string

	meter          metric.Meter
	commandCounter metric.Int64Counter

	mu          sync.Mutex
	supervisors map[int64]*supervisor
	stopAll     context.CancelFunc
}

// supervisor tracks one running agent child.
type supervisor struct {
	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested bool
	mu            sync.Mutex
}

func (sv *supervisor) markStop() {
	sv.mu.Lock()
	sv.stopRequested = true
	sv.mu.Unlock()
}

func (sv *supervisor) stopWasRequested() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.stopRequested
}

// NewServer creates the daemon.
func NewServer(cfg *config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own executable: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		events:      newBroadcaster(),
		tel:         tel,
		exePath:     exePath,
		meter:       otel.Meter(instrumentationName),
		supervisors: map[int64]*supervisor{},
	}

	s.commandCounter, err = s.meter.Int64Counter(
		"agentd.daemon.commands_total",
		metric.WithDescription("Total number of client commands handled"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		logger.Warn("failed to create command counter", zap.Error(err))
	}

	return s, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.stopAll = cancel

	if err := s.claimPIDFile(); err != nil {
		return err
	}
	defer os.Remove(s.cfg.Daemon.PIDFile)

	registry, err := LoadRegistry(s.cfg.Daemon.DataDir, s.logger)
	if err != nil {
		return err
	}
	s.registry = registry

	listener, err := s.listen()
	if err != nil {
		return err
	}
	defer os.Remove(s.cfg.Daemon.SocketPath)

	s.logger.Info("daemon started",
		zap.String("socket", s.cfg.Daemon.SocketPath),
		zap.Int("pid", os.Getpid()),
		zap.Int("agents", len(registry.List())),
	)

	var g errgroup.Group

	if s.cfg.Daemon.MetricsPort > 0 && s.tel != nil {
		g.Go(func() error { return s.serveMetrics(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		listener.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept failed: %w", err)
			}
			g.Go(func() error {
				s.handleConn(ctx, conn)
				return nil
			})
		}
	})

	err = g.Wait()

	// Stop children before exiting so nothing runs unsupervised.
	s.stopAllAgents()

	s.logger.Info("daemon stopped")
	return err
}

// claimPIDFile guards against a second daemon. A stale file left by a dead
// daemon is reclaimed.
func (s *Server) claimPIDFile() error {
	pidFile := s.cfg.Daemon.PIDFile
	if err := os.MkdirAll(filepath.Dir(pidFile), 0700); err != nil {
		return fmt.Errorf("failed to create runtime dir: %w", err)
	}

	if data, err := os.ReadFile(pidFile); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && pidAlive(pid) {
			return fmt.Errorf("daemon already running with pid %d", pid)
		}
		os.Remove(pidFile)
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// listen binds the Unix socket, reclaiming a stale socket file from a
// daemon that died without cleanup.
func (s *Server) listen() (net.Listener, error) {
	socketPath := s.cfg.Daemon.SocketPath
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket dir: %w", err)
	}

	if _, err := os.Stat(socketPath); err == nil {
		conn, err := net.DialTimeout("unix", socketPath, time.Second)
		if err == nil {
			conn.Close()
			return nil, fmt.Errorf("daemon already listening on %s", socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("failed to reclaim stale socket: %w", err)
		}
		s.logger.Info("reclaimed stale socket", zap.String("path", socketPath))
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to chmod socket: %w", err)
	}
	return listener, nil
}

// serveMetrics exposes /metrics and /health on the configured port.
func (s *Server) serveMetrics(ctx context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(s.tel.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	err := e.Start(fmt.Sprintf("127.0.0.1:%d", s.cfg.Daemon.MetricsPort))
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleConn serves one client connection: request/response until the
// client disconnects or switches into a subscribe stream.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock pending reads when the daemon shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var req protocol.Request
		if err := protocol.ReadFrame(conn, &req); err != nil {
			return
		}

		if s.commandCounter != nil {
			s.commandCounter.Add(ctx, 1)
		}

		if req.Op == protocol.OpSubscribe {
			s.handleSubscribe(ctx, conn, req)
			return
		}

		resp := s.dispatch(ctx, req)
		if err := protocol.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

// dispatch routes one request. Protocol misuse returns a structured error;
// it never crashes the daemon.
func (s *Server) dispatch(ctx context.Context, req protocol.Request) *protocol.Response {
	var (
		value any
		err   error
	)

	switch req.Op {
	case protocol.OpPing:
		value = map[string]string{"message": "pong"}
	case protocol.OpList:
		value = s.registry.List()
	case protocol.OpStatus:
		value, err = s.cmdStatus(req.Args)
	case protocol.OpRegister:
		value, err = s.cmdRegister(req.Args)
	case protocol.OpStart:
		value, err = s.cmdStart(ctx, req.Args)
	case protocol.OpStop:
		value, err = s.cmdStop(req.Args)
	case protocol.OpRemove:
		value, err = s.cmdRemove(req.Args)
	case protocol.OpResolveCheckpoint:
		value, err = s.cmdResolveCheckpoint(ctx, req.Args)
	case protocol.OpShutdown:
		value = map[string]string{"message": "shutting down"}
		go s.stopAll()
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if err != nil {
		s.logger.Warn("command failed", zap.String("op", req.Op), zap.Error(err))
		return protocol.ErrorResponse(err)
	}
	resp, marshalErr := protocol.OKResponse(value)
	if marshalErr != nil {
		return protocol.ErrorResponse(marshalErr)
	}
	return resp
}

func decodeArgs[T any](raw json.RawMessage) (*T, error) {
	var args T
	if len(raw) == 0 {
		return &args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("malformed args: %w", err)
	}
	return &args, nil
}

func (s *Server) cmdStatus(raw json.RawMessage) (any, error) {
	args, err := decodeArgs[protocol.AgentIDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.registry.Get(args.AgentID)
}

// cmdRegister creates a record without starting a session.
func (s *Server) cmdRegister(raw json.RawMessage) (any, error) {
	args, err := decodeArgs[protocol.StartArgs](raw)
	if err != nil {
		return nil, err
	}
	record, err := s.buildRecord(args)
	if err != nil {
		return nil, err
	}
	return s.registry.Create(record)
}

func (s *Server) cmdStart(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[protocol.StartArgs](raw)
	if err != nil {
		return nil, err
	}

	var record *AgentRecord
	if args.AgentID != 0 {
		record, err = s.registry.Get(args.AgentID)
		if err != nil {
			return nil, err
		}
		if record.Running() {
			return nil, fmt.Errorf("%w: %d", ErrAgentRunning, record.AgentID)
		}
		if err := s.registry.CheckRunConflict(record.ProjectDir, record.SpecSlug, record.SpecHash, record.AgentID); err != nil {
			return nil, err
		}
	} else {
		record, err = s.buildRecord(args)
		if err != nil {
			return nil, err
		}
		record, err = s.registry.Create(record)
		if err != nil {
			return nil, err
		}
	}

	return s.spawn(ctx, record.AgentID)
}

// buildRecord validates a start config and initializes the workspace for a
// brand-new spec run.
func (s *Server) buildRecord(args *protocol.StartArgs) (*AgentRecord, error) {
	if args.ProjectDir == "" || args.SpecFile == "" {
		return nil, errors.New("project_dir and spec_file are required")
	}
	projectDir, err := filepath.Abs(args.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("invalid project_dir: %w", err)
	}
	targetBranch := args.TargetBranch
	if targetBranch == "" {
		targetBranch = "main"
	}

	store, info, err := workspace.Initialize(projectDir, args.SpecFile, workspace.InitOptions{
		TargetBranch:  targetBranch,
		AutoAccept:    args.AutoAccept,
		Modes:         args.Modes,
		MaxIterations: args.MaxIterations,
	})
	if err != nil {
		return nil, err
	}

	return &AgentRecord{
		SpecSlug:      store.SpecSlug(),
		SpecHash:      store.SpecHash(),
		ProjectDir:    projectDir,
		SpecFile:      args.SpecFile,
		FeatureBranch: info.FeatureBranch,
		TargetBranch:  info.TargetBranch,
		AutoAccept:    info.AutoAccept,
		Modes:         info.Modes,
		MaxIterations: info.MaxIterations,
		Status:        StatusIdle,
		Phase:         session.PhaseInitializer,
	}, nil
}

// spawn launches the session-runner child for an agent and starts its
// supervisor.
func (s *Server) spawn(ctx context.Context, agentID int64) (*AgentRecord, error) {
	s.mu.Lock()
	if _, exists := s.supervisors[agentID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrAgentRunning, agentID)
	}
	s.mu.Unlock()

	record, err := s.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	store, err := workspace.NewStore(record.ProjectDir, record.SpecSlug, record.SpecHash)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	childLog, err := store.NewSessionLog(fmt.Sprintf("agent-%d", record.AgentID), now)
	if err != nil {
		return nil, err
	}
	_ = childLog.Append(fmt.Sprintf("[agentd] agent %d starting", record.AgentID))

	childCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(childCtx, s.exePath, "run-agent",
		"--agent-id", strconv.FormatInt(record.AgentID, 10),
		"--project-dir", record.ProjectDir,
		"--spec-slug", record.SpecSlug,
		"--spec-hash", record.SpecHash,
	)
	cmd.Dir = record.ProjectDir
	cmd.Env = os.Environ()
	logFile := childLog.File()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.cfg.Daemon.StopGracePeriod.Duration()

	if err := cmd.Start(); err != nil {
		cancel()
		childLog.Close()
		return nil, fmt.Errorf("failed to start agent child: %w", err)
	}

	sv := &supervisor{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.supervisors[record.AgentID] = sv
	s.mu.Unlock()

	updated, err := s.registry.Update(record.AgentID, func(a *AgentRecord) {
		a.Status = StatusRunning
		a.PID = cmd.Process.Pid
		a.LogPath = childLog.Path()
		a.StartedAt = &now
		a.StoppedAt = nil
		a.ExitCode = nil
		a.Diagnostic = ""
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.publishStatus(updated)

	go s.supervise(childCtx, sv, record.AgentID, cmd, store, childLog)
	return updated, nil
}

// supervise waits for one agent child and records its end state.
func (s *Server) supervise(ctx context.Context, sv *supervisor, agentID int64, cmd *exec.Cmd, store *workspace.Store, childLog *workspace.SessionLog) {
	defer close(sv.done)

	watchCtx, stopWatch := context.WithCancel(ctx)
	go s.watchCheckpoints(watchCtx, agentID, store)

	waitErr := cmd.Wait()
	stopWatch()

	exitCode := cmd.ProcessState.ExitCode()
	now := time.Now().UTC()
	_ = childLog.Append(fmt.Sprintf("[agentd] agent %d exited code=%d", agentID, exitCode))
	childLog.Close()

	status := StatusStopped
	diagnostic := ""
	switch {
	case sv.stopWasRequested():
		status = StatusStopped
	case exitCode == 0:
		status = StatusStopped
	case exitCode == 2:
		status = StatusWaitingCheckpoint
	default:
		status = StatusFailed
		if tail, err := workspace.Tail(childLog.Path(), 2048); err == nil {
			diagnostic = tail
		} else if waitErr != nil {
			diagnostic = waitErr.Error()
		}
	}

	record, err := s.registry.Update(agentID, func(a *AgentRecord) {
		a.Status = status
		a.Phase = phaseFromWorkspace(store)
		a.PID = 0
		a.ExitCode = &exitCode
		a.StoppedAt = &now
		a.Diagnostic = diagnostic
	})
	if err != nil {
		s.logger.Error("failed to record agent exit", zap.Int64("agent_id", agentID), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.supervisors, agentID)
	s.mu.Unlock()

	if record != nil {
		s.publishStatus(record)
		s.events.publish(protocol.Event{
			Event:   protocol.EventAgentExited,
			AgentID: agentID,
			Payload: map[string]any{"exit_code": exitCode, "status": string(status)},
		})
	}
	s.logger.Info("agent exited",
		zap.Int64("agent_id", agentID),
		zap.Int("exit_code", exitCode),
		zap.String("status", string(status)),
	)
}

// phaseFromWorkspace derives a display phase from durable state alone.
func phaseFromWorkspace(store *workspace.Store) session.Phase {
	m, err := store.LoadMilestone()
	if err != nil {
		return session.PhaseInitializer
	}
	switch {
	case m.CompletedAt != nil || m.MergeRequestIID != 0:
		return session.PhaseDone
	case m.AllIssuesClosed:
		return session.PhaseMR
	default:
		return session.PhaseCoding
	}
}

func (s *Server) cmdStop(raw json.RawMessage) (any, error) {
	args, err := decodeArgs[protocol.AgentIDArgs](raw)
	if err != nil {
		return nil, err
	}
	return s.stopAgent(args.AgentID)
}

// stopAgent terminates a running agent: signal, grace window, kill.
// Stopping a non-running agent is idempotent.
func (s *Server) stopAgent(agentID int64) (*AgentRecord, error) {
	record, err := s.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	sv, ok := s.supervisors[agentID]
	s.mu.Unlock()
	if !ok {
		return record, nil
	}

	sv.markStop()
	sv.cancel()

	select {
	case <-sv.done:
	case <-time.After(s.cfg.Daemon.StopGracePeriod.Duration() + 10*time.Second):
		return nil, fmt.Errorf("agent %d did not terminate", agentID)
	}

	return s.registry.Get(agentID)
}

// stopAllAgents terminates every running child during daemon shutdown.
func (s *Server) stopAllAgents() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.supervisors))
	for id := range s.supervisors {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.stopAgent(id); err != nil {
			s.logger.Warn("failed to stop agent during shutdown",
				zap.Int64("agent_id", id),
				zap.Error(err),
			)
		}
	}
}

func (s *Server) cmdRemove(raw json.RawMessage) (any, error) {
	args, err := decodeArgs[protocol.AgentIDArgs](raw)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Remove(args.AgentID); err != nil {
		return nil, err
	}
	return map[string]string{"message": fmt.Sprintf("agent %d removed", args.AgentID)}, nil
}

// cmdResolveCheckpoint resolves a pending checkpoint in the agent's
// workspace and, if the agent was suspended on it, relaunches the session
// runner so the verdict is acted upon.
func (s *Server) cmdResolveCheckpoint(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[protocol.ResolveArgs](raw)
	if err != nil {
		return nil, err
	}

	record, err := s.registry.Get(args.AgentID)
	if err != nil {
		return nil, err
	}

	store, err := workspace.NewStore(record.ProjectDir, record.SpecSlug, record.SpecHash)
	if err != nil {
		return nil, err
	}
	cps, err := checkpoint.NewService(store, s.logger.Named("checkpoint"))
	if err != nil {
		return nil, err
	}

	var status checkpoint.Status
	switch args.Verdict {
	case "approved":
		status = checkpoint.StatusApproved
	case "modified":
		status = checkpoint.StatusModified
	case "rejected":
		status = checkpoint.StatusRejected
	default:
		return nil, fmt.Errorf("invalid verdict %q", args.Verdict)
	}

	resolved, err := cps.Resolve(ctx, args.CheckpointID, checkpoint.Verdict{
		Status:        status,
		Decision:      args.Decision,
		Notes:         args.Notes,
		Modifications: args.Modifications,
	})
	if err != nil {
		return nil, err
	}

	s.events.publish(protocol.Event{
		Event:   protocol.EventCheckpointResolved,
		AgentID: record.AgentID,
		Payload: map[string]any{
			"checkpoint_id": resolved.ID,
			"verdict":       string(resolved.Status),
		},
	})

	// A suspended agent resumes so the next session acts on the verdict.
	if record.Status == StatusWaitingCheckpoint && !record.Running() {
		if _, err := s.spawn(ctx, record.AgentID); err != nil {
			s.logger.Warn("failed to resume agent after resolution",
				zap.Int64("agent_id", record.AgentID),
				zap.Error(err),
			)
		}
	}

	return resolved, nil
}

// handleSubscribe switches a connection into a push stream.
func (s *Server) handleSubscribe(ctx context.Context, conn net.Conn, req protocol.Request) {
	args, err := decodeArgs[protocol.SubscribeArgs](req.Args)
	if err != nil {
		_ = protocol.WriteFrame(conn, protocol.ErrorResponse(err))
		return
	}

	resp, err := protocol.OKResponse(map[string]string{"message": "subscribed"})
	if err != nil {
		return
	}
	if err := protocol.WriteFrame(conn, resp); err != nil {
		return
	}

	// Initial snapshot so a reconnecting client sees current state.
	for _, record := range s.registry.List() {
		if args.AgentID != nil && record.AgentID != *args.AgentID {
			continue
		}
		snapshot := protocol.Event{
			Event:   protocol.EventStatus,
			AgentID: record.AgentID,
			Payload: map[string]any{
				"status":   string(record.Status),
				"phase":    string(record.Phase),
				"log_path": record.LogPath,
			},
		}
		if err := protocol.WriteFrame(conn, snapshot); err != nil {
			return
		}
	}

	events, unsubscribe := s.events.subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if args.AgentID != nil && event.AgentID != *args.AgentID {
				continue
			}
			if err := protocol.WriteFrame(conn, event); err != nil {
				return
			}
		}
	}
}
