package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/checkpoint"

var (
	// ErrNotFound indicates the checkpoint id is unknown.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrPendingExists indicates a pending un-completed checkpoint already
	// occupies the scope.
	ErrPendingExists = errors.New("checkpoint: pending checkpoint already exists in scope")

	// ErrNotPending indicates a resolve raced another writer or targeted an
	// already-resolved checkpoint.
	ErrNotPending = errors.New("checkpoint: status is not pending")

	// ErrStillPending indicates a complete was attempted before resolution.
	ErrStillPending = errors.New("checkpoint: cannot complete while still pending")

	// ErrAlreadyCompleted indicates a duplicate complete.
	ErrAlreadyCompleted = errors.New("checkpoint: already completed")

	// ErrInvalidVerdict indicates a verdict outside the transition diagram.
	ErrInvalidVerdict = errors.New("checkpoint: invalid verdict")

	// ErrModificationsNotAllowed indicates modifications on a non-modified
	// verdict.
	ErrModificationsNotAllowed = errors.New("checkpoint: modifications require a modified verdict")

	// ErrDecisionRequired indicates a regression approval without a
	// human_decision.
	ErrDecisionRequired = errors.New("checkpoint: regression approval requires a decision")
)

// Service owns the checkpoint log for one spec run.
//
// The protocol is single-writer per run: the running session calls Create
// and Complete, one client at a time calls Resolve. Readers are lock-free
// because every write replaces the log file atomically; a concurrent
// resolver detects the race by observing a non-pending status.
type Service struct {
	store  *workspace.Store
	logger *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	createCounter  metric.Int64Counter
	resolveCounter metric.Int64Counter
}

// NewService creates a checkpoint service over a workspace store.
func NewService(store *workspace.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("workspace store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"agentd.checkpoint.creates_total",
		metric.WithDescription("Total number of checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create checkpoint counter", zap.Error(err))
	}

	s.resolveCounter, err = s.meter.Int64Counter(
		"agentd.checkpoint.resolves_total",
		metric.WithDescription("Total number of checkpoint resolutions"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		s.logger.Warn("failed to create resolve counter", zap.Error(err))
	}
}

// loadLog reads the checkpoint log; a missing file is an empty log.
func (s *Service) loadLog() (Log, error) {
	log := Log{}
	err := s.store.ReadJSON(workspace.CheckpointLogFile, &log)
	if err != nil && !errors.Is(err, workspace.ErrNotFound) {
		return nil, err
	}
	return log, nil
}

func (s *Service) saveLog(log Log) error {
	return s.store.WriteJSON(workspace.CheckpointLogFile, log)
}

// Create appends a new pending checkpoint under scope and returns it.
//
// Fails with ErrPendingExists when a pending un-completed checkpoint already
// occupies the scope.
func (s *Service) Create(ctx context.Context, kind Kind, scope string, payload map[string]any) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("scope", scope),
	)

	spec, ok := SpecFor(kind)
	if !ok {
		return nil, fmt.Errorf("checkpoint: unknown kind %q", kind)
	}
	if spec.IssueScoped && scope == GlobalScope {
		return nil, fmt.Errorf("checkpoint: kind %s requires an issue scope", kind)
	}
	if !spec.IssueScoped && scope != GlobalScope {
		return nil, fmt.Errorf("checkpoint: kind %s requires the global scope", kind)
	}

	log, err := s.loadLog()
	if err != nil {
		return nil, err
	}

	for _, existing := range log[scope] {
		if existing.IsPending() {
			return nil, fmt.Errorf("%w: %s holds %s", ErrPendingExists, scope, existing.ID)
		}
	}

	cp := &Checkpoint{
		ID:        uuid.New().String()[:13],
		Kind:      kind,
		Scope:     scope,
		Status:    StatusPending,
		Context:   payload,
		CreatedAt: time.Now().UTC(),
	}
	log.Append(cp)

	if err := s.saveLog(log); err != nil {
		return nil, err
	}

	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	s.logger.Info("created checkpoint",
		zap.String("id", cp.ID),
		zap.String("kind", string(kind)),
		zap.String("scope", scope),
	)
	return cp, nil
}

// LoadPending returns the newest un-completed checkpoint, optionally
// restricted to a scope. Absent is (nil, nil).
//
// When the run's auto_accept flag is set and the checkpoint is still
// pending, the kind's auto-verdict is applied and persisted before the
// checkpoint is returned, so completion and audit follow the normal path.
func (s *Service) LoadPending(ctx context.Context, scope string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.load_pending")
	defer span.End()

	log, err := s.loadLog()
	if err != nil {
		return nil, err
	}

	cp := log.Newest(func(c *Checkpoint) bool {
		if c.Completed {
			return false
		}
		return scope == "" || c.Scope == scope
	})
	if cp == nil {
		return nil, nil
	}

	if cp.Status == StatusPending && s.autoAcceptEnabled() {
		spec, ok := SpecFor(cp.Kind)
		if !ok {
			return nil, fmt.Errorf("checkpoint: unknown kind %q", cp.Kind)
		}
		// Auto-verdicts may carry modifications on an approved status
		// (the kind's specified default); a human approval may not.
		applyVerdict(cp, spec.AutoVerdict(cp))
		if err := s.saveLog(log); err != nil {
			return nil, err
		}
		if s.resolveCounter != nil {
			s.resolveCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", string(cp.Kind)),
				attribute.String("verdict", string(cp.Status)),
			))
		}
		s.logger.Info("auto-accepted checkpoint",
			zap.String("id", cp.ID),
			zap.String("kind", string(cp.Kind)),
		)
		return cp, nil
	}

	return cp, nil
}

// applyVerdict stamps the verdict fields onto a pending checkpoint.
func applyVerdict(cp *Checkpoint, v Verdict) {
	now := time.Now().UTC()
	cp.Status = v.Status
	cp.ResolvedAt = &now
	cp.HumanDecision = v.Decision
	cp.HumanNotes = v.Notes
	cp.Modifications = v.Modifications
}

// autoAcceptEnabled re-reads the workspace config so the flag can be
// toggled between sessions.
func (s *Service) autoAcceptEnabled() bool {
	info, err := s.store.LoadWorkspaceInfo()
	return err == nil && info.AutoAccept
}

// LatestOfKind returns the most recent checkpoint of a kind regardless of
// status. Absent is (nil, nil).
func (s *Service) LatestOfKind(ctx context.Context, kind Kind) (*Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.latest_of_kind")
	defer span.End()

	log, err := s.loadLog()
	if err != nil {
		return nil, err
	}
	return log.Newest(func(c *Checkpoint) bool { return c.Kind == kind }), nil
}

// KindApprovedAndCompleted reports whether the latest checkpoint of a kind
// carries an approving verdict and the agent has acted on it. Used to gate
// phase transitions.
func (s *Service) KindApprovedAndCompleted(ctx context.Context, kind Kind) (bool, error) {
	cp, err := s.LatestOfKind(ctx, kind)
	if err != nil {
		return false, err
	}
	if cp == nil {
		return false, nil
	}
	return (cp.Status == StatusApproved || cp.Status == StatusModified) && cp.Completed, nil
}

// Resolve records a verdict on a pending checkpoint.
//
// The transition diagram is enforced here: only pending checkpoints can be
// resolved, the verdict must be approved, modified or rejected, and
// modifications ride only on a modified verdict. A regression approval must
// carry a valid human_decision.
func (s *Service) Resolve(ctx context.Context, id string, v Verdict) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkpoint_id", id),
		attribute.String("verdict", string(v.Status)),
	)

	switch v.Status {
	case StatusApproved, StatusModified, StatusRejected:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidVerdict, v.Status)
	}

	log, err := s.loadLog()
	if err != nil {
		return nil, err
	}

	cp := log.Find(id)
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cp.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, cp.Status)
	}

	if len(v.Modifications) > 0 && v.Status != StatusModified {
		return nil, ErrModificationsNotAllowed
	}

	if cp.Kind == KindRegressionApproval && (v.Status == StatusApproved || v.Status == StatusModified) {
		if v.Decision == "" {
			return nil, ErrDecisionRequired
		}
		if !slices.Contains(RegressionDecisions, v.Decision) {
			return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidVerdict, v.Decision)
		}
	}

	applyVerdict(cp, v)

	if err := s.saveLog(log); err != nil {
		return nil, err
	}

	if s.resolveCounter != nil {
		s.resolveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(cp.Kind)),
			attribute.String("verdict", string(v.Status)),
		))
	}
	s.logger.Info("resolved checkpoint",
		zap.String("id", cp.ID),
		zap.String("kind", string(cp.Kind)),
		zap.String("verdict", string(v.Status)),
	)
	return cp, nil
}

// Complete marks a resolved checkpoint as acted upon.
func (s *Service) Complete(ctx context.Context, id string) (*Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.complete")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint_id", id))

	log, err := s.loadLog()
	if err != nil {
		return nil, err
	}

	cp := log.Find(id)
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cp.Status == StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrStillPending, id)
	}
	if cp.Completed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}

	now := time.Now().UTC()
	cp.Completed = true
	cp.CompletedAt = &now

	if err := s.saveLog(log); err != nil {
		return nil, err
	}

	s.logger.Info("completed checkpoint",
		zap.String("id", cp.ID),
		zap.String("kind", string(cp.Kind)),
	)
	return cp, nil
}
