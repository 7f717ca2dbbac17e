package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/host"
	"github.com/fyrsmithlabs/agentd/internal/runner"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/session"

// diagnosticTailBytes bounds the log tail recorded on session failure.
const diagnosticTailBytes = 2048

// Status is how one session ended.
type Status string

const (
	// StatusContinue means the session finished its work and the next
	// session should run.
	StatusContinue Status = "continue"

	// StatusWaiting means a pending checkpoint blocks progress.
	StatusWaiting Status = "waiting_checkpoint"

	// StatusHalted means a human rejection stopped the run.
	StatusHalted Status = "halted"

	// StatusFailed means the subprocess crashed or reported failure.
	StatusFailed Status = "failed"

	// StatusDone means the run is complete.
	StatusDone Status = "done"
)

// Result describes one session's outcome.
type Result struct {
	Status       Status
	Phase        Phase
	CheckpointID string
	Diagnostic   string
	LogPath      string
}

// Orchestrator drives one agent's sessions.
type Orchestrator struct {
	store       *workspace.Store
	checkpoints *checkpoint.Service
	host        *host.Service
	runner      *runner.Runner
	agentID     string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New creates an orchestrator for one agent.
func New(store *workspace.Store, checkpoints *checkpoint.Service, hostSvc *host.Service, run *runner.Runner, agentID string, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("workspace store is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint service is required")
	}
	if hostSvc == nil {
		return nil, errors.New("host service is required")
	}
	if run == nil {
		return nil, errors.New("runner is required")
	}
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:       store,
		checkpoints: checkpoints,
		host:        hostSvc,
		runner:      run,
		agentID:     agentID,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
	}, nil
}

// sessionState is the per-session mutable state touched by event callbacks,
// which arrive on the output-streaming goroutine.
type sessionState struct {
	mu          sync.Mutex
	quality     QualityOutcome
	qualitySeen bool
	modes       workspace.ModeFlags
	createdID   string
}

func (st *sessionState) record(e runner.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.quality.Record(e)
	st.qualitySeen = true
}

func (st *sessionState) verified() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.qualitySeen {
		return fmt.Errorf("no quality-check events recorded this session")
	}
	q := st.quality
	return q.Verified(st.modes)
}

func (st *sessionState) setCreated(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.createdID = id
}

func (st *sessionState) created() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.createdID
}

// RunSession executes exactly one session: the resumption gate, then (if
// nothing blocks) one subprocess.
func (o *Orchestrator) RunSession(ctx context.Context) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "session.run")
	defer span.End()

	// Fresh read of all state; nothing carries over in memory.
	info, err := o.store.LoadWorkspaceInfo()
	if err != nil {
		return nil, err
	}

	// Step 0: the resumption gate.
	cp, err := o.checkpoints.LoadPending(ctx, "")
	if err != nil {
		return nil, err
	}
	if cp != nil {
		if cp.IsPending() {
			span.SetAttributes(attribute.String("blocked_on", cp.ID))
			o.logger.Info("session blocked on pending checkpoint",
				zap.String("checkpoint_id", cp.ID),
				zap.String("kind", string(cp.Kind)),
			)
			return &Result{Status: StatusWaiting, CheckpointID: cp.ID}, nil
		}
		halt, err := o.applyResolved(ctx, info, cp)
		if err != nil {
			return nil, err
		}
		if halt != nil {
			return halt, nil
		}
	}

	phase, err := o.DeterminePhase(ctx, info)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("phase", string(phase)))
	if phase == PhaseDone {
		return &Result{Status: StatusDone, Phase: PhaseDone}, nil
	}

	var milestone *workspace.Milestone
	var claimed *workspace.Issue
	if phase != PhaseInitializer {
		milestone, err = o.store.LoadMilestone()
		if err != nil {
			return nil, err
		}
		if phase == PhaseMR && len(milestone.Issues) == 0 {
			return nil, fmt.Errorf("milestone %d has no issues; refusing to run the MR phase", milestone.MilestoneID)
		}

		// Each session starts with an empty push whitelist.
		milestone.SessionFiles.Reset(time.Now().UTC())
		if err := o.store.SaveMilestone(milestone); err != nil {
			return nil, err
		}
		for i := range milestone.Issues {
			if milestone.Issues[i].State == workspace.IssueInProgress {
				claimed = &milestone.Issues[i]
				break
			}
		}
	}

	prompt, err := renderPrompt(phase, info, o.store, milestone, claimed)
	if err != nil {
		return nil, err
	}

	log, err := o.store.NewSessionLog(o.agentID, time.Now())
	if err != nil {
		return nil, err
	}
	defer log.Close()
	_ = log.Append(fmt.Sprintf("[agentd] session start phase=%s agent=%s", phase, o.agentID))

	st := &sessionState{modes: info.Modes}
	runResult, err := o.runner.Run(ctx, prompt, log, func(e runner.Event) error {
		return o.handleEvent(ctx, st, e)
	})
	if err != nil {
		return &Result{
			Status:     StatusFailed,
			Phase:      phase,
			LogPath:    log.Path(),
			Diagnostic: err.Error(),
		}, nil
	}

	if runResult.SentinelSeen || runResult.ExitCode != 0 || runResult.TimedOut {
		tail, _ := workspace.Tail(log.Path(), diagnosticTailBytes)
		_ = log.Append(fmt.Sprintf("[agentd] session failed exit_code=%d sentinel=%t timed_out=%t",
			runResult.ExitCode, runResult.SentinelSeen, runResult.TimedOut))
		return &Result{
			Status:     StatusFailed,
			Phase:      phase,
			LogPath:    log.Path(),
			Diagnostic: tail,
		}, nil
	}

	if id := st.created(); id != "" {
		_ = log.Append("[agentd] session suspended on checkpoint " + id)
		return &Result{
			Status:       StatusWaiting,
			Phase:        phase,
			CheckpointID: id,
			LogPath:      log.Path(),
		}, nil
	}

	_ = log.Append("[agentd] session complete")
	return &Result{Status: StatusContinue, Phase: phase, LogPath: log.Path()}, nil
}

// handleEvent processes one structured event from the subprocess.
func (o *Orchestrator) handleEvent(ctx context.Context, st *sessionState, e runner.Event) error {
	switch e.Type {
	case "file_modified":
		return o.trackFile(e.Path)
	case "quality_checks":
		st.record(e)
		return nil
	case "checkpoint_request":
		return o.createRequestedCheckpoint(ctx, st, e)
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

// trackFile appends a modified path to the session whitelist. Before the
// milestone exists there is nothing to push, so tracking is a no-op.
func (o *Orchestrator) trackFile(path string) error {
	if path == "" {
		return fmt.Errorf("file_modified event without a path")
	}
	m, err := o.store.LoadMilestone()
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return nil
		}
		return err
	}
	m.SessionFiles.Track(path, time.Now().UTC())
	return o.store.SaveMilestone(m)
}

// createRequestedCheckpoint validates a checkpoint request and appends the
// pending entry. Terminal checkpoints are refused until the session's
// quality checks have passed.
func (o *Orchestrator) createRequestedCheckpoint(ctx context.Context, st *sessionState, e runner.Event) error {
	kind := checkpoint.Kind(e.Kind)

	if kind == checkpoint.KindIssueClosure || kind == checkpoint.KindMRReview {
		if err := st.verified(); err != nil {
			return fmt.Errorf("refusing %s checkpoint: %w", kind, err)
		}
	}

	scope := e.Scope
	if scope == "" {
		scope = checkpoint.GlobalScope
	}

	payload := e.Context
	if kind == checkpoint.KindSpecToIssues {
		if issues, ok := payload["issues"].([]any); ok && len(issues) > checkpoint.MaxProposedIssues {
			payload["over_budget"] = true
		}
	}

	cp, err := o.checkpoints.Create(ctx, kind, scope, payload)
	if err != nil {
		return err
	}
	st.setCreated(cp.ID)
	return nil
}

// applyResolved carries out the verdict of a resolved, un-completed
// checkpoint and marks it completed. A non-nil Result halts the run;
// nil means the session body proceeds at the kind's continuation step.
func (o *Orchestrator) applyResolved(ctx context.Context, info *workspace.WorkspaceInfo, cp *checkpoint.Checkpoint) (*Result, error) {
	spec, ok := checkpoint.SpecFor(cp.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown checkpoint kind %q", cp.Kind)
	}

	if cp.Status == checkpoint.StatusRejected {
		// Recording the rejection is the "acting" for a rejected gate.
		if _, err := o.checkpoints.Complete(ctx, cp.ID); err != nil {
			return nil, err
		}
		o.logger.Info("checkpoint rejected",
			zap.String("checkpoint_id", cp.ID),
			zap.String("kind", string(cp.Kind)),
			zap.String("notes", cp.HumanNotes),
		)
		switch spec.Rejection {
		case checkpoint.RejectHalt, checkpoint.RejectEndSession:
			return &Result{
				Status:       StatusHalted,
				CheckpointID: cp.ID,
				Diagnostic:   fmt.Sprintf("%s rejected: %s", cp.Kind, cp.HumanNotes),
			}, nil
		default:
			// Retry and proceed continue into the session body, which
			// addresses the notes.
			return nil, nil
		}
	}

	var err error
	switch cp.Kind {
	case checkpoint.KindProjectVerification:
		err = o.continueProjectVerification(ctx, info, cp)
	case checkpoint.KindSpecToIssues:
		err = o.continueSpecToIssues(ctx, cp)
	case checkpoint.KindIssueEnrichment:
		err = o.continueIssueEnrichment(ctx, cp)
	case checkpoint.KindIssueSelection:
		err = o.continueIssueSelection(ctx, cp)
	case checkpoint.KindIssueClosure:
		err = o.continueIssueClosure(ctx, cp)
	case checkpoint.KindRegressionApproval:
		err = o.continueRegression(ctx, cp)
	case checkpoint.KindMRPhaseTransition:
		// The approval itself unlocks the MR phase; nothing else to do.
	case checkpoint.KindMRReview:
		err = o.continueMRReview(ctx, info, cp)
	default:
		err = fmt.Errorf("no continuation registered for kind %q", cp.Kind)
	}
	if err != nil {
		return nil, err
	}

	if _, err := o.checkpoints.Complete(ctx, cp.ID); err != nil {
		return nil, err
	}
	return nil, nil
}

// continueProjectVerification creates the milestone and the feature branch.
func (o *Orchestrator) continueProjectVerification(ctx context.Context, info *workspace.WorkspaceInfo, cp *checkpoint.Checkpoint) error {
	title := stringField(cp.Modifications, "title")
	if title == "" {
		title = stringField(cp.Context, "proposed_title")
	}
	if title == "" {
		title = fmt.Sprintf("Spec run %s-%s", info.SpecSlug, info.SpecHash)
	}

	created, err := o.host.CreateMilestone(ctx, title, fmt.Sprintf("Milestone for spec run %s-%s", info.SpecSlug, info.SpecHash))
	if err != nil {
		return err
	}

	exists, err := o.host.BranchExists(ctx, info.FeatureBranch)
	if err != nil {
		return err
	}
	if !exists {
		if err := o.host.CreateBranch(ctx, info.FeatureBranch, info.TargetBranch); err != nil {
			return err
		}
	}

	m := &workspace.Milestone{
		Initialized:   true,
		MilestoneID:   created.ID,
		Title:         created.Title,
		FeatureBranch: info.FeatureBranch,
	}
	return o.store.SaveMilestone(m)
}

// continueSpecToIssues creates the approved issue list on the host.
func (o *Orchestrator) continueSpecToIssues(ctx context.Context, cp *checkpoint.Checkpoint) error {
	raw, ok := cp.Modifications["issues"]
	if !ok {
		raw = cp.Context["issues"]
	}
	proposals := issuesFromAny(raw)
	if len(proposals) == 0 {
		return fmt.Errorf("spec_to_issues checkpoint %s carries no issues", cp.ID)
	}

	m, err := o.store.LoadMilestone()
	if err != nil {
		return err
	}

	for _, p := range proposals {
		created, err := o.host.CreateIssue(ctx, m.MilestoneID, host.Issue{
			Title:       p.Title,
			Description: p.Description,
			Labels:      p.Labels,
		})
		if err != nil {
			return err
		}
		m.Issues = append(m.Issues, workspace.Issue{
			IID:         created.IID,
			Title:       p.Title,
			Description: p.Description,
			Labels:      p.Labels,
			Priority:    p.Priority,
			State:       workspace.IssueOpen,
		})
	}
	m.TotalIssues = len(m.Issues)
	m.RecomputeAllClosed()
	return o.store.SaveMilestone(m)
}

// continueIssueEnrichment marks the issues selected for enrichment; the
// session body performs the enrichment itself.
func (o *Orchestrator) continueIssueEnrichment(_ context.Context, cp *checkpoint.Checkpoint) error {
	selected := intsFromAny(cp.Modifications["selected_issue_iids"])
	order, ok := cp.Modifications["enrichment_order"]
	if !ok {
		order = cp.Context["recommended_enrichment_order"]
	}
	if len(selected) == 0 {
		selected = intsFromAny(order)
	}

	m, err := o.store.LoadMilestone()
	if err != nil {
		return err
	}
	for pos, iid := range intsFromAny(order) {
		if issue := m.Issue(iid); issue != nil {
			if issue.Enrichment == nil {
				issue.Enrichment = map[string]any{}
			}
			issue.Enrichment["order_position"] = pos
		}
	}
	for _, iid := range selected {
		if issue := m.Issue(iid); issue != nil {
			if issue.Enrichment == nil {
				issue.Enrichment = map[string]any{}
			}
			issue.Enrichment["selected"] = true
		}
	}
	return o.store.SaveMilestone(m)
}

// continueIssueSelection claims the first open issue in the final order.
func (o *Orchestrator) continueIssueSelection(ctx context.Context, cp *checkpoint.Checkpoint) error {
	order, ok := cp.Modifications["issue_order"]
	if !ok {
		order = cp.Context["recommended_issue_order"]
	}
	iids := intsFromAny(order)
	if len(iids) == 0 {
		return fmt.Errorf("issue_selection checkpoint %s carries no order", cp.ID)
	}

	m, err := o.store.LoadMilestone()
	if err != nil {
		return err
	}
	for _, iid := range iids {
		issue := m.Issue(iid)
		if issue == nil || issue.State != workspace.IssueOpen {
			continue
		}
		issue.State = workspace.IssueInProgress
		state := "in_progress"
		if _, err := o.host.UpdateIssue(ctx, iid, host.IssueUpdate{State: &state}); err != nil {
			return err
		}
		o.logger.Info("claimed issue", zap.Int("iid", iid))
		return o.store.SaveMilestone(m)
	}
	// Nothing open to claim; the session body re-evaluates.
	return o.store.SaveMilestone(m)
}

// continueIssueClosure closes the approved issue.
func (o *Orchestrator) continueIssueClosure(ctx context.Context, cp *checkpoint.Checkpoint) error {
	iid, err := strconv.Atoi(cp.Scope)
	if err != nil {
		return fmt.Errorf("issue_closure checkpoint %s has non-issue scope %q", cp.ID, cp.Scope)
	}

	m, err := o.store.LoadMilestone()
	if err != nil {
		return err
	}
	issue := m.Issue(iid)
	if issue == nil {
		return fmt.Errorf("issue %d not found in milestone", iid)
	}

	now := time.Now().UTC()
	issue.State = workspace.IssueClosed
	issue.ClosedAt = &now

	state := "closed"
	if _, err := o.host.UpdateIssue(ctx, iid, host.IssueUpdate{State: &state}); err != nil {
		return err
	}

	m.RecomputeAllClosed()
	o.logger.Info("closed issue", zap.Int("iid", iid), zap.Bool("all_closed", m.AllIssuesClosed))
	return o.store.SaveMilestone(m)
}

// continueRegression applies the human's regression decision.
func (o *Orchestrator) continueRegression(ctx context.Context, cp *checkpoint.Checkpoint) error {
	decision := cp.HumanDecision
	if decision == "" {
		decision = stringField(cp.Modifications, "human_decision")
	}
	iid := intFromAny(cp.Context["regressed_issue_iid"])

	m, err := o.store.LoadMilestone()
	if err != nil {
		return err
	}

	switch decision {
	case "fix_now", "rollback":
		issue := m.Issue(iid)
		if issue == nil {
			return fmt.Errorf("regressed issue %d not found in milestone", iid)
		}
		issue.State = workspace.IssueOpen
		issue.ClosedAt = nil
		state := "open"
		if _, err := o.host.UpdateIssue(ctx, iid, host.IssueUpdate{State: &state}); err != nil {
			return err
		}
		if decision == "rollback" {
			if err := o.host.AddNote(ctx, iid, "Regression confirmed; rollback requested: "+cp.HumanNotes); err != nil {
				return err
			}
		}
	case "defer":
		created, err := o.host.CreateIssue(ctx, m.MilestoneID, host.Issue{
			Title:       fmt.Sprintf("Regression in #%d (deferred)", iid),
			Description: fmt.Sprintf("Deferred regression detected in issue #%d.\n\n%s", iid, cp.HumanNotes),
			Labels:      []string{"regression"},
		})
		if err != nil {
			return err
		}
		m.Issues = append(m.Issues, workspace.Issue{
			IID:         created.IID,
			Title:       created.Title,
			Description: created.Description,
			Labels:      created.Labels,
			State:       workspace.IssueOpen,
		})
		m.TotalIssues = len(m.Issues)
	case "false_positive":
		// Nothing to change.
	default:
		return fmt.Errorf("regression checkpoint %s has no usable decision (%q)", cp.ID, decision)
	}

	m.RecomputeAllClosed()
	return o.store.SaveMilestone(m)
}

// continueMRReview creates the merge request and verifies it exists.
func (o *Orchestrator) continueMRReview(ctx context.Context, info *workspace.WorkspaceInfo, cp *checkpoint.Checkpoint) error {
	title := stringField(cp.Modifications, "title")
	if title == "" {
		title = stringField(cp.Context, "title")
	}
	description := stringField(cp.Modifications, "description")
	if description == "" {
		description = stringField(cp.Context, "description")
	}
	if title == "" {
		return fmt.Errorf("mr_review checkpoint %s carries no title", cp.ID)
	}

	m, err := o.store.LoadMilestone()
	if err != nil {
		return err
	}

	created, err := o.host.CreateMergeRequest(ctx, host.MergeRequest{
		Title:        title,
		Description:  description,
		SourceBranch: info.FeatureBranch,
		TargetBranch: info.TargetBranch,
	})
	if err != nil {
		return err
	}

	// Verify it exists before declaring the phase complete.
	if _, err := o.host.GetMergeRequest(ctx, created.IID); err != nil {
		return fmt.Errorf("merge request %d not verifiable after creation: %w", created.IID, err)
	}

	now := time.Now().UTC()
	m.MergeRequestIID = created.IID
	m.MergeRequestURL = created.WebURL
	m.CompletedAt = &now
	o.logger.Info("created merge request",
		zap.Int("iid", created.IID),
		zap.String("url", created.WebURL),
	)
	return o.store.SaveMilestone(m)
}

// Payload helpers. Checkpoint payloads round-trip through JSON, so numbers
// arrive as float64 and lists as []any.

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func intsFromAny(v any) []int {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []int
	for _, item := range list {
		if n := intFromAny(item); n != 0 {
			out = append(out, n)
		}
	}
	return out
}

func issuesFromAny(v any) []workspace.Issue {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []workspace.Issue
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		issue := workspace.Issue{
			Title:       stringField(entry, "title"),
			Description: stringField(entry, "description"),
			Priority:    stringField(entry, "priority"),
		}
		if labels, ok := entry["labels"].([]any); ok {
			for _, l := range labels {
				if s, ok := l.(string); ok {
					issue.Labels = append(issue.Labels, s)
				}
			}
		}
		if issue.Title != "" {
			out = append(out, issue)
		}
	}
	return out
}
