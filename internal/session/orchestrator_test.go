package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/host"
	"github.com/fyrsmithlabs/agentd/internal/runner"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// testHarness wires a full orchestrator over a real git repo, the file-only
// host backend and a shell-script subprocess.
type testHarness struct {
	orch  *Orchestrator
	store *workspace.Store
	cps   *checkpoint.Service
	dir   string
}

func newHarness(t *testing.T, script string, modes workspace.ModeFlags, autoAccept bool) *testHarness {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()},
	})
	require.NoError(t, err)

	store, err := workspace.NewStore(dir, "demo-spec", "a1b2c")
	require.NoError(t, err)
	require.NoError(t, store.SaveWorkspaceInfo(&workspace.WorkspaceInfo{
		SpecSlug:      "demo-spec",
		SpecHash:      "a1b2c",
		FeatureBranch: "feature/demo-spec-a1b2c",
		TargetBranch:  "master",
		AutoAccept:    autoAccept,
		Modes:         modes,
		CreatedAt:     time.Now().UTC(),
	}))

	cps, err := checkpoint.NewService(store, zap.NewNop())
	require.NoError(t, err)

	backend, err := host.NewFileBackend(store)
	require.NoError(t, err)
	hostSvc, err := host.NewService(backend, store, &host.RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	run, err := runner.New(runner.Config{
		Command:         "sh",
		Args:            []string{"-c", script},
		Dir:             dir,
		FailureSentinel: "AGENT_SESSION_FAILED",
		StopGracePeriod: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	orch, err := New(store, cps, hostSvc, run, "1", zap.NewNop())
	require.NoError(t, err)

	return &testHarness{orch: orch, store: store, cps: cps, dir: dir}
}

// seedMilestone writes an initialized milestone with the given issues.
func (h *testHarness) seedMilestone(t *testing.T, issues ...workspace.Issue) *workspace.Milestone {
	t.Helper()
	m := &workspace.Milestone{
		Initialized:   true,
		MilestoneID:   1,
		Title:         "Demo Spec",
		FeatureBranch: "feature/demo-spec-a1b2c",
		Issues:        issues,
		TotalIssues:   len(issues),
	}
	m.RecomputeAllClosed()
	require.NoError(t, h.store.SaveMilestone(m))
	return m
}

// seedHostIssues mirrors the milestone issues into the file-only host state
// so host updates resolve.
func (h *testHarness) seedHostIssues(t *testing.T, titles ...string) {
	t.Helper()
	ctx := context.Background()
	backend, err := host.NewFileBackend(h.store)
	require.NoError(t, err)
	_, err = backend.CreateMilestone(ctx, "Demo Spec", "")
	require.NoError(t, err)
	for _, title := range titles {
		_, err = backend.CreateIssue(ctx, 1, host.Issue{Title: title})
		require.NoError(t, err)
	}
}

func TestDeterminePhase(t *testing.T) {
	ctx := context.Background()

	t.Run("no milestone means initializer", func(t *testing.T) {
		h := newHarness(t, "true", workspace.ModeFlags{}, false)
		info, err := h.store.LoadWorkspaceInfo()
		require.NoError(t, err)

		phase, err := h.orch.DeterminePhase(ctx, info)
		require.NoError(t, err)
		assert.Equal(t, PhaseInitializer, phase)
	})

	t.Run("open issues mean coding", func(t *testing.T) {
		h := newHarness(t, "true", workspace.ModeFlags{}, false)
		h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueOpen})
		info, err := h.store.LoadWorkspaceInfo()
		require.NoError(t, err)

		phase, err := h.orch.DeterminePhase(ctx, info)
		require.NoError(t, err)
		assert.Equal(t, PhaseCoding, phase)
	})

	t.Run("all closed without transition approval stays coding", func(t *testing.T) {
		h := newHarness(t, "true", workspace.ModeFlags{}, false)
		h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueClosed})
		info, err := h.store.LoadWorkspaceInfo()
		require.NoError(t, err)

		phase, err := h.orch.DeterminePhase(ctx, info)
		require.NoError(t, err)
		assert.Equal(t, PhaseCoding, phase)
	})

	t.Run("approved and completed transition unlocks MR", func(t *testing.T) {
		h := newHarness(t, "true", workspace.ModeFlags{}, false)
		h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueClosed})
		approveTransition(t, h)
		info, err := h.store.LoadWorkspaceInfo()
		require.NoError(t, err)

		phase, err := h.orch.DeterminePhase(ctx, info)
		require.NoError(t, err)
		assert.Equal(t, PhaseMR, phase)
	})

	t.Run("skip_mr_creation finishes after coding", func(t *testing.T) {
		h := newHarness(t, "true", workspace.ModeFlags{SkipMRCreation: true}, false)
		h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueClosed})
		approveTransition(t, h)
		info, err := h.store.LoadWorkspaceInfo()
		require.NoError(t, err)

		phase, err := h.orch.DeterminePhase(ctx, info)
		require.NoError(t, err)
		assert.Equal(t, PhaseDone, phase)
	})
}

func approveTransition(t *testing.T, h *testHarness) {
	t.Helper()
	ctx := context.Background()
	cp, err := h.cps.Create(ctx, checkpoint.KindMRPhaseTransition, checkpoint.GlobalScope, nil)
	require.NoError(t, err)
	_, err = h.cps.Resolve(ctx, cp.ID, checkpoint.Verdict{Status: checkpoint.StatusApproved})
	require.NoError(t, err)
	_, err = h.cps.Complete(ctx, cp.ID)
	require.NoError(t, err)
}

// Step 0: a pending checkpoint suspends the session without running the
// subprocess.
func TestRunSession_PendingCheckpointBlocks(t *testing.T) {
	h := newHarness(t, "touch ran-subprocess.marker", workspace.ModeFlags{}, false)
	ctx := context.Background()

	cp, err := h.cps.Create(ctx, checkpoint.KindProjectVerification, checkpoint.GlobalScope, nil)
	require.NoError(t, err)

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)
	assert.Equal(t, cp.ID, res.CheckpointID)

	_, statErr := os.Stat(filepath.Join(h.dir, "ran-subprocess.marker"))
	assert.True(t, os.IsNotExist(statErr), "subprocess must not run while a checkpoint is pending")
}

// P4: after resolution the next session acts on the verdict, then proceeds.
func TestRunSession_ProjectVerificationContinuation(t *testing.T) {
	h := newHarness(t, "true", workspace.ModeFlags{}, false)
	ctx := context.Background()

	cp, err := h.cps.Create(ctx, checkpoint.KindProjectVerification, checkpoint.GlobalScope, map[string]any{
		"proposed_title": "Demo Spec Milestone",
	})
	require.NoError(t, err)
	_, err = h.cps.Resolve(ctx, cp.ID, checkpoint.Verdict{Status: checkpoint.StatusApproved})
	require.NoError(t, err)

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status)

	m, err := h.store.LoadMilestone()
	require.NoError(t, err)
	assert.True(t, m.Initialized)
	assert.Equal(t, "Demo Spec Milestone", m.Title)

	done, err := h.cps.LatestOfKind(ctx, checkpoint.KindProjectVerification)
	require.NoError(t, err)
	assert.True(t, done.Completed, "continuation must complete the checkpoint")

	// The feature branch was created in the local repository.
	repo, err := git.PlainOpen(h.dir)
	require.NoError(t, err)
	_, err = repo.Reference(plumbing.NewBranchReferenceName("feature/demo-spec-a1b2c"), true)
	require.NoError(t, err)
}

func TestRunSession_RejectedVerificationHalts(t *testing.T) {
	h := newHarness(t, "true", workspace.ModeFlags{}, false)
	ctx := context.Background()

	cp, err := h.cps.Create(ctx, checkpoint.KindProjectVerification, checkpoint.GlobalScope, nil)
	require.NoError(t, err)
	_, err = h.cps.Resolve(ctx, cp.ID, checkpoint.Verdict{
		Status: checkpoint.StatusRejected,
		Notes:  "wrong project",
	})
	require.NoError(t, err)

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, res.Status)
	assert.Contains(t, res.Diagnostic, "wrong project")

	done, err := h.cps.LatestOfKind(ctx, checkpoint.KindProjectVerification)
	require.NoError(t, err)
	assert.True(t, done.Completed, "recording the rejection completes it")
}

func TestRunSession_IssueSelectionClaimsFirstInOrder(t *testing.T) {
	h := newHarness(t, "true", workspace.ModeFlags{}, false)
	ctx := context.Background()

	h.seedHostIssues(t, "one", "two", "three")
	h.seedMilestone(t,
		workspace.Issue{IID: 1, Title: "one", State: workspace.IssueOpen},
		workspace.Issue{IID: 2, Title: "two", State: workspace.IssueOpen},
		workspace.Issue{IID: 3, Title: "three", State: workspace.IssueOpen},
	)

	cp, err := h.cps.Create(ctx, checkpoint.KindIssueSelection, checkpoint.GlobalScope, map[string]any{
		"recommended_issue_order": []any{float64(2), float64(1), float64(3)},
	})
	require.NoError(t, err)
	_, err = h.cps.Resolve(ctx, cp.ID, checkpoint.Verdict{Status: checkpoint.StatusApproved})
	require.NoError(t, err)

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status)

	m, err := h.store.LoadMilestone()
	require.NoError(t, err)
	assert.Equal(t, workspace.IssueInProgress, m.Issue(2).State)
	assert.Equal(t, workspace.IssueOpen, m.Issue(1).State)
}

func TestRunSession_IssueClosureContinuation(t *testing.T) {
	h := newHarness(t, "true", workspace.ModeFlags{}, false)
	ctx := context.Background()

	h.seedHostIssues(t, "one", "two")
	h.seedMilestone(t,
		workspace.Issue{IID: 1, Title: "one", State: workspace.IssueInProgress},
		workspace.Issue{IID: 2, Title: "two", State: workspace.IssueClosed},
	)

	cp, err := h.cps.Create(ctx, checkpoint.KindIssueClosure, "1", map[string]any{
		"summary": "implemented",
	})
	require.NoError(t, err)
	_, err = h.cps.Resolve(ctx, cp.ID, checkpoint.Verdict{Status: checkpoint.StatusApproved})
	require.NoError(t, err)

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status)

	m, err := h.store.LoadMilestone()
	require.NoError(t, err)
	assert.Equal(t, workspace.IssueClosed, m.Issue(1).State)
	assert.True(t, m.AllIssuesClosed)
}

// Scenario 6: a deferred regression spawns a new bug issue.
func TestRunSession_RegressionDeferCreatesBugIssue(t *testing.T) {
	h := newHarness(t, "true", workspace.ModeFlags{}, false)
	ctx := context.Background()

	h.seedHostIssues(t, "seven")
	h.seedMilestone(t, workspace.Issue{IID: 1, Title: "seven", State: workspace.IssueClosed})

	cp, err := h.cps.Create(ctx, checkpoint.KindRegressionApproval, checkpoint.GlobalScope, map[string]any{
		"regressed_issue_iid": float64(1),
	})
	require.NoError(t, err)
	_, err = h.cps.Resolve(ctx, cp.ID, checkpoint.Verdict{
		Status:   checkpoint.StatusApproved,
		Decision: "defer",
	})
	require.NoError(t, err)

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status)

	m, err := h.store.LoadMilestone()
	require.NoError(t, err)
	require.Len(t, m.Issues, 2)
	assert.Contains(t, m.Issues[1].Title, "Regression in #1")
	assert.False(t, m.AllIssuesClosed)
}

func TestRunSession_SubprocessCreatesCheckpoint(t *testing.T) {
	script := `echo '@agentd-event {"type":"checkpoint_request","kind":"project_verification","scope":"global","context":{"proposed_title":"Demo"}}'`
	h := newHarness(t, script, workspace.ModeFlags{}, false)
	ctx := context.Background()

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)
	assert.NotEmpty(t, res.CheckpointID)

	cp, err := h.cps.LoadPending(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.KindProjectVerification, cp.Kind)
	assert.True(t, cp.IsPending())
}

// The verification gate: closure checkpoints are refused until quality
// checks pass.
func TestRunSession_ClosureRefusedWithoutQualityPass(t *testing.T) {
	script := `echo '@agentd-event {"type":"checkpoint_request","kind":"issue_closure","scope":"1","context":{}}'`
	h := newHarness(t, script, workspace.ModeFlags{}, false)
	h.seedHostIssues(t, "one")
	h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueInProgress})
	ctx := context.Background()

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status, "refused request leaves no pending checkpoint")

	cp, err := h.cps.LoadPending(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRunSession_ClosureAllowedAfterQualityPass(t *testing.T) {
	script := `echo '@agentd-event {"type":"quality_checks","lint":"pass","format":"pass","types":"pass","tests":"pass"}'; ` +
		`echo '@agentd-event {"type":"checkpoint_request","kind":"issue_closure","scope":"1","context":{"summary":"done"}}'`
	h := newHarness(t, script, workspace.ModeFlags{}, false)
	h.seedHostIssues(t, "one")
	h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueInProgress})
	ctx := context.Background()

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)

	cp, err := h.cps.LoadPending(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.KindIssueClosure, cp.Kind)
	assert.Equal(t, "1", cp.Scope)
}

func TestRunSession_SkipTestSuiteRelaxesGate(t *testing.T) {
	script := `echo '@agentd-event {"type":"quality_checks","lint":"pass","format":"pass","types":"pass"}'; ` +
		`echo '@agentd-event {"type":"checkpoint_request","kind":"issue_closure","scope":"1","context":{}}'`
	h := newHarness(t, script, workspace.ModeFlags{SkipTestSuite: true}, false)
	h.seedHostIssues(t, "one")
	h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueInProgress})

	res, err := h.orch.RunSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)
}

func TestRunSession_TracksModifiedFiles(t *testing.T) {
	script := `echo '@agentd-event {"type":"file_modified","path":"a.go"}'; ` +
		`echo '@agentd-event {"type":"file_modified","path":"b.go"}'`
	h := newHarness(t, script, workspace.ModeFlags{}, false)
	h.seedHostIssues(t, "one")
	h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueInProgress})

	_, err := h.orch.RunSession(context.Background())
	require.NoError(t, err)

	m, err := h.store.LoadMilestone()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, m.SessionFiles.Tracked)
}

// I5: the whitelist resets at the start of every session.
func TestRunSession_ResetsSessionFiles(t *testing.T) {
	h := newHarness(t, "true", workspace.ModeFlags{}, false)
	h.seedHostIssues(t, "one")
	m := h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueOpen})
	m.SessionFiles.Track("stale.go", time.Now().UTC())
	require.NoError(t, h.store.SaveMilestone(m))

	_, err := h.orch.RunSession(context.Background())
	require.NoError(t, err)

	reloaded, err := h.store.LoadMilestone()
	require.NoError(t, err)
	assert.Empty(t, reloaded.SessionFiles.Tracked)
}

func TestRunSession_FailureRecordsTail(t *testing.T) {
	h := newHarness(t, "echo something went wrong; exit 7", workspace.ModeFlags{}, false)

	res, err := h.orch.RunSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Diagnostic, "something went wrong")
	assert.NotEmpty(t, res.LogPath)
}

func TestRunSession_SentinelMarksFailure(t *testing.T) {
	h := newHarness(t, "echo AGENT_SESSION_FAILED: credit exhausted >&2; exit 0", workspace.ModeFlags{}, false)

	res, err := h.orch.RunSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestRunSession_OverBudgetBreakdownFlagged(t *testing.T) {
	issues := `[`
	for i := 0; i < 13; i++ {
		if i > 0 {
			issues += ","
		}
		issues += `{"title":"task"}`
	}
	issues += `]`
	script := `echo '@agentd-event {"type":"checkpoint_request","kind":"spec_to_issues","scope":"global","context":{"issues":` + issues + `}}'`

	h := newHarness(t, script, workspace.ModeFlags{}, false)
	h.seedMilestone(t)
	ctx := context.Background()

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)

	cp, err := h.cps.LoadPending(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, true, cp.Context["over_budget"])
}

// Scenario 4: with auto_accept the enrichment gate resolves without
// blocking and the session proceeds.
func TestRunSession_AutoAcceptDoesNotBlock(t *testing.T) {
	h := newHarness(t, "true", workspace.ModeFlags{}, true)
	ctx := context.Background()

	h.seedHostIssues(t, "one")
	h.seedMilestone(t, workspace.Issue{IID: 1, Title: "one", State: workspace.IssueOpen})

	_, err := h.cps.Create(ctx, checkpoint.KindIssueEnrichment, checkpoint.GlobalScope, map[string]any{
		"recommended_enrichment_order": []any{float64(1)},
	})
	require.NoError(t, err)

	res, err := h.orch.RunSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status, "auto-accepted gate must not block")

	latest, err := h.cps.LatestOfKind(ctx, checkpoint.KindIssueEnrichment)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusApproved, latest.Status)
	assert.True(t, latest.Completed)
	assert.Equal(t, []any{float64(1)}, latest.Modifications["enrichment_order"])
}

func TestRunSession_ZeroIssueMilestoneRefusesMRPhase(t *testing.T) {
	h := newHarness(t, "true", workspace.ModeFlags{}, false)
	ctx := context.Background()

	m := h.seedMilestone(t)
	m.AllIssuesClosed = true // corrupt flag: no issues exist
	require.NoError(t, h.store.SaveMilestone(m))
	approveTransition(t, h)

	_, err := h.orch.RunSession(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no issues")
}

func TestRunLoop_StopsOnWaiting(t *testing.T) {
	script := `echo '@agentd-event {"type":"checkpoint_request","kind":"project_verification","scope":"global","context":{}}'`
	h := newHarness(t, script, workspace.ModeFlags{}, false)

	res, err := h.orch.RunLoop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)
}

func TestRunLoop_HonorsMaxIterations(t *testing.T) {
	h := newHarness(t, "true", workspace.ModeFlags{}, false)
	info, err := h.store.LoadWorkspaceInfo()
	require.NoError(t, err)
	info.MaxIterations = 1
	require.NoError(t, h.store.SaveWorkspaceInfo(info))

	res, err := h.orch.RunLoop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, res.Status)
}
