package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

func newTestService(t *testing.T, autoAccept bool) *Service {
	t.Helper()
	store, err := workspace.NewStore(t.TempDir(), "demo-spec", "a1b2c")
	require.NoError(t, err)
	require.NoError(t, store.SaveWorkspaceInfo(&workspace.WorkspaceInfo{
		SpecSlug:      "demo-spec",
		SpecHash:      "a1b2c",
		FeatureBranch: "feature/demo-spec-a1b2c",
		TargetBranch:  "main",
		AutoAccept:    autoAccept,
		CreatedAt:     time.Now().UTC(),
	}))

	svc, err := NewService(store, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
}

func TestCreate_AssignsIdentityAndPersists(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	cp, err := svc.Create(ctx, KindProjectVerification, GlobalScope, map[string]any{
		"proposed_title": "Demo Spec",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, StatusPending, cp.Status)
	assert.False(t, cp.Completed)

	pending, err := svc.LoadPending(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, cp.ID, pending.ID)
}

func TestCreate_EnforcesScopeRule(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	_, err := svc.Create(ctx, KindIssueClosure, GlobalScope, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issue scope")

	_, err = svc.Create(ctx, KindIssueSelection, "4", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global scope")

	_, err = svc.Create(ctx, Kind("made_up"), GlobalScope, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

// I1: at most one pending un-completed checkpoint per scope.
func TestCreate_RefusesSecondPendingInScope(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	first, err := svc.Create(ctx, KindIssueClosure, "3", nil)
	require.NoError(t, err)

	_, err = svc.Create(ctx, KindIssueClosure, "3", nil)
	require.ErrorIs(t, err, ErrPendingExists)

	// A different scope is fine.
	_, err = svc.Create(ctx, KindIssueSelection, GlobalScope, nil)
	require.NoError(t, err)

	// Resolving frees the scope: a rejected checkpoint is no longer pending.
	_, err = svc.Resolve(ctx, first.ID, Verdict{Status: StatusRejected, Notes: "redo"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, KindIssueClosure, "3", nil)
	require.NoError(t, err)
}

// I2: pending -> {approved, modified, rejected} -> completed, nothing else.
func TestResolve_TransitionDiagram(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	cp, err := svc.Create(ctx, KindSpecToIssues, GlobalScope, nil)
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, cp.ID, Verdict{Status: StatusPending})
	require.ErrorIs(t, err, ErrInvalidVerdict)

	_, err = svc.Resolve(ctx, "missing-id", Verdict{Status: StatusApproved})
	require.ErrorIs(t, err, ErrNotFound)

	resolved, err := svc.Resolve(ctx, cp.ID, Verdict{Status: StatusApproved, Notes: "ship it"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	// Second resolve observes the non-pending status and fails.
	_, err = svc.Resolve(ctx, cp.ID, Verdict{Status: StatusRejected})
	require.ErrorIs(t, err, ErrNotPending)
}

func TestResolve_ModificationsRequireModifiedVerdict(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	cp, err := svc.Create(ctx, KindIssueSelection, GlobalScope, map[string]any{
		"recommended_issue_order": []any{2, 1, 3},
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, cp.ID, Verdict{
		Status:        StatusApproved,
		Modifications: map[string]any{"issue_order": []any{1}},
	})
	require.ErrorIs(t, err, ErrModificationsNotAllowed)

	resolved, err := svc.Resolve(ctx, cp.ID, Verdict{
		Status:        StatusModified,
		Modifications: map[string]any{"issue_order": []any{1, 2, 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusModified, resolved.Status)
}

func TestResolve_RegressionRequiresDecision(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	cp, err := svc.Create(ctx, KindRegressionApproval, GlobalScope, map[string]any{
		"regressed_issue_iid": 7,
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, cp.ID, Verdict{Status: StatusApproved})
	require.ErrorIs(t, err, ErrDecisionRequired)

	_, err = svc.Resolve(ctx, cp.ID, Verdict{Status: StatusApproved, Decision: "eventually"})
	require.ErrorIs(t, err, ErrInvalidVerdict)

	resolved, err := svc.Resolve(ctx, cp.ID, Verdict{Status: StatusApproved, Decision: "defer"})
	require.NoError(t, err)
	assert.Equal(t, "defer", resolved.HumanDecision)
}

func TestComplete(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	cp, err := svc.Create(ctx, KindMRPhaseTransition, GlobalScope, nil)
	require.NoError(t, err)

	// I3: completion only after resolution.
	_, err = svc.Complete(ctx, cp.ID)
	require.ErrorIs(t, err, ErrStillPending)

	_, err = svc.Resolve(ctx, cp.ID, Verdict{Status: StatusApproved})
	require.NoError(t, err)

	done, err := svc.Complete(ctx, cp.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.NotNil(t, done.CompletedAt)

	_, err = svc.Complete(ctx, cp.ID)
	require.ErrorIs(t, err, ErrAlreadyCompleted)

	ok, err := svc.KindApprovedAndCompleted(ctx, KindMRPhaseTransition)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLatestOfKind(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	absent, err := svc.LatestOfKind(ctx, KindMRReview)
	require.NoError(t, err)
	assert.Nil(t, absent)

	first, err := svc.Create(ctx, KindIssueClosure, "1", nil)
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, first.ID, Verdict{Status: StatusRejected, Notes: "missing test"})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, first.ID)
	require.NoError(t, err)

	second, err := svc.Create(ctx, KindIssueClosure, "1", nil)
	require.NoError(t, err)

	latest, err := svc.LatestOfKind(ctx, KindIssueClosure)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

// Rejection round-trip: the old checkpoint stays rejected and a fresh one of
// the same kind takes its place; the log keeps both in order.
func TestRejectionRoundTrip(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	first, err := svc.Create(ctx, KindIssueClosure, "1", map[string]any{"summary": "attempt 1"})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, first.ID, Verdict{
		Status: StatusRejected,
		Notes:  "missing test for empty input",
	})
	require.NoError(t, err)

	// The next session records the rejection before retrying.
	_, err = svc.Complete(ctx, first.ID)
	require.NoError(t, err)

	second, err := svc.Create(ctx, KindIssueClosure, "1", map[string]any{"summary": "attempt 2"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, second.ID, Verdict{Status: StatusApproved})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, second.ID)
	require.NoError(t, err)

	latest, err := svc.LatestOfKind(ctx, KindIssueClosure)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, StatusApproved, latest.Status)
}

// P7: auto-accept applies each kind's specified default verdict and
// persists it.
func TestAutoAccept(t *testing.T) {
	ctx := context.Background()

	t.Run("issue_enrichment approves recommended order", func(t *testing.T) {
		svc := newTestService(t, true)

		created, err := svc.Create(ctx, KindIssueEnrichment, GlobalScope, map[string]any{
			"recommended_enrichment_order": []any{float64(2), float64(1)},
			"all_issues_with_judgments": []any{
				map[string]any{
					"issue_iid":    float64(1),
					"llm_judgment": map[string]any{"decision": "needs_enrichment"},
				},
				map[string]any{
					"issue_iid":    float64(2),
					"llm_judgment": map[string]any{"decision": "sufficient"},
				},
			},
		})
		require.NoError(t, err)

		cp, err := svc.LoadPending(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, created.ID, cp.ID)
		assert.Equal(t, StatusApproved, cp.Status)
		assert.Equal(t, []any{float64(2), float64(1)}, cp.Modifications["enrichment_order"])
		assert.Equal(t, []any{float64(1)}, cp.Modifications["selected_issue_iids"])

		// The auto-resolution is persisted: a fresh read sees it.
		again, err := svc.LoadPending(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, again.Status)
	})

	t.Run("regression_approval approves fix_now", func(t *testing.T) {
		svc := newTestService(t, true)

		_, err := svc.Create(ctx, KindRegressionApproval, GlobalScope, nil)
		require.NoError(t, err)

		cp, err := svc.LoadPending(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, cp.Status)
		assert.Equal(t, "fix_now", cp.HumanDecision)
	})

	t.Run("issue_selection approves recommended order", func(t *testing.T) {
		svc := newTestService(t, true)

		_, err := svc.Create(ctx, KindIssueSelection, GlobalScope, map[string]any{
			"recommended_issue_order": []any{float64(3), float64(1)},
		})
		require.NoError(t, err)

		cp, err := svc.LoadPending(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, cp.Status)
		assert.Equal(t, []any{float64(3), float64(1)}, cp.Modifications["issue_order"])
	})

	t.Run("other kinds approve plainly", func(t *testing.T) {
		svc := newTestService(t, true)

		_, err := svc.Create(ctx, KindMRReview, GlobalScope, nil)
		require.NoError(t, err)

		cp, err := svc.LoadPending(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, cp.Status)
		assert.Empty(t, cp.Modifications)
	})
}

func TestLoadPending_ScopeFilter(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	_, err := svc.Create(ctx, KindIssueClosure, "2", nil)
	require.NoError(t, err)

	cp, err := svc.LoadPending(ctx, GlobalScope)
	require.NoError(t, err)
	assert.Nil(t, cp)

	cp, err = svc.LoadPending(ctx, "2")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "2", cp.Scope)
}

func TestRegisterKind_RejectsDuplicates(t *testing.T) {
	assert.Panics(t, func() {
		RegisterKind(KindSpec{Kind: KindMRReview})
	})
}
