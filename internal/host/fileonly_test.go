package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// initTestRepo creates a git repository with one commit on master.
func initTestRepo(t *testing.T) string {
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

	return dir
}

func newFileBackend(t *testing.T, projectDir string) (*FileBackend, *workspace.Store) {
	t.Helper()
	store, err := workspace.NewStore(projectDir, "demo-spec", "a1b2c")
	require.NoError(t, err)
	backend, err := NewFileBackend(store)
	require.NoError(t, err)
	return backend, store
}

func TestFileBackend_MilestoneAndIssues(t *testing.T) {
	backend, _ := newFileBackend(t, initTestRepo(t))
	ctx := context.Background()

	m, err := backend.CreateMilestone(ctx, "Demo Spec", "milestone for demo")
	require.NoError(t, err)
	assert.Equal(t, 1, m.ID)

	_, err = backend.CreateMilestone(ctx, "Again", "")
	require.Error(t, err)

	one, err := backend.CreateIssue(ctx, m.ID, Issue{Title: "First", Labels: []string{"priority-medium"}})
	require.NoError(t, err)
	assert.Equal(t, 1, one.IID)
	assert.Equal(t, "open", one.State)

	two, err := backend.CreateIssue(ctx, m.ID, Issue{Title: "Second"})
	require.NoError(t, err)
	assert.Equal(t, 2, two.IID)

	closed := "closed"
	updated, err := backend.UpdateIssue(ctx, one.IID, IssueUpdate{State: &closed})
	require.NoError(t, err)
	assert.Equal(t, "closed", updated.State)

	_, err = backend.UpdateIssue(ctx, 99, IssueUpdate{State: &closed})
	require.ErrorIs(t, err, ErrRemoteNotFound)

	require.NoError(t, backend.AddNote(ctx, two.IID, "progress update"))

	open, err := backend.ListMilestoneIssues(ctx, m.ID, IssueFilter{State: "open"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, two.IID, open[0].IID)

	labeled, err := backend.ListMilestoneIssues(ctx, m.ID, IssueFilter{Labels: []string{"priority-medium"}})
	require.NoError(t, err)
	require.Len(t, labeled, 1)
	assert.Equal(t, one.IID, labeled[0].IID)
}

func TestFileBackend_GitOperations(t *testing.T) {
	dir := initTestRepo(t)
	backend, _ := newFileBackend(t, dir)
	ctx := context.Background()

	exists, err := backend.BranchExists(ctx, "feature/demo")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, backend.CreateBranch(ctx, "feature/demo", ""))

	exists, err = backend.BranchExists(ctx, "feature/demo")
	require.NoError(t, err)
	assert.True(t, exists)

	commit, err := backend.PushFiles(ctx, "feature/demo", "add feature file", []File{
		{Path: "feature.go", Content: []byte("package feature\n")},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, commit.SHA)

	commits, err := backend.ListCommits(ctx, "feature/demo")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Contains(t, commits[0].Message, "add feature file")

	_, err = backend.ListCommits(ctx, "no-such-branch")
	require.ErrorIs(t, err, ErrRemoteNotFound)
}

func TestFileBackend_MergeRequests(t *testing.T) {
	backend, _ := newFileBackend(t, initTestRepo(t))
	ctx := context.Background()

	_, err := backend.GetMergeRequest(ctx, 1)
	require.ErrorIs(t, err, ErrRemoteNotFound)

	mr, err := backend.CreateMergeRequest(ctx, MergeRequest{
		Title:        "Demo Spec",
		SourceBranch: "feature/demo",
		TargetBranch: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mr.IID)
	assert.Equal(t, "opened", mr.State)

	got, err := backend.GetMergeRequest(ctx, mr.IID)
	require.NoError(t, err)
	assert.Equal(t, "Demo Spec", got.Title)
}
