package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

func newPushService(t *testing.T, tracked []string) (*Service, *workspace.Store) {
	t.Helper()
	dir := initTestRepo(t)
	backend, store := newFileBackend(t, dir)

	m := &workspace.Milestone{
		Initialized:   true,
		MilestoneID:   1,
		FeatureBranch: "feature/demo",
		Issues:        []workspace.Issue{{IID: 1, Title: "one", State: workspace.IssueOpen}},
	}
	now := time.Now().UTC()
	m.SessionFiles.Reset(now)
	for _, p := range tracked {
		m.SessionFiles.Track(p, now)
	}
	require.NoError(t, store.SaveMilestone(m))

	svc, err := NewService(backend, store, fastRetryConfig(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, backend.CreateBranch(context.Background(), "feature/demo", ""))
	return svc, store
}

// P5: every pushed path must be in the session whitelist.
func TestService_PushFilesHonorsSessionWhitelist(t *testing.T) {
	svc, _ := newPushService(t, []string{"a.go", "b.go", "c.go"})
	ctx := context.Background()

	commit, err := svc.PushFiles(ctx, "feature/demo", "session work", []File{
		{Path: "a.go", Content: []byte("package a\n")},
		{Path: "b.go", Content: []byte("package b\n")},
		{Path: "c.go", Content: []byte("package c\n")},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, commit.SHA)

	// d.go has a local edit but the session never touched it.
	_, err = svc.PushFiles(ctx, "feature/demo", "sneaky", []File{
		{Path: "d.go", Content: []byte("package d\n")},
	})
	require.ErrorIs(t, err, ErrUntrackedFile)
}

func TestService_PushFilesRejectsPathEscape(t *testing.T) {
	svc, _ := newPushService(t, []string{"../outside.go", "/etc/passwd"})
	ctx := context.Background()

	_, err := svc.PushFiles(ctx, "feature/demo", "escape", []File{
		{Path: "../outside.go", Content: []byte("x")},
	})
	require.ErrorIs(t, err, ErrPathEscape)

	_, err = svc.PushFiles(ctx, "feature/demo", "escape", []File{
		{Path: "/etc/passwd", Content: []byte("x")},
	})
	require.ErrorIs(t, err, ErrPathEscape)
}

func TestService_PushFilesRequiresMilestone(t *testing.T) {
	dir := initTestRepo(t)
	backend, store := newFileBackend(t, dir)
	svc, err := NewService(backend, store, fastRetryConfig(), zap.NewNop())
	require.NoError(t, err)

	_, err = svc.PushFiles(context.Background(), "feature/demo", "msg", []File{
		{Path: "a.go", Content: []byte("x")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "milestone")
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil)
	require.Error(t, err)

	store, err := workspace.NewStore(t.TempDir(), "demo-spec", "a1b2c")
	require.NoError(t, err)
	backend, err := NewFileBackend(store)
	require.NoError(t, err)

	svc, err := NewService(backend, store, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}
