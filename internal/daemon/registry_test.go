package daemon

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRecord(slug string) *AgentRecord {
	return &AgentRecord{
		SpecSlug:      slug,
		SpecHash:      "a1b2c",
		ProjectDir:    "/tmp/project",
		FeatureBranch: "feature/" + slug,
		TargetBranch:  "main",
		Status:        StatusIdle,
	}
}

func TestRegistry_CreateAssignsMonotonicIDs(t *testing.T) {
	r, err := LoadRegistry(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	a, err := r.Create(newRecord("one"))
	require.NoError(t, err)
	b, err := r.Create(newRecord("two"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.AgentID)
	assert.Equal(t, int64(2), b.AgentID)
}

func TestRegistry_GetAndList(t *testing.T) {
	r, err := LoadRegistry(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	created, err := r.Create(newRecord("one"))
	require.NoError(t, err)

	got, err := r.Get(created.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.SpecSlug)

	_, err = r.Get(99)
	require.ErrorIs(t, err, ErrAgentNotFound)

	assert.Len(t, r.List(), 1)
}

func TestRegistry_RunConflict(t *testing.T) {
	r, err := LoadRegistry(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	a, err := r.Create(newRecord("one"))
	require.NoError(t, err)
	_, err = r.Update(a.AgentID, func(rec *AgentRecord) { rec.Status = StatusRunning })
	require.NoError(t, err)

	// Same (project_dir, slug, hash) while running is refused.
	_, err = r.Create(newRecord("one"))
	require.ErrorIs(t, err, ErrRunConflict)

	// A different spec run on the same project is fine.
	_, err = r.Create(newRecord("two"))
	require.NoError(t, err)
}

func TestRegistry_RemoveRefusesRunning(t *testing.T) {
	r, err := LoadRegistry(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	a, err := r.Create(newRecord("one"))
	require.NoError(t, err)
	_, err = r.Update(a.AgentID, func(rec *AgentRecord) { rec.Status = StatusRunning })
	require.NoError(t, err)

	require.ErrorIs(t, r.Remove(a.AgentID), ErrAgentRunning)

	_, err = r.Update(a.AgentID, func(rec *AgentRecord) { rec.Status = StatusStopped })
	require.NoError(t, err)
	require.NoError(t, r.Remove(a.AgentID))
	require.ErrorIs(t, r.Remove(a.AgentID), ErrAgentNotFound)
}

// P6: a daemon restart preserves the records; agents whose pid is gone move
// to a terminal status.
func TestRegistry_RestartPreservesRecordsAndReapsDeadAgents(t *testing.T) {
	dir := t.TempDir()

	r, err := LoadRegistry(dir, zap.NewNop())
	require.NoError(t, err)

	alive, err := r.Create(newRecord("alive"))
	require.NoError(t, err)
	_, err = r.Update(alive.AgentID, func(rec *AgentRecord) {
		rec.Status = StatusRunning
		rec.PID = os.Getpid() // this test process is definitely alive
	})
	require.NoError(t, err)

	dead, err := r.Create(newRecord("dead"))
	require.NoError(t, err)
	_, err = r.Update(dead.AgentID, func(rec *AgentRecord) {
		rec.Status = StatusRunning
		rec.PID = 4194300 // beyond any plausible live pid
	})
	require.NoError(t, err)

	waiting, err := r.Create(newRecord("waiting"))
	require.NoError(t, err)
	_, err = r.Update(waiting.AgentID, func(rec *AgentRecord) {
		rec.Status = StatusWaitingCheckpoint
	})
	require.NoError(t, err)

	reloaded, err := LoadRegistry(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, reloaded.List(), 3)

	stillAlive, err := reloaded.Get(alive.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stillAlive.Status)

	reaped, err := reloaded.Get(dead.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, reaped.Status)
	assert.Zero(t, reaped.PID)

	stillWaiting, err := reloaded.Get(waiting.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingCheckpoint, stillWaiting.Status)

	// New ids continue after the persisted counter.
	next, err := reloaded.Create(newRecord("next"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.AgentID)
}
