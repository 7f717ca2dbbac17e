package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/protocol"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// broadcaster fans events out to subscribe streams. Slow subscribers drop
// events rather than stalling the daemon.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan protocol.Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[int]chan protocol.Event{}}
}

// subscribe returns a channel of events and a cancel function.
func (b *broadcaster) subscribe() (<-chan protocol.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan protocol.Event, 64)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// publish delivers an event to every subscriber without blocking.
func (b *broadcaster) publish(e protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is not draining; drop rather than stall.
		}
	}
}

// watchCheckpoints watches one agent's checkpoint log and publishes
// checkpoint_pending / checkpoint_resolved events as its state changes.
// The watcher is a lock-free reader of the atomically-replaced log file.
func (s *Server) watchCheckpoints(ctx context.Context, agentID int64, store *workspace.Store) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("checkpoint watcher unavailable", zap.Error(err))
		return
	}
	defer watcher.Close()

	// Watch the workspace dir: atomic writes replace the log file, so the
	// file's own watch would die with the first rename.
	if err := watcher.Add(store.Dir()); err != nil {
		s.logger.Warn("failed to watch workspace", zap.Error(err))
		return
	}

	var lastPendingID string
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != store.CheckpointLogPath() {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			lastPendingID = s.emitCheckpointState(agentID, store, lastPendingID)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("checkpoint watcher error", zap.Error(err))
		}
	}
}

// emitCheckpointState reads the checkpoint log and publishes a transition
// event if the pending state changed. Returns the current pending id.
func (s *Server) emitCheckpointState(agentID int64, store *workspace.Store, lastPendingID string) string {
	data, err := store.Read(workspace.CheckpointLogFile)
	if err != nil {
		if !errors.Is(err, workspace.ErrNotFound) {
			s.logger.Warn("failed to read checkpoint log", zap.Error(err))
		}
		return lastPendingID
	}

	var log checkpoint.Log
	if err := json.Unmarshal(data, &log); err != nil {
		// A reader racing the writer never sees partial JSON (atomic
		// replace); a real corruption is surfaced by the session.
		return lastPendingID
	}

	pending := log.Newest(func(c *checkpoint.Checkpoint) bool { return c.IsPending() })
	switch {
	case pending != nil && pending.ID != lastPendingID:
		s.updateAgentStatus(agentID, StatusWaitingCheckpoint)
		s.events.publish(protocol.Event{
			Event:   protocol.EventCheckpointPending,
			AgentID: agentID,
			Payload: map[string]any{
				"checkpoint_id": pending.ID,
				"kind":          string(pending.Kind),
				"scope":         pending.Scope,
			},
		})
		return pending.ID
	case pending == nil && lastPendingID != "":
		s.events.publish(protocol.Event{
			Event:   protocol.EventCheckpointResolved,
			AgentID: agentID,
			Payload: map[string]any{"checkpoint_id": lastPendingID},
		})
		return ""
	default:
		return lastPendingID
	}
}

// updateAgentStatus moves a running agent to the given status and
// broadcasts the change. Terminal states set by the supervisor win.
func (s *Server) updateAgentStatus(agentID int64, status AgentStatus) {
	record, err := s.registry.Update(agentID, func(a *AgentRecord) {
		if a.Status == StatusRunning {
			a.Status = status
		}
	})
	if err != nil {
		return
	}
	s.publishStatus(record)
}

// publishStatus broadcasts an agent's current record.
func (s *Server) publishStatus(record *AgentRecord) {
	s.events.publish(protocol.Event{
		Event:   protocol.EventStatus,
		AgentID: record.AgentID,
		Payload: map[string]any{
			"status": string(record.Status),
			"phase":  string(record.Phase),
		},
	})
}
