package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// registryFileName is the daemon-scoped persistence file.
const registryFileName = "registry.json"

// ErrAgentNotFound indicates an unknown agent id.
var ErrAgentNotFound = errors.New("daemon: agent not found")

// ErrAgentRunning indicates the operation needs a stopped agent.
var ErrAgentRunning = errors.New("daemon: agent is running")

// ErrRunConflict indicates a running agent already owns the spec run.
var ErrRunConflict = errors.New("daemon: a running agent already exists for this spec run")

// Registry owns all AgentRecords. Every mutation rewrites the registry file
// atomically, so a daemon crash never loses or corrupts the record set.
type Registry struct {
	mu     sync.Mutex
	path   string
	nextID int64
	agents map[int64]*AgentRecord
	logger *zap.Logger
}

// registryFile is the persisted shape.
type registryFile struct {
	NextID int64          `json:"next_id"`
	Agents []*AgentRecord `json:"agents"`
}

// LoadRegistry reads the registry from dataDir, creating an empty one if
// absent. Agents whose recorded pid is no longer alive are moved to a
// terminal status: a process that vanished mid-run failed with the daemon,
// a waiting agent simply has no process to lose.
func LoadRegistry(dataDir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	r := &Registry{
		path:   filepath.Join(dataDir, registryFileName),
		nextID: 1,
		agents: map[int64]*AgentRecord{},
		logger: logger,
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var persisted registryFile
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("registry file corrupt: %w", err)
	}

	r.nextID = persisted.NextID
	if r.nextID < 1 {
		r.nextID = 1
	}
	reaped := 0
	for _, record := range persisted.Agents {
		if record.Status == StatusRunning && !pidAlive(record.PID) {
			record.Status = StatusStopped
			record.PID = 0
			record.LastEventAt = time.Now().UTC()
			reaped++
		}
		r.agents[record.AgentID] = record
	}
	if len(r.agents) > 0 {
		logger.Info("restored agent registry",
			zap.Int("agents", len(r.agents)),
			zap.Int("reaped", reaped),
		)
	}
	if reaped > 0 {
		if err := r.save(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// pidAlive reports whether a process with the pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// save persists the registry atomically. Callers hold r.mu.
func (r *Registry) save() error {
	records := make([]*AgentRecord, 0, len(r.agents))
	for _, a := range r.agents {
		records = append(records, a)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })

	data, err := json.MarshalIndent(registryFile{NextID: r.nextID, Agents: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-")
	if err != nil {
		return fmt.Errorf("failed to create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}

// List returns all records ordered by agent id.
func (r *Registry) List() []*AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*AgentRecord, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Get returns one record.
func (r *Registry) Get(id int64) (*AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrAgentNotFound, id)
	}
	return a.Clone(), nil
}

// Create registers a new agent and assigns the next monotonic id. A running
// agent on the same (project_dir, spec_slug, spec_hash) is a conflict.
func (r *Registry) Create(record *AgentRecord) (*AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.agents {
		if existing.Running() &&
			existing.ProjectDir == record.ProjectDir &&
			existing.SpecSlug == record.SpecSlug &&
			existing.SpecHash == record.SpecHash {
			return nil, fmt.Errorf("%w: agent %d", ErrRunConflict, existing.AgentID)
		}
	}

	record.AgentID = r.nextID
	r.nextID++
	record.LastEventAt = time.Now().UTC()
	if record.Status == "" {
		record.Status = StatusIdle
	}
	r.agents[record.AgentID] = record

	if err := r.save(); err != nil {
		delete(r.agents, record.AgentID)
		return nil, err
	}
	return record.Clone(), nil
}

// Update mutates one record under the registry lock and persists the
// change.
func (r *Registry) Update(id int64, mutate func(*AgentRecord)) (*AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrAgentNotFound, id)
	}
	mutate(a)
	a.LastEventAt = time.Now().UTC()

	if err := r.save(); err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// CheckRunConflict reports whether a running agent owns the spec run.
func (r *Registry) CheckRunConflict(projectDir, slug, hash string, excludeID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.agents {
		if existing.AgentID == excludeID {
			continue
		}
		if existing.Running() &&
			existing.ProjectDir == projectDir &&
			existing.SpecSlug == slug &&
			existing.SpecHash == hash {
			return fmt.Errorf("%w: agent %d", ErrRunConflict, existing.AgentID)
		}
	}
	return nil
}

// Remove deletes a record. Running agents must be stopped first.
func (r *Registry) Remove(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrAgentNotFound, id)
	}
	if a.Running() {
		return fmt.Errorf("%w: %d", ErrAgentRunning, id)
	}
	delete(r.agents, id)
	return r.save()
}
