package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const (
	// StateDirName is the directory under the project root that holds all
	// agentd state for every spec run.
	StateDirName = ".agentd"

	// WorkspaceInfoFile holds the per-run WorkspaceInfo.
	WorkspaceInfoFile = "workspace_info.json"

	// MilestoneFile holds the Milestone state.
	MilestoneFile = "milestone.json"

	// CheckpointLogFile holds the checkpoint log.
	CheckpointLogFile = "checkpoint_log.json"

	// SpecFile is the verbatim copy of the input spec.
	SpecFile = "app_spec"

	logsDirName = "logs"
)

// ErrNotFound indicates the requested workspace file does not exist.
var ErrNotFound = errors.New("workspace: not found")

// SchemaError indicates a workspace file is corrupt or missing a required
// field. It is fatal for the session; the store never auto-repairs.
type SchemaError struct {
	File   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("workspace: schema error in %s: %s", e.File, e.Reason)
}

var (
	slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	hashPattern = regexp.MustCompile(`^[a-f0-9]{5}$`)
)

// ValidateSlug checks the spec slug format: lowercase letters, digits and
// hyphens with no leading or trailing hyphen.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid spec_slug %q (want lowercase alphanumerics and hyphens)", slug)
	}
	return nil
}

// ValidateHash checks the spec hash format: exactly 5 lowercase hex chars.
func ValidateHash(hash string) error {
	if !hashPattern.MatchString(hash) {
		return fmt.Errorf("invalid spec_hash %q (want 5 lowercase hex characters)", hash)
	}
	return nil
}

// Store provides access to one spec run's durable state.
type Store struct {
	projectDir string
	specSlug   string
	specHash   string
	dir        string
}

// NewStore opens the store for a spec run. The workspace directory is not
// required to exist yet; writes create it.
func NewStore(projectDir, specSlug, specHash string) (*Store, error) {
	if err := ValidateSlug(specSlug); err != nil {
		return nil, err
	}
	if err := ValidateHash(specHash); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project dir: %w", err)
	}
	return &Store{
		projectDir: abs,
		specSlug:   specSlug,
		specHash:   specHash,
		dir:        filepath.Join(abs, StateDirName, specSlug+"-"+specHash),
	}, nil
}

// Dir returns the workspace directory for this spec run.
func (s *Store) Dir() string { return s.dir }

// ProjectDir returns the project root this run operates on.
func (s *Store) ProjectDir() string { return s.projectDir }

// SpecSlug returns the run's slug.
func (s *Store) SpecSlug() string { return s.specSlug }

// SpecHash returns the run's hash.
func (s *Store) SpecHash() string { return s.specHash }

// Read returns the raw contents of a workspace file.
func (s *Store) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// WriteAtomic writes a workspace file atomically: the data lands in a temp
// file in the same directory, is fsynced, then renamed over the target.
// Readers observe either the previous version or the new one, never a
// partial write.
func (s *Store) WriteAtomic(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace dir: %w", err)
	}

	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name+"-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// schemaValidator is implemented by types with required-field checks.
type schemaValidator interface {
	ValidateSchema() error
}

// ReadJSON reads and unmarshals a workspace JSON file into v. Corrupt JSON
// or a failed required-field check surfaces as a *SchemaError.
func (s *Store) ReadJSON(name string, v any) error {
	data, err := s.Read(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &SchemaError{File: name, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if sv, ok := v.(schemaValidator); ok {
		if err := sv.ValidateSchema(); err != nil {
			return &SchemaError{File: name, Reason: err.Error()}
		}
	}
	return nil
}

// WriteJSON marshals v and writes it atomically. Types with required-field
// checks are validated before the write so a bad value never lands on disk.
func (s *Store) WriteJSON(name string, v any) error {
	if sv, ok := v.(schemaValidator); ok {
		if err := sv.ValidateSchema(); err != nil {
			return &SchemaError{File: name, Reason: err.Error()}
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return s.WriteAtomic(name, append(data, '\n'))
}

// LoadWorkspaceInfo reads and validates the run configuration.
func (s *Store) LoadWorkspaceInfo() (*WorkspaceInfo, error) {
	var info WorkspaceInfo
	if err := s.ReadJSON(WorkspaceInfoFile, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveWorkspaceInfo persists the run configuration.
func (s *Store) SaveWorkspaceInfo(info *WorkspaceInfo) error {
	return s.WriteJSON(WorkspaceInfoFile, info)
}

// LoadMilestone reads and validates the milestone state.
func (s *Store) LoadMilestone() (*Milestone, error) {
	var m Milestone
	if err := s.ReadJSON(MilestoneFile, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveMilestone persists the milestone state.
func (s *Store) SaveMilestone(m *Milestone) error {
	return s.WriteJSON(MilestoneFile, m)
}

// MilestoneInitialized reports whether the initializer has created the
// milestone. A missing or invalid milestone file reads as false.
func (s *Store) MilestoneInitialized() bool {
	m, err := s.LoadMilestone()
	return err == nil && m.Initialized
}

// CheckpointLogPath returns the absolute path of the checkpoint log, for
// watchers that need the path rather than the contents.
func (s *Store) CheckpointLogPath() string {
	return filepath.Join(s.dir, CheckpointLogFile)
}

// SessionLog is an append-only per-session log file.
type SessionLog struct {
	f    *os.File
	path string
}

// NewSessionLog creates a fresh log file for one agent session under the
// workspace logs directory, named <agent_id>-<timestamp>.log.
func (s *Store) NewSessionLog(agentID string, now time.Time) (*SessionLog, error) {
	dir := filepath.Join(s.dir, logsDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", agentID, now.UTC().Format("20060102-150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	return &SessionLog{f: f, path: path}, nil
}

// Path returns the log file path for clients that tail it.
func (l *SessionLog) Path() string { return l.path }

// File exposes the underlying handle for direct subprocess redirection.
func (l *SessionLog) File() *os.File { return l.f }

// Append writes one timestamped line.
func (l *SessionLog) Append(line string) error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	if _, err := fmt.Fprintf(l.f, "%s %s\n", stamp, line); err != nil {
		return fmt.Errorf("failed to append to session log: %w", err)
	}
	return nil
}

// AppendRaw writes bytes without timestamping, for subprocess output that is
// streamed through verbatim.
func (l *SessionLog) AppendRaw(data []byte) error {
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("failed to append to session log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *SessionLog) Close() error {
	return l.f.Close()
}

// Tail returns up to limit bytes from the end of a log file, used for
// failure diagnostics.
func Tail(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat log: %w", err)
	}

	offset := int64(0)
	if info.Size() > limit {
		offset = info.Size() - limit
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return "", fmt.Errorf("failed to read log tail: %w", err)
	}
	return string(buf), nil
}
