package workspace

import (
	"fmt"
	"time"
)

// ModeFlags toggles optional behaviors for a spec run.
type ModeFlags struct {
	// FileOnly keeps issue tracking in local JSON files instead of the
	// remote host. Push operations still go through the host.
	FileOnly bool `json:"file_only_mode"`

	// SkipMRCreation ends the run after the coding phase.
	SkipMRCreation bool `json:"skip_mr_creation"`

	// SkipPuppeteer disables browser-automation verification.
	SkipPuppeteer bool `json:"skip_puppeteer"`

	// SkipTestSuite disables the full test-suite verification step.
	SkipTestSuite bool `json:"skip_test_suite"`

	// SkipRegressionTesting disables regression sweeps over closed issues.
	SkipRegressionTesting bool `json:"skip_regression_testing"`
}

// WorkspaceInfo is the per-run configuration written once at start and read
// by every subsequent session.
type WorkspaceInfo struct {
	SpecSlug      string    `json:"spec_slug"`
	SpecHash      string    `json:"spec_hash"`
	SpecName      string    `json:"spec_name,omitempty"`
	FeatureBranch string    `json:"feature_branch"`
	TargetBranch  string    `json:"target_branch"`
	AutoAccept    bool      `json:"auto_accept"`
	Modes         ModeFlags `json:"modes"`

	// MaxIterations caps sessions for this run. Zero means unlimited.
	MaxIterations int `json:"max_iterations,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ValidateSchema checks the required fields. Missing required fields are a
// schema error, never silently defaulted.
func (w *WorkspaceInfo) ValidateSchema() error {
	if w.SpecSlug == "" {
		return fmt.Errorf("missing required field: spec_slug")
	}
	if w.SpecHash == "" {
		return fmt.Errorf("missing required field: spec_hash")
	}
	if w.FeatureBranch == "" {
		return fmt.Errorf("missing required field: feature_branch")
	}
	if w.TargetBranch == "" {
		return fmt.Errorf("missing required field: target_branch")
	}
	return nil
}

// IssueState tags an issue's lifecycle position.
type IssueState string

const (
	IssueOpen       IssueState = "open"
	IssueInProgress IssueState = "in_progress"
	IssueClosed     IssueState = "closed"
)

// Issue is a unit of implementation work. The core owns only the reference
// and the state transitions it observes; issue contents belong to the host.
type Issue struct {
	IID         int            `json:"iid"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Labels      []string       `json:"labels,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	State       IssueState     `json:"state"`
	Enrichment  map[string]any `json:"enrichment,omitempty"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
}

// SessionFiles records the files the current session's subprocess has
// modified. Only tracked files may be pushed to the code host; the record is
// reset at the start of every session.
type SessionFiles struct {
	Tracked        []string  `json:"tracked"`
	SessionStarted time.Time `json:"session_started"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Reset clears the whitelist for a fresh session.
func (f *SessionFiles) Reset(now time.Time) {
	f.Tracked = nil
	f.SessionStarted = now
	f.LastUpdated = now
}

// Track appends a path to the whitelist, preserving order and deduplicating.
func (f *SessionFiles) Track(path string, now time.Time) {
	for _, p := range f.Tracked {
		if p == path {
			return
		}
	}
	f.Tracked = append(f.Tracked, path)
	f.LastUpdated = now
}

// Contains reports whether path is in the whitelist.
func (f *SessionFiles) Contains(path string) bool {
	for _, p := range f.Tracked {
		if p == path {
			return true
		}
	}
	return false
}

// Milestone is the unit of grouped work for one spec run. Created once by
// the initializer phase and mutated by subsequent phases.
type Milestone struct {
	Initialized     bool      `json:"initialized"`
	ProjectID       string    `json:"project_id,omitempty"`
	MilestoneID     int       `json:"milestone_id"`
	Title           string    `json:"title"`
	FeatureBranch   string    `json:"feature_branch"`
	Issues          []Issue   `json:"issues"`
	TotalIssues     int       `json:"total_issues"`
	AllIssuesClosed bool      `json:"all_issues_closed"`

	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	MergeRequestIID int        `json:"merge_request_iid,omitempty"`
	MergeRequestURL string     `json:"merge_request_url,omitempty"`

	SessionFiles SessionFiles `json:"session_files"`
}

// ValidateSchema checks milestone identity before the MR phase may run.
func (m *Milestone) ValidateSchema() error {
	if !m.Initialized {
		return fmt.Errorf("missing required field: initialized")
	}
	if m.MilestoneID == 0 {
		return fmt.Errorf("missing required field: milestone_id")
	}
	if m.FeatureBranch == "" {
		return fmt.Errorf("missing required field: feature_branch")
	}
	return nil
}

// Issue returns the issue with the given iid, or nil.
func (m *Milestone) Issue(iid int) *Issue {
	for i := range m.Issues {
		if m.Issues[i].IID == iid {
			return &m.Issues[i]
		}
	}
	return nil
}

// OpenIssues returns the iids of issues not yet closed, in order.
func (m *Milestone) OpenIssues() []int {
	var open []int
	for i := range m.Issues {
		if m.Issues[i].State != IssueClosed {
			open = append(open, m.Issues[i].IID)
		}
	}
	return open
}

// RecomputeAllClosed refreshes the all_issues_closed flag from issue states.
func (m *Milestone) RecomputeAllClosed() {
	if len(m.Issues) == 0 {
		m.AllIssuesClosed = false
		return
	}
	for i := range m.Issues {
		if m.Issues[i].State != IssueClosed {
			m.AllIssuesClosed = false
			return
		}
	}
	m.AllIssuesClosed = true
}
