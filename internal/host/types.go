package host

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Milestone is a host-side milestone reference.
type Milestone struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	WebURL      string `json:"web_url,omitempty"`
}

// Issue is a host-side issue reference.
type Issue struct {
	IID         int      `json:"iid"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	State       string   `json:"state"`
	WebURL      string   `json:"web_url,omitempty"`
}

// IssueUpdate carries the mutable issue fields. Nil pointers leave the
// field untouched.
type IssueUpdate struct {
	State  *string
	Title  *string
	Labels []string
}

// IssueFilter narrows ListMilestoneIssues.
type IssueFilter struct {
	State  string
	Labels []string
}

// MergeRequest is a host-side merge request reference.
type MergeRequest struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	State        string `json:"state,omitempty"`
	WebURL       string `json:"web_url,omitempty"`
}

// Commit identifies a commit created by or visible to the harness.
type Commit struct {
	SHA         string    `json:"sha"`
	Message     string    `json:"message"`
	CommittedAt time.Time `json:"committed_at"`
}

// File is one path/content pair for a push.
type File struct {
	Path    string
	Content []byte
}

// Backend is the raw host contract. Implementations do not retry; the
// Service wraps every call with the retry policy.
type Backend interface {
	CreateMilestone(ctx context.Context, title, description string) (*Milestone, error)
	CreateIssue(ctx context.Context, milestoneID int, issue Issue) (*Issue, error)
	UpdateIssue(ctx context.Context, iid int, update IssueUpdate) (*Issue, error)
	AddNote(ctx context.Context, iid int, body string) error
	CreateBranch(ctx context.Context, name, from string) error
	BranchExists(ctx context.Context, name string) (bool, error)
	PushFiles(ctx context.Context, branch, commitMsg string, files []File) (*Commit, error)
	ListCommits(ctx context.Context, branch string) ([]Commit, error)
	CreateMergeRequest(ctx context.Context, mr MergeRequest) (*MergeRequest, error)
	GetMergeRequest(ctx context.Context, iid int) (*MergeRequest, error)
	ListMilestoneIssues(ctx context.Context, milestoneID int, filter IssueFilter) ([]Issue, error)
}

// Sentinel errors for the host error contract.
var (
	// ErrAuth marks 401/403 responses. Fatal; never retried.
	ErrAuth = errors.New("host: authentication failed")

	// ErrRemoteNotFound marks 404 responses. Reported; never retried.
	ErrRemoteNotFound = errors.New("host: not found")

	// ErrUntrackedFile marks a push of a file outside the session
	// whitelist.
	ErrUntrackedFile = errors.New("host: file not tracked by current session")

	// ErrPathEscape marks a push path that escapes the project root.
	ErrPathEscape = errors.New("host: path escapes project root")
)

// transientError wraps an error that is safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// statusError converts an HTTP status into the error contract.
func statusError(status int, op string) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: %s returned %d", ErrAuth, op, status)
	case status == 404:
		return fmt.Errorf("%w: %s returned %d", ErrRemoteNotFound, op, status)
	case status == 429 || status >= 500:
		return Transient(fmt.Errorf("host: %s returned %d", op, status))
	default:
		return fmt.Errorf("host: %s returned %d", op, status)
	}
}
