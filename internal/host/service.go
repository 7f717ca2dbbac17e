package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// Service wraps a Backend with the retry policy and the push discipline.
// Sessions talk to the Service, never to a backend directly.
type Service struct {
	backend Backend
	store   *workspace.Store
	retry   *RetryConfig
	logger  *zap.Logger
}

// NewService creates a host service over a backend.
func NewService(backend Backend, store *workspace.Store, retryCfg *RetryConfig, logger *zap.Logger) (*Service, error) {
	if backend == nil {
		return nil, errors.New("host backend is required")
	}
	if store == nil {
		return nil, errors.New("workspace store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryCfg == nil {
		retryCfg = DefaultRetryConfig()
	}
	return &Service{
		backend: backend,
		store:   store,
		retry:   retryCfg,
		logger:  logger,
	}, nil
}

func (s *Service) CreateMilestone(ctx context.Context, title, description string) (*Milestone, error) {
	var m *Milestone
	err := retry(ctx, s.retry, s.logger, "create_milestone", func() error {
		var err error
		m, err = s.backend.CreateMilestone(ctx, title, description)
		return err
	})
	return m, err
}

func (s *Service) CreateIssue(ctx context.Context, milestoneID int, issue Issue) (*Issue, error) {
	var created *Issue
	err := retry(ctx, s.retry, s.logger, "create_issue", func() error {
		var err error
		created, err = s.backend.CreateIssue(ctx, milestoneID, issue)
		return err
	})
	return created, err
}

func (s *Service) UpdateIssue(ctx context.Context, iid int, update IssueUpdate) (*Issue, error) {
	var updated *Issue
	err := retry(ctx, s.retry, s.logger, "update_issue", func() error {
		var err error
		updated, err = s.backend.UpdateIssue(ctx, iid, update)
		return err
	})
	return updated, err
}

func (s *Service) AddNote(ctx context.Context, iid int, body string) error {
	return retry(ctx, s.retry, s.logger, "add_note", func() error {
		return s.backend.AddNote(ctx, iid, body)
	})
}

func (s *Service) CreateBranch(ctx context.Context, name, from string) error {
	return retry(ctx, s.retry, s.logger, "create_branch", func() error {
		return s.backend.CreateBranch(ctx, name, from)
	})
}

func (s *Service) BranchExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := retry(ctx, s.retry, s.logger, "branch_exists", func() error {
		var err error
		exists, err = s.backend.BranchExists(ctx, name)
		return err
	})
	return exists, err
}

// PushFiles pushes files to the code host after enforcing the session
// whitelist: every path must appear in the current SessionFiles and resolve
// inside the project root. A session can only publish what it touched.
func (s *Service) PushFiles(ctx context.Context, branch, commitMsg string, files []File) (*Commit, error) {
	milestone, err := s.store.LoadMilestone()
	if err != nil {
		return nil, fmt.Errorf("cannot push without milestone state: %w", err)
	}

	for _, f := range files {
		if err := validatePushPath(s.store.ProjectDir(), f.Path); err != nil {
			return nil, err
		}
		if !milestone.SessionFiles.Contains(f.Path) {
			return nil, fmt.Errorf("%w: %s", ErrUntrackedFile, f.Path)
		}
	}

	var commit *Commit
	err = retry(ctx, s.retry, s.logger, "push_files", func() error {
		var err error
		commit, err = s.backend.PushFiles(ctx, branch, commitMsg, files)
		return err
	})
	return commit, err
}

func (s *Service) ListCommits(ctx context.Context, branch string) ([]Commit, error) {
	var commits []Commit
	err := retry(ctx, s.retry, s.logger, "list_commits", func() error {
		var err error
		commits, err = s.backend.ListCommits(ctx, branch)
		return err
	})
	return commits, err
}

func (s *Service) CreateMergeRequest(ctx context.Context, mr MergeRequest) (*MergeRequest, error) {
	var created *MergeRequest
	err := retry(ctx, s.retry, s.logger, "create_merge_request", func() error {
		var err error
		created, err = s.backend.CreateMergeRequest(ctx, mr)
		return err
	})
	return created, err
}

func (s *Service) GetMergeRequest(ctx context.Context, iid int) (*MergeRequest, error) {
	var mr *MergeRequest
	err := retry(ctx, s.retry, s.logger, "get_merge_request", func() error {
		var err error
		mr, err = s.backend.GetMergeRequest(ctx, iid)
		return err
	})
	return mr, err
}

func (s *Service) ListMilestoneIssues(ctx context.Context, milestoneID int, filter IssueFilter) ([]Issue, error) {
	var issues []Issue
	err := retry(ctx, s.retry, s.logger, "list_milestone_issues", func() error {
		var err error
		issues, err = s.backend.ListMilestoneIssues(ctx, milestoneID, filter)
		return err
	})
	return issues, err
}

// validatePushPath rejects absolute paths and any relative path that
// escapes the project root.
func validatePushPath(projectDir, path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	resolved := filepath.Join(projectDir, cleaned)
	rel, err := filepath.Rel(projectDir, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	return nil
}
