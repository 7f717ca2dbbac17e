package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// fileStateName is the workspace file holding file-only issue tracking.
const fileStateName = "host_state.json"

// FileBackend implements Backend without a remote host. Milestone, issue and
// merge-request state lives in a JSON file under the workspace; branch,
// commit and push operations run against the local git repository.
type FileBackend struct {
	store      *workspace.Store
	projectDir string
}

// NewFileBackend creates a file-only backend over the workspace store.
func NewFileBackend(store *workspace.Store) (*FileBackend, error) {
	if store == nil {
		return nil, errors.New("workspace store is required")
	}
	return &FileBackend{store: store, projectDir: store.ProjectDir()}, nil
}

// fileState is the persisted shape of the file-only tracker.
type fileState struct {
	Milestone     *Milestone          `json:"milestone,omitempty"`
	NextIssueIID  int                 `json:"next_issue_iid"`
	Issues        []Issue             `json:"issues"`
	Notes         map[string][]string `json:"notes,omitempty"`
	NextMRIID     int                 `json:"next_mr_iid"`
	MergeRequests []MergeRequest      `json:"merge_requests,omitempty"`
}

func (b *FileBackend) load() (*fileState, error) {
	state := &fileState{NextIssueIID: 1, NextMRIID: 1}
	err := b.store.ReadJSON(fileStateName, state)
	if err != nil && !errors.Is(err, workspace.ErrNotFound) {
		return nil, err
	}
	if state.Notes == nil {
		state.Notes = map[string][]string{}
	}
	return state, nil
}

func (b *FileBackend) save(state *fileState) error {
	return b.store.WriteJSON(fileStateName, state)
}

func (b *FileBackend) CreateMilestone(_ context.Context, title, description string) (*Milestone, error) {
	state, err := b.load()
	if err != nil {
		return nil, err
	}
	if state.Milestone != nil {
		return nil, fmt.Errorf("host: milestone already exists: %s", state.Milestone.Title)
	}
	state.Milestone = &Milestone{ID: 1, Title: title, Description: description}
	if err := b.save(state); err != nil {
		return nil, err
	}
	return state.Milestone, nil
}

func (b *FileBackend) CreateIssue(_ context.Context, milestoneID int, issue Issue) (*Issue, error) {
	state, err := b.load()
	if err != nil {
		return nil, err
	}
	if state.Milestone == nil || state.Milestone.ID != milestoneID {
		return nil, fmt.Errorf("%w: milestone %d", ErrRemoteNotFound, milestoneID)
	}
	issue.IID = state.NextIssueIID
	state.NextIssueIID++
	if issue.State == "" {
		issue.State = "open"
	}
	state.Issues = append(state.Issues, issue)
	if err := b.save(state); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (b *FileBackend) UpdateIssue(_ context.Context, iid int, update IssueUpdate) (*Issue, error) {
	state, err := b.load()
	if err != nil {
		return nil, err
	}
	for i := range state.Issues {
		if state.Issues[i].IID != iid {
			continue
		}
		if update.State != nil {
			state.Issues[i].State = *update.State
		}
		if update.Title != nil {
			state.Issues[i].Title = *update.Title
		}
		if update.Labels != nil {
			state.Issues[i].Labels = update.Labels
		}
		if err := b.save(state); err != nil {
			return nil, err
		}
		issue := state.Issues[i]
		return &issue, nil
	}
	return nil, fmt.Errorf("%w: issue %d", ErrRemoteNotFound, iid)
}

func (b *FileBackend) AddNote(_ context.Context, iid int, body string) error {
	state, err := b.load()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%d", iid)
	state.Notes[key] = append(state.Notes[key], body)
	return b.save(state)
}

func (b *FileBackend) CreateBranch(_ context.Context, name, from string) error {
	repo, err := git.PlainOpen(b.projectDir)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	var base plumbing.Hash
	if from == "" {
		head, err := repo.Head()
		if err != nil {
			return fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		base = head.Hash()
	} else {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(from), true)
		if err != nil {
			return fmt.Errorf("%w: branch %s", ErrRemoteNotFound, from)
		}
		base = ref.Hash()
	}

	branchRef := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), base)
	if err := repo.Storer.SetReference(branchRef); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

func (b *FileBackend) BranchExists(_ context.Context, name string) (bool, error) {
	repo, err := git.PlainOpen(b.projectDir)
	if err != nil {
		return false, fmt.Errorf("failed to open repository: %w", err)
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to resolve branch %s: %w", name, err)
	}
	return true, nil
}

// PushFiles stages exactly the given files and commits them on branch in
// the local repository. The session wrote the file contents already; the
// contents passed here are written through so the commit matches the push
// request byte-for-byte.
func (b *FileBackend) PushFiles(_ context.Context, branch, commitMsg string, files []File) (*Commit, error) {
	repo, err := git.PlainOpen(b.projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Keep:   true,
	}); err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", branch, err)
	}

	for _, f := range files {
		full := filepath.Join(b.projectDir, f.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(full, f.Content, 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		if _, err := wt.Add(f.Path); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", f.Path, err)
		}
	}

	now := time.Now()
	hash, err := wt.Commit(commitMsg, &git.CommitOptions{
		Author: &object.Signature{Name: "agentd", Email: "agentd@localhost", When: now},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &Commit{SHA: hash.String(), Message: commitMsg, CommittedAt: now}, nil
}

func (b *FileBackend) ListCommits(_ context.Context, branch string) ([]Commit, error) {
	repo, err := git.PlainOpen(b.projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("%w: branch %s", ErrRemoteNotFound, branch)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, Commit{
			SHA:         c.Hash.String(),
			Message:     c.Message,
			CommittedAt: c.Committer.When,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate log: %w", err)
	}
	return commits, nil
}

func (b *FileBackend) CreateMergeRequest(_ context.Context, mr MergeRequest) (*MergeRequest, error) {
	state, err := b.load()
	if err != nil {
		return nil, err
	}
	mr.IID = state.NextMRIID
	state.NextMRIID++
	mr.State = "opened"
	state.MergeRequests = append(state.MergeRequests, mr)
	if err := b.save(state); err != nil {
		return nil, err
	}
	return &mr, nil
}

func (b *FileBackend) GetMergeRequest(_ context.Context, iid int) (*MergeRequest, error) {
	state, err := b.load()
	if err != nil {
		return nil, err
	}
	for i := range state.MergeRequests {
		if state.MergeRequests[i].IID == iid {
			mr := state.MergeRequests[i]
			return &mr, nil
		}
	}
	return nil, fmt.Errorf("%w: merge request %d", ErrRemoteNotFound, iid)
}

func (b *FileBackend) ListMilestoneIssues(_ context.Context, milestoneID int, filter IssueFilter) ([]Issue, error) {
	state, err := b.load()
	if err != nil {
		return nil, err
	}
	if state.Milestone == nil || state.Milestone.ID != milestoneID {
		return nil, fmt.Errorf("%w: milestone %d", ErrRemoteNotFound, milestoneID)
	}

	var issues []Issue
	for _, issue := range state.Issues {
		if filter.State != "" && issue.State != filter.State {
			continue
		}
		if !hasAllLabels(issue.Labels, filter.Labels) {
			continue
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

func hasAllLabels(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
