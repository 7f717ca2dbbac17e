package host

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// GitHubBackend implements Backend over the GitHub REST API. Milestones and
// issues map directly; branches go through the git refs API; PushFiles uses
// the git data API (blobs, tree, commit, ref update); merge requests are
// pull requests.
type GitHubBackend struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubBackend creates an authenticated GitHub backend.
func NewGitHubBackend(ctx context.Context, cfg config.HostConfig) (*GitHubBackend, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("github token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)

	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base URL: %w", err)
		}
	}

	return &GitHubBackend{client: client, owner: cfg.Owner, repo: cfg.Repo}, nil
}

// wrapErr converts a go-github error into the host error contract.
func wrapErr(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.Response != nil {
		return statusError(resp.StatusCode, op)
	}
	// No HTTP response: network-level failure, safe to retry.
	return Transient(fmt.Errorf("host: %s: %w", op, err))
}

func (b *GitHubBackend) CreateMilestone(ctx context.Context, title, description string) (*Milestone, error) {
	m, resp, err := b.client.Issues.CreateMilestone(ctx, b.owner, b.repo, &github.Milestone{
		Title:       github.String(title),
		Description: github.String(description),
	})
	if err != nil {
		return nil, wrapErr("create_milestone", resp, err)
	}
	return &Milestone{
		ID:          m.GetNumber(),
		Title:       m.GetTitle(),
		Description: m.GetDescription(),
		WebURL:      m.GetHTMLURL(),
	}, nil
}

func (b *GitHubBackend) CreateIssue(ctx context.Context, milestoneID int, issue Issue) (*Issue, error) {
	req := &github.IssueRequest{
		Title:     github.String(issue.Title),
		Body:      github.String(issue.Description),
		Milestone: github.Int(milestoneID),
	}
	if len(issue.Labels) > 0 {
		req.Labels = &issue.Labels
	}
	created, resp, err := b.client.Issues.Create(ctx, b.owner, b.repo, req)
	if err != nil {
		return nil, wrapErr("create_issue", resp, err)
	}
	return githubIssue(created), nil
}

func (b *GitHubBackend) UpdateIssue(ctx context.Context, iid int, update IssueUpdate) (*Issue, error) {
	req := &github.IssueRequest{}
	if update.State != nil {
		// GitHub uses open/closed; the harness's in_progress maps to an
		// open issue. No label is added for it.
		state := *update.State
		if state == "in_progress" {
			state = "open"
		}
		req.State = github.String(state)
	}
	if update.Title != nil {
		req.Title = update.Title
	}
	if update.Labels != nil {
		req.Labels = &update.Labels
	}
	updated, resp, err := b.client.Issues.Edit(ctx, b.owner, b.repo, iid, req)
	if err != nil {
		return nil, wrapErr("update_issue", resp, err)
	}
	return githubIssue(updated), nil
}

func (b *GitHubBackend) AddNote(ctx context.Context, iid int, body string) error {
	_, resp, err := b.client.Issues.CreateComment(ctx, b.owner, b.repo, iid, &github.IssueComment{
		Body: github.String(body),
	})
	return wrapErr("add_note", resp, err)
}

func (b *GitHubBackend) CreateBranch(ctx context.Context, name, from string) error {
	baseRef, resp, err := b.client.Git.GetRef(ctx, b.owner, b.repo, "refs/heads/"+from)
	if err != nil {
		return wrapErr("create_branch", resp, err)
	}
	_, resp, err = b.client.Git.CreateRef(ctx, b.owner, b.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	return wrapErr("create_branch", resp, err)
}

func (b *GitHubBackend) BranchExists(ctx context.Context, name string) (bool, error) {
	_, resp, err := b.client.Git.GetRef(ctx, b.owner, b.repo, "refs/heads/"+name)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return false, nil
		}
		return false, wrapErr("branch_exists", resp, err)
	}
	return true, nil
}

// PushFiles creates one commit on branch containing exactly the given
// files, via the git data API.
func (b *GitHubBackend) PushFiles(ctx context.Context, branch, commitMsg string, files []File) (*Commit, error) {
	ref, resp, err := b.client.Git.GetRef(ctx, b.owner, b.repo, "refs/heads/"+branch)
	if err != nil {
		return nil, wrapErr("push_files", resp, err)
	}

	parent, resp, err := b.client.Git.GetCommit(ctx, b.owner, b.repo, *ref.Object.SHA)
	if err != nil {
		return nil, wrapErr("push_files", resp, err)
	}

	entries := make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, &github.TreeEntry{
			Path:    github.String(f.Path),
			Mode:    github.String("100644"),
			Type:    github.String("blob"),
			Content: github.String(string(f.Content)),
		})
	}

	tree, resp, err := b.client.Git.CreateTree(ctx, b.owner, b.repo, *parent.Tree.SHA, entries)
	if err != nil {
		return nil, wrapErr("push_files", resp, err)
	}

	commit, resp, err := b.client.Git.CreateCommit(ctx, b.owner, b.repo, &github.Commit{
		Message: github.String(commitMsg),
		Tree:    tree,
		Parents: []*github.Commit{{SHA: parent.SHA}},
	}, nil)
	if err != nil {
		return nil, wrapErr("push_files", resp, err)
	}

	ref.Object.SHA = commit.SHA
	_, resp, err = b.client.Git.UpdateRef(ctx, b.owner, b.repo, ref, false)
	if err != nil {
		return nil, wrapErr("push_files", resp, err)
	}

	return &Commit{
		SHA:         commit.GetSHA(),
		Message:     commitMsg,
		CommittedAt: commit.GetCommitter().GetDate().Time,
	}, nil
}

func (b *GitHubBackend) ListCommits(ctx context.Context, branch string) ([]Commit, error) {
	ghCommits, resp, err := b.client.Repositories.ListCommits(ctx, b.owner, b.repo, &github.CommitsListOptions{
		SHA: branch,
	})
	if err != nil {
		return nil, wrapErr("list_commits", resp, err)
	}
	commits := make([]Commit, 0, len(ghCommits))
	for _, c := range ghCommits {
		commits = append(commits, Commit{
			SHA:         c.GetSHA(),
			Message:     c.GetCommit().GetMessage(),
			CommittedAt: c.GetCommit().GetCommitter().GetDate().Time,
		})
	}
	return commits, nil
}

func (b *GitHubBackend) CreateMergeRequest(ctx context.Context, mr MergeRequest) (*MergeRequest, error) {
	pr, resp, err := b.client.PullRequests.Create(ctx, b.owner, b.repo, &github.NewPullRequest{
		Title: github.String(mr.Title),
		Body:  github.String(mr.Description),
		Head:  github.String(mr.SourceBranch),
		Base:  github.String(mr.TargetBranch),
	})
	if err != nil {
		return nil, wrapErr("create_merge_request", resp, err)
	}
	return githubMR(pr), nil
}

func (b *GitHubBackend) GetMergeRequest(ctx context.Context, iid int) (*MergeRequest, error) {
	pr, resp, err := b.client.PullRequests.Get(ctx, b.owner, b.repo, iid)
	if err != nil {
		return nil, wrapErr("get_merge_request", resp, err)
	}
	return githubMR(pr), nil
}

func (b *GitHubBackend) ListMilestoneIssues(ctx context.Context, milestoneID int, filter IssueFilter) ([]Issue, error) {
	opts := &github.IssueListByRepoOptions{
		Milestone: strconv.Itoa(milestoneID),
	}
	if filter.State != "" {
		opts.State = filter.State
	}
	if len(filter.Labels) > 0 {
		opts.Labels = filter.Labels
	}
	ghIssues, resp, err := b.client.Issues.ListByRepo(ctx, b.owner, b.repo, opts)
	if err != nil {
		return nil, wrapErr("list_milestone_issues", resp, err)
	}
	issues := make([]Issue, 0, len(ghIssues))
	for _, i := range ghIssues {
		if i.IsPullRequest() {
			continue
		}
		issues = append(issues, *githubIssue(i))
	}
	return issues, nil
}

func githubIssue(i *github.Issue) *Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.GetName())
	}
	return &Issue{
		IID:         i.GetNumber(),
		Title:       i.GetTitle(),
		Description: i.GetBody(),
		Labels:      labels,
		State:       strings.ToLower(i.GetState()),
		WebURL:      i.GetHTMLURL(),
	}
}

func githubMR(pr *github.PullRequest) *MergeRequest {
	return &MergeRequest{
		IID:          pr.GetNumber(),
		Title:        pr.GetTitle(),
		Description:  pr.GetBody(),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		State:        pr.GetState(),
		WebURL:       pr.GetHTMLURL(),
	}
}
