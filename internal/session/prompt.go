package session

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/agentd/internal/runner"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var promptTemplates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// promptData is the payload handed to phase templates.
type promptData struct {
	SpecSlug      string
	SpecHash      string
	WorkspaceDir  string
	FeatureBranch string
	TargetBranch  string
	Modes         workspace.ModeFlags
	EventPrefix   string

	Milestone    *workspace.Milestone
	ClaimedIssue *workspace.Issue
	OpenIssues   []int
}

// renderPrompt builds the session prompt for a phase from the embedded
// templates. The templates carry the working contract: where state lives,
// how to report events, and where the checkpoints are.
func renderPrompt(phase Phase, info *workspace.WorkspaceInfo, store *workspace.Store, m *workspace.Milestone, claimed *workspace.Issue) (string, error) {
	data := promptData{
		SpecSlug:      info.SpecSlug,
		SpecHash:      info.SpecHash,
		WorkspaceDir:  store.Dir(),
		FeatureBranch: info.FeatureBranch,
		TargetBranch:  info.TargetBranch,
		Modes:         info.Modes,
		EventPrefix:   strings.TrimSpace(runner.EventPrefix),
		Milestone:     m,
		ClaimedIssue:  claimed,
	}
	if m != nil {
		data.OpenIssues = m.OpenIssues()
	}

	name := string(phase) + ".tmpl"
	var sb strings.Builder
	if err := promptTemplates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", phase, err)
	}
	return sb.String(), nil
}
