package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// Phase is the agent's coarse position in its life.
type Phase string

const (
	// PhaseInitializer creates the milestone, issues and feature branch.
	PhaseInitializer Phase = "initializer"

	// PhaseCoding works through milestone issues.
	PhaseCoding Phase = "coding"

	// PhaseMR creates the merge request.
	PhaseMR Phase = "mr"

	// PhaseDone is terminal.
	PhaseDone Phase = "done"
)

// DeterminePhase derives the current phase from workspace state and the
// checkpoint log. Every session re-derives it fresh; nothing is inherited
// from a previous session.
//
// The coding loop hands over to the MR phase only when all issues are
// closed and the mr_phase_transition checkpoint is approved and completed.
// The run is done once a merge request is verified to exist (or MR creation
// was skipped by mode flag).
func (o *Orchestrator) DeterminePhase(ctx context.Context, info *workspace.WorkspaceInfo) (Phase, error) {
	m, err := o.store.LoadMilestone()
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return PhaseInitializer, nil
		}
		// Schema errors are fatal; never silently fall back.
		return "", err
	}
	if !m.Initialized {
		return PhaseInitializer, nil
	}

	if !m.AllIssuesClosed {
		return PhaseCoding, nil
	}

	approved, err := o.checkpoints.KindApprovedAndCompleted(ctx, checkpoint.KindMRPhaseTransition)
	if err != nil {
		return "", err
	}
	if !approved {
		return PhaseCoding, nil
	}

	if info.Modes.SkipMRCreation {
		return PhaseDone, nil
	}

	if m.MergeRequestIID != 0 {
		mr, err := o.host.GetMergeRequest(ctx, m.MergeRequestIID)
		if err != nil {
			return "", fmt.Errorf("failed to verify merge request %d: %w", m.MergeRequestIID, err)
		}
		if mr != nil {
			return PhaseDone, nil
		}
	}

	return PhaseMR, nil
}
