package checkpoint

import (
	"time"
)

// Kind identifies the decision a checkpoint gates.
type Kind string

const (
	// KindProjectVerification confirms the target project and milestone
	// title before the initializer creates anything.
	KindProjectVerification Kind = "project_verification"

	// KindSpecToIssues reviews the proposed issue breakdown before issues
	// are created.
	KindSpecToIssues Kind = "spec_to_issues"

	// KindIssueEnrichment reviews per-issue LLM judgments and the
	// recommended enrichment order.
	KindIssueEnrichment Kind = "issue_enrichment"

	// KindIssueSelection approves which issue the session claims next.
	KindIssueSelection Kind = "issue_selection"

	// KindIssueClosure requires human sign-off before an issue closes.
	KindIssueClosure Kind = "issue_closure"

	// KindRegressionApproval decides how a detected regression is handled.
	KindRegressionApproval Kind = "regression_approval"

	// KindMRPhaseTransition gates the move from the coding loop to MR
	// creation.
	KindMRPhaseTransition Kind = "mr_phase_transition"

	// KindMRReview approves the MR title and description before creation.
	KindMRReview Kind = "mr_review"
)

// Status is the resolution state of a checkpoint.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusModified Status = "modified"
	StatusRejected Status = "rejected"
)

// GlobalScope is the scope key for checkpoints not tied to a single issue.
const GlobalScope = "global"

// MaxProposedIssues is the soft cap on a spec_to_issues breakdown. Larger
// breakdowns are allowed but flagged in the checkpoint context so the
// reviewer sees the overrun.
const MaxProposedIssues = 12

// RegressionDecisions are the valid human_decision values for a
// regression_approval checkpoint.
var RegressionDecisions = []string{"fix_now", "defer", "rollback", "false_positive"}

// Checkpoint is a durable record of a pending or resolved decision gate.
type Checkpoint struct {
	// ID is the opaque unique identifier.
	ID string `json:"checkpoint_id"`

	// Kind selects the decision type and its continuation semantics.
	Kind Kind `json:"kind"`

	// Scope is "global" or an issue iid rendered as a string.
	Scope string `json:"scope"`

	// Status is the resolution state.
	Status Status `json:"status"`

	// Context is the kind-specific payload a client needs to render the
	// decision.
	Context map[string]any `json:"context,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// HumanDecision carries a kind-specific decision keyword (only
	// regression_approval uses it today).
	HumanDecision string `json:"human_decision,omitempty"`

	// HumanNotes is free text from the approver.
	HumanNotes string `json:"human_notes,omitempty"`

	// Modifications is the structured override applied with a modified
	// verdict (or an auto-verdict).
	Modifications map[string]any `json:"modifications,omitempty"`

	// Completed is set only after the agent has acted on the verdict. The
	// log therefore distinguishes "human decided" from "agent acted".
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsPending reports whether the checkpoint still awaits a human verdict.
func (c *Checkpoint) IsPending() bool {
	return c.Status == StatusPending && !c.Completed
}

// Resolved reports whether a verdict has been recorded.
func (c *Checkpoint) Resolved() bool {
	return c.Status != StatusPending
}

// Log maps a scope to its ordered checkpoint history. Entries are
// append-only and never removed.
type Log map[string][]*Checkpoint

// Append adds a checkpoint under its scope.
func (l Log) Append(c *Checkpoint) {
	l[c.Scope] = append(l[c.Scope], c)
}

// Find returns the checkpoint with the given id, or nil.
func (l Log) Find(id string) *Checkpoint {
	for _, entries := range l {
		for _, c := range entries {
			if c.ID == id {
				return c
			}
		}
	}
	return nil
}

// Newest returns the most recent checkpoint matching the filter, or nil.
func (l Log) Newest(match func(*Checkpoint) bool) *Checkpoint {
	var newest *Checkpoint
	for _, entries := range l {
		for _, c := range entries {
			if !match(c) {
				continue
			}
			if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
				newest = c
			}
		}
	}
	return newest
}

// Verdict is a human (or auto-accept) resolution for a pending checkpoint.
type Verdict struct {
	Status        Status
	Decision      string
	Notes         string
	Modifications map[string]any
}

// RejectionPolicy names what a rejection means for the session, explicit
// per kind rather than inferred.
type RejectionPolicy string

const (
	// RejectHalt stops the run entirely.
	RejectHalt RejectionPolicy = "halt"

	// RejectEndSession ends the current session; a later session may try
	// again.
	RejectEndSession RejectionPolicy = "end_session"

	// RejectRetry requires the agent to address the notes and create a
	// fresh checkpoint of the same kind.
	RejectRetry RejectionPolicy = "retry"

	// RejectProceed skips the gated step but continues the run.
	RejectProceed RejectionPolicy = "proceed"
)

// KindSpec describes one checkpoint kind: its scope rule, what rejection
// means, and the verdict auto-accept mode applies. New kinds are added by
// registering a new spec, not by modifying existing ones.
type KindSpec struct {
	Kind Kind

	// IssueScoped means the scope must be an issue iid; otherwise the
	// scope must be "global".
	IssueScoped bool

	Rejection RejectionPolicy

	// AutoVerdict computes the auto-accept resolution from the pending
	// checkpoint.
	AutoVerdict func(c *Checkpoint) Verdict
}

var kindRegistry = map[Kind]KindSpec{}

// RegisterKind adds a kind to the registry. Registering an existing kind
// panics: kinds are extended, never redefined.
func RegisterKind(spec KindSpec) {
	if _, exists := kindRegistry[spec.Kind]; exists {
		panic("checkpoint: kind already registered: " + string(spec.Kind))
	}
	kindRegistry[spec.Kind] = spec
}

// SpecFor returns the registered spec for a kind.
func SpecFor(kind Kind) (KindSpec, bool) {
	spec, ok := kindRegistry[kind]
	return spec, ok
}

func approvedVerdict(notes string) Verdict {
	return Verdict{Status: StatusApproved, Notes: notes}
}

func init() {
	RegisterKind(KindSpec{
		Kind:      KindProjectVerification,
		Rejection: RejectHalt,
		AutoVerdict: func(*Checkpoint) Verdict {
			return approvedVerdict("auto-approved")
		},
	})
	RegisterKind(KindSpec{
		Kind:      KindSpecToIssues,
		Rejection: RejectHalt,
		AutoVerdict: func(*Checkpoint) Verdict {
			return approvedVerdict("auto-approved")
		},
	})
	RegisterKind(KindSpec{
		Kind:      KindIssueEnrichment,
		Rejection: RejectProceed,
		AutoVerdict: func(c *Checkpoint) Verdict {
			v := approvedVerdict("auto-approved with LLM-recommended enrichment")
			mods := map[string]any{}
			if order, ok := c.Context["recommended_enrichment_order"]; ok {
				mods["enrichment_order"] = order
			}
			if iids := recommendedEnrichmentIIDs(c.Context); len(iids) > 0 {
				mods["selected_issue_iids"] = iids
			}
			if len(mods) > 0 {
				v.Modifications = mods
			}
			return v
		},
	})
	RegisterKind(KindSpec{
		Kind:      KindIssueSelection,
		Rejection: RejectEndSession,
		AutoVerdict: func(c *Checkpoint) Verdict {
			v := approvedVerdict("auto-approved with recommended issue order")
			if order, ok := c.Context["recommended_issue_order"]; ok {
				v.Modifications = map[string]any{"issue_order": order}
			}
			return v
		},
	})
	RegisterKind(KindSpec{
		Kind:        KindIssueClosure,
		IssueScoped: true,
		Rejection:   RejectRetry,
		AutoVerdict: func(*Checkpoint) Verdict {
			return approvedVerdict("auto-approved")
		},
	})
	RegisterKind(KindSpec{
		Kind:      KindRegressionApproval,
		Rejection: RejectEndSession,
		AutoVerdict: func(*Checkpoint) Verdict {
			return Verdict{
				Status:   StatusApproved,
				Decision: "fix_now",
				Notes:    "auto-approved with fix_now",
			}
		},
	})
	RegisterKind(KindSpec{
		Kind:      KindMRPhaseTransition,
		Rejection: RejectEndSession,
		AutoVerdict: func(*Checkpoint) Verdict {
			return approvedVerdict("auto-approved")
		},
	})
	RegisterKind(KindSpec{
		Kind:      KindMRReview,
		Rejection: RejectRetry,
		AutoVerdict: func(*Checkpoint) Verdict {
			return approvedVerdict("auto-approved")
		},
	})
}

// recommendedEnrichmentIIDs extracts the iids the LLM flagged as
// needs_enrichment from the issue_enrichment context payload.
func recommendedEnrichmentIIDs(context map[string]any) []any {
	issues, ok := context["all_issues_with_judgments"].([]any)
	if !ok {
		return nil
	}
	var iids []any
	for _, raw := range issues {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		judgment, ok := entry["llm_judgment"].(map[string]any)
		if !ok || judgment["decision"] != "needs_enrichment" {
			continue
		}
		if iid, ok := entry["issue_iid"]; ok && iid != nil {
			iids = append(iids, iid)
		}
	}
	return iids
}
