package model

import "time"

// Actor classifies who made a decision.
type Actor string

const (
	ActorAutomated Actor = "automated"
	ActorHuman     Actor = "human"
	ActorSystem    Actor = "system"
)

// DecisionType names the kind of event recorded in the decision log.
type DecisionType string

const (
	DecisionRunStarted        DecisionType = "run.started"
	DecisionTransition        DecisionType = "step.transition"
	DecisionSignalComputed    DecisionType = "signal.computed"
	DecisionRouteSelected     DecisionType = "route.selected"
	DecisionPivotApplied      DecisionType = "pivot.applied"
	DecisionApprovalRequested DecisionType = "approval.requested"
	DecisionAutoApproved      DecisionType = "approval.auto_approved"
	DecisionApprovalResolved  DecisionType = "approval.resolved"
	DecisionApprovalCancelled DecisionType = "approval.cancelled"
	DecisionApprovalEscalated DecisionType = "approval.escalated"
	DecisionBudgetChecked     DecisionType = "budget.checked"
	DecisionGovernanceVeto    DecisionType = "governance.veto"
	DecisionGovernanceIssue   DecisionType = "governance.issue"
	DecisionCapabilityFailed  DecisionType = "capability.failed"
)

// DecisionLogEntry is an immutable audit record. Entries that commit a new
// state version carry the full state as of that version.
type DecisionLogEntry struct {
	Seq          int64            `json:"seq"`
	RunID        string           `json:"run_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Actor        Actor            `json:"actor"`
	ActorID      string           `json:"actor_id,omitempty"`
	Type         DecisionType     `json:"type"`
	Step         Step             `json:"step,omitempty"`
	Inputs       map[string]any   `json:"inputs,omitempty"`
	Outcome      string           `json:"outcome"`
	Tags         []string         `json:"tags,omitempty"`
	StateVersion int64            `json:"state_version"`
	StateAfter   *ValidationState `json:"state_after,omitempty"`
}
