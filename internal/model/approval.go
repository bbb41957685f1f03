package model

import "time"

// ApprovalStatus is the human-approval field carried on ValidationState.
type ApprovalStatus string

const (
	ApprovalNotRequired ApprovalStatus = "not_required"
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
	ApprovalOverridden  ApprovalStatus = "overridden"
)

// ApprovalType identifies why an approval request was opened.
type ApprovalType string

const (
	ApprovalCreativeReview    ApprovalType = "creative_review"
	ApprovalStrategicPivot    ApprovalType = "strategic_pivot"
	ApprovalSpendIncrease     ApprovalType = "spend_increase"
	ApprovalGovernanceVeto    ApprovalType = "governance_veto"
	ApprovalLoopEscalation    ApprovalType = "loop_escalation"
	ApprovalCapabilityFailure ApprovalType = "capability_failure"
)

// AllApprovalTypes lists every approval type.
func AllApprovalTypes() []ApprovalType {
	return []ApprovalType{
		ApprovalCreativeReview, ApprovalStrategicPivot, ApprovalSpendIncrease,
		ApprovalGovernanceVeto, ApprovalLoopEscalation, ApprovalCapabilityFailure,
	}
}

// RequestStatus is the lifecycle of an ApprovalRequest.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestResolved  RequestStatus = "resolved"
	RequestCancelled RequestStatus = "cancelled"
)

// Decision is the verb a resolver applies to a request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
)

// Valid reports whether d is one of approve, reject, modify.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionModify
}

// Options offered on strategic pivot and escalation requests.
const (
	OptionPricePivot = "price_pivot"
	OptionCostPivot  = "cost_pivot"
	OptionKill       = "kill"
	OptionContinue   = "continue"
	OptionRetry      = "retry"
	OptionOverride   = "override"
	OptionIncrease   = "increase_budget"
)

// Resolution records how a request was closed.
type Resolution struct {
	Decision      Decision       `json:"decision"`
	Choice        string         `json:"choice,omitempty"`
	Resolver      string         `json:"resolver"`
	ResolvedAt    time.Time      `json:"resolved_at"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Comment       string         `json:"comment,omitempty"`
}

// ApprovalRequest is a pending or closed request for a human decision.
type ApprovalRequest struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	Type            ApprovalType   `json:"type"`
	Blocking        bool           `json:"blocking"`
	Context         map[string]any `json:"context,omitempty"`
	Options         []string       `json:"options,omitempty"`
	ResumeStep      Step           `json:"resume_step"`
	Status          RequestStatus  `json:"status"`
	Resolution      *Resolution    `json:"resolution,omitempty"`
	EscalationLevel int            `json:"escalation_level"`
	AutoApproved    bool           `json:"auto_approved"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Offers reports whether option is among the request's offered options.
// Requests without options accept any choice.
func (r ApprovalRequest) Offers(option string) bool {
	if len(r.Options) == 0 {
		return true
	}
	for _, o := range r.Options {
		if o == option {
			return true
		}
	}
	return false
}
