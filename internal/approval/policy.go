// Package approval implements the approval gateway: delegation rules, request
// creation, resume validation and the per-type effect of a human decision.
package approval

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/config"
	"github.com/sells-group/validation-cli/internal/model"
)

// Disposition decides whether a request suspends the run.
type Disposition string

const (
	// Blocking requests suspend the run until resolved.
	Blocking Disposition = "blocking"
	// Parallel requests are resolved independently while the run continues.
	Parallel Disposition = "parallel"
)

// EscalationStep notifies Notify once a request has been pending for After.
type EscalationStep struct {
	After  time.Duration
	Notify string
}

// Rule is the delegation rule for one approval type.
type Rule struct {
	Disposition         Disposition
	AutoApproveMaxSpend float64
	Escalation          []EscalationStep
}

// Policy maps approval types to their rules.
type Policy map[model.ApprovalType]Rule

// neverAutoApproved lists types a human must always decide.
var neverAutoApproved = map[model.ApprovalType]bool{
	model.ApprovalGovernanceVeto:    true,
	model.ApprovalStrategicPivot:    true,
	model.ApprovalCapabilityFailure: true,
	model.ApprovalLoopEscalation:    true,
}

// DefaultPolicy is creative review in parallel, everything else blocking,
// with no auto-approval or escalation.
func DefaultPolicy() Policy {
	p := make(Policy, len(model.AllApprovalTypes()))
	for _, t := range model.AllApprovalTypes() {
		p[t] = Rule{Disposition: Blocking}
	}
	p[model.ApprovalCreativeReview] = Rule{Disposition: Parallel}
	return p
}

// PolicyFromConfig overlays configured rules on DefaultPolicy.
func PolicyFromConfig(rules map[string]config.ApprovalRule) (Policy, error) {
	p := DefaultPolicy()
	for name, r := range rules {
		typ := model.ApprovalType(name)
		if _, ok := p[typ]; !ok {
			return nil, eris.Errorf("approval: unknown approval type %q", name)
		}
		rule := p[typ]
		switch Disposition(r.Disposition) {
		case "":
		case Blocking:
			rule.Disposition = Blocking
		case Parallel:
			// Only review work can proceed while a human decides.
			if typ != model.ApprovalCreativeReview {
				return nil, eris.Errorf("approval: %s must be blocking", name)
			}
			rule.Disposition = Parallel
		default:
			return nil, eris.Errorf("approval: %s disposition %q must be blocking or parallel", name, r.Disposition)
		}
		rule.AutoApproveMaxSpend = r.AutoApproveMaxSpend
		rule.Escalation = nil
		for _, e := range r.Escalation {
			rule.Escalation = append(rule.Escalation, EscalationStep{After: e.After, Notify: e.Notify})
		}
		sort.SliceStable(rule.Escalation, func(i, j int) bool {
			return rule.Escalation[i].After < rule.Escalation[j].After
		})
		p[typ] = rule
	}
	return p, nil
}

// Rule returns the rule for t, falling back to a blocking rule.
func (p Policy) Rule(t model.ApprovalType) Rule {
	if r, ok := p[t]; ok {
		if r.Disposition == "" {
			r.Disposition = Blocking
		}
		return r
	}
	return Rule{Disposition: Blocking}
}

// autoApproves reports whether a request of type t proposing spend can be
// approved without a human.
func (p Policy) autoApproves(t model.ApprovalType, spend float64) bool {
	if neverAutoApproved[t] {
		return false
	}
	limit := p.Rule(t).AutoApproveMaxSpend
	return limit > 0 && spend > 0 && spend <= limit
}
