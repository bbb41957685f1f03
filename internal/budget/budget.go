// Package budget enforces the project-level experiment spend ceiling.
package budget

import (
	"github.com/sells-group/validation-cli/internal/model"
)

// Status is the guardrail level for a projected spend ratio.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
	StatusKill     Status = "kill"
)

// Level boundaries as fractions of the ceiling.
const (
	WarningRatio  = 0.80
	ExceededRatio = 1.00
	KillRatio     = 1.20
)

// Tags attached to decision log entries.
const (
	TagWarning     = "budget_warning"
	TagSoftOverrun = "budget_soft_overrun"
	TagExceeded    = "budget_exceeded"
	TagKill        = "budget_kill"
)

// Assessment is the guardrail's answer for one proposed spend.
type Assessment struct {
	Ceiling          float64  `json:"ceiling"`
	Spent            float64  `json:"spent"`
	Proposed         float64  `json:"proposed"`
	Ratio            float64  `json:"ratio"`
	Status           Status   `json:"status"`
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requires_approval"`
	Tags             []string `json:"tags,omitempty"`
}

// Guardrail evaluates projected spend against a ceiling.
type Guardrail struct {
	Ceiling float64
	Mode    model.BudgetMode
}

// FromLedger builds a guardrail from a run's ledger.
func FromLedger(l model.BudgetLedger) Guardrail {
	return Guardrail{Ceiling: l.Ceiling, Mode: l.Mode}
}

// Level maps a spend ratio to a status.
func Level(ratio float64) Status {
	switch {
	case ratio >= KillRatio:
		return StatusKill
	case ratio >= ExceededRatio:
		return StatusExceeded
	case ratio >= WarningRatio:
		return StatusWarning
	default:
		return StatusOK
	}
}

// Check evaluates spent+proposed against the ceiling. A ceiling at or below
// zero means no budget is configured.
func (g Guardrail) Check(spent, proposed float64) Assessment {
	a := Assessment{Ceiling: g.Ceiling, Spent: spent, Proposed: proposed}
	if g.Ceiling <= 0 {
		a.Status = StatusOK
		a.Allowed = true
		return a
	}

	a.Ratio = (spent + proposed) / g.Ceiling
	a.Status = Level(a.Ratio)

	switch a.Status {
	case StatusOK:
		a.Allowed = true
	case StatusWarning:
		a.Allowed = true
		a.Tags = []string{TagWarning}
	case StatusExceeded:
		if g.Mode == model.BudgetSoft {
			a.Allowed = true
			a.Tags = []string{TagSoftOverrun}
		} else {
			a.RequiresApproval = true
			a.Tags = []string{TagExceeded}
		}
	case StatusKill:
		a.RequiresApproval = true
		a.Tags = []string{TagKill}
	}
	return a
}

// Inputs returns the assessment as decision log inputs.
func (a Assessment) Inputs() map[string]any {
	return map[string]any{
		"ceiling":  a.Ceiling,
		"spent":    a.Spent,
		"proposed": a.Proposed,
		"ratio":    a.Ratio,
		"status":   string(a.Status),
	}
}
