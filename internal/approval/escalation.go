package approval

import (
	"time"

	"github.com/sells-group/validation-cli/internal/model"
)

// Escalation is a due escalation of a pending request.
type Escalation struct {
	Level int
	Step  EscalationStep
}

// Escalator computes escalation levels from a policy's schedules.
type Escalator struct {
	policy Policy
}

// NewEscalator creates an escalator for p.
func NewEscalator(p Policy) *Escalator {
	return &Escalator{policy: p}
}

// Due returns the highest escalation level whose delay has elapsed for req,
// if it is above the level already reached. Escalation never changes the
// request's status.
func (e *Escalator) Due(req model.ApprovalRequest, now time.Time) (Escalation, bool) {
	if req.Status != model.RequestPending || req.AutoApproved {
		return Escalation{}, false
	}
	schedule := e.policy.Rule(req.Type).Escalation
	elapsed := now.Sub(req.CreatedAt)
	level := 0
	for _, s := range schedule {
		if elapsed < s.After {
			break
		}
		level++
	}
	if level <= req.EscalationLevel {
		return Escalation{}, false
	}
	return Escalation{Level: level, Step: schedule[level-1]}, true
}
