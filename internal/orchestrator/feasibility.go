package orchestrator

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/capability"
	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/signal"
)

func (o *Orchestrator) assessFeasibility(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	inputs := map[string]any{
		"segment_ref":    s.SegmentRef,
		"value_prop_ref": s.ValuePropRef,
		"downgrade":      s.Downgrade,
		"last_pivot":     string(s.LastPivot),
	}
	out, resp, err := invoke[capability.FeasibilityOutput](ctx, o, s, capability.Feasibility, inputs)
	if err != nil {
		return o.failed(s, model.StepAssessFeasibility, capability.Feasibility, err)
	}
	report := out.FeasibilityAssessment
	s.FeasibilityReport = &report
	s.NextStep = model.StepFeasibilityGate
	return &StepResult{State: s, Inputs: map[string]any{
		"components":      len(report.Components),
		"estimated_cost":  report.EstimatedCost,
		"capability_cost": costOf(resp),
	}}, nil
}

func (o *Orchestrator) feasibilityGate(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	if s.FeasibilityReport == nil {
		return nil, eris.Errorf("run %s has no feasibility report", s.RunID)
	}
	sig := signal.Feasibility(*s.FeasibilityReport)
	s.Feasibility = sig

	counts := map[string]int{}
	for _, c := range s.FeasibilityReport.Components {
		counts[string(c.Status)]++
	}
	entry := model.DecisionLogEntry{
		Timestamp: o.now(),
		Actor:     model.ActorAutomated,
		Type:      model.DecisionSignalComputed,
		Step:      model.StepFeasibilityGate,
		Inputs: map[string]any{
			"buildable":   counts[string(model.ComponentBuildable)],
			"constrained": counts[string(model.ComponentConstrained)],
			"impossible":  counts[string(model.ComponentImpossible)],
		},
		Outcome: sig.String(),
	}
	return o.applyRoute(ctx, s, model.StepFeasibilityGate, sig, []model.DecisionLogEntry{entry})
}

// reduceScope cuts the constrained components and sends a downgraded offer
// back through desirability.
func (o *Orchestrator) reduceScope(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	var constrained []string
	var notes string
	if s.FeasibilityReport != nil {
		notes = s.FeasibilityReport.Notes
		for _, c := range s.FeasibilityReport.Components {
			if c.Status == model.ComponentConstrained {
				constrained = append(constrained, c.Name)
			}
		}
	}
	out, resp, err := invoke[capability.ScopeOutput](ctx, o, s, capability.Scope, map[string]any{
		"constrained":    constrained,
		"segment_ref":    s.SegmentRef,
		"value_prop_ref": s.ValuePropRef,
		"notes":          notes,
	})
	if err != nil {
		return o.failed(s, model.StepReduceScope, capability.Scope, err)
	}

	now := o.now()
	from := s.ValuePropRef
	if out.ValuePropRef != "" {
		s.ValuePropRef = out.ValuePropRef
	}
	s.Downgrade = true
	s.PivotHistory = append(s.PivotHistory, model.PivotRecord{
		Type:      model.PivotScopeReduction,
		Phase:     s.Phase,
		Iteration: s.Iterations[s.Phase],
		Reason:    "removed " + strings.Join(out.Removed, ", "),
		From:      from,
		To:        s.ValuePropRef,
		DecidedBy: "router",
		At:        now,
	})
	s.LastPivot = model.PivotScopeReduction
	s.PendingPivot = model.PivotNone
	s.MoveTo(model.StepDesign)

	entry := model.DecisionLogEntry{
		Timestamp: now,
		Actor:     model.ActorAutomated,
		Type:      model.DecisionPivotApplied,
		Step:      model.StepReduceScope,
		Inputs:    map[string]any{"removed": out.Removed, "from": from, "to": s.ValuePropRef, "notes": out.Notes},
		Outcome:   string(model.PivotScopeReduction),
	}
	return &StepResult{State: s, Entries: []model.DecisionLogEntry{entry}, Inputs: map[string]any{"capability_cost": costOf(resp)}}, nil
}
