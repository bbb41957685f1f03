package orchestrator

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/approval"
	"github.com/sells-group/validation-cli/internal/capability"
	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/router"
)

func (o *Orchestrator) registerSteps() {
	o.steps = map[model.Step]stepFunc{
		model.StepIntake:            o.intake,
		model.StepDesign:            o.design,
		model.StepRunExperiment:     o.runExperiment,
		model.StepDesirabilityGate:  o.desirabilityGate,
		model.StepDesirabilityRetry: o.retry,
		model.StepPivotSegment:      o.pivotSegment,
		model.StepPivotValue:        o.pivotValue,
		model.StepAssessFeasibility: o.assessFeasibility,
		model.StepFeasibilityGate:   o.feasibilityGate,
		model.StepFeasibilityRetry:  o.retry,
		model.StepReduceScope:       o.reduceScope,
		model.StepModelViability:    o.modelViability,
		model.StepViabilityGate:     o.viabilityGate,
		model.StepViabilityRetry:    o.retry,
		model.StepRequestPivot:      o.requestPivot,
		model.StepApplyPivot:        o.applyPivot,
		model.StepEscalateLoop:      o.escalateLoop,
		model.StepAwaitApproval:     o.awaitApproval,
	}
}

// intake frames the hypothesis into a first segment and value proposition.
func (o *Orchestrator) intake(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	out, resp, err := invoke[capability.IdeationOutput](ctx, o, s, capability.Ideation, map[string]any{
		"project":    s.ProjectName,
		"hypothesis": s.Hypothesis,
	})
	if err != nil {
		return o.failed(s, model.StepIntake, capability.Ideation, err)
	}
	s.SegmentRef = out.SegmentRef
	s.ValuePropRef = out.ValuePropRef
	if out.ProblemFit != "" {
		s.ProblemFit = out.ProblemFit
	}
	s.MoveTo(model.StepDesign)
	return &StepResult{State: s, Inputs: map[string]any{
		"segment_ref":     s.SegmentRef,
		"value_prop_ref":  s.ValuePropRef,
		"problem_fit":     string(s.ProblemFit),
		"capability_cost": costOf(resp),
	}}, nil
}

// retry re-enters the phase's work step and counts the pass.
func (o *Orchestrator) retry(_ context.Context, s *model.ValidationState) (*StepResult, error) {
	target, ok := router.RetryTarget(s.NextStep)
	if !ok {
		return nil, eris.Errorf("no retry target for %s", s.NextStep)
	}
	s.Iterations[s.Phase]++
	s.NextStep = target
	return &StepResult{State: s}, nil
}

// review is the optional governance check on a gate's route.
type review struct {
	veto    bool
	reason  string
	issues  []model.GovernanceIssue
	entries []model.DecisionLogEntry
}

func (o *Orchestrator) review(ctx context.Context, s *model.ValidationState, step model.Step, sig model.Signal, r router.Route) (review, error) {
	if !capability.Supports(o.caps, capability.Governance) {
		return review{}, nil
	}
	out, _, err := invoke[capability.GovernanceOutput](ctx, o, s, capability.Governance, map[string]any{
		"step":           string(step),
		"phase":          string(s.Phase),
		"signal":         sig.String(),
		"next":           string(r.Next),
		"pivot":          string(r.Pivot),
		"segment_ref":    s.SegmentRef,
		"value_prop_ref": s.ValuePropRef,
	})
	if err != nil {
		return review{}, err
	}

	now := o.now()
	var rv review
	for _, f := range out.Issues {
		rv.issues = append(rv.issues, model.GovernanceIssue{
			Code:     f.Code,
			Severity: f.Severity,
			Message:  f.Message,
			Step:     step,
			Raised:   now,
		})
		rv.entries = append(rv.entries, model.DecisionLogEntry{
			Timestamp: now,
			Actor:     model.ActorSystem,
			ActorID:   string(capability.Governance),
			Type:      model.DecisionGovernanceIssue,
			Step:      step,
			Inputs:    map[string]any{"code": f.Code, "severity": f.Severity, "message": f.Message},
			Outcome:   f.Code,
		})
	}
	if out.Veto {
		rv.veto = true
		rv.reason = out.Reason
		rv.entries = append(rv.entries, model.DecisionLogEntry{
			Timestamp: now,
			Actor:     model.ActorSystem,
			ActorID:   string(capability.Governance),
			Type:      model.DecisionGovernanceVeto,
			Step:      step,
			Inputs:    map[string]any{"reason": out.Reason, "route": string(r.Next)},
			Outcome:   "veto",
		})
	}
	return rv, nil
}

// applyRoute routes a gate's signal and positions s at the chosen step.
// Every gate goes through here so the route decision is always logged.
func (o *Orchestrator) applyRoute(ctx context.Context, s *model.ValidationState, step model.Step, sig model.Signal, entries []model.DecisionLogEntry) (*StepResult, error) {
	r, err := o.router.Route(s, sig)
	if err != nil {
		return nil, err
	}
	entries = append(entries, model.DecisionLogEntry{
		Timestamp: o.now(),
		Actor:     model.ActorAutomated,
		Type:      model.DecisionRouteSelected,
		Step:      step,
		Inputs: map[string]any{
			"signal":    sig.String(),
			"kind":      string(r.Kind),
			"pivot":     string(r.Pivot),
			"reason":    r.Reason,
			"deferred":  string(r.Deferred),
			"iteration": s.Iterations[s.Phase],
		},
		Outcome: string(r.Next),
	})

	rv, err := o.review(ctx, s, step, sig, r)
	if err != nil {
		return o.failed(s, step, capability.Governance, err, entries...)
	}
	entries = append(entries, rv.entries...)
	s.GovernanceIssues = append(s.GovernanceIssues, rv.issues...)

	if rv.veto {
		s.PendingPivot = r.Pivot
		s.DeferredStep = r.Deferred
		return o.suspend(s, approval.Spec{
			Type:       model.ApprovalGovernanceVeto,
			Step:       step,
			ResumeStep: r.Next,
			Options:    []string{model.OptionOverride, model.OptionKill},
			Context:    map[string]any{"signal": sig.String(), "route": string(r.Next)},
			Reason:     rv.reason,
		}, entries...)
	}

	switch r.Kind {
	case router.KindAdvance, router.KindTerminate:
		s.PendingPivot = model.PivotNone
		s.MoveTo(r.Next)
	case router.KindRetry:
		s.PendingPivot = model.PivotNone
		s.NextStep = r.Next
	case router.KindPivot:
		s.PendingPivot = r.Pivot
		s.NextStep = r.Next
	case router.KindGate:
		s.PendingPivot = r.Pivot
		s.DeferredStep = r.Deferred
		s.NextStep = r.Next
	default:
		return nil, eris.Errorf("unknown route kind %q", r.Kind)
	}
	return &StepResult{State: s, Entries: entries, Inputs: map[string]any{"signal": sig.String()}}, nil
}

// escalateLoop asks a human whether a phase that hit its iteration cap may
// keep going.
func (o *Orchestrator) escalateLoop(_ context.Context, s *model.ValidationState) (*StepResult, error) {
	resume := s.DeferredStep
	if resume == "" {
		resume = entryStep(s.Phase)
	}
	n := s.Iterations[s.Phase]
	return o.suspend(s, approval.Spec{
		Type:       model.ApprovalLoopEscalation,
		Step:       model.StepEscalateLoop,
		ResumeStep: resume,
		Options:    []string{model.OptionContinue, model.OptionKill},
		Context: map[string]any{
			"phase":          string(s.Phase),
			"iterations":     n,
			"max_iterations": o.router.MaxIterations(s.Phase),
			"deferred":       string(resume),
		},
		Reason: fmt.Sprintf("%s reached %d iterations", s.Phase, n),
	})
}

// awaitApproval is only reachable through a corrupted state: a suspended
// run never reaches the driver.
func (o *Orchestrator) awaitApproval(_ context.Context, s *model.ValidationState) (*StepResult, error) {
	return nil, eris.Errorf("run %s is at %s without a pending approval", s.RunID, model.StepAwaitApproval)
}

// entryStep is the first work step of a looping phase.
func entryStep(p model.Phase) model.Step {
	switch p {
	case model.PhaseFeasibility:
		return model.StepAssessFeasibility
	case model.PhaseViability:
		return model.StepModelViability
	default:
		return model.StepDesign
	}
}
