package model

import "strings"

// Phase is the macro-region of the validation graph a run is in.
type Phase string

const (
	PhaseIdeation     Phase = "ideation"
	PhaseDesirability Phase = "desirability"
	PhaseFeasibility  Phase = "feasibility"
	PhaseViability    Phase = "viability"
	PhaseValidated    Phase = "validated"
	PhaseKilled       Phase = "killed"
)

// AllPhases returns every phase in graph order.
func AllPhases() []Phase {
	return []Phase{PhaseIdeation, PhaseDesirability, PhaseFeasibility, PhaseViability, PhaseValidated, PhaseKilled}
}

// LoopPhases returns the phases that can be re-entered.
func LoopPhases() []Phase {
	return []Phase{PhaseDesirability, PhaseFeasibility, PhaseViability}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, v := range AllPhases() {
		if p == v {
			return true
		}
	}
	return false
}

// Terminal reports whether p retires the run.
func (p Phase) Terminal() bool {
	return p == PhaseValidated || p == PhaseKilled
}

// RiskAxis returns the risk being de-risked while in p.
func (p Phase) RiskAxis() RiskAxis {
	switch p {
	case PhaseDesirability:
		return RiskDesirability
	case PhaseFeasibility:
		return RiskFeasibility
	case PhaseViability:
		return RiskViability
	default:
		return RiskNone
	}
}

// RiskAxis is the risk category currently under test.
type RiskAxis string

const (
	RiskNone         RiskAxis = ""
	RiskDesirability RiskAxis = "desirability"
	RiskFeasibility  RiskAxis = "feasibility"
	RiskViability    RiskAxis = "viability"
)

// ProblemFit classifies how well the problem statement matched the segment.
type ProblemFit string

const (
	ProblemFitUnknown         ProblemFit = "unknown"
	ProblemFitNone            ProblemFit = "no_fit"
	ProblemFitPartial         ProblemFit = "partial_fit"
	ProblemFitProblemSolution ProblemFit = "problem_solution_fit"
)

// Valid reports whether f is a known classification.
func (f ProblemFit) Valid() bool {
	switch f {
	case ProblemFitUnknown, ProblemFitNone, ProblemFitPartial, ProblemFitProblemSolution:
		return true
	}
	return false
}

// Step names a node in the orchestrator graph.
type Step string

const (
	StepIntake            Step = "intake"
	StepDesign            Step = "desirability.design"
	StepRunExperiment     Step = "desirability.run"
	StepDesirabilityGate  Step = "desirability.gate"
	StepDesirabilityRetry Step = "desirability.retry"
	StepPivotSegment      Step = "desirability.pivot_segment"
	StepPivotValue        Step = "desirability.pivot_value"
	StepAssessFeasibility Step = "feasibility.assess"
	StepFeasibilityGate   Step = "feasibility.gate"
	StepFeasibilityRetry  Step = "feasibility.retry"
	StepReduceScope       Step = "feasibility.reduce_scope"
	StepModelViability    Step = "viability.model"
	StepViabilityGate     Step = "viability.gate"
	StepViabilityRetry    Step = "viability.retry"
	StepRequestPivot      Step = "viability.request_pivot"
	StepApplyPivot        Step = "viability.apply_pivot"
	StepEscalateLoop      Step = "escalate.loop"
	StepAwaitApproval     Step = "approval.wait"
	StepValidated         Step = "validated"
	StepKilled            Step = "killed"
)

// AllSteps returns every step the driver knows about.
func AllSteps() []Step {
	return []Step{
		StepIntake,
		StepDesign, StepRunExperiment, StepDesirabilityGate, StepDesirabilityRetry, StepPivotSegment, StepPivotValue,
		StepAssessFeasibility, StepFeasibilityGate, StepFeasibilityRetry, StepReduceScope,
		StepModelViability, StepViabilityGate, StepViabilityRetry, StepRequestPivot, StepApplyPivot,
		StepEscalateLoop, StepAwaitApproval,
		StepValidated, StepKilled,
	}
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	for _, v := range AllSteps() {
		if s == v {
			return true
		}
	}
	return false
}

// Phase returns the phase a step belongs to. Control steps (escalation,
// approval wait) belong to no phase and return "".
func (s Step) Phase() Phase {
	switch {
	case s == StepIntake:
		return PhaseIdeation
	case s == StepValidated:
		return PhaseValidated
	case s == StepKilled:
		return PhaseKilled
	case strings.HasPrefix(string(s), "desirability."):
		return PhaseDesirability
	case strings.HasPrefix(string(s), "feasibility."):
		return PhaseFeasibility
	case strings.HasPrefix(string(s), "viability."):
		return PhaseViability
	default:
		return ""
	}
}
