package orchestrator

import (
	"sort"

	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/router"
)

// Edge is one possible transition of the step graph.
type Edge struct {
	From model.Step `json:"from" yaml:"from"`
	To   model.Step `json:"to" yaml:"to"`
	// On names what selects the edge: a gate signal, an approval outcome or
	// "next" for an unconditional step.
	On string `json:"on" yaml:"on"`
}

// fixedEdges are the transitions made by work steps outside the routing
// table.
var fixedEdges = []Edge{
	{model.StepIntake, model.StepDesign, "next"},
	{model.StepDesign, model.StepRunExperiment, "next"},
	{model.StepDesign, model.StepAwaitApproval, "creative_review"},
	{model.StepRunExperiment, model.StepDesirabilityGate, "next"},
	{model.StepRunExperiment, model.StepDesign, "all_artifacts_rejected"},
	{model.StepRunExperiment, model.StepAwaitApproval, "spend_increase"},
	{model.StepDesirabilityRetry, model.StepDesign, "next"},
	{model.StepPivotSegment, model.StepDesign, "next"},
	{model.StepPivotValue, model.StepDesign, "next"},
	{model.StepAssessFeasibility, model.StepFeasibilityGate, "next"},
	{model.StepFeasibilityRetry, model.StepAssessFeasibility, "next"},
	{model.StepReduceScope, model.StepDesign, "next"},
	{model.StepModelViability, model.StepViabilityGate, "next"},
	{model.StepViabilityRetry, model.StepModelViability, "next"},
	{model.StepRequestPivot, model.StepAwaitApproval, "strategic_pivot"},
	{model.StepApplyPivot, model.StepDesign, model.OptionPricePivot},
	{model.StepApplyPivot, model.StepAssessFeasibility, model.OptionCostPivot},
	{model.StepApplyPivot, model.StepKilled, model.OptionKill},
	{model.StepEscalateLoop, model.StepAwaitApproval, "loop_escalation"},
	{model.StepAwaitApproval, model.StepKilled, "reject"},
}

// Graph returns every edge of the step graph: the fixed work-step edges,
// the routing table, and the gates' iteration-cap escalations.
func Graph() []Edge {
	edges := append([]Edge(nil), fixedEdges...)
	gates := map[model.Phase]model.Step{
		model.PhaseDesirability: model.StepDesirabilityGate,
		model.PhaseFeasibility:  model.StepFeasibilityGate,
		model.PhaseViability:    model.StepViabilityGate,
	}
	capped := map[model.Step]bool{}
	for _, e := range router.Table() {
		gate := gates[e.Phase]
		edges = append(edges, Edge{From: gate, To: e.Next, On: e.Signal})
		if (e.Kind == router.KindRetry || e.Kind == router.KindPivot) && !capped[gate] {
			capped[gate] = true
			edges = append(edges, Edge{From: gate, To: model.StepEscalateLoop, On: "iteration_cap"})
		}
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].From < edges[j].From })
	return edges
}
