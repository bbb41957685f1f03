// Package router maps a (phase, signal) pair to the next orchestrator step.
// The table is exhaustive over every enumerated signal; guards are applied
// in a fixed order and nothing else influences the decision.
package router

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/model"
)

// DefaultMaxIterations is the per-phase pass cap when none is configured.
const DefaultMaxIterations = 5

var (
	// ErrTerminal is returned when routing is attempted on a retired run.
	ErrTerminal = eris.New("router: run is terminal")
	// ErrAxisMismatch is returned when the signal does not belong to the
	// run's current phase.
	ErrAxisMismatch = eris.New("router: signal axis does not match phase")
	// ErrUnroutable is returned for a signal value missing from the table.
	ErrUnroutable = eris.New("router: no route for signal")
	// ErrInvalidChoice is returned for an unknown strategic pivot choice.
	ErrInvalidChoice = eris.New("router: invalid strategic choice")
)

// Kind classifies a route.
type Kind string

const (
	KindAdvance   Kind = "advance"
	KindRetry     Kind = "retry"
	KindPivot     Kind = "pivot"
	KindGate      Kind = "gate"
	KindTerminate Kind = "terminate"
)

// Route is the router's decision for one gate evaluation.
type Route struct {
	Next  model.Step      `json:"next"`
	Kind  Kind            `json:"kind"`
	Pivot model.PivotType `json:"pivot"`
	// Deferred is the step the table chose when the iteration cap diverted
	// the run to an escalation.
	Deferred model.Step `json:"deferred,omitempty"`
	// Options are offered to the human when the route opens a gate.
	Options []string `json:"options,omitempty"`
	Reason  string   `json:"reason"`
}

// Entry is one row of the routing table.
type Entry struct {
	Phase  model.Phase     `json:"phase" yaml:"phase"`
	Signal string          `json:"signal" yaml:"signal"`
	Next   model.Step      `json:"next" yaml:"next"`
	Pivot  model.PivotType `json:"pivot" yaml:"pivot"`
	Kind   Kind            `json:"kind" yaml:"kind"`
}

type key struct {
	phase  model.Phase
	signal string
}

var table = map[key]Entry{}

func add(phase model.Phase, sig model.Signal, next model.Step, pivot model.PivotType, kind Kind) {
	table[key{phase, sig.String()}] = Entry{Phase: phase, Signal: sig.String(), Next: next, Pivot: pivot, Kind: kind}
}

func init() {
	d := model.PhaseDesirability
	add(d, model.DesirabilityUnknown, model.StepDesirabilityRetry, model.PivotNone, KindRetry)
	add(d, model.DesirabilityNoSignal, model.StepDesirabilityRetry, model.PivotNone, KindRetry)
	add(d, model.NoInterest, model.StepPivotSegment, model.PivotSegment, KindPivot)
	add(d, model.WeakInterest, model.StepPivotValue, model.PivotValue, KindPivot)
	add(d, model.StrongCommitment, model.StepAssessFeasibility, model.PivotNone, KindAdvance)

	f := model.PhaseFeasibility
	add(f, model.FeasibilityUnknown, model.StepFeasibilityRetry, model.PivotNone, KindRetry)
	add(f, model.Feasible, model.StepModelViability, model.PivotNone, KindAdvance)
	add(f, model.Constrained, model.StepReduceScope, model.PivotScopeReduction, KindPivot)
	add(f, model.Infeasible, model.StepKilled, model.PivotNone, KindTerminate)

	v := model.PhaseViability
	add(v, model.ViabilityUnknown, model.StepViabilityRetry, model.PivotNone, KindRetry)
	add(v, model.Profitable, model.StepValidated, model.PivotNone, KindTerminate)
	add(v, model.Underwater, model.StepRequestPivot, model.PivotStrategic, KindGate)
	add(v, model.ZombieMarket, model.StepRequestPivot, model.PivotStrategic, KindGate)
}

// Table returns every routing row ordered by phase then signal.
func Table() []Entry {
	order := map[model.Phase]int{}
	for i, p := range model.AllPhases() {
		order[p] = i
	}
	out := make([]Entry, 0, len(table))
	for _, e := range table {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return order[out[i].Phase] < order[out[j].Phase]
		}
		return out[i].Signal < out[j].Signal
	})
	return out
}

// Lookup returns the raw table row for a phase and signal.
func Lookup(phase model.Phase, sig model.Signal) (Entry, bool) {
	e, ok := table[key{phase, sig.String()}]
	return e, ok
}

// Router applies the routing table with the iteration cap guard.
type Router struct {
	maxIterations map[model.Phase]int
}

// New creates a Router. Phases missing from maxIterations use
// DefaultMaxIterations.
func New(maxIterations map[model.Phase]int) *Router {
	m := make(map[model.Phase]int, len(maxIterations))
	for k, v := range maxIterations {
		m[k] = v
	}
	return &Router{maxIterations: m}
}

// MaxIterations returns the pass cap for phase.
func (r *Router) MaxIterations(phase model.Phase) int {
	if n, ok := r.maxIterations[phase]; ok && n > 0 {
		return n
	}
	return DefaultMaxIterations
}

// Route decides the next step for a gate evaluation on s.
func (r *Router) Route(s *model.ValidationState, sig model.Signal) (Route, error) {
	if s.Terminal || s.Phase.Terminal() {
		return Route{}, ErrTerminal
	}
	if sig == nil || sig.Axis() != s.Phase.RiskAxis() {
		return Route{}, eris.Wrapf(ErrAxisMismatch, "phase %s", s.Phase)
	}

	e, ok := Lookup(s.Phase, sig)
	if !ok {
		return Route{}, eris.Wrapf(ErrUnroutable, "%s/%s", s.Phase, sig)
	}

	route := Route{
		Next:   e.Next,
		Kind:   e.Kind,
		Pivot:  e.Pivot,
		Reason: string(s.Phase) + ":" + sig.String(),
	}

	if (e.Kind == KindRetry || e.Kind == KindPivot) && s.Iterations[s.Phase] >= r.MaxIterations(s.Phase) {
		return Route{
			Next:     model.StepEscalateLoop,
			Kind:     KindGate,
			Pivot:    e.Pivot,
			Deferred: e.Next,
			Options:  []string{model.OptionContinue, model.OptionKill},
			Reason:   route.Reason + ":iteration_cap",
		}, nil
	}

	if e.Pivot == model.PivotStrategic {
		route.Options = StrategicOptions(s)
	}
	return route, nil
}

// StrategicOptions returns the choices offered after a failed viability
// gate. A price pivot is offered once until a cost pivot resets it.
func StrategicOptions(s *model.ValidationState) []string {
	if s.PriceTestApproved {
		return []string{model.OptionCostPivot, model.OptionKill}
	}
	return []string{model.OptionPricePivot, model.OptionCostPivot, model.OptionKill}
}

// StrategicOutcome maps the human's strategic choice to the step the run
// continues at and the pivot recorded.
func StrategicOutcome(choice string) (model.Step, model.PivotType, error) {
	switch choice {
	case model.OptionPricePivot:
		return model.StepDesign, model.PivotPrice, nil
	case model.OptionCostPivot:
		return model.StepAssessFeasibility, model.PivotCost, nil
	case model.OptionKill:
		return model.StepKilled, model.PivotKill, nil
	default:
		return "", "", eris.Wrapf(ErrInvalidChoice, "%q", choice)
	}
}

// RetryTarget returns the step a retry step re-enters.
func RetryTarget(step model.Step) (model.Step, bool) {
	switch step {
	case model.StepDesirabilityRetry:
		return model.StepDesign, true
	case model.StepFeasibilityRetry:
		return model.StepAssessFeasibility, true
	case model.StepViabilityRetry:
		return model.StepModelViability, true
	default:
		return "", false
	}
}
