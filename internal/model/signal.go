package model

// Signal is a closed categorical outcome of one gate. Only the three signal
// types in this package implement it.
type Signal interface {
	Axis() RiskAxis
	String() string
	isSignal()
}

// DesirabilitySignal is derived from one experiment run's aggregate metrics.
type DesirabilitySignal string

const (
	DesirabilityUnknown  DesirabilitySignal = "unknown"
	DesirabilityNoSignal DesirabilitySignal = "no_signal"
	NoInterest           DesirabilitySignal = "no_interest"
	WeakInterest         DesirabilitySignal = "weak_interest"
	StrongCommitment     DesirabilitySignal = "strong_commitment"
)

// AllDesirabilitySignals lists every desirability value, including unknown.
func AllDesirabilitySignals() []DesirabilitySignal {
	return []DesirabilitySignal{DesirabilityUnknown, DesirabilityNoSignal, NoInterest, WeakInterest, StrongCommitment}
}

func (s DesirabilitySignal) Axis() RiskAxis { return RiskDesirability }
func (s DesirabilitySignal) String() string { return string(s) }
func (DesirabilitySignal) isSignal()        {}

// FeasibilitySignal is derived from a feasibility assessment.
type FeasibilitySignal string

const (
	FeasibilityUnknown FeasibilitySignal = "unknown"
	Feasible           FeasibilitySignal = "feasible"
	Constrained        FeasibilitySignal = "constrained"
	Infeasible         FeasibilitySignal = "infeasible"
)

// AllFeasibilitySignals lists every feasibility value, including unknown.
func AllFeasibilitySignals() []FeasibilitySignal {
	return []FeasibilitySignal{FeasibilityUnknown, Feasible, Constrained, Infeasible}
}

func (s FeasibilitySignal) Axis() RiskAxis { return RiskFeasibility }
func (s FeasibilitySignal) String() string { return string(s) }
func (FeasibilitySignal) isSignal()        {}

// ViabilitySignal is derived from a financial metrics snapshot.
type ViabilitySignal string

const (
	ViabilityUnknown ViabilitySignal = "unknown"
	Profitable       ViabilitySignal = "profitable"
	Underwater       ViabilitySignal = "underwater"
	ZombieMarket     ViabilitySignal = "zombie_market"
)

// AllViabilitySignals lists every viability value, including unknown.
func AllViabilitySignals() []ViabilitySignal {
	return []ViabilitySignal{ViabilityUnknown, Profitable, Underwater, ZombieMarket}
}

func (s ViabilitySignal) Axis() RiskAxis { return RiskViability }
func (s ViabilitySignal) String() string { return string(s) }
func (ViabilitySignal) isSignal()        {}

// SignalsFor returns every enumerated signal for a risk axis.
func SignalsFor(axis RiskAxis) []Signal {
	var out []Signal
	switch axis {
	case RiskDesirability:
		for _, s := range AllDesirabilitySignals() {
			out = append(out, s)
		}
	case RiskFeasibility:
		for _, s := range AllFeasibilitySignals() {
			out = append(out, s)
		}
	case RiskViability:
		for _, s := range AllViabilitySignals() {
			out = append(out, s)
		}
	}
	return out
}
