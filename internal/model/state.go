package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// CurrentSchemaVersion is the persisted state schema written by this build.
const CurrentSchemaVersion = 2

// PivotType is a structured change of direction triggered by a failed gate.
type PivotType string

const (
	PivotNone           PivotType = "none"
	PivotSegment        PivotType = "segment_pivot"
	PivotValue          PivotType = "value_pivot"
	PivotScopeReduction PivotType = "scope_reduction"
	PivotStrategic      PivotType = "strategic"
	PivotPrice          PivotType = "price_pivot"
	PivotCost           PivotType = "cost_pivot"
	PivotKill           PivotType = "kill"
)

// AllPivotTypes lists every pivot type.
func AllPivotTypes() []PivotType {
	return []PivotType{PivotNone, PivotSegment, PivotValue, PivotScopeReduction, PivotStrategic, PivotPrice, PivotCost, PivotKill}
}

// PivotRecord is one entry of the accumulated pivot history.
type PivotRecord struct {
	Type      PivotType `json:"type"`
	Phase     Phase     `json:"phase"`
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	At        time.Time `json:"at"`
}

// GovernanceIssue is an oversight finding attached to a run.
type GovernanceIssue struct {
	Code     string    `json:"code"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Step     Step      `json:"step,omitempty"`
	Raised   time.Time `json:"raised"`
}

// BudgetMode selects how the guardrail enforces overruns.
type BudgetMode string

const (
	BudgetHard BudgetMode = "hard"
	BudgetSoft BudgetMode = "soft"
)

// BudgetLedger tracks project-level experiment spend.
type BudgetLedger struct {
	Ceiling float64    `json:"ceiling"`
	Spent   float64    `json:"spent"`
	Mode    BudgetMode `json:"mode"`
	// Granted is a one-shot allowance set when a spend increase is approved
	// without raising the ceiling.
	Granted bool `json:"granted,omitempty"`
}

// ValidationState is the single persisted value the orchestrator threads
// through every step. Steps receive a clone and return a new value.
type ValidationState struct {
	RunID       string `json:"run_id"`
	ProjectName string `json:"project_name"`
	Hypothesis  string `json:"hypothesis,omitempty"`

	Phase      Phase      `json:"phase"`
	RiskAxis   RiskAxis   `json:"risk_axis,omitempty"`
	ProblemFit ProblemFit `json:"problem_fit"`

	SegmentRef   string `json:"segment_ref,omitempty"`
	ValuePropRef string `json:"value_prop_ref,omitempty"`

	Desirability DesirabilitySignal `json:"desirability"`
	Feasibility  FeasibilitySignal  `json:"feasibility"`
	Viability    ViabilitySignal    `json:"viability"`

	LastPivot    PivotType `json:"last_pivot"`
	PendingPivot PivotType `json:"pending_pivot"`

	Approval          ApprovalStatus `json:"approval"`
	PendingApprovalID string         `json:"pending_approval_id,omitempty"`
	NextStep          Step           `json:"next_step"`
	ResumeStep        Step           `json:"resume_step,omitempty"`
	// DeferredStep is where a loop escalation continues once approved.
	DeferredStep Step `json:"deferred_step,omitempty"`

	LatestExperimentID  string                 `json:"latest_experiment_id,omitempty"`
	FinancialSnapshotID string                 `json:"financial_snapshot_id,omitempty"`
	Experiments         []ExperimentRun        `json:"experiments,omitempty"`
	FeasibilityReport   *FeasibilityAssessment `json:"feasibility_report,omitempty"`
	Financials          *FinancialSnapshot     `json:"financials,omitempty"`

	PivotHistory     []PivotRecord     `json:"pivot_history,omitempty"`
	GovernanceIssues []GovernanceIssue `json:"governance_issues,omitempty"`
	Iterations       map[Phase]int     `json:"iterations"`

	Downgrade         bool         `json:"downgrade"`
	PriceTestApproved bool         `json:"price_test_approved"`
	Budget            BudgetLedger `json:"budget"`
	Terminal          bool         `json:"terminal"`

	Version       int64     `json:"version"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewValidationState returns a fresh state positioned at intake.
func NewValidationState(runID, project, hypothesis string, budget BudgetLedger, now time.Time) *ValidationState {
	if budget.Mode == "" {
		budget.Mode = BudgetHard
	}
	return &ValidationState{
		RunID:         runID,
		ProjectName:   project,
		Hypothesis:    hypothesis,
		Phase:         PhaseIdeation,
		ProblemFit:    ProblemFitUnknown,
		Desirability:  DesirabilityUnknown,
		Feasibility:   FeasibilityUnknown,
		Viability:     ViabilityUnknown,
		LastPivot:     PivotNone,
		PendingPivot:  PivotNone,
		Approval:      ApprovalNotRequired,
		NextStep:      StepIntake,
		Iterations:    map[Phase]int{},
		Budget:        budget,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Suspended reports whether the run is waiting on a blocking approval.
func (s *ValidationState) Suspended() bool {
	return s.Approval == ApprovalPending
}

// LatestExperiment returns the most recent experiment run, if any.
func (s *ValidationState) LatestExperiment() *ExperimentRun {
	for i := len(s.Experiments) - 1; i >= 0; i-- {
		if s.Experiments[i].ID == s.LatestExperimentID {
			return &s.Experiments[i]
		}
	}
	return nil
}

// MoveTo positions s at step. Entering a different phase updates the phase,
// the risk axis and the new phase's iteration counter. Terminal steps retire
// the run.
func (s *ValidationState) MoveTo(step Step) {
	s.NextStep = step
	p := step.Phase()
	if p == "" || p == s.Phase {
		return
	}
	s.Phase = p
	s.RiskAxis = p.RiskAxis()
	if p.Terminal() {
		s.Terminal = true
		s.PendingPivot = PivotNone
		return
	}
	if s.Iterations == nil {
		s.Iterations = map[Phase]int{}
	}
	s.Iterations[p]++
}

// Validate enforces the structural invariants of the state.
func (s *ValidationState) Validate() error {
	if s.RunID == "" {
		return eris.New("state: run id is required")
	}
	if !s.Phase.Valid() {
		return eris.Errorf("state: invalid phase %q", s.Phase)
	}
	if s.Terminal != s.Phase.Terminal() {
		return eris.Errorf("state: terminal flag %t inconsistent with phase %s", s.Terminal, s.Phase)
	}
	if (s.Approval == ApprovalPending) != (s.PendingApprovalID != "") {
		return eris.Errorf("state: approval %s inconsistent with pending request %q", s.Approval, s.PendingApprovalID)
	}
	if s.Terminal && s.PendingPivot != PivotNone {
		return eris.Errorf("state: terminal run carries pending pivot %s", s.PendingPivot)
	}
	if s.PendingPivot != PivotNone && !s.midGate() {
		return eris.Errorf("state: pending pivot %s outside a failed gate", s.PendingPivot)
	}
	if s.PendingPivot == PivotNone && s.consumesPivot() {
		return eris.Errorf("state: next step %s needs a pending pivot", s.NextStep)
	}
	if s.NextStep != "" && !s.NextStep.Valid() {
		return eris.Errorf("state: invalid next step %q", s.NextStep)
	}
	return nil
}

// midGate reports whether the next step is one that consumes a failed gate's
// pending pivot.
func (s *ValidationState) midGate() bool {
	switch s.NextStep {
	case StepPivotSegment, StepPivotValue, StepReduceScope, StepRequestPivot, StepApplyPivot, StepEscalateLoop, StepAwaitApproval:
		return true
	}
	return false
}

// consumesPivot reports whether the next step acts on the pending pivot.
func (s *ValidationState) consumesPivot() bool {
	switch s.NextStep {
	case StepPivotSegment, StepPivotValue, StepReduceScope, StepRequestPivot:
		return true
	}
	return false
}

// Clone returns a deep copy of s.
func (s *ValidationState) Clone() *ValidationState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Experiments != nil {
		c.Experiments = make([]ExperimentRun, len(s.Experiments))
		for i, e := range s.Experiments {
			c.Experiments[i] = e.clone()
		}
	}
	if s.FeasibilityReport != nil {
		fr := *s.FeasibilityReport
		fr.Components = append([]FeasibilityComponent(nil), s.FeasibilityReport.Components...)
		c.FeasibilityReport = &fr
	}
	if s.Financials != nil {
		f := *s.Financials
		c.Financials = &f
	}
	c.PivotHistory = append([]PivotRecord(nil), s.PivotHistory...)
	c.GovernanceIssues = append([]GovernanceIssue(nil), s.GovernanceIssues...)
	c.Iterations = make(map[Phase]int, len(s.Iterations))
	for k, v := range s.Iterations {
		c.Iterations[k] = v
	}
	return &c
}

func (e ExperimentRun) clone() ExperimentRun {
	c := e
	if e.Artifacts != nil {
		c.Artifacts = make([]Artifact, len(e.Artifacts))
		for i, a := range e.Artifacts {
			ca := a
			if a.Content != nil {
				ca.Content = make(map[string]string, len(a.Content))
				for k, v := range a.Content {
					ca.Content[k] = v
				}
			}
			c.Artifacts[i] = ca
		}
	}
	c.Channels = append([]ChannelResult(nil), e.Channels...)
	c.Config.Channels = append([]string(nil), e.Config.Channels...)
	if e.Config.Thresholds != nil {
		c.Config.Thresholds = make(map[string]string, len(e.Config.Thresholds))
		for k, v := range e.Config.Thresholds {
			c.Config.Thresholds[k] = v
		}
	}
	return c
}

// MigrateState upgrades a state decoded from an older schema version in place.
func MigrateState(s *ValidationState) error {
	if s.SchemaVersion > CurrentSchemaVersion {
		return eris.Errorf("state: schema version %d is newer than supported %d", s.SchemaVersion, CurrentSchemaVersion)
	}
	// v0/v1 had no iteration counters, approval default or budget mode.
	if s.SchemaVersion < 2 {
		if s.Iterations == nil {
			s.Iterations = map[Phase]int{}
		}
		if s.Approval == "" {
			s.Approval = ApprovalNotRequired
		}
		if s.Budget.Mode == "" {
			s.Budget.Mode = BudgetHard
		}
		if s.LastPivot == "" {
			s.LastPivot = PivotNone
		}
		if s.PendingPivot == "" {
			s.PendingPivot = PivotNone
		}
		if s.ProblemFit == "" {
			s.ProblemFit = ProblemFitUnknown
		}
		s.SchemaVersion = 2
	}
	return nil
}
