package approval

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/validation-cli/internal/budget"
	"github.com/sells-group/validation-cli/internal/config"
	"github.com/sells-group/validation-cli/internal/model"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestGateway(p Policy) *Gateway {
	g := NewGateway(p).WithClock(func() time.Time { return now })
	n := 0
	g.newID = func(*model.ValidationState, Spec) string {
		n++
		return fmt.Sprintf("apr-%d", n)
	}
	return g
}

func stateAt(step model.Step) *model.ValidationState {
	s := model.NewValidationState("run-1", "standup-bot", "", model.BudgetLedger{Ceiling: 1000}, now)
	s.MoveTo(step)
	return s
}

func failedViability() *model.ValidationState {
	s := stateAt(model.StepViabilityGate)
	s.PendingPivot = model.PivotStrategic
	s.NextStep = model.StepRequestPivot
	return s
}

func withExperiment(s *model.ValidationState) *model.ValidationState {
	s.Experiments = append(s.Experiments, model.ExperimentRun{
		ID: "exp-1",
		Artifacts: []model.Artifact{
			{ID: "ad-1", Kind: model.ArtifactAdVariant, Status: model.ArtifactPendingReview},
			{ID: "lp-1", Kind: model.ArtifactLandingPage, Status: model.ArtifactPendingReview},
		},
	})
	s.LatestExperimentID = "exp-1"
	return s
}

func openStrategic(t *testing.T, g *Gateway, s *model.ValidationState) (*Opened, *model.ApprovalRequest) {
	t.Helper()
	opened, err := g.Open(s, Spec{
		Type:       model.ApprovalStrategicPivot,
		Step:       model.StepRequestPivot,
		ResumeStep: model.StepApplyPivot,
		Options:    []string{model.OptionPricePivot, model.OptionCostPivot, model.OptionKill},
		Reason:     "viability:underwater",
	})
	require.NoError(t, err)
	return opened, &opened.Request
}

func TestPolicyFromConfig(t *testing.T) {
	t.Parallel()

	p, err := PolicyFromConfig(map[string]config.ApprovalRule{
		"spend_increase": {
			Disposition:         "blocking",
			AutoApproveMaxSpend: 50,
			Escalation: []config.EscalationStep{
				{After: 4 * time.Hour, Notify: "vp"},
				{After: time.Hour, Notify: "lead"},
			},
		},
		"creative_review": {Disposition: "blocking"},
	})
	require.NoError(t, err)
	assert.Equal(t, Blocking, p.Rule(model.ApprovalCreativeReview).Disposition)
	assert.Equal(t, Blocking, p.Rule(model.ApprovalGovernanceVeto).Disposition)
	rule := p.Rule(model.ApprovalSpendIncrease)
	require.Len(t, rule.Escalation, 2)
	assert.Equal(t, "lead", rule.Escalation[0].Notify, "schedule is sorted by delay")

	_, err = PolicyFromConfig(map[string]config.ApprovalRule{"coffee_break": {}})
	assert.Error(t, err)
	_, err = PolicyFromConfig(map[string]config.ApprovalRule{"spend_increase": {Disposition: "later"}})
	assert.Error(t, err)
	_, err = PolicyFromConfig(map[string]config.ApprovalRule{"governance_veto": {Disposition: "parallel"}})
	assert.Error(t, err)

	d := DefaultPolicy()
	assert.Equal(t, Parallel, d.Rule(model.ApprovalCreativeReview).Disposition)
	for _, typ := range model.AllApprovalTypes() {
		if typ != model.ApprovalCreativeReview {
			assert.Equal(t, Blocking, d.Rule(typ).Disposition, typ)
		}
	}
}

func TestOpenBlockingSuspends(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)
	s := failedViability()

	opened, req := openStrategic(t, g, s)
	assert.Equal(t, "apr-1", req.ID)
	assert.True(t, req.Blocking)
	assert.Equal(t, model.RequestPending, req.Status)
	assert.Equal(t, "viability:underwater", req.Context["reason"])

	st := opened.State
	assert.True(t, st.Suspended())
	assert.Equal(t, "apr-1", st.PendingApprovalID)
	assert.Equal(t, model.StepAwaitApproval, st.NextStep)
	assert.Equal(t, model.StepApplyPivot, st.ResumeStep)
	require.NoError(t, st.Validate())
	assert.False(t, s.Suspended(), "input state must not change")

	require.Len(t, opened.Entries, 1)
	assert.Equal(t, model.DecisionApprovalRequested, opened.Entries[0].Type)
}

func TestOpenParallelLeavesRouting(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)
	s := withExperiment(stateAt(model.StepRunExperiment))

	opened, err := g.Open(s, Spec{Type: model.ApprovalCreativeReview, Step: model.StepDesign, ResumeStep: model.StepRunExperiment,
		Context: map[string]any{"experiment_id": "exp-1"}})
	require.NoError(t, err)
	assert.False(t, opened.Request.Blocking)
	assert.False(t, opened.State.Suspended())
	assert.Equal(t, model.StepRunExperiment, opened.State.NextStep)
	assert.Equal(t, []string{"parallel"}, opened.Entries[0].Tags)
}

func TestOpenAutoApprovesWithinLimit(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	r := p[model.ApprovalSpendIncrease]
	r.AutoApproveMaxSpend = 250
	p[model.ApprovalSpendIncrease] = r
	g := newTestGateway(p)

	s := stateAt(model.StepRunExperiment)
	opened, err := g.Open(s, Spec{Type: model.ApprovalSpendIncrease, Step: model.StepRunExperiment,
		ResumeStep: model.StepRunExperiment, ProposedSpend: 200})
	require.NoError(t, err)

	assert.True(t, opened.Request.AutoApproved)
	assert.Equal(t, model.RequestResolved, opened.Request.Status)
	require.NotNil(t, opened.Request.Resolution)
	assert.Equal(t, SystemResolver, opened.Request.Resolution.Resolver)

	st := opened.State
	assert.False(t, st.Suspended())
	assert.True(t, st.Budget.Granted)
	assert.Equal(t, model.StepRunExperiment, st.NextStep)
	require.NoError(t, st.Validate())
	require.Len(t, opened.Entries, 1)
	assert.Equal(t, model.DecisionAutoApproved, opened.Entries[0].Type)
	assert.Equal(t, model.ActorSystem, opened.Entries[0].Actor)

	// Above the limit a human decides.
	opened, err = g.Open(s, Spec{Type: model.ApprovalSpendIncrease, ResumeStep: model.StepRunExperiment, ProposedSpend: 251})
	require.NoError(t, err)
	assert.False(t, opened.Request.AutoApproved)
	assert.True(t, opened.State.Suspended())
}

func TestOpenNeverAutoApprovesStrategic(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	for typ, r := range p {
		r.AutoApproveMaxSpend = 1e9
		p[typ] = r
	}
	g := newTestGateway(p)

	for _, typ := range []model.ApprovalType{
		model.ApprovalStrategicPivot, model.ApprovalGovernanceVeto,
		model.ApprovalCapabilityFailure, model.ApprovalLoopEscalation,
	} {
		opened, err := g.Open(stateAt(model.StepDesign), Spec{Type: typ, ResumeStep: model.StepDesign, ProposedSpend: 1})
		require.NoError(t, err)
		assert.False(t, opened.Request.AutoApproved, typ)
	}
}

func TestOpenNeverAutoApprovesAtKill(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	r := p[model.ApprovalSpendIncrease]
	r.AutoApproveMaxSpend = 500
	p[model.ApprovalSpendIncrease] = r
	g := newTestGateway(p)

	opened, err := g.Open(stateAt(model.StepRunExperiment), Spec{Type: model.ApprovalSpendIncrease, Step: model.StepRunExperiment,
		ResumeStep: model.StepRunExperiment, ProposedSpend: 200, BudgetStatus: budget.StatusKill})
	require.NoError(t, err)
	assert.False(t, opened.Request.AutoApproved)
	assert.Equal(t, model.RequestPending, opened.Request.Status)
	assert.Equal(t, "kill", opened.Request.Context["budget_status"])
	assert.True(t, opened.State.Suspended())
	assert.False(t, opened.State.Budget.Granted)

	opened, err = g.Open(stateAt(model.StepRunExperiment), Spec{Type: model.ApprovalSpendIncrease, Step: model.StepRunExperiment,
		ResumeStep: model.StepRunExperiment, ProposedSpend: 200, BudgetStatus: budget.StatusExceeded})
	require.NoError(t, err)
	assert.True(t, opened.Request.AutoApproved)
}

func TestOpenDerivesRequestIDFromState(t *testing.T) {
	t.Parallel()
	g := NewGateway(nil).WithClock(func() time.Time { return now })
	spec := Spec{Type: model.ApprovalLoopEscalation, Step: model.StepEscalateLoop, ResumeStep: model.StepDesign}

	s := stateAt(model.StepDesign)
	s.Version = 7
	a, err := g.Open(s, spec)
	require.NoError(t, err)
	b, err := g.Open(s.Clone(), spec)
	require.NoError(t, err)
	assert.Equal(t, a.Request.ID, b.Request.ID)
	assert.Equal(t, a.State, b.State)

	s.Version = 8
	c, err := g.Open(s, spec)
	require.NoError(t, err)
	assert.NotEqual(t, a.Request.ID, c.Request.ID)

	spec.Type = model.ApprovalCapabilityFailure
	d, err := g.Open(s, spec)
	require.NoError(t, err)
	assert.NotEqual(t, c.Request.ID, d.Request.ID)
}

func TestValidateResume(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)
	_, req := openStrategic(t, g, failedViability())
	resolved := *req
	resolved.Status = model.RequestResolved

	spend := model.ApprovalRequest{ID: "apr-s", RunID: "run-1", Type: model.ApprovalSpendIncrease, Status: model.RequestPending}
	killSpend := spend
	killSpend.Context = map[string]any{"budget_status": "kill"}
	creative := model.ApprovalRequest{ID: "apr-c", RunID: "run-1", Type: model.ApprovalCreativeReview, Status: model.RequestPending}

	tests := []struct {
		name string
		req  *model.ApprovalRequest
		in   ResumeInput
		want error
	}{
		{"unknown", nil, ResumeInput{RequestID: "x", Decision: model.DecisionApprove}, ErrUnknownRequest},
		{"id mismatch", req, ResumeInput{RequestID: "other", Decision: model.DecisionApprove}, ErrUnknownRequest},
		{"run mismatch", req, ResumeInput{RunID: "run-2", Decision: model.DecisionApprove, Choice: model.OptionKill}, ErrInvalidDecision},
		{"already resolved", &resolved, ResumeInput{Decision: model.DecisionApprove, Choice: model.OptionKill}, ErrAlreadyResolved},
		{"bad verb", req, ResumeInput{Decision: "maybe"}, ErrInvalidDecision},
		{"choice not offered", req, ResumeInput{Decision: model.DecisionApprove, Choice: "scope_pivot"}, ErrInvalidDecision},
		{"strategic needs choice", req, ResumeInput{Decision: model.DecisionApprove}, ErrInvalidDecision},
		{"strategic reject", req, ResumeInput{Decision: model.DecisionReject}, nil},
		{"strategic approve", req, ResumeInput{RunID: "run-1", RequestID: req.ID, Decision: model.DecisionApprove, Choice: model.OptionCostPivot}, nil},
		{"spend modify without ceiling", &spend, ResumeInput{Decision: model.DecisionModify}, ErrInvalidDecision},
		{"spend modify", &spend, ResumeInput{Decision: model.DecisionModify, Modifications: map[string]any{"ceiling": 2000.0}}, nil},
		{"spend approve at exceeded", &spend, ResumeInput{Decision: model.DecisionApprove}, nil},
		{"spend approve at kill", &killSpend, ResumeInput{Decision: model.DecisionApprove}, ErrInvalidDecision},
		{"spend approve at kill with ceiling", &killSpend, ResumeInput{Decision: model.DecisionApprove, Modifications: map[string]any{"ceiling": 5000.0}}, nil},
		{"spend reject at kill", &killSpend, ResumeInput{Decision: model.DecisionReject}, nil},
		{"creative modify without artifacts", &creative, ResumeInput{Decision: model.DecisionModify}, ErrInvalidDecision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := g.ValidateResume(tt.req, tt.in)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestApplyStrategicPivot(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)
	opened, req := openStrategic(t, g, failedViability())

	out, err := g.Apply(opened.State, req, ResumeInput{Decision: model.DecisionApprove, Choice: model.OptionPricePivot, Resolver: "alice"})
	require.NoError(t, err)
	st := out.State
	require.NoError(t, st.Validate())
	assert.Equal(t, model.StepDesign, st.NextStep)
	assert.Equal(t, model.PhaseDesirability, st.Phase)
	assert.Equal(t, 1, st.Iterations[model.PhaseDesirability])
	assert.Equal(t, model.PivotPrice, st.LastPivot)
	assert.Equal(t, model.PivotNone, st.PendingPivot)
	assert.True(t, st.PriceTestApproved)
	assert.Equal(t, model.ApprovalApproved, st.Approval)
	assert.Empty(t, st.PendingApprovalID)
	require.Len(t, st.PivotHistory, 1)
	assert.Equal(t, "alice", st.PivotHistory[0].DecidedBy)

	assert.Equal(t, "alice", out.Resolution.Resolver)
	require.Len(t, out.Entries, 2)
	assert.Equal(t, model.DecisionApprovalResolved, out.Entries[0].Type)
	assert.Equal(t, model.ActorHuman, out.Entries[0].Actor)
	assert.Equal(t, model.DecisionPivotApplied, out.Entries[1].Type)
	assert.Equal(t, "price_pivot", out.Entries[1].Outcome)
}

func TestApplyCostPivotResetsPriceTest(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)
	s := failedViability()
	s.PriceTestApproved = true
	opened, req := openStrategic(t, g, s)

	out, err := g.Apply(opened.State, req, ResumeInput{Decision: model.DecisionModify, Choice: model.OptionCostPivot, Resolver: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.StepAssessFeasibility, out.State.NextStep)
	assert.Equal(t, model.PhaseFeasibility, out.State.Phase)
	assert.False(t, out.State.PriceTestApproved)
}

func TestApplyStrategicRejectKills(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)
	opened, req := openStrategic(t, g, failedViability())

	out, err := g.Apply(opened.State, req, ResumeInput{Decision: model.DecisionReject, Resolver: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.PhaseKilled, out.State.Phase)
	assert.True(t, out.State.Terminal)
	assert.Equal(t, model.PivotKill, out.State.LastPivot)
	assert.Equal(t, model.ApprovalRejected, out.State.Approval)
	require.NoError(t, out.State.Validate())
}

func TestApplySpendIncrease(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		in          ResumeInput
		wantCeiling float64
		wantGranted bool
		wantStep    model.Step
	}{
		{"raise ceiling", ResumeInput{Decision: model.DecisionModify, Modifications: map[string]any{"ceiling": 2500.0}}, 2500, false, model.StepRunExperiment},
		{"one-shot allowance", ResumeInput{Decision: model.DecisionApprove}, 1000, true, model.StepRunExperiment},
		{"reject", ResumeInput{Decision: model.DecisionReject}, 1000, false, model.StepKilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newTestGateway(nil)
			opened, err := g.Open(stateAt(model.StepRunExperiment), Spec{Type: model.ApprovalSpendIncrease, ResumeStep: model.StepRunExperiment})
			require.NoError(t, err)
			tt.in.Resolver = "bob"
			out, err := g.Apply(opened.State, &opened.Request, tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantCeiling, out.State.Budget.Ceiling, 1e-9)
			assert.Equal(t, tt.wantGranted, out.State.Budget.Granted)
			assert.Equal(t, tt.wantStep, out.State.NextStep)
			require.NoError(t, out.State.Validate())
		})
	}
}

func TestApplyCreativeReview(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)

	t.Run("parallel approve", func(t *testing.T) {
		s := withExperiment(stateAt(model.StepRunExperiment))
		opened, err := g.Open(s, Spec{Type: model.ApprovalCreativeReview, ResumeStep: model.StepRunExperiment})
		require.NoError(t, err)

		out, err := g.Apply(opened.State, &opened.Request, ResumeInput{Decision: model.DecisionApprove, Resolver: "carol"})
		require.NoError(t, err)
		for _, a := range out.State.LatestExperiment().Artifacts {
			assert.Equal(t, model.ArtifactApproved, a.Status)
		}
		assert.Equal(t, model.StepRunExperiment, out.State.NextStep)
		assert.Equal(t, model.ApprovalNotRequired, out.State.Approval)
	})

	t.Run("modify per artifact", func(t *testing.T) {
		s := withExperiment(stateAt(model.StepRunExperiment))
		opened, err := g.Open(s, Spec{Type: model.ApprovalCreativeReview, ResumeStep: model.StepRunExperiment})
		require.NoError(t, err)

		out, err := g.Apply(opened.State, &opened.Request, ResumeInput{
			Decision:      model.DecisionModify,
			Resolver:      "carol",
			Comment:       "landing page overclaims",
			Modifications: map[string]any{"artifacts": map[string]any{"ad-1": "approved", "lp-1": "rejected"}},
		})
		require.NoError(t, err)
		arts := out.State.LatestExperiment().Artifacts
		assert.Equal(t, model.ArtifactApproved, arts[0].Status)
		assert.Equal(t, model.ArtifactRejected, arts[1].Status)
		assert.Equal(t, "landing page overclaims", arts[1].Comment)
		assert.Len(t, arts, 2, "rejected artifacts are kept")
	})

	t.Run("modify unknown artifact", func(t *testing.T) {
		s := withExperiment(stateAt(model.StepRunExperiment))
		opened, err := g.Open(s, Spec{Type: model.ApprovalCreativeReview, ResumeStep: model.StepRunExperiment})
		require.NoError(t, err)
		_, err = g.Apply(opened.State, &opened.Request, ResumeInput{
			Decision:      model.DecisionModify,
			Modifications: map[string]any{"artifacts": map[string]any{"nope": "approved"}},
		})
		assert.True(t, errors.Is(err, ErrInvalidDecision))
	})

	t.Run("blocking reject returns to design", func(t *testing.T) {
		p := DefaultPolicy()
		p[model.ApprovalCreativeReview] = Rule{Disposition: Blocking}
		bg := newTestGateway(p)
		s := withExperiment(stateAt(model.StepRunExperiment))
		opened, err := bg.Open(s, Spec{Type: model.ApprovalCreativeReview, ResumeStep: model.StepRunExperiment})
		require.NoError(t, err)
		require.True(t, opened.State.Suspended())

		out, err := bg.Apply(opened.State, &opened.Request, ResumeInput{Decision: model.DecisionReject, Resolver: "carol"})
		require.NoError(t, err)
		assert.Equal(t, model.StepDesign, out.State.NextStep)
		assert.False(t, out.State.Terminal)
		assert.Equal(t, model.ApprovalRejected, out.State.Approval)
	})
}

func TestApplyGovernanceVeto(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)

	opened, err := g.Open(stateAt(model.StepRunExperiment), Spec{Type: model.ApprovalGovernanceVeto,
		ResumeStep: model.StepRunExperiment, Options: []string{model.OptionOverride, model.OptionKill}})
	require.NoError(t, err)

	out, err := g.Apply(opened.State, &opened.Request, ResumeInput{Decision: model.DecisionApprove, Choice: model.OptionOverride, Resolver: "dana"})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalOverridden, out.State.Approval)
	assert.Equal(t, model.StepRunExperiment, out.State.NextStep)

	out, err = g.Apply(opened.State, &opened.Request, ResumeInput{Decision: model.DecisionReject, Resolver: "dana"})
	require.NoError(t, err)
	assert.Equal(t, model.PhaseKilled, out.State.Phase)
}

func TestApplyLoopEscalation(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)

	s := stateAt(model.StepDesirabilityGate)
	s.Iterations[model.PhaseDesirability] = 5
	s.PendingPivot = model.PivotSegment
	s.NextStep = model.StepEscalateLoop
	s.DeferredStep = model.StepPivotSegment
	opened, err := g.Open(s, Spec{Type: model.ApprovalLoopEscalation, ResumeStep: model.StepPivotSegment,
		Options: []string{model.OptionContinue, model.OptionKill}, Context: map[string]any{"phase": "desirability"}})
	require.NoError(t, err)
	require.NoError(t, opened.State.Validate())

	out, err := g.Apply(opened.State, &opened.Request, ResumeInput{Decision: model.DecisionApprove, Choice: model.OptionContinue, Resolver: "erin"})
	require.NoError(t, err)
	assert.Equal(t, 0, out.State.Iterations[model.PhaseDesirability])
	assert.Equal(t, model.StepPivotSegment, out.State.NextStep)
	assert.Equal(t, model.PivotSegment, out.State.PendingPivot)
	require.NoError(t, out.State.Validate())

	out, err = g.Apply(opened.State, &opened.Request, ResumeInput{Decision: model.DecisionApprove, Choice: model.OptionKill, Resolver: "erin"})
	require.NoError(t, err)
	assert.True(t, out.State.Terminal)
	require.NoError(t, out.State.Validate())
}

func TestApplyCapabilityFailure(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)

	opened, err := g.Open(stateAt(model.StepAssessFeasibility), Spec{Type: model.ApprovalCapabilityFailure,
		ResumeStep: model.StepAssessFeasibility, Options: []string{model.OptionRetry, model.OptionKill}})
	require.NoError(t, err)

	out, err := g.Apply(opened.State, &opened.Request, ResumeInput{Decision: model.DecisionApprove, Choice: model.OptionRetry, Resolver: "ops"})
	require.NoError(t, err)
	assert.Equal(t, model.StepAssessFeasibility, out.State.NextStep)
	assert.Equal(t, model.PhaseFeasibility, out.State.Phase)
	assert.Equal(t, 1, out.State.Iterations[model.PhaseFeasibility], "resuming in the same phase is not a new pass")
}

func TestApplyOnTerminalRun(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)
	opened, req := openStrategic(t, g, failedViability())
	dead := opened.State.Clone()
	dead.PendingApprovalID = ""
	dead.Approval = model.ApprovalRejected
	dead.MoveTo(model.StepKilled)

	_, err := g.Apply(dead, req, ResumeInput{Decision: model.DecisionApprove, Choice: model.OptionKill})
	assert.True(t, errors.Is(err, ErrInvalidDecision))
}

func TestApplyCreativeReviewAfterRunEnds(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)
	opened, err := g.Open(withExperiment(stateAt(model.StepRunExperiment)), Spec{Type: model.ApprovalCreativeReview, ResumeStep: model.StepRunExperiment})
	require.NoError(t, err)
	require.False(t, opened.Request.Blocking)

	done := opened.State.Clone()
	done.MoveTo(model.StepValidated)
	require.True(t, done.Terminal)

	out, err := g.Apply(done, &opened.Request, ResumeInput{Decision: model.DecisionReject, Resolver: "carol"})
	require.NoError(t, err)
	assert.Equal(t, model.PhaseValidated, out.State.Phase)
	assert.Equal(t, model.StepValidated, out.State.NextStep)
	for _, a := range out.State.LatestExperiment().Artifacts {
		assert.Equal(t, model.ArtifactRejected, a.Status)
	}
	require.NoError(t, out.State.Validate())
}

func TestCancel(t *testing.T) {
	t.Parallel()
	g := newTestGateway(nil)
	opened, req := openStrategic(t, g, failedViability())

	out, err := g.Cancel(opened.State, req, "frank", "project shelved")
	require.NoError(t, err)
	assert.True(t, out.State.Terminal)
	assert.Empty(t, out.State.PendingApprovalID)
	assert.Equal(t, model.DecisionReject, out.Resolution.Decision)
	assert.Equal(t, model.DecisionApprovalCancelled, out.Entries[0].Type)
	require.NoError(t, out.State.Validate())

	closed := *req
	closed.Status = model.RequestCancelled
	_, err = g.Cancel(opened.State, &closed, "frank", "again")
	assert.True(t, errors.Is(err, ErrAlreadyResolved))

	_, err = g.Cancel(opened.State, nil, "frank", "")
	assert.True(t, errors.Is(err, ErrUnknownRequest))
}

func TestEscalatorDue(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	p[model.ApprovalStrategicPivot] = Rule{Disposition: Blocking, Escalation: []EscalationStep{
		{After: time.Hour, Notify: "lead"},
		{After: 24 * time.Hour, Notify: "vp"},
	}}
	e := NewEscalator(p)
	req := model.ApprovalRequest{Type: model.ApprovalStrategicPivot, Status: model.RequestPending, CreatedAt: now}

	_, ok := e.Due(req, now.Add(30*time.Minute))
	assert.False(t, ok)

	esc, ok := e.Due(req, now.Add(2*time.Hour))
	require.True(t, ok)
	assert.Equal(t, 1, esc.Level)
	assert.Equal(t, "lead", esc.Step.Notify)

	req.EscalationLevel = 1
	_, ok = e.Due(req, now.Add(2*time.Hour))
	assert.False(t, ok, "level already reached")

	esc, ok = e.Due(req, now.Add(25*time.Hour))
	require.True(t, ok)
	assert.Equal(t, 2, esc.Level)
	assert.Equal(t, "vp", esc.Step.Notify)

	req.Status = model.RequestResolved
	_, ok = e.Due(req, now.Add(48*time.Hour))
	assert.False(t, ok)

	_, ok = e.Due(model.ApprovalRequest{Type: model.ApprovalSpendIncrease, Status: model.RequestPending, CreatedAt: now}, now.Add(100*time.Hour))
	assert.False(t, ok, "no schedule, no escalation")
}
