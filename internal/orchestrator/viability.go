package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/approval"
	"github.com/sells-group/validation-cli/internal/capability"
	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/router"
	"github.com/sells-group/validation-cli/internal/signal"
)

func (o *Orchestrator) modelViability(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	inputs := map[string]any{
		"segment_ref":         s.SegmentRef,
		"value_prop_ref":      s.ValuePropRef,
		"downgrade":           s.Downgrade,
		"last_pivot":          string(s.LastPivot),
		"price_test_approved": s.PriceTestApproved,
	}
	if exp := s.LatestExperiment(); exp != nil {
		inputs["metrics"] = exp.Aggregate
	}
	if s.FeasibilityReport != nil {
		inputs["estimated_cost"] = s.FeasibilityReport.EstimatedCost
	}
	out, resp, err := invoke[capability.FinancialsOutput](ctx, o, s, capability.Financials, inputs)
	if err != nil {
		return o.failed(s, model.StepModelViability, capability.Financials, err)
	}
	snap := out.FinancialSnapshot
	if snap.ID == "" {
		snap.ID = model.DerivedID(s.RunID, s.Version, string(model.StepModelViability), "financials")
	}
	snap.CreatedAt = o.now()
	s.Financials = &snap
	s.FinancialSnapshotID = snap.ID
	s.NextStep = model.StepViabilityGate
	return &StepResult{State: s, Inputs: map[string]any{
		"snapshot_id":     snap.ID,
		"capability_cost": costOf(resp),
	}}, nil
}

func (o *Orchestrator) viabilityGate(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	if s.Financials == nil {
		return nil, eris.Errorf("run %s has no financial snapshot", s.RunID)
	}
	f := *s.Financials
	sig := signal.Viability(f, o.thresholds)
	s.Viability = sig
	entry := model.DecisionLogEntry{
		Timestamp: o.now(),
		Actor:     model.ActorAutomated,
		Type:      model.DecisionSignalComputed,
		Step:      model.StepViabilityGate,
		Inputs: map[string]any{
			"snapshot_id":       f.ID,
			"cac":               f.CAC,
			"ltv":               f.LTV,
			"ltv_cac":           f.LTVToCAC(),
			"addressable_spend": f.AddressableSpend,
			"min_ltv_cac":       o.thresholds.MinLTVCAC,
			"min_market_size":   o.thresholds.MinMarketSize,
		},
		Outcome: sig.String(),
	}
	return o.applyRoute(ctx, s, model.StepViabilityGate, sig, []model.DecisionLogEntry{entry})
}

// requestPivot asks a human to choose between a price pivot, a cost pivot
// and killing the run.
func (o *Orchestrator) requestPivot(_ context.Context, s *model.ValidationState) (*StepResult, error) {
	info := map[string]any{
		"signal":              s.Viability.String(),
		"price_test_approved": s.PriceTestApproved,
	}
	if s.Financials != nil {
		info["ltv_cac"] = s.Financials.LTVToCAC()
		info["addressable_spend"] = s.Financials.AddressableSpend
	}
	return o.suspend(s, approval.Spec{
		Type:       model.ApprovalStrategicPivot,
		Step:       model.StepRequestPivot,
		ResumeStep: model.StepApplyPivot,
		Options:    router.StrategicOptions(s),
		Context:    info,
		Reason:     "viability:" + s.Viability.String(),
	})
}

// applyPivot continues a run whose strategic decision was recorded without
// the run being moved on, e.g. after a restore from an older snapshot.
func (o *Orchestrator) applyPivot(_ context.Context, s *model.ValidationState) (*StepResult, error) {
	if s.PendingPivot == model.PivotStrategic {
		return nil, eris.Errorf("run %s has no strategic decision yet", s.RunID)
	}
	var choice string
	switch s.LastPivot {
	case model.PivotPrice:
		choice = model.OptionPricePivot
	case model.PivotCost:
		choice = model.OptionCostPivot
	case model.PivotKill:
		choice = model.OptionKill
	default:
		return nil, eris.Errorf("run %s has no strategic decision recorded", s.RunID)
	}
	next, _, err := router.StrategicOutcome(choice)
	if err != nil {
		return nil, err
	}
	s.PendingPivot = model.PivotNone
	s.MoveTo(next)
	return &StepResult{State: s, Inputs: map[string]any{"choice": choice}}, nil
}
