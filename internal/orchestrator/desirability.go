package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/validation-cli/internal/approval"
	"github.com/sells-group/validation-cli/internal/budget"
	"github.com/sells-group/validation-cli/internal/capability"
	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/signal"
)

// design produces creative for a new experiment and asks for review.
func (o *Orchestrator) design(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	if len(o.experiment.Channels) == 0 {
		return nil, eris.New("no experiment channels configured")
	}
	out, resp, err := invoke[capability.CreativeOutput](ctx, o, s, capability.Creative, map[string]any{
		"segment_ref":    s.SegmentRef,
		"value_prop_ref": s.ValuePropRef,
		"downgrade":      s.Downgrade,
		"last_pivot":     string(s.LastPivot),
		"iteration":      s.Iterations[model.PhaseDesirability],
	})
	if err != nil {
		return o.failed(s, model.StepDesign, capability.Creative, err)
	}

	arts := make([]model.Artifact, len(out.Artifacts))
	ids := make([]string, len(out.Artifacts))
	for i, a := range out.Artifacts {
		if a.Status == "" || a.Status == model.ArtifactDraft {
			a.Status = model.ArtifactPendingReview
		}
		arts[i] = a
		ids[i] = a.ID
	}
	exp := model.ExperimentRun{
		ID:        model.DerivedID(s.RunID, s.Version, string(model.StepDesign), "experiment"),
		Iteration: s.Iterations[model.PhaseDesirability],
		Downgrade: s.Downgrade,
		Artifacts: arts,
		Config: model.ExperimentConfig{
			Channels:         append([]string(nil), o.experiment.Channels...),
			BudgetPerChannel: o.experiment.BudgetPerChannel,
			Thresholds:       o.thresholds.Record(),
		},
		CreatedAt: o.now(),
	}
	s.Experiments = append(s.Experiments, exp)
	s.LatestExperimentID = exp.ID
	s.NextStep = model.StepRunExperiment

	res, err := o.suspend(s, approval.Spec{
		Type:       model.ApprovalCreativeReview,
		Step:       model.StepDesign,
		ResumeStep: model.StepRunExperiment,
		Context:    map[string]any{"experiment_id": exp.ID, "artifacts": ids},
		Reason:     "review creative before launch",
	})
	if err != nil {
		return nil, err
	}
	res.Inputs = map[string]any{"experiment_id": exp.ID, "artifacts": len(arts), "capability_cost": costOf(resp)}
	return res, nil
}

// runExperiment checks the budget, fans the experiment out to every channel
// and aggregates once all of them have reported.
func (o *Orchestrator) runExperiment(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	exp := s.LatestExperiment()
	if exp == nil || exp.Finalized {
		return nil, eris.Errorf("run %s has no open experiment", s.RunID)
	}

	var live []string
	for _, a := range exp.Artifacts {
		if a.Status != model.ArtifactRejected {
			live = append(live, a.ID)
		}
	}
	if len(exp.Artifacts) > 0 && len(live) == 0 {
		s.NextStep = model.StepDesign
		return &StepResult{State: s, Inputs: map[string]any{"experiment_id": exp.ID, "reason": "all artifacts rejected"}}, nil
	}

	channels := exp.Config.Channels
	proposed := float64(len(channels)) * exp.Config.BudgetPerChannel
	pre := budget.FromLedger(s.Budget).Check(s.Budget.Spent, proposed)
	entries := []model.DecisionLogEntry{o.budgetEntry(pre, "pre_run")}

	if !pre.Allowed {
		// A grant covers an exceeded ceiling only; kill needs a new ceiling.
		if !s.Budget.Granted || pre.Status == budget.StatusKill {
			s.Budget.Granted = false
			return o.suspend(s, approval.Spec{
				Type:          model.ApprovalSpendIncrease,
				Step:          model.StepRunExperiment,
				ResumeStep:    model.StepRunExperiment,
				Context:       pre.Inputs(),
				ProposedSpend: proposed,
				BudgetStatus:  pre.Status,
				Reason:        "budget " + string(pre.Status),
			}, entries...)
		}
		entries[0].Tags = append(entries[0].Tags, "budget_granted")
	}

	results, cost, err := o.runChannels(ctx, s, exp, live)
	if err != nil {
		return o.failed(s, model.StepRunExperiment, capability.Experiment, err, entries...)
	}

	exp.Channels = results
	exp.Aggregate = signal.Aggregate(results)
	exp.Finalized = true
	s.Budget.Spent += exp.Aggregate.Spend
	s.Budget.Granted = false
	post := budget.FromLedger(s.Budget).Check(s.Budget.Spent, 0)
	entries = append(entries, o.budgetEntry(post, "post_run"))
	if post.Status != budget.StatusOK {
		zap.L().Warn("orchestrator: budget threshold crossed",
			zap.String("run_id", s.RunID),
			zap.String("status", string(post.Status)),
			zap.Float64("ratio", post.Ratio),
		)
	}

	s.NextStep = model.StepDesirabilityGate
	return &StepResult{State: s, Entries: entries, Inputs: map[string]any{
		"experiment_id":   exp.ID,
		"channels":        len(results),
		"spend":           exp.Aggregate.Spend,
		"capability_cost": cost,
	}}, nil
}

// runChannels runs every channel concurrently. Results are returned only
// when all channels succeed, in channel order.
func (o *Orchestrator) runChannels(ctx context.Context, s *model.ValidationState, exp *model.ExperimentRun, artifacts []string) ([]model.ChannelResult, float64, error) {
	channels := exp.Config.Channels
	results := make([]model.ChannelResult, len(channels))
	costs := make([]float64, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	if n := o.experiment.MaxConcurrentChannels; n > 0 {
		g.SetLimit(n)
	}
	for i, ch := range channels {
		g.Go(func() error {
			out, resp, err := invoke[capability.ExperimentOutput](gctx, o, s, capability.Experiment, map[string]any{
				"channel":        ch,
				"experiment_id":  exp.ID,
				"budget":         exp.Config.BudgetPerChannel,
				"artifacts":      artifacts,
				"segment_ref":    s.SegmentRef,
				"value_prop_ref": s.ValuePropRef,
				"downgrade":      exp.Downgrade,
			})
			if err != nil {
				return err
			}
			r := out.ChannelResult
			if r.Channel == "" {
				r.Channel = ch
			}
			r.Metrics = r.Metrics.Derive()
			results[i] = r
			costs[i] = costOf(resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	var total float64
	for _, c := range costs {
		total += c
	}
	return results, total, nil
}

func (o *Orchestrator) budgetEntry(a budget.Assessment, stage string) model.DecisionLogEntry {
	inputs := a.Inputs()
	inputs["stage"] = stage
	return model.DecisionLogEntry{
		Timestamp: o.now(),
		Actor:     model.ActorAutomated,
		Type:      model.DecisionBudgetChecked,
		Step:      model.StepRunExperiment,
		Inputs:    inputs,
		Outcome:   string(a.Status),
		Tags:      append([]string(nil), a.Tags...),
	}
}

// desirabilityGate classifies the finalized experiment and routes on it.
func (o *Orchestrator) desirabilityGate(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	exp := s.LatestExperiment()
	if exp == nil || !exp.Finalized {
		return nil, eris.Errorf("run %s has no finalized experiment", s.RunID)
	}
	sig := signal.Desirability(exp.Aggregate, o.thresholds)
	exp.Signal = sig
	s.Desirability = sig

	m := exp.Aggregate
	entry := model.DecisionLogEntry{
		Timestamp: o.now(),
		Actor:     model.ActorAutomated,
		Type:      model.DecisionSignalComputed,
		Step:      model.StepDesirabilityGate,
		Inputs: map[string]any{
			"experiment_id":   exp.ID,
			"impressions":     m.Impressions,
			"clicks":          m.Clicks,
			"signups":         m.Signups,
			"spend":           m.Spend,
			"ctr":             m.CTR,
			"conversion_rate": m.ConversionRate,
			"thresholds":      exp.Config.Thresholds,
		},
		Outcome: sig.String(),
	}
	return o.applyRoute(ctx, s, model.StepDesirabilityGate, sig, []model.DecisionLogEntry{entry})
}

func (o *Orchestrator) pivotSegment(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	return o.pivot(ctx, s, model.PivotSegment)
}

func (o *Orchestrator) pivotValue(ctx context.Context, s *model.ValidationState) (*StepResult, error) {
	return o.pivot(ctx, s, model.PivotValue)
}

// pivot asks the pivot capability for a new segment or value proposition,
// records it and sends the run back to design.
func (o *Orchestrator) pivot(ctx context.Context, s *model.ValidationState, kind model.PivotType) (*StepResult, error) {
	step := s.NextStep
	inputs := map[string]any{
		"pivot":          string(kind),
		"segment_ref":    s.SegmentRef,
		"value_prop_ref": s.ValuePropRef,
		"signal":         s.Desirability.String(),
	}
	if exp := s.LatestExperiment(); exp != nil {
		inputs["metrics"] = exp.Aggregate
	}
	out, resp, err := invoke[capability.PivotOutput](ctx, o, s, capability.Pivot, inputs)
	if err != nil {
		return o.failed(s, step, capability.Pivot, err)
	}

	var from, to string
	switch kind {
	case model.PivotSegment:
		from = s.SegmentRef
		if out.SegmentRef != "" {
			s.SegmentRef = out.SegmentRef
		}
		if out.ValuePropRef != "" {
			s.ValuePropRef = out.ValuePropRef
		}
		to = s.SegmentRef
	default:
		from = s.ValuePropRef
		if out.ValuePropRef != "" {
			s.ValuePropRef = out.ValuePropRef
		}
		to = s.ValuePropRef
	}

	now := o.now()
	s.PivotHistory = append(s.PivotHistory, model.PivotRecord{
		Type:      kind,
		Phase:     s.Phase,
		Iteration: s.Iterations[s.Phase],
		Reason:    "desirability:" + s.Desirability.String(),
		From:      from,
		To:        to,
		DecidedBy: "router",
		At:        now,
	})
	s.LastPivot = kind
	s.PendingPivot = model.PivotNone
	s.Iterations[s.Phase]++
	s.NextStep = model.StepDesign

	entry := model.DecisionLogEntry{
		Timestamp: now,
		Actor:     model.ActorAutomated,
		Type:      model.DecisionPivotApplied,
		Step:      step,
		Inputs:    map[string]any{"from": from, "to": to, "notes": out.Notes},
		Outcome:   string(kind),
	}
	return &StepResult{State: s, Entries: []model.DecisionLogEntry{entry}, Inputs: map[string]any{"capability_cost": costOf(resp)}}, nil
}
