package approval

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/budget"
	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/router"
)

var (
	// ErrUnknownRequest is returned when a resume names no known request.
	ErrUnknownRequest = eris.New("approval: unknown request")
	// ErrAlreadyResolved is returned when a request is no longer pending.
	ErrAlreadyResolved = eris.New("approval: request already resolved")
	// ErrInvalidDecision is returned when a resume input does not fit the request.
	ErrInvalidDecision = eris.New("approval: invalid decision")
)

// SystemResolver is the resolver recorded for automatic decisions.
const SystemResolver = "system"

// Spec describes a request to open.
type Spec struct {
	Type model.ApprovalType
	// Step is where the request was raised.
	Step model.Step
	// ResumeStep is where the run continues once the request is approved.
	ResumeStep model.Step
	Options    []string
	Context    map[string]any
	// ProposedSpend enables auto-approval when the type's rule allows it.
	ProposedSpend float64
	// BudgetStatus is the guardrail level that raised the request. Requests
	// raised at the kill level are never auto-approved.
	BudgetStatus budget.Status
	Reason       string
}

// Opened is the result of opening a request.
type Opened struct {
	Request model.ApprovalRequest
	State   *model.ValidationState
	Entries []model.DecisionLogEntry
}

// ResumeInput is a human decision on a pending request.
type ResumeInput struct {
	RunID         string         `json:"run_id"`
	RequestID     string         `json:"request_id"`
	Decision      model.Decision `json:"decision"`
	Choice        string         `json:"choice,omitempty"`
	Resolver      string         `json:"resolver"`
	Comment       string         `json:"comment,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

// Outcome is the state produced by resolving or cancelling a request.
type Outcome struct {
	State      *model.ValidationState
	Resolution model.Resolution
	Entries    []model.DecisionLogEntry
}

// Gateway opens approval requests and applies their resolutions. It holds no
// state of its own; requests and runs are persisted by the caller.
type Gateway struct {
	policy Policy
	now    func() time.Time
	newID  func(s *model.ValidationState, spec Spec) string
}

// NewGateway creates a gateway enforcing p.
func NewGateway(p Policy) *Gateway {
	if p == nil {
		p = DefaultPolicy()
	}
	return &Gateway{
		policy: p,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  requestID,
	}
}

// requestID derives a request's ID from the state that raised it, so
// re-running a step opens the same request.
func requestID(s *model.ValidationState, spec Spec) string {
	return model.DerivedID(s.RunID, s.Version, "approval", string(spec.Step), string(spec.Type))
}

// WithClock replaces the gateway's clock.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Policy returns the rules the gateway enforces.
func (g *Gateway) Policy() Policy {
	return g.policy
}

// Open creates a request for spec against s. Blocking requests suspend the
// returned state at approval.wait. Parallel requests leave routing alone.
// Requests within their type's auto-approval limit are created resolved and
// their effect is applied immediately.
func (g *Gateway) Open(s *model.ValidationState, spec Spec) (*Opened, error) {
	if s.Terminal {
		return nil, eris.Errorf("approval: run %s is terminal", s.RunID)
	}
	rule := g.policy.Rule(spec.Type)
	req := model.ApprovalRequest{
		ID:         g.newID(s, spec),
		RunID:      s.RunID,
		Type:       spec.Type,
		Blocking:   rule.Disposition == Blocking,
		Context:    spec.Context,
		Options:    spec.Options,
		ResumeStep: spec.ResumeStep,
		Status:     model.RequestPending,
		CreatedAt:  g.now(),
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	if spec.Reason != "" {
		req.Context["reason"] = spec.Reason
	}
	if spec.ProposedSpend > 0 {
		req.Context["proposed_spend"] = spec.ProposedSpend
	}
	if spec.BudgetStatus != "" {
		req.Context["budget_status"] = string(spec.BudgetStatus)
	}

	requested := model.DecisionLogEntry{
		Timestamp: req.CreatedAt,
		Actor:     model.ActorAutomated,
		Type:      model.DecisionApprovalRequested,
		Step:      spec.Step,
		Inputs:    map[string]any{"approval_id": req.ID, "approval_type": string(req.Type), "reason": spec.Reason},
		Outcome:   string(req.Type),
	}

	if spec.BudgetStatus != budget.StatusKill && g.policy.autoApproves(spec.Type, spec.ProposedSpend) {
		// Apply as a blocking resolution so routing continues at ResumeStep.
		req.Blocking = true
		pending := s.Clone()
		pending.Approval = model.ApprovalPending
		pending.PendingApprovalID = req.ID
		out, err := g.apply(pending, req, ResumeInput{
			RunID:     s.RunID,
			RequestID: req.ID,
			Decision:  model.DecisionApprove,
			Resolver:  SystemResolver,
			Comment:   fmt.Sprintf("proposed spend %.2f within auto-approval limit", spec.ProposedSpend),
		})
		if err != nil {
			return nil, err
		}
		req.Status = model.RequestResolved
		req.AutoApproved = true
		req.Resolution = &out.Resolution

		auto := requested
		auto.Actor = model.ActorSystem
		auto.ActorID = SystemResolver
		auto.Type = model.DecisionAutoApproved
		zap.L().Info("approval: auto-approved",
			zap.String("run_id", s.RunID),
			zap.String("approval_id", req.ID),
			zap.String("type", string(req.Type)),
			zap.Float64("proposed_spend", spec.ProposedSpend),
		)
		return &Opened{Request: req, State: out.State, Entries: append([]model.DecisionLogEntry{auto}, out.Entries[1:]...)}, nil
	}

	next := s.Clone()
	if req.Blocking {
		next.Approval = model.ApprovalPending
		next.PendingApprovalID = req.ID
		next.ResumeStep = spec.ResumeStep
		next.NextStep = model.StepAwaitApproval
	} else {
		requested.Tags = []string{string(Parallel)}
	}
	return &Opened{Request: req, State: next, Entries: []model.DecisionLogEntry{requested}}, nil
}

// ValidateResume checks in against req without changing anything.
func (g *Gateway) ValidateResume(req *model.ApprovalRequest, in ResumeInput) error {
	if req == nil || (in.RequestID != "" && req.ID != in.RequestID) {
		return eris.Wrapf(ErrUnknownRequest, "%s", in.RequestID)
	}
	if in.RunID != "" && req.RunID != in.RunID {
		return eris.Wrapf(ErrInvalidDecision, "request %s belongs to run %s, not %s", req.ID, req.RunID, in.RunID)
	}
	if req.Status != model.RequestPending {
		return eris.Wrapf(ErrAlreadyResolved, "request %s is %s", req.ID, req.Status)
	}
	if !in.Decision.Valid() {
		return eris.Wrapf(ErrInvalidDecision, "decision %q must be approve, reject or modify", in.Decision)
	}
	if in.Choice != "" && !req.Offers(in.Choice) {
		return eris.Wrapf(ErrInvalidDecision, "choice %q not among %v", in.Choice, req.Options)
	}
	switch req.Type {
	case model.ApprovalStrategicPivot:
		if in.Decision != model.DecisionReject && in.Choice == "" {
			return eris.Wrapf(ErrInvalidDecision, "strategic pivot needs a choice among %v", req.Options)
		}
	case model.ApprovalSpendIncrease:
		c, ok := toFloat(in.Modifications["ceiling"])
		if in.Decision == model.DecisionModify && (!ok || c <= 0) {
			return eris.Wrap(ErrInvalidDecision, "modify needs a positive modifications.ceiling")
		}
		if in.Decision == model.DecisionApprove && req.Context["budget_status"] == string(budget.StatusKill) && (!ok || c <= 0) {
			return eris.Wrap(ErrInvalidDecision, "spend at the kill level needs a new modifications.ceiling or a reject")
		}
	case model.ApprovalCreativeReview:
		if in.Decision == model.DecisionModify {
			if _, ok := in.Modifications["artifacts"].(map[string]any); !ok {
				return eris.Wrap(ErrInvalidDecision, "modify needs modifications.artifacts")
			}
		}
	}
	return nil
}

// Apply validates in and returns the state that results from it. A parallel
// creative review can still be resolved after the run ends; only the
// artifact statuses change.
func (g *Gateway) Apply(s *model.ValidationState, req *model.ApprovalRequest, in ResumeInput) (*Outcome, error) {
	if err := g.ValidateResume(req, in); err != nil {
		return nil, err
	}
	if s.Terminal && (req.Blocking || req.Type != model.ApprovalCreativeReview) {
		return nil, eris.Wrapf(ErrInvalidDecision, "run %s is terminal", s.RunID)
	}
	return g.apply(s, *req, in)
}

func (g *Gateway) apply(s *model.ValidationState, req model.ApprovalRequest, in ResumeInput) (*Outcome, error) {
	now := g.now()
	res := model.Resolution{
		Decision:      in.Decision,
		Choice:        in.Choice,
		Resolver:      in.Resolver,
		ResolvedAt:    now,
		Modifications: in.Modifications,
		Comment:       in.Comment,
	}
	next := s.Clone()
	suspended := next.PendingApprovalID == req.ID
	resume := req.ResumeStep
	var extra []model.DecisionLogEntry

	switch req.Type {
	case model.ApprovalStrategicPivot:
		choice := in.Choice
		if in.Decision == model.DecisionReject {
			choice = model.OptionKill
		}
		step, pivot, err := router.StrategicOutcome(choice)
		if err != nil {
			return nil, eris.Wrap(ErrInvalidDecision, err.Error())
		}
		next.PivotHistory = append(next.PivotHistory, model.PivotRecord{
			Type:      pivot,
			Phase:     next.Phase,
			Iteration: next.Iterations[next.Phase],
			Reason:    in.Comment,
			From:      string(next.Phase),
			To:        string(step),
			DecidedBy: in.Resolver,
			At:        now,
		})
		next.LastPivot = pivot
		next.PendingPivot = model.PivotNone
		switch pivot {
		case model.PivotPrice:
			next.PriceTestApproved = true
		case model.PivotCost:
			next.PriceTestApproved = false
		}
		resume = step
		extra = append(extra, model.DecisionLogEntry{
			Timestamp: now,
			Actor:     actorFor(in.Resolver),
			ActorID:   in.Resolver,
			Type:      model.DecisionPivotApplied,
			Step:      model.StepApplyPivot,
			Inputs:    map[string]any{"approval_id": req.ID, "choice": choice},
			Outcome:   string(pivot),
		})

	case model.ApprovalSpendIncrease:
		if in.Decision == model.DecisionReject {
			resume = model.StepKilled
			break
		}
		if c, ok := toFloat(in.Modifications["ceiling"]); ok && c > 0 {
			next.Budget.Ceiling = c
		} else {
			next.Budget.Granted = true
		}

	case model.ApprovalCreativeReview:
		if err := reviewArtifacts(next, req, in); err != nil {
			return nil, err
		}
		if !hasApprovedArtifact(next, req) {
			resume = model.StepDesign
		}

	case model.ApprovalGovernanceVeto:
		if in.Decision == model.DecisionReject || in.Choice == model.OptionKill {
			resume = model.StepKilled
		}

	case model.ApprovalLoopEscalation:
		if in.Decision == model.DecisionReject || in.Choice == model.OptionKill {
			resume = model.StepKilled
			break
		}
		phase := next.Phase
		if p, ok := req.Context["phase"].(string); ok && model.Phase(p).Valid() {
			phase = model.Phase(p)
		}
		next.Iterations[phase] = 0
		next.DeferredStep = ""

	case model.ApprovalCapabilityFailure:
		if in.Decision == model.DecisionReject || in.Choice == model.OptionKill {
			resume = model.StepKilled
		}

	default:
		return nil, eris.Wrapf(ErrInvalidDecision, "unknown approval type %q", req.Type)
	}

	if suspended {
		next.PendingApprovalID = ""
		next.ResumeStep = ""
		switch {
		case in.Decision == model.DecisionReject:
			next.Approval = model.ApprovalRejected
		case req.Type == model.ApprovalGovernanceVeto:
			next.Approval = model.ApprovalOverridden
		default:
			next.Approval = model.ApprovalApproved
		}
		next.MoveTo(resume)
	} else if resume == model.StepKilled && !next.Terminal {
		next.MoveTo(model.StepKilled)
	}

	resolved := model.DecisionLogEntry{
		Timestamp: now,
		Actor:     actorFor(in.Resolver),
		ActorID:   in.Resolver,
		Type:      model.DecisionApprovalResolved,
		Step:      req.ResumeStep,
		Inputs: map[string]any{
			"approval_id":   req.ID,
			"approval_type": string(req.Type),
			"decision":      string(in.Decision),
			"choice":        in.Choice,
			"modifications": in.Modifications,
			"reason":        in.Comment,
		},
		Outcome: outcomeLabel(req.Type, in, next),
	}
	return &Outcome{State: next, Resolution: res, Entries: append([]model.DecisionLogEntry{resolved}, extra...)}, nil
}

// Cancel closes req without a decision and retires the run.
func (g *Gateway) Cancel(s *model.ValidationState, req *model.ApprovalRequest, resolver, reason string) (*Outcome, error) {
	if req == nil {
		return nil, ErrUnknownRequest
	}
	if req.Status != model.RequestPending {
		return nil, eris.Wrapf(ErrAlreadyResolved, "request %s is %s", req.ID, req.Status)
	}
	now := g.now()
	next := s.Clone()
	if next.PendingApprovalID == req.ID {
		next.PendingApprovalID = ""
		next.ResumeStep = ""
		next.Approval = model.ApprovalRejected
	}
	if !next.Terminal {
		next.MoveTo(model.StepKilled)
	}
	res := model.Resolution{Decision: model.DecisionReject, Resolver: resolver, ResolvedAt: now, Comment: reason}
	entry := model.DecisionLogEntry{
		Timestamp: now,
		Actor:     actorFor(resolver),
		ActorID:   resolver,
		Type:      model.DecisionApprovalCancelled,
		Inputs:    map[string]any{"approval_id": req.ID, "approval_type": string(req.Type), "reason": reason},
		Outcome:   "cancelled",
	}
	return &Outcome{State: next, Resolution: res, Entries: []model.DecisionLogEntry{entry}}, nil
}

func reviewArtifacts(s *model.ValidationState, req model.ApprovalRequest, in ResumeInput) error {
	exp := experimentFor(s, req)
	if exp == nil {
		return eris.Wrapf(ErrInvalidDecision, "request %s has no experiment to review", req.ID)
	}
	decided := map[string]model.ArtifactStatus{}
	switch in.Decision {
	case model.DecisionApprove, model.DecisionReject:
		status := model.ArtifactApproved
		if in.Decision == model.DecisionReject {
			status = model.ArtifactRejected
		}
		for _, a := range exp.Artifacts {
			decided[a.ID] = status
		}
	case model.DecisionModify:
		for id, v := range in.Modifications["artifacts"].(map[string]any) {
			str, _ := v.(string)
			status := model.ArtifactStatus(str)
			if status != model.ArtifactApproved && status != model.ArtifactRejected {
				return eris.Wrapf(ErrInvalidDecision, "artifact %s: status %q must be approved or rejected", id, str)
			}
			decided[id] = status
		}
	}
	for _, a := range exp.Artifacts {
		status, ok := decided[a.ID]
		if !ok || a.Status == status || a.Status == model.ArtifactApproved || a.Status == model.ArtifactRejected {
			continue
		}
		if err := exp.SetArtifactStatus(a.ID, status, in.Comment); err != nil {
			return eris.Wrap(ErrInvalidDecision, err.Error())
		}
	}
	for id := range decided {
		if !hasArtifact(exp, id) {
			return eris.Wrapf(ErrInvalidDecision, "artifact %s not in experiment %s", id, exp.ID)
		}
	}
	return nil
}

func experimentFor(s *model.ValidationState, req model.ApprovalRequest) *model.ExperimentRun {
	if id, ok := req.Context["experiment_id"].(string); ok {
		for i := range s.Experiments {
			if s.Experiments[i].ID == id {
				return &s.Experiments[i]
			}
		}
		return nil
	}
	return s.LatestExperiment()
}

func hasArtifact(exp *model.ExperimentRun, id string) bool {
	for _, a := range exp.Artifacts {
		if a.ID == id {
			return true
		}
	}
	return false
}

func hasApprovedArtifact(s *model.ValidationState, req model.ApprovalRequest) bool {
	exp := experimentFor(s, req)
	if exp == nil {
		return false
	}
	for _, a := range exp.Artifacts {
		if a.Status == model.ArtifactApproved {
			return true
		}
	}
	return false
}

func actorFor(resolver string) model.Actor {
	if resolver == SystemResolver {
		return model.ActorSystem
	}
	return model.ActorHuman
}

func outcomeLabel(t model.ApprovalType, in ResumeInput, s *model.ValidationState) string {
	label := string(t) + ":" + string(in.Decision)
	if in.Choice != "" {
		label += ":" + in.Choice
	}
	return label + " -> " + string(s.NextStep)
}

// toFloat accepts the numeric shapes a decoded JSON or YAML body produces.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
