// Package orchestrator drives validation runs through the step graph. Every
// step receives a copy of the run's state and returns the next state; the
// driver commits each step before it runs the next one or tells anyone.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/approval"
	"github.com/sells-group/validation-cli/internal/capability"
	"github.com/sells-group/validation-cli/internal/config"
	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/notify"
	"github.com/sells-group/validation-cli/internal/resilience"
	"github.com/sells-group/validation-cli/internal/router"
	"github.com/sells-group/validation-cli/internal/signal"
	"github.com/sells-group/validation-cli/internal/store"
)

var (
	// ErrTerminal is returned when an operation needs a live run.
	ErrTerminal = eris.New("orchestrator: run is terminal")
	// ErrSuspended is returned when an operation needs a run that is not
	// waiting on a blocking approval.
	ErrSuspended = eris.New("orchestrator: run is waiting on an approval")
	// ErrUnknownStep is returned when a state names a step with no handler.
	ErrUnknownStep = eris.New("orchestrator: no handler for step")
	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = eris.New("orchestrator: invalid input")
)

// StartInput describes a new run.
type StartInput struct {
	RunID       string           `json:"run_id,omitempty"`
	ProjectName string           `json:"project_name"`
	Hypothesis  string           `json:"hypothesis,omitempty"`
	Ceiling     float64          `json:"budget_ceiling,omitempty"`
	Mode        model.BudgetMode `json:"budget_mode,omitempty"`
	Actor       string           `json:"actor,omitempty"`
}

// Result reports where a drive stopped.
type Result struct {
	State             *model.ValidationState `json:"state"`
	Steps             int                    `json:"steps"`
	Suspended         bool                   `json:"suspended"`
	PendingApprovalID string                 `json:"pending_approval_id,omitempty"`
	// DriveError is set when a resolution was committed but driving the run
	// on from it failed. The run stays at the failed step for Advance.
	DriveError string `json:"drive_error,omitempty"`
}

// StepResult is what one step hands back to the driver.
type StepResult struct {
	State     *model.ValidationState
	Entries   []model.DecisionLogEntry
	Approvals []model.ApprovalRequest
	// Inputs are recorded on the step's transition entry.
	Inputs map[string]any
}

type stepFunc func(ctx context.Context, s *model.ValidationState) (*StepResult, error)

// Orchestrator owns the run lifecycle.
type Orchestrator struct {
	store      store.Store
	caps       capability.Provider
	notifier   notify.Notifier
	gateway    *approval.Gateway
	escalator  *approval.Escalator
	router     *router.Router
	policy     *resilience.Policy
	thresholds signal.Thresholds

	experiment      config.ExperimentConfig
	budget          config.BudgetConfig
	maxSteps        int
	conflictRetries int

	locks *runLocks
	steps map[model.Step]stepFunc
	now   func() time.Time
	newID func() string
}

// New wires an orchestrator from configuration. A nil notifier discards
// notifications.
func New(cfg *config.Config, st store.Store, caps capability.Provider, nt notify.Notifier) (*Orchestrator, error) {
	if st == nil {
		return nil, eris.New("orchestrator: store is required")
	}
	if caps == nil {
		return nil, eris.New("orchestrator: capability provider is required")
	}
	policy, err := approval.PolicyFromConfig(cfg.Approvals.Rules)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: approval policy")
	}
	if nt == nil {
		nt = notify.Nop{}
	}

	maxIter := make(map[model.Phase]int, len(model.LoopPhases()))
	for _, p := range model.LoopPhases() {
		maxIter[p] = cfg.Orchestrator.MaxIterationsFor(string(p))
	}
	maxSteps := cfg.Orchestrator.MaxStepsPerAdvance
	if maxSteps <= 0 {
		maxSteps = 100
	}
	retries := cfg.Orchestrator.ConflictRetries
	if retries < 0 {
		retries = 0
	}

	o := &Orchestrator{
		store:           st,
		caps:            caps,
		notifier:        nt,
		gateway:         approval.NewGateway(policy),
		escalator:       approval.NewEscalator(policy),
		router:          router.New(maxIter),
		policy:          resilience.NewPolicy(cfg.Retry, cfg.Circuit),
		thresholds:      signal.FromConfig(cfg.Signals),
		experiment:      cfg.Experiment,
		budget:          cfg.Budget,
		maxSteps:        maxSteps,
		conflictRetries: retries,
		locks:           newRunLocks(),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
	o.registerSteps()
	return o, nil
}

// WithClock replaces the clock used for timestamps and escalation.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	o.gateway.WithClock(now)
	return o
}

// Store returns the backing store.
func (o *Orchestrator) Store() store.Store { return o.store }

// Router returns the router the gates use.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Start creates a run and drives it until it suspends, terminates or hits
// the step limit.
func (o *Orchestrator) Start(ctx context.Context, in StartInput) (*Result, error) {
	name := strings.TrimSpace(in.ProjectName)
	if name == "" {
		return nil, eris.Wrap(ErrInvalidInput, "project name is required")
	}
	id := in.RunID
	if id == "" {
		id = o.newID()
	}
	ledger := model.BudgetLedger{Ceiling: in.Ceiling, Mode: in.Mode}
	if ledger.Ceiling <= 0 {
		ledger.Ceiling = o.budget.Ceiling
	}
	if ledger.Mode == "" {
		ledger.Mode = model.BudgetMode(o.budget.Mode)
	}
	if ledger.Mode != "" && ledger.Mode != model.BudgetHard && ledger.Mode != model.BudgetSoft {
		return nil, eris.Wrapf(ErrInvalidInput, "budget mode %q must be hard or soft", ledger.Mode)
	}

	now := o.now()
	s := model.NewValidationState(id, name, in.Hypothesis, ledger, now)
	actor := in.Actor
	if actor == "" {
		actor = approval.SystemResolver
	}
	entry := model.DecisionLogEntry{
		Timestamp: now,
		Actor:     model.ActorHuman,
		ActorID:   actor,
		Type:      model.DecisionRunStarted,
		Step:      model.StepIntake,
		Inputs: map[string]any{
			"project":        name,
			"hypothesis":     in.Hypothesis,
			"budget_ceiling": s.Budget.Ceiling,
			"budget_mode":    string(s.Budget.Mode),
		},
		Outcome: "started",
	}
	if actor == approval.SystemResolver {
		entry.Actor = model.ActorSystem
	}

	unlock := o.locks.lock(id)
	defer unlock()

	created, err := o.store.CreateRun(ctx, s, entry)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: create run")
	}
	zap.L().Info("orchestrator: run started",
		zap.String("run_id", id),
		zap.String("project", name),
		zap.Float64("budget_ceiling", created.Budget.Ceiling),
	)
	res, err := o.drive(ctx, created)
	if errors.Is(err, store.ErrVersionConflict) {
		return o.advance(ctx, id)
	}
	return res, err
}

// Advance drives a run from its persisted state. A suspended or terminal run
// is returned unchanged.
func (o *Orchestrator) Advance(ctx context.Context, runID string) (*Result, error) {
	unlock := o.locks.lock(runID)
	defer unlock()
	return o.advance(ctx, runID)
}

func (o *Orchestrator) advance(ctx context.Context, runID string) (*Result, error) {
	var res *Result
	err := o.retryConflicts(runID, func() error {
		s, err := o.store.GetState(ctx, runID)
		if err != nil {
			return eris.Wrapf(err, "orchestrator: load run %s", runID)
		}
		res, err = o.drive(ctx, s)
		return err
	})
	return res, err
}

// retryConflicts reruns fn while it reports a version conflict, reloading
// state each time.
func (o *Orchestrator) retryConflicts(runID string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= o.conflictRetries; attempt++ {
		if err = fn(); !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		zap.L().Warn("orchestrator: version conflict, reloading",
			zap.String("run_id", runID),
			zap.Int("attempt", attempt+1),
		)
	}
	return err
}

// drive runs steps until the run suspends, terminates or reaches the step
// limit. Each step is committed before the next one runs.
func (o *Orchestrator) drive(ctx context.Context, s *model.ValidationState) (*Result, error) {
	res := &Result{State: s}
	for res.Steps < o.maxSteps && !s.Terminal && !s.Suspended() {
		if err := ctx.Err(); err != nil {
			return finish(res), eris.Wrap(err, "orchestrator: drive cancelled")
		}
		next, err := o.step(ctx, s)
		if err != nil {
			return finish(res), err
		}
		s = next
		res.State = s
		res.Steps++
	}
	if res.Steps >= o.maxSteps && !s.Terminal && !s.Suspended() {
		zap.L().Warn("orchestrator: step limit reached",
			zap.String("run_id", s.RunID),
			zap.Int("steps", res.Steps),
			zap.String("next_step", string(s.NextStep)),
		)
	}
	return finish(res), nil
}

func finish(r *Result) *Result {
	if r.State != nil {
		r.Suspended = r.State.Suspended()
		r.PendingApprovalID = r.State.PendingApprovalID
	}
	return r
}

// step runs the handler for s.NextStep and commits its result.
func (o *Orchestrator) step(ctx context.Context, s *model.ValidationState) (*model.ValidationState, error) {
	fn, ok := o.steps[s.NextStep]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownStep, "%q", s.NextStep)
	}
	start := time.Now()
	out, err := fn(ctx, s.Clone())
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: step %s", s.NextStep)
	}
	committed, err := o.commit(ctx, s, out)
	if err != nil {
		return nil, err
	}
	zap.L().Info("orchestrator: step complete",
		zap.String("run_id", s.RunID),
		zap.String("step", string(s.NextStep)),
		zap.String("next_step", string(committed.NextStep)),
		zap.String("phase", string(committed.Phase)),
		zap.Int64("version", committed.Version),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	o.announce(ctx, s, committed, out.Approvals)
	return committed, nil
}

// commit persists out as the successor of prev, closing the step with a
// transition entry.
func (o *Orchestrator) commit(ctx context.Context, prev *model.ValidationState, out *StepResult) (*model.ValidationState, error) {
	inputs := map[string]any{
		"from_phase": string(prev.Phase),
		"to_phase":   string(out.State.Phase),
		"iteration":  out.State.Iterations[out.State.Phase],
	}
	for k, v := range out.Inputs {
		inputs[k] = v
	}
	entries := append(out.Entries, model.DecisionLogEntry{
		Timestamp: o.now(),
		Actor:     model.ActorAutomated,
		Type:      model.DecisionTransition,
		Step:      prev.NextStep,
		Inputs:    inputs,
		Outcome:   string(out.State.NextStep),
	})
	committed, err := o.store.CommitTransition(ctx, store.Transition{
		State:           out.State,
		ExpectedVersion: prev.Version,
		Entries:         entries,
		OpenApprovals:   out.Approvals,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: commit %s", prev.NextStep)
	}
	return committed, nil
}

// announce notifies about a committed transition.
func (o *Orchestrator) announce(ctx context.Context, prev, next *model.ValidationState, opened []model.ApprovalRequest) {
	for _, req := range opened {
		if req.Status != model.RequestPending {
			continue
		}
		d := details(next)
		d[notify.DetailType] = string(req.Type)
		notify.Deliver(ctx, o.notifier, notify.Notification{
			RunID:      next.RunID,
			Kind:       notify.KindApprovalRequested,
			ApprovalID: req.ID,
			Message:    fmt.Sprintf("%s: %s approval requested", next.ProjectName, req.Type),
			Details:    d,
			Timestamp:  o.now(),
		})
	}
	switch {
	case next.Terminal && !prev.Terminal:
		notify.Deliver(ctx, o.notifier, notify.Notification{
			RunID:     next.RunID,
			Kind:      notify.KindRunFinished,
			Message:   fmt.Sprintf("%s: run %s", next.ProjectName, next.Phase),
			Details:   details(next),
			Timestamp: o.now(),
		})
	case next.Phase != prev.Phase:
		notify.Deliver(ctx, o.notifier, notify.Notification{
			RunID:     next.RunID,
			Kind:      notify.KindRunUpdated,
			Message:   fmt.Sprintf("%s: entered %s", next.ProjectName, next.Phase),
			Details:   details(next),
			Timestamp: o.now(),
		})
	}
}

func details(s *model.ValidationState) map[string]any {
	return map[string]any{
		notify.DetailProject:  s.ProjectName,
		notify.DetailPhase:    string(s.Phase),
		notify.DetailNextStep: string(s.NextStep),
	}
}
