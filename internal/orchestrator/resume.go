package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/approval"
	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/notify"
	"github.com/sells-group/validation-cli/internal/store"
)

// Resume applies a human decision to a pending request. Resolving a
// blocking request drives the run on from its resume step; a parallel
// request only records the decision and its side effects.
func (o *Orchestrator) Resume(ctx context.Context, in approval.ResumeInput) (*Result, error) {
	if strings.TrimSpace(in.Resolver) == "" {
		return nil, eris.Wrap(approval.ErrInvalidDecision, "resolver is required")
	}
	req, err := o.loadApproval(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.lock(req.RunID)
	defer unlock()

	var prev, committed *model.ValidationState
	err = o.retryConflicts(req.RunID, func() error {
		req, err = o.loadApproval(ctx, in.RequestID)
		if err != nil {
			return err
		}
		prev, err = o.store.GetState(ctx, req.RunID)
		if err != nil {
			return eris.Wrapf(err, "orchestrator: load run %s", req.RunID)
		}
		out, err := o.gateway.Apply(prev, req, in)
		if err != nil {
			return err
		}
		committed, err = o.store.CommitTransition(ctx, store.Transition{
			State:           out.State,
			ExpectedVersion: prev.Version,
			Entries:         out.Entries,
			ResolveApproval: &store.ApprovalClose{ID: req.ID, Resolution: out.Resolution},
		})
		return closeErr(err, req.ID)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("orchestrator: approval resolved",
		zap.String("run_id", req.RunID),
		zap.String("approval_id", req.ID),
		zap.String("type", string(req.Type)),
		zap.String("decision", string(in.Decision)),
		zap.String("resolver", in.Resolver),
		zap.String("next_step", string(committed.NextStep)),
	)
	d := details(committed)
	d[notify.DetailType] = string(req.Type)
	notify.Deliver(ctx, o.notifier, notify.Notification{
		RunID:      req.RunID,
		Kind:       notify.KindApprovalResolved,
		ApprovalID: req.ID,
		Message:    fmt.Sprintf("%s: %s %s by %s", committed.ProjectName, req.Type, in.Decision, in.Resolver),
		Details:    d,
		Timestamp:  o.now(),
	})
	o.announce(ctx, prev, committed, nil)

	if !req.Blocking || committed.Terminal || committed.Suspended() {
		return finish(&Result{State: committed}), nil
	}
	res, err := o.drive(ctx, committed)
	if errors.Is(err, store.ErrVersionConflict) {
		return o.advance(ctx, req.RunID)
	}
	if err != nil {
		// The resolution is committed either way; report the failure on the
		// result so a retry does not hit an already resolved request.
		zap.L().Warn("orchestrator: drive after resolution failed",
			zap.String("run_id", req.RunID),
			zap.String("approval_id", req.ID),
			zap.Error(err),
		)
		res.DriveError = err.Error()
	}
	return res, nil
}

// Cancel closes a pending request without a decision and kills the run. An
// empty requestID means the run's pending blocking request.
func (o *Orchestrator) Cancel(ctx context.Context, runID, requestID, actor, reason string) (*Result, error) {
	unlock := o.locks.lock(runID)
	defer unlock()

	var prev, committed *model.ValidationState
	var req *model.ApprovalRequest
	err := o.retryConflicts(runID, func() error {
		var err error
		prev, err = o.store.GetState(ctx, runID)
		if err != nil {
			return eris.Wrapf(err, "orchestrator: load run %s", runID)
		}
		id := requestID
		if id == "" {
			id = prev.PendingApprovalID
		}
		if id == "" {
			return eris.Wrapf(approval.ErrUnknownRequest, "run %s has no pending approval", runID)
		}
		req, err = o.loadApproval(ctx, id)
		if err != nil {
			return err
		}
		if req.RunID != runID {
			return eris.Wrapf(approval.ErrInvalidDecision, "request %s belongs to run %s", req.ID, req.RunID)
		}
		out, err := o.gateway.Cancel(prev, req, actor, reason)
		if err != nil {
			return err
		}
		committed, err = o.store.CommitTransition(ctx, store.Transition{
			State:           out.State,
			ExpectedVersion: prev.Version,
			Entries:         out.Entries,
			CancelApproval:  &store.ApprovalClose{ID: req.ID, Resolution: out.Resolution},
		})
		return closeErr(err, req.ID)
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("orchestrator: approval cancelled",
		zap.String("run_id", runID),
		zap.String("approval_id", req.ID),
		zap.String("actor", actor),
	)
	o.announce(ctx, prev, committed, nil)
	return finish(&Result{State: committed}), nil
}

// Veto raises a human governance veto against the run's next step. The run
// suspends until someone overrides the veto or kills the run.
func (o *Orchestrator) Veto(ctx context.Context, runID, actor, reason string) (*Result, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, eris.Wrap(ErrInvalidInput, "veto needs an actor")
	}
	unlock := o.locks.lock(runID)
	defer unlock()

	var prev, committed *model.ValidationState
	var opened []model.ApprovalRequest
	err := o.retryConflicts(runID, func() error {
		var err error
		prev, err = o.store.GetState(ctx, runID)
		if err != nil {
			return eris.Wrapf(err, "orchestrator: load run %s", runID)
		}
		switch {
		case prev.Terminal:
			return eris.Wrapf(ErrTerminal, "%s", runID)
		case prev.Suspended():
			return eris.Wrapf(ErrSuspended, "%s", runID)
		}
		entry := model.DecisionLogEntry{
			Timestamp: o.now(),
			Actor:     model.ActorHuman,
			ActorID:   actor,
			Type:      model.DecisionGovernanceVeto,
			Step:      prev.NextStep,
			Inputs:    map[string]any{"reason": reason},
			Outcome:   "veto",
		}
		res, err := o.suspend(prev.Clone(), approval.Spec{
			Type:       model.ApprovalGovernanceVeto,
			Step:       prev.NextStep,
			ResumeStep: prev.NextStep,
			Options:    []string{model.OptionOverride, model.OptionKill},
			Context:    map[string]any{"vetoed_by": actor},
			Reason:     reason,
		}, entry)
		if err != nil {
			return err
		}
		opened = res.Approvals
		committed, err = o.commit(ctx, prev, res)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.announce(ctx, prev, committed, opened)
	return finish(&Result{State: committed}), nil
}

// Escalate raises the level of every pending request whose schedule has
// come due and notifies the next recipient. It returns how many requests
// were escalated.
func (o *Orchestrator) Escalate(ctx context.Context, now time.Time) (int, error) {
	reqs, err := o.store.ListApprovals(ctx, store.ApprovalFilter{Status: model.RequestPending, Limit: 1000})
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: list pending approvals")
	}
	n := 0
	for _, req := range reqs {
		esc, ok := o.escalator.Due(req, now)
		if !ok {
			continue
		}
		entry := model.DecisionLogEntry{
			Timestamp: now,
			Actor:     model.ActorSystem,
			Type:      model.DecisionApprovalEscalated,
			Step:      req.ResumeStep,
			Inputs: map[string]any{
				"approval_id":   req.ID,
				"approval_type": string(req.Type),
				"level":         esc.Level,
				"notify":        esc.Step.Notify,
			},
			Outcome: esc.Step.Notify,
		}
		if err := o.store.UpdateEscalation(ctx, req.ID, esc.Level, entry); err != nil {
			if errors.Is(err, store.ErrAlreadyResolved) {
				continue
			}
			return n, eris.Wrapf(err, "orchestrator: escalate %s", req.ID)
		}
		n++
		zap.L().Info("orchestrator: approval escalated",
			zap.String("run_id", req.RunID),
			zap.String("approval_id", req.ID),
			zap.Int("level", esc.Level),
			zap.String("notify", esc.Step.Notify),
		)
		notify.Deliver(ctx, o.notifier, notify.Notification{
			RunID:      req.RunID,
			Kind:       notify.KindApprovalEscalated,
			ApprovalID: req.ID,
			Recipient:  esc.Step.Notify,
			Message:    fmt.Sprintf("%s approval pending since %s", req.Type, req.CreatedAt.Format(time.RFC3339)),
			Details: map[string]any{
				notify.DetailType:  string(req.Type),
				notify.DetailLevel: esc.Level,
			},
			Timestamp: now,
		})
	}
	return n, nil
}

// Watch runs Escalate every interval until ctx is done.
func (o *Orchestrator) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Escalate(ctx, o.now()); err != nil {
				zap.L().Warn("orchestrator: escalation sweep failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) loadApproval(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	if id == "" {
		return nil, eris.Wrap(approval.ErrUnknownRequest, "request id is required")
	}
	req, err := o.store.GetApproval(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(approval.ErrUnknownRequest, "%s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load approval %s", id)
	}
	return req, nil
}

// closeErr maps store errors from closing a request onto the approval
// errors callers check for.
func closeErr(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrAlreadyResolved):
		return eris.Wrapf(approval.ErrAlreadyResolved, "%s", id)
	case errors.Is(err, store.ErrVersionConflict):
		return err
	default:
		return eris.Wrapf(err, "orchestrator: close approval %s", id)
	}
}
