package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/approval"
	"github.com/sells-group/validation-cli/internal/capability"
	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/resilience"
)

// IssueCapabilityExhausted is the governance issue code raised when a
// capability keeps failing.
const IssueCapabilityExhausted = "capability_exhausted"

// invoke calls capability c for s under the retry and breaker policy.
func invoke[T capability.Output](ctx context.Context, o *Orchestrator, s *model.ValidationState, c capability.Name, inputs map[string]any) (T, *capability.Response, error) {
	req := capability.Request{RunID: s.RunID, Phase: s.Phase, Capability: c, Inputs: inputs}
	var resp *capability.Response
	out, err := resilience.Call(ctx, o.policy, s.RunID, string(c), func(ctx context.Context) (T, error) {
		out, r, err := capability.Call[T](ctx, o.caps, req)
		resp = r
		return out, err
	})
	return out, resp, err
}

// failed turns a capability error into a step result. Exhausted calls
// suspend the run for a human to retry or kill it; anything else aborts the
// step without committing.
func (o *Orchestrator) failed(s *model.ValidationState, step model.Step, c capability.Name, err error, prior ...model.DecisionLogEntry) (*StepResult, error) {
	if !resilience.IsExhausted(err) {
		return nil, eris.Wrapf(err, "capability %s", c)
	}
	now := o.now()
	issue := model.GovernanceIssue{
		Code:     IssueCapabilityExhausted,
		Severity: "high",
		Message:  err.Error(),
		Step:     step,
		Raised:   now,
	}
	s.GovernanceIssues = append(s.GovernanceIssues, issue)

	entries := append(prior,
		model.DecisionLogEntry{
			Timestamp: now,
			Actor:     model.ActorSystem,
			Type:      model.DecisionCapabilityFailed,
			Step:      step,
			Inputs:    map[string]any{"capability": string(c), "class": resilience.Classify(err), "error": err.Error()},
			Outcome:   "exhausted",
		},
		model.DecisionLogEntry{
			Timestamp: now,
			Actor:     model.ActorSystem,
			Type:      model.DecisionGovernanceIssue,
			Step:      step,
			Inputs:    map[string]any{"code": issue.Code, "severity": issue.Severity, "message": issue.Message},
			Outcome:   issue.Code,
		},
	)
	opened, oerr := o.gateway.Open(s, approval.Spec{
		Type:       model.ApprovalCapabilityFailure,
		Step:       step,
		ResumeStep: step,
		Options:    []string{model.OptionRetry, model.OptionKill},
		Context:    map[string]any{"capability": string(c), "error": err.Error()},
		Reason:     "capability " + string(c) + " exhausted retries",
	})
	if oerr != nil {
		return nil, oerr
	}
	return &StepResult{
		State:     opened.State,
		Entries:   append(entries, opened.Entries...),
		Approvals: []model.ApprovalRequest{opened.Request},
		Inputs:    map[string]any{"capability": string(c)},
	}, nil
}

// suspend opens a request and packages the result.
func (o *Orchestrator) suspend(s *model.ValidationState, spec approval.Spec, entries ...model.DecisionLogEntry) (*StepResult, error) {
	opened, err := o.gateway.Open(s, spec)
	if err != nil {
		return nil, err
	}
	return &StepResult{
		State:     opened.State,
		Entries:   append(entries, opened.Entries...),
		Approvals: []model.ApprovalRequest{opened.Request},
	}, nil
}

func costOf(resp *capability.Response) float64 {
	if resp == nil {
		return 0
	}
	return resp.Cost
}
