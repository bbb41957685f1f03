package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/validation-cli/internal/model"
)

// Explanation is one step of the answer to "why is this project here".
type Explanation struct {
	Seq     int64              `json:"seq"`
	At      time.Time          `json:"at"`
	Actor   model.Actor        `json:"actor"`
	ActorID string             `json:"actor_id,omitempty"`
	Type    model.DecisionType `json:"type"`
	Version int64              `json:"version"`
	Summary string             `json:"summary"`
}

// explained lists the decision types that change direction. Plain step
// transitions are noise for this purpose.
var explained = map[model.DecisionType]bool{
	model.DecisionRunStarted:        true,
	model.DecisionSignalComputed:    true,
	model.DecisionRouteSelected:     true,
	model.DecisionPivotApplied:      true,
	model.DecisionApprovalRequested: true,
	model.DecisionAutoApproved:      true,
	model.DecisionApprovalResolved:  true,
	model.DecisionApprovalCancelled: true,
	model.DecisionApprovalEscalated: true,
	model.DecisionGovernanceVeto:    true,
	model.DecisionCapabilityFailed:  true,
	model.DecisionBudgetChecked:     true,
}

// Explain extracts the ordered decisions that brought a run to its current
// phase: computed signals, selected routes, pivots and human approvals.
// Budget checks are included only when they raised a tag.
func Explain(entries []model.DecisionLogEntry) []Explanation {
	var out []Explanation
	for _, e := range entries {
		if !explained[e.Type] {
			continue
		}
		if e.Type == model.DecisionBudgetChecked && len(e.Tags) == 0 {
			continue
		}
		out = append(out, Explanation{
			Seq:     e.Seq,
			At:      e.Timestamp,
			Actor:   e.Actor,
			ActorID: e.ActorID,
			Type:    e.Type,
			Version: e.StateVersion,
			Summary: summarize(e),
		})
	}
	return out
}

// ExplainRun replays runID and explains it.
func ExplainRun(ctx context.Context, src Source, runID string) (*model.ValidationState, []Explanation, error) {
	r, err := ReplayRun(ctx, src, runID, ReplayOptions{})
	if err != nil {
		return nil, nil, err
	}
	return r.State, Explain(r.Entries), nil
}

func summarize(e model.DecisionLogEntry) string {
	var b strings.Builder
	switch e.Type {
	case model.DecisionSignalComputed:
		fmt.Fprintf(&b, "signal %s", e.Outcome)
	case model.DecisionRouteSelected:
		fmt.Fprintf(&b, "routed to %s", e.Outcome)
	case model.DecisionPivotApplied:
		fmt.Fprintf(&b, "pivot %s applied", e.Outcome)
	default:
		b.WriteString(e.Outcome)
	}
	if e.Step != "" {
		fmt.Fprintf(&b, " at %s", e.Step)
	}
	if reason, ok := e.Inputs["reason"]; ok {
		fmt.Fprintf(&b, " (%v)", reason)
	}
	if len(e.Tags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Tags, ", "))
	}
	if e.ActorID != "" {
		fmt.Fprintf(&b, " by %s", e.ActorID)
	}
	return b.String()
}

// Narrative renders explanations as one line each.
func Narrative(state *model.ValidationState, exps []Explanation) string {
	var b strings.Builder
	if state != nil {
		fmt.Fprintf(&b, "%s is in %s (next: %s, version %d)\n", state.ProjectName, state.Phase, state.NextStep, state.Version)
	}
	for _, x := range exps {
		fmt.Fprintf(&b, "%4d  %s  %-9s %-22s %s\n",
			x.Seq, x.At.UTC().Format(time.RFC3339), x.Actor, x.Type, x.Summary)
	}
	return b.String()
}
