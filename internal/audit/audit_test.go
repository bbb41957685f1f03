package audit

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/validation-cli/internal/model"
)

type sliceSource struct {
	entries []model.DecisionLogEntry
	calls   int
}

func (s *sliceSource) ListDecisions(_ context.Context, runID string, afterSeq int64, limit int) ([]model.DecisionLogEntry, error) {
	s.calls++
	var out []model.DecisionLogEntry
	for _, e := range s.entries {
		if e.RunID == runID && e.Seq > afterSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func snapshot(version int64, phase model.Phase, next model.Step) *model.ValidationState {
	s := model.NewValidationState("run-1", "standup-bot", "", model.BudgetLedger{Ceiling: 500}, t0)
	s.Version = version
	s.Phase = phase
	s.NextStep = next
	return s
}

// history is a short run: started, entered desirability, failed the gate
// with weak interest and pivoted on value.
func history() []model.DecisionLogEntry {
	pivoting := snapshot(3, model.PhaseDesirability, model.StepPivotValue)
	pivoting.PendingPivot = model.PivotValue
	return []model.DecisionLogEntry{
		{Seq: 1, RunID: "run-1", Type: model.DecisionRunStarted, Actor: model.ActorSystem, Outcome: "run started",
			StateVersion: 1, StateAfter: snapshot(1, model.PhaseIdeation, model.StepIntake)},
		{Seq: 2, RunID: "run-1", Type: model.DecisionTransition, Actor: model.ActorAutomated, Step: model.StepIntake, Outcome: "desirability.design",
			StateVersion: 2, StateAfter: snapshot(2, model.PhaseDesirability, model.StepDesign)},
		{Seq: 3, RunID: "run-1", Type: model.DecisionBudgetChecked, Actor: model.ActorAutomated, Outcome: "ok", StateVersion: 3},
		{Seq: 4, RunID: "run-1", Type: model.DecisionBudgetChecked, Actor: model.ActorAutomated, Outcome: "warning",
			Tags: []string{"budget_warning"}, StateVersion: 3},
		{Seq: 5, RunID: "run-1", Type: model.DecisionSignalComputed, Actor: model.ActorAutomated, Step: model.StepDesirabilityGate,
			Outcome: "weak_interest", StateVersion: 3},
		{Seq: 6, RunID: "run-1", Type: model.DecisionRouteSelected, Actor: model.ActorAutomated, Step: model.StepDesirabilityGate,
			Outcome: "desirability.pivot_value", Inputs: map[string]any{"reason": "ctr met, conversion missed"},
			StateVersion: 3, StateAfter: pivoting},
		{Seq: 7, RunID: "run-2", Type: model.DecisionRunStarted, StateVersion: 1},
		{Seq: 8, RunID: "run-1", Type: model.DecisionPivotApplied, Actor: model.ActorAutomated, Step: model.StepPivotValue,
			Outcome: "value_pivot", StateVersion: 4, StateAfter: snapshot(4, model.PhaseDesirability, model.StepDesign)},
	}
}

func TestReplayRun_FoldsSnapshots(t *testing.T) {
	t.Parallel()
	src := &sliceSource{entries: history()}

	r, err := ReplayRun(context.Background(), src, "run-1", ReplayOptions{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), r.State.Version)
	assert.Equal(t, model.StepDesign, r.State.NextStep)
	assert.Len(t, r.Entries, 7)
	assert.Greater(t, src.calls, 3, "replay must page through the log")
	require.NoError(t, Verify(r.Entries))
}

func TestReplayRun_UntilVersion(t *testing.T) {
	t.Parallel()
	src := &sliceSource{entries: history()}

	r, err := ReplayRun(context.Background(), src, "run-1", ReplayOptions{UntilVersion: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.State.Version)
	assert.Equal(t, model.PhaseDesirability, r.State.Phase)
	assert.Len(t, r.Entries, 2)

	r, err = ReplayRun(context.Background(), src, "run-1", ReplayOptions{UntilVersion: 3})
	require.NoError(t, err)
	assert.Equal(t, model.StepPivotValue, r.State.NextStep)

	_, err = ReplayRun(context.Background(), src, "run-1", ReplayOptions{UntilVersion: 9})
	assert.True(t, errors.Is(err, ErrNoHistory))
}

func TestReplayRun_NoHistory(t *testing.T) {
	t.Parallel()
	_, err := ReplayRun(context.Background(), &sliceSource{}, "run-1", ReplayOptions{})
	assert.True(t, errors.Is(err, ErrNoHistory))
}

func TestVerify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries []model.DecisionLogEntry
		wantErr bool
	}{
		{"empty", nil, false},
		{"ordered", history()[:3], false},
		{"seq out of order", []model.DecisionLogEntry{{Seq: 2}, {Seq: 1}}, true},
		{"version regresses", []model.DecisionLogEntry{{Seq: 1, StateVersion: 2}, {Seq: 2, StateVersion: 1}}, true},
		{"snapshot mismatch", []model.DecisionLogEntry{{Seq: 1, StateVersion: 2, StateAfter: snapshot(1, model.PhaseIdeation, model.StepIntake)}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Verify(tt.entries)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExplain(t *testing.T) {
	t.Parallel()

	state, exps, err := ExplainRun(context.Background(), &sliceSource{entries: history()}, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), state.Version)

	var types []model.DecisionType
	for _, x := range exps {
		types = append(types, x.Type)
	}
	assert.Equal(t, []model.DecisionType{
		model.DecisionRunStarted,
		model.DecisionBudgetChecked,
		model.DecisionSignalComputed,
		model.DecisionRouteSelected,
		model.DecisionPivotApplied,
	}, types, "transitions and untagged budget checks are omitted")

	assert.Equal(t, "routed to desirability.pivot_value at desirability.gate (ctr met, conversion missed)", exps[3].Summary)
	assert.Contains(t, exps[1].Summary, "[budget_warning]")

	text := Narrative(state, exps)
	assert.Contains(t, text, "standup-bot is in desirability")
	assert.Contains(t, text, "pivot value_pivot applied")
}

func TestExportXLSX(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.xlsx")

	require.NoError(t, ExportXLSX(path, "run-1", history()))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)

	decisions, ok := f.Sheet["Decisions"]
	require.True(t, ok)
	require.Len(t, decisions.Rows, 8, "header plus seven run-1 entries")
	assert.Equal(t, "seq", decisions.Rows[0].Cells[0].String())
	assert.Equal(t, "signal.computed", decisions.Rows[5].Cells[4].String())
	assert.Contains(t, decisions.Rows[6].Cells[9].String(), "conversion missed")

	checkpoints, ok := f.Sheet["Checkpoints"]
	require.True(t, ok)
	require.Len(t, checkpoints.Rows, 5)
	assert.Equal(t, "desirability.pivot_value", checkpoints.Rows[3].Cells[2].String())
}

func TestWriteXLSX(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, "run-1", history()))
	assert.Greater(t, buf.Len(), 0)
}
