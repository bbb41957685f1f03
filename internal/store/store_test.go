package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/validation-cli/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRun(t *testing.T, s Store, runID string) *model.ValidationState {
	t.Helper()
	st := model.NewValidationState(runID, "standup-bot", "teams want async standups",
		model.BudgetLedger{Ceiling: 1000, Mode: model.BudgetHard}, testNow)
	created, err := s.CreateRun(context.Background(), st, model.DecisionLogEntry{
		Actor:   model.ActorSystem,
		Type:    model.DecisionRunStarted,
		Outcome: "run started",
	})
	require.NoError(t, err)
	return created
}

func suspend(st *model.ValidationState, approvalID string) *model.ValidationState {
	next := st.Clone()
	next.Approval = model.ApprovalPending
	next.PendingApprovalID = approvalID
	next.ResumeStep = model.StepDesign
	next.NextStep = model.StepAwaitApproval
	return next
}

func pendingRequest(runID, id string, typ model.ApprovalType) model.ApprovalRequest {
	return model.ApprovalRequest{
		ID:         id,
		RunID:      runID,
		Type:       typ,
		Blocking:   true,
		Options:    []string{model.OptionContinue, model.OptionKill},
		ResumeStep: model.StepDesign,
		Status:     model.RequestPending,
		CreatedAt:  testNow,
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetState", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created := newRun(t, s, "run-1")
		assert.Equal(t, int64(1), created.Version)

		got, err := s.GetState(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "standup-bot", got.ProjectName)
		assert.Equal(t, model.PhaseIdeation, got.Phase)
		assert.Equal(t, model.StepIntake, got.NextStep)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, model.CurrentSchemaVersion, got.SchemaVersion)

		entries, err := s.ListDecisions(ctx, "run-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, model.DecisionRunStarted, entries[0].Type)
		assert.Equal(t, int64(1), entries[0].StateVersion)
		require.NotNil(t, entries[0].StateAfter)
		assert.Equal(t, "run-1", entries[0].StateAfter.RunID)
	})

	t.Run("GetStateNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetState(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrNotFound))

		_, err = s.GetApproval(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("CommitTransitionAdvancesVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		st := newRun(t, s, "run-1")

		next := st.Clone()
		next.Phase = model.PhaseDesirability
		next.RiskAxis = model.RiskDesirability
		next.NextStep = model.StepDesign
		next.Iterations[model.PhaseDesirability] = 1

		committed, err := s.CommitTransition(ctx, Transition{
			State:           next,
			ExpectedVersion: st.Version,
			Entries: []model.DecisionLogEntry{
				{Actor: model.ActorAutomated, Type: model.DecisionTransition, Step: model.StepIntake, Outcome: "desirability.design"},
				{Actor: model.ActorAutomated, Type: model.DecisionRouteSelected, Outcome: "advance"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), committed.Version)
		assert.Equal(t, int64(0), next.Version, "input state must not be mutated")

		v1, err := s.GetStateAt(ctx, "run-1", 1)
		require.NoError(t, err)
		assert.Equal(t, model.PhaseIdeation, v1.Phase)

		v2, err := s.GetStateAt(ctx, "run-1", 2)
		require.NoError(t, err)
		assert.Equal(t, model.PhaseDesirability, v2.Phase)
		assert.Equal(t, 1, v2.Iterations[model.PhaseDesirability])

		_, err = s.GetStateAt(ctx, "run-1", 3)
		assert.True(t, errors.Is(err, ErrNotFound))

		entries, err := s.ListDecisions(ctx, "run-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Nil(t, entries[1].StateAfter, "only the last entry of a transition carries the state")
		require.NotNil(t, entries[2].StateAfter)
		assert.Equal(t, int64(2), entries[2].StateAfter.Version)
		assert.Less(t, entries[0].Seq, entries[1].Seq)
	})

	t.Run("VersionConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		st := newRun(t, s, "run-1")

		next := st.Clone()
		next.NextStep = model.StepDesign
		_, err := s.CommitTransition(ctx, Transition{State: next, ExpectedVersion: 1,
			Entries: []model.DecisionLogEntry{{Type: model.DecisionTransition}}})
		require.NoError(t, err)

		_, err = s.CommitTransition(ctx, Transition{State: next, ExpectedVersion: 1,
			Entries: []model.DecisionLogEntry{{Type: model.DecisionTransition}}})
		assert.True(t, errors.Is(err, ErrVersionConflict), "got %v", err)

		entries, err := s.ListDecisions(ctx, "run-1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 2, "a rejected transition must not append entries")
	})

	t.Run("InvalidStateRejected", func(t *testing.T) {
		s := newStore(t)
		st := newRun(t, s, "run-1")

		bad := st.Clone()
		bad.Approval = model.ApprovalPending
		_, err := s.CommitTransition(context.Background(), Transition{State: bad, ExpectedVersion: 1})
		require.Error(t, err)
	})

	t.Run("ApprovalResolvedExactlyOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		st := newRun(t, s, "run-1")

		req := pendingRequest("run-1", "apr-1", model.ApprovalLoopEscalation)
		suspended, err := s.CommitTransition(ctx, Transition{
			State:           suspend(st, "apr-1"),
			ExpectedVersion: st.Version,
			Entries:         []model.DecisionLogEntry{{Type: model.DecisionApprovalRequested}},
			OpenApprovals:   []model.ApprovalRequest{req},
		})
		require.NoError(t, err)

		got, err := s.GetApproval(ctx, "apr-1")
		require.NoError(t, err)
		assert.Equal(t, model.RequestPending, got.Status)
		assert.Nil(t, got.Resolution)
		assert.Equal(t, []string{model.OptionContinue, model.OptionKill}, got.Options)

		resumed := suspended.Clone()
		resumed.Approval = model.ApprovalApproved
		resumed.PendingApprovalID = ""
		resumed.NextStep = model.StepDesign
		closing := &ApprovalClose{ID: "apr-1", Resolution: model.Resolution{
			Decision: model.DecisionApprove, Choice: model.OptionContinue, Resolver: "alice", ResolvedAt: testNow,
		}}
		after, err := s.CommitTransition(ctx, Transition{
			State: resumed, ExpectedVersion: suspended.Version, ResolveApproval: closing,
			Entries: []model.DecisionLogEntry{{Type: model.DecisionApprovalResolved}},
		})
		require.NoError(t, err)

		got, err = s.GetApproval(ctx, "apr-1")
		require.NoError(t, err)
		assert.Equal(t, model.RequestResolved, got.Status)
		require.NotNil(t, got.Resolution)
		assert.Equal(t, "alice", got.Resolution.Resolver)

		// Second resolution fails and leaves the run untouched.
		_, err = s.CommitTransition(ctx, Transition{
			State: resumed, ExpectedVersion: after.Version, ResolveApproval: closing,
			Entries: []model.DecisionLogEntry{{Type: model.DecisionApprovalResolved}},
		})
		assert.True(t, errors.Is(err, ErrAlreadyResolved), "got %v", err)

		cur, err := s.GetState(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, after.Version, cur.Version)

		_, err = s.CommitTransition(ctx, Transition{
			State: resumed, ExpectedVersion: after.Version,
			ResolveApproval: &ApprovalClose{ID: "apr-404"},
		})
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("CancelApproval", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		st := newRun(t, s, "run-1")

		suspended, err := s.CommitTransition(ctx, Transition{
			State:           suspend(st, "apr-1"),
			ExpectedVersion: st.Version,
			OpenApprovals:   []model.ApprovalRequest{pendingRequest("run-1", "apr-1", model.ApprovalStrategicPivot)},
		})
		require.NoError(t, err)

		killed := suspended.Clone()
		killed.Approval = model.ApprovalRejected
		killed.PendingApprovalID = ""
		killed.Phase = model.PhaseKilled
		killed.Terminal = true
		killed.NextStep = model.StepKilled
		_, err = s.CommitTransition(ctx, Transition{
			State: killed, ExpectedVersion: suspended.Version,
			CancelApproval: &ApprovalClose{ID: "apr-1", Resolution: model.Resolution{Decision: model.DecisionReject, Resolver: "bob"}},
			Entries:        []model.DecisionLogEntry{{Type: model.DecisionApprovalCancelled}},
		})
		require.NoError(t, err)

		got, err := s.GetApproval(ctx, "apr-1")
		require.NoError(t, err)
		assert.Equal(t, model.RequestCancelled, got.Status)
	})

	t.Run("ListRunsAndApprovals", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := newRun(t, s, "run-a")
		newRun(t, s, "run-b")

		_, err := s.CommitTransition(ctx, Transition{
			State:           suspend(a, "apr-a"),
			ExpectedVersion: a.Version,
			OpenApprovals:   []model.ApprovalRequest{pendingRequest("run-a", "apr-a", model.ApprovalSpendIncrease)},
		})
		require.NoError(t, err)

		runs, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Len(t, runs, 2)

		runs, err = s.ListRuns(ctx, RunFilter{Suspended: true})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "run-a", runs[0].RunID)
		assert.Equal(t, model.StepAwaitApproval, runs[0].NextStep)

		runs, err = s.ListRuns(ctx, RunFilter{Phase: model.PhaseViability})
		require.NoError(t, err)
		assert.Empty(t, runs)

		runs, err = s.ListRuns(ctx, RunFilter{Active: true, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, runs, 1)

		pending, err := s.ListApprovals(ctx, ApprovalFilter{Status: model.RequestPending})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, model.ApprovalSpendIncrease, pending[0].Type)

		none, err := s.ListApprovals(ctx, ApprovalFilter{RunID: "run-b"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("UpdateEscalation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		st := newRun(t, s, "run-1")
		_, err := s.CommitTransition(ctx, Transition{
			State:           suspend(st, "apr-1"),
			ExpectedVersion: st.Version,
			OpenApprovals:   []model.ApprovalRequest{pendingRequest("run-1", "apr-1", model.ApprovalCapabilityFailure)},
		})
		require.NoError(t, err)

		entry := model.DecisionLogEntry{Actor: model.ActorSystem, Type: model.DecisionApprovalEscalated, Outcome: "level 1"}
		require.NoError(t, s.UpdateEscalation(ctx, "apr-1", 1, entry))

		got, err := s.GetApproval(ctx, "apr-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.EscalationLevel)
		assert.Equal(t, model.RequestPending, got.Status)

		err = s.UpdateEscalation(ctx, "apr-1", 1, entry)
		assert.True(t, errors.Is(err, ErrAlreadyResolved))

		err = s.UpdateEscalation(ctx, "apr-404", 1, entry)
		assert.True(t, errors.Is(err, ErrNotFound))

		entries, err := s.ListDecisions(ctx, "run-1", 0, 0)
		require.NoError(t, err)
		last := entries[len(entries)-1]
		assert.Equal(t, model.DecisionApprovalEscalated, last.Type)
		assert.Equal(t, int64(2), last.StateVersion)
		assert.Nil(t, last.StateAfter)
	})

	t.Run("ListDecisionsPages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		st := newRun(t, s, "run-1")

		cur := st
		for i := 0; i < 4; i++ {
			next := cur.Clone()
			next.NextStep = model.StepDesign
			var err error
			cur, err = s.CommitTransition(ctx, Transition{State: next, ExpectedVersion: cur.Version,
				Entries: []model.DecisionLogEntry{{Type: model.DecisionTransition}}})
			require.NoError(t, err)
		}

		page, err := s.ListDecisions(ctx, "run-1", 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		rest, err := s.ListDecisions(ctx, "run-1", page[1].Seq, 10)
		require.NoError(t, err)
		assert.Len(t, rest, 3)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
