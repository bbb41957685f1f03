package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/model"
)

var (
	// ErrNotFound is returned when a run, version or approval does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrVersionConflict is returned when the persisted state moved past the
	// version a transition was computed from.
	ErrVersionConflict = eris.New("store: version conflict")
	// ErrAlreadyResolved is returned when an approval request is no longer pending.
	ErrAlreadyResolved = eris.New("store: approval already resolved")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Phase model.Phase `json:"phase,omitempty"`
	// Active excludes terminal runs.
	Active bool `json:"active,omitempty"`
	// Suspended keeps only runs waiting on a blocking approval.
	Suspended bool `json:"suspended,omitempty"`
	Limit     int  `json:"limit,omitempty"`
	Offset    int  `json:"offset,omitempty"`
}

// ApprovalFilter specifies criteria for listing approval requests.
type ApprovalFilter struct {
	RunID  string              `json:"run_id,omitempty"`
	Status model.RequestStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// RunSummary is the indexed projection of a run used for listings.
type RunSummary struct {
	RunID       string               `json:"run_id"`
	ProjectName string               `json:"project_name"`
	Phase       model.Phase          `json:"phase"`
	NextStep    model.Step           `json:"next_step"`
	Approval    model.ApprovalStatus `json:"approval"`
	Terminal    bool                 `json:"terminal"`
	Version     int64                `json:"version"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// ApprovalClose closes a pending approval request as part of a transition.
type ApprovalClose struct {
	ID         string           `json:"id"`
	Resolution model.Resolution `json:"resolution"`
}

// Transition is everything one orchestrator step commits. It is applied in a
// single transaction: either all of it is visible or none of it is.
type Transition struct {
	// State is the new state. Its Version is assigned by the store.
	State *model.ValidationState
	// ExpectedVersion is the version State was computed from.
	ExpectedVersion int64
	// Entries are appended to the decision log in order. Each is stamped with
	// the new version, and the last carries the committed state.
	Entries         []model.DecisionLogEntry
	OpenApprovals   []model.ApprovalRequest
	ResolveApproval *ApprovalClose
	CancelApproval  *ApprovalClose
}

// Store defines the persistence interface for validation runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, state *model.ValidationState, entry model.DecisionLogEntry) (*model.ValidationState, error)
	GetState(ctx context.Context, runID string) (*model.ValidationState, error)
	GetStateAt(ctx context.Context, runID string, version int64) (*model.ValidationState, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error)
	CommitTransition(ctx context.Context, t Transition) (*model.ValidationState, error)

	// Decision log
	ListDecisions(ctx context.Context, runID string, afterSeq int64, limit int) ([]model.DecisionLogEntry, error)

	// Approvals
	GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, error)
	UpdateEscalation(ctx context.Context, id string, level int, entry model.DecisionLogEntry) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// prepareTransition validates t and returns the state to persist, stamped
// with the next version, plus the log entries stamped to match.
func prepareTransition(t Transition, now time.Time) (*model.ValidationState, []model.DecisionLogEntry, error) {
	if t.State == nil {
		return nil, nil, eris.New("store: transition has no state")
	}
	next := t.State.Clone()
	next.Version = t.ExpectedVersion + 1
	next.SchemaVersion = model.CurrentSchemaVersion
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return nil, nil, eris.Wrap(err, "store: invalid state")
	}
	return next, stampEntries(t.Entries, next, now), nil
}

func stampEntries(entries []model.DecisionLogEntry, state *model.ValidationState, now time.Time) []model.DecisionLogEntry {
	out := make([]model.DecisionLogEntry, len(entries))
	for i, e := range entries {
		e.RunID = state.RunID
		e.StateVersion = state.Version
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if i == len(entries)-1 {
			e.StateAfter = state
		}
		out[i] = e
	}
	return out
}

func encodeState(s *model.ValidationState) ([]byte, error) {
	data, err := json.Marshal(s)
	return data, eris.Wrap(err, "store: marshal state")
}

// decodeState unmarshals a persisted state and upgrades older schemas.
func decodeState(data []byte) (*model.ValidationState, error) {
	var s model.ValidationState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal state")
	}
	if err := model.MigrateState(&s); err != nil {
		return nil, eris.Wrap(err, "store: migrate state")
	}
	return &s, nil
}

func encodeEntry(e model.DecisionLogEntry) ([]byte, error) {
	e.Seq = 0
	data, err := json.Marshal(e)
	return data, eris.Wrap(err, "store: marshal decision")
}

func decodeEntry(seq int64, data []byte) (model.DecisionLogEntry, error) {
	var e model.DecisionLogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return e, eris.Wrapf(err, "store: unmarshal decision %d", seq)
	}
	e.Seq = seq
	if e.StateAfter != nil {
		if err := model.MigrateState(e.StateAfter); err != nil {
			return e, eris.Wrapf(err, "store: migrate decision %d state", seq)
		}
	}
	return e, nil
}

func encodeApproval(r model.ApprovalRequest) ([]byte, error) {
	data, err := json.Marshal(r)
	return data, eris.Wrapf(err, "store: marshal approval %s", r.ID)
}

// decodeApproval overlays the mutable columns onto the immutable request
// document written at creation.
func decodeApproval(data []byte, status string, level int, resolution []byte) (*model.ApprovalRequest, error) {
	var r model.ApprovalRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal approval")
	}
	r.Status = model.RequestStatus(status)
	r.EscalationLevel = level
	if len(resolution) > 0 {
		var res model.Resolution
		if err := json.Unmarshal(resolution, &res); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal approval %s resolution", r.ID)
		}
		r.Resolution = &res
	}
	return &r, nil
}

func encodeResolution(r model.Resolution) ([]byte, error) {
	data, err := json.Marshal(r)
	return data, eris.Wrap(err, "store: marshal resolution")
}

func limitOrDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
