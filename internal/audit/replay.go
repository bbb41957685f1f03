// Package audit reconstructs and explains runs from their decision log.
package audit

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/model"
)

// ErrNoHistory is returned when a run has no decision log entries, or none
// at or before the requested version.
var ErrNoHistory = eris.New("audit: no history")

// Source pages through a run's decision log in sequence order.
type Source interface {
	ListDecisions(ctx context.Context, runID string, afterSeq int64, limit int) ([]model.DecisionLogEntry, error)
}

// ReplayOptions bounds a replay.
type ReplayOptions struct {
	// UntilVersion stops the replay at this state version. Zero replays the
	// whole log.
	UntilVersion int64
	// PageSize is the number of entries fetched per call. Defaults to 200.
	PageSize int
}

// Replay is a run reconstructed from its log.
type Replay struct {
	RunID   string
	State   *model.ValidationState
	Entries []model.DecisionLogEntry
}

// ReplayRun folds the state snapshots recorded in the decision log into the
// state as of opts.UntilVersion. The store is never consulted for current
// state, so the result depends on the log alone.
func ReplayRun(ctx context.Context, src Source, runID string, opts ReplayOptions) (*Replay, error) {
	page := opts.PageSize
	if page <= 0 {
		page = 200
	}

	r := &Replay{RunID: runID}
	var after int64
	for {
		entries, err := src.ListDecisions(ctx, runID, after, page)
		if err != nil {
			return nil, eris.Wrapf(err, "audit: list decisions for %s", runID)
		}
		done := len(entries) < page
		for _, e := range entries {
			if opts.UntilVersion > 0 && e.StateVersion > opts.UntilVersion {
				done = true
				break
			}
			r.Entries = append(r.Entries, e)
			if e.StateAfter != nil {
				r.State = e.StateAfter
			}
			after = e.Seq
		}
		if done {
			break
		}
	}

	if r.State == nil {
		return nil, eris.Wrapf(ErrNoHistory, "run %s", runID)
	}
	if opts.UntilVersion > 0 && r.State.Version != opts.UntilVersion {
		return nil, eris.Wrapf(ErrNoHistory, "run %s has no checkpoint at version %d (latest %d)",
			runID, opts.UntilVersion, r.State.Version)
	}
	return r, nil
}

// Verify checks the structural integrity of a log: strictly increasing
// sequence numbers, non-decreasing state versions and snapshots that match
// the version they are recorded under.
func Verify(entries []model.DecisionLogEntry) error {
	var lastSeq, lastVersion int64
	for i, e := range entries {
		if i > 0 && e.Seq <= lastSeq {
			return eris.Errorf("audit: entry %d out of order after %d", e.Seq, lastSeq)
		}
		if e.StateVersion < lastVersion {
			return eris.Errorf("audit: entry %d regresses version %d -> %d", e.Seq, lastVersion, e.StateVersion)
		}
		if e.StateAfter != nil && e.StateAfter.Version != e.StateVersion {
			return eris.Errorf("audit: entry %d snapshot is version %d, recorded as %d", e.Seq, e.StateAfter.Version, e.StateVersion)
		}
		lastSeq, lastVersion = e.Seq, e.StateVersion
	}
	return nil
}
