package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/validation-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers and keeps the pragmas below in
	// effect for every statement.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS validation_runs (
	id           TEXT PRIMARY KEY,
	project_name TEXT NOT NULL,
	phase        TEXT NOT NULL,
	next_step    TEXT NOT NULL,
	approval     TEXT NOT NULL,
	terminal     INTEGER NOT NULL DEFAULT 0,
	version      INTEGER NOT NULL,
	state        TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS state_versions (
	run_id     TEXT NOT NULL REFERENCES validation_runs(id),
	version    INTEGER NOT NULL,
	state      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, version)
);

CREATE TABLE IF NOT EXISTS decision_log (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL REFERENCES validation_runs(id),
	type          TEXT NOT NULL,
	state_version INTEGER NOT NULL,
	entry         TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_requests (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL REFERENCES validation_runs(id),
	type             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	escalation_level INTEGER NOT NULL DEFAULT 0,
	request          TEXT NOT NULL,
	resolution       TEXT,
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validation_runs_phase ON validation_runs(phase);
CREATE INDEX IF NOT EXISTS idx_decision_log_run ON decision_log(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status);
CREATE INDEX IF NOT EXISTS idx_approval_requests_run ON approval_requests(run_id);

CREATE TRIGGER IF NOT EXISTS decision_log_no_update BEFORE UPDATE ON decision_log
BEGIN
	SELECT RAISE(ABORT, 'decision_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS decision_log_no_delete BEFORE DELETE ON decision_log
BEGIN
	SELECT RAISE(ABORT, 'decision_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS state_versions_no_update BEFORE UPDATE ON state_versions
BEGIN
	SELECT RAISE(ABORT, 'state_versions is append-only');
END;

CREATE TRIGGER IF NOT EXISTS state_versions_no_delete BEFORE DELETE ON state_versions
BEGIN
	SELECT RAISE(ABORT, 'state_versions is append-only');
END;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, state *model.ValidationState, entry model.DecisionLogEntry) (*model.ValidationState, error) {
	now := s.now()
	st := state.Clone()
	st.Version = 1
	st.SchemaVersion = model.CurrentSchemaVersion
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	if err := st.Validate(); err != nil {
		return nil, eris.Wrap(err, "sqlite: invalid state")
	}
	data, err := encodeState(st)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO validation_runs (id, project_name, phase, next_step, approval, terminal, version, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RunID, st.ProjectName, string(st.Phase), string(st.NextStep), string(st.Approval),
		st.Terminal, st.Version, string(data), formatTime(st.CreatedAt), formatTime(now),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run %s", st.RunID)
	}
	if err := s.insertVersion(ctx, tx, st.RunID, st.Version, data, now); err != nil {
		return nil, err
	}
	if err := s.insertEntries(ctx, tx, stampEntries([]model.DecisionLogEntry{entry}, st, now)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create run")
	}
	return st, nil
}

func (s *SQLiteStore) GetState(ctx context.Context, runID string) (*model.ValidationState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM validation_runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get state %s", runID)
	}
	return decodeState([]byte(data))
}

func (s *SQLiteStore) GetStateAt(ctx context.Context, runID string, version int64) (*model.ValidationState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM state_versions WHERE run_id = ? AND version = ?`, runID, version,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s version %d", runID, version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get state %s@%d", runID, version)
	}
	return decodeState([]byte(data))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	query := `SELECT id, project_name, phase, next_step, approval, terminal, version, updated_at FROM validation_runs`
	var where []string
	var args []any
	if filter.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, string(filter.Phase))
	}
	if filter.Active {
		where = append(where, "terminal = 0")
	}
	if filter.Suspended {
		where = append(where, "approval = ?")
		args = append(args, string(model.ApprovalPending))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit, 100), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var phase, next, approval, updated string
		if err := rows.Scan(&r.RunID, &r.ProjectName, &phase, &next, &approval, &r.Terminal, &r.Version, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Phase = model.Phase(phase)
		r.NextStep = model.Step(next)
		r.Approval = model.ApprovalStatus(approval)
		r.UpdatedAt = parseTime(updated)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

// CommitTransition applies t in one transaction. A request that is no longer
// pending fails with ErrAlreadyResolved; a state that moved past
// t.ExpectedVersion fails with ErrVersionConflict.
func (s *SQLiteStore) CommitTransition(ctx context.Context, t Transition) (*model.ValidationState, error) {
	now := s.now()
	next, entries, err := prepareTransition(t, now)
	if err != nil {
		return nil, err
	}
	data, err := encodeState(next)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if t.ResolveApproval != nil {
		if err := s.closeApproval(ctx, tx, t.ResolveApproval, model.RequestResolved); err != nil {
			return nil, err
		}
	}
	if t.CancelApproval != nil {
		if err := s.closeApproval(ctx, tx, t.CancelApproval, model.RequestCancelled); err != nil {
			return nil, err
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE validation_runs
		 SET phase = ?, next_step = ?, approval = ?, terminal = ?, version = ?, state = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(next.Phase), string(next.NextStep), string(next.Approval), next.Terminal,
		next.Version, string(data), formatTime(now), next.RunID, t.ExpectedVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update run %s", next.RunID)
	}
	if err := checkRowsAffected(res, ErrVersionConflict, next.RunID); err != nil {
		return nil, err
	}

	if err := s.insertVersion(ctx, tx, next.RunID, next.Version, data, now); err != nil {
		return nil, err
	}
	for _, req := range t.OpenApprovals {
		if err := s.insertApproval(ctx, tx, req); err != nil {
			return nil, err
		}
	}
	if err := s.insertEntries(ctx, tx, entries); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit run %s", next.RunID)
	}
	return next, nil
}

func (s *SQLiteStore) closeApproval(ctx context.Context, tx *sql.Tx, c *ApprovalClose, status model.RequestStatus) error {
	res, err := encodeResolution(c.Resolution)
	if err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, resolution = ? WHERE id = ? AND status = ?`,
		string(status), string(res), c.ID, string(model.RequestPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: close approval %s", c.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM approval_requests WHERE id = ?`, c.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "approval %s", c.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get approval %s status", c.ID)
	}
	return eris.Wrapf(ErrAlreadyResolved, "approval %s is %s", c.ID, current)
}

func (s *SQLiteStore) insertVersion(ctx context.Context, tx *sql.Tx, runID string, version int64, data []byte, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO state_versions (run_id, version, state, created_at) VALUES (?, ?, ?, ?)`,
		runID, version, string(data), formatTime(now),
	)
	return eris.Wrapf(err, "sqlite: insert state version %s@%d", runID, version)
}

func (s *SQLiteStore) insertApproval(ctx context.Context, tx *sql.Tx, req model.ApprovalRequest) error {
	data, err := encodeApproval(req)
	if err != nil {
		return err
	}
	status := req.Status
	if status == "" {
		status = model.RequestPending
	}
	var resolution any
	if req.Resolution != nil {
		b, err := encodeResolution(*req.Resolution)
		if err != nil {
			return err
		}
		resolution = string(b)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO approval_requests (id, run_id, type, status, escalation_level, request, resolution, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, string(req.Type), string(status), req.EscalationLevel, string(data), resolution, formatTime(req.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert approval %s", req.ID)
}

func (s *SQLiteStore) insertEntries(ctx context.Context, tx *sql.Tx, entries []model.DecisionLogEntry) error {
	for _, e := range entries {
		data, err := encodeEntry(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO decision_log (run_id, type, state_version, entry, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.RunID, string(e.Type), e.StateVersion, string(data), formatTime(e.Timestamp),
		); err != nil {
			return eris.Wrapf(err, "sqlite: append decision %s", e.Type)
		}
	}
	return nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, runID string, afterSeq int64, limit int) ([]model.DecisionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, entry FROM decision_log WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		runID, afterSeq, limitOrDefault(limit, 500),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list decisions %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.DecisionLogEntry
	for rows.Next() {
		var seq int64
		var data string
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		e, err := decodeEntry(seq, []byte(data))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate decisions")
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request, status, escalation_level, resolution FROM approval_requests WHERE id = ?`, id)
	req, err := scanSQLiteApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "approval %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get approval %s", id)
	}
	return req, nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, error) {
	query := `SELECT request, status, escalation_level, resolution FROM approval_requests`
	var where []string
	var args []any
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list approvals")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ApprovalRequest
	for rows.Next() {
		req, err := scanSQLiteApproval(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan approval")
		}
		out = append(out, *req)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate approvals")
}

// UpdateEscalation raises a pending request's escalation level and logs entry
// against the run's current version. Levels never go down.
func (s *SQLiteStore) UpdateEscalation(ctx context.Context, id string, level int, entry model.DecisionLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	var runID string
	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT a.run_id, r.version FROM approval_requests a JOIN validation_runs r ON r.id = a.run_id WHERE a.id = ?`, id,
	).Scan(&runID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "approval %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get approval %s", id)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE approval_requests SET escalation_level = ? WHERE id = ? AND status = ? AND escalation_level < ?`,
		level, id, string(model.RequestPending), level,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: escalate approval %s", id)
	}
	if err := checkRowsAffected(res, ErrAlreadyResolved, id); err != nil {
		return err
	}

	entry.RunID = runID
	entry.StateVersion = version
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if err := s.insertEntries(ctx, tx, []model.DecisionLogEntry{entry}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit escalation")
}

// helpers

func checkRowsAffected(res sql.Result, sentinel error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(sentinel, "%s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteApproval(row scannable) (*model.ApprovalRequest, error) {
	var data, status string
	var level int
	var resolution sql.NullString
	if err := row.Scan(&data, &status, &level, &resolution); err != nil {
		return nil, err
	}
	var res []byte
	if resolution.Valid {
		res = []byte(resolution.String)
	}
	return decodeApproval([]byte(data), status, level, res)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
