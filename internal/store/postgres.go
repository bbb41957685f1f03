package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/validation-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool), nil
}

func newPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS validation_runs (
	id           TEXT PRIMARY KEY,
	project_name TEXT NOT NULL,
	phase        TEXT NOT NULL,
	next_step    TEXT NOT NULL,
	approval     TEXT NOT NULL,
	terminal     BOOLEAN NOT NULL DEFAULT false,
	version      BIGINT NOT NULL,
	state        JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS state_versions (
	run_id     TEXT NOT NULL REFERENCES validation_runs(id),
	version    BIGINT NOT NULL,
	state      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, version)
);

CREATE TABLE IF NOT EXISTS decision_log (
	seq           BIGSERIAL PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES validation_runs(id),
	type          TEXT NOT NULL,
	state_version BIGINT NOT NULL,
	entry         JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS approval_requests (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL REFERENCES validation_runs(id),
	type             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	escalation_level INTEGER NOT NULL DEFAULT 0,
	request          JSONB NOT NULL,
	resolution       JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_validation_runs_phase ON validation_runs(phase);
CREATE INDEX IF NOT EXISTS idx_decision_log_run ON decision_log(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status);
CREATE INDEX IF NOT EXISTS idx_approval_requests_run ON approval_requests(run_id);

CREATE OR REPLACE FUNCTION reject_append_only_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS decision_log_append_only ON decision_log;
CREATE TRIGGER decision_log_append_only BEFORE UPDATE OR DELETE ON decision_log
	FOR EACH ROW EXECUTE FUNCTION reject_append_only_mutation();

DROP TRIGGER IF EXISTS state_versions_append_only ON state_versions;
CREATE TRIGGER state_versions_append_only BEFORE UPDATE OR DELETE ON state_versions
	FOR EACH ROW EXECUTE FUNCTION reject_append_only_mutation();
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, state *model.ValidationState, entry model.DecisionLogEntry) (*model.ValidationState, error) {
	now := s.now()
	st := state.Clone()
	st.Version = 1
	st.SchemaVersion = model.CurrentSchemaVersion
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	if err := st.Validate(); err != nil {
		return nil, eris.Wrap(err, "postgres: invalid state")
	}
	data, err := encodeState(st)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO validation_runs (id, project_name, phase, next_step, approval, terminal, version, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.RunID, st.ProjectName, string(st.Phase), string(st.NextStep), string(st.Approval),
		st.Terminal, st.Version, data, st.CreatedAt, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run %s", st.RunID)
	}
	if err := insertPgVersion(ctx, tx, st.RunID, st.Version, data, now); err != nil {
		return nil, err
	}
	if err := insertPgEntries(ctx, tx, stampEntries([]model.DecisionLogEntry{entry}, st, now)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create run")
	}
	return st, nil
}

func (s *PostgresStore) GetState(ctx context.Context, runID string) (*model.ValidationState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM validation_runs WHERE id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get state %s", runID)
	}
	return decodeState(data)
}

func (s *PostgresStore) GetStateAt(ctx context.Context, runID string, version int64) (*model.ValidationState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM state_versions WHERE run_id = $1 AND version = $2`, runID, version,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s version %d", runID, version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get state %s@%d", runID, version)
	}
	return decodeState(data)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	query := `SELECT id, project_name, phase, next_step, approval, terminal, version, updated_at FROM validation_runs`
	var where []string
	var args []any
	if filter.Phase != "" {
		args = append(args, string(filter.Phase))
		where = append(where, fmt.Sprintf("phase = $%d", len(args)))
	}
	if filter.Active {
		where = append(where, "NOT terminal")
	}
	if filter.Suspended {
		args = append(args, string(model.ApprovalPending))
		where = append(where, fmt.Sprintf("approval = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit, 100), filter.Offset)
	query += fmt.Sprintf(" ORDER BY updated_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var phase, next, approval string
		if err := rows.Scan(&r.RunID, &r.ProjectName, &phase, &next, &approval, &r.Terminal, &r.Version, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Phase = model.Phase(phase)
		r.NextStep = model.Step(next)
		r.Approval = model.ApprovalStatus(approval)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// CommitTransition applies t in one transaction with the same compare-and-set
// rules as the SQLite store.
func (s *PostgresStore) CommitTransition(ctx context.Context, t Transition) (*model.ValidationState, error) {
	now := s.now()
	next, entries, err := prepareTransition(t, now)
	if err != nil {
		return nil, err
	}
	data, err := encodeState(next)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if t.ResolveApproval != nil {
		if err := closePgApproval(ctx, tx, t.ResolveApproval, model.RequestResolved); err != nil {
			return nil, err
		}
	}
	if t.CancelApproval != nil {
		if err := closePgApproval(ctx, tx, t.CancelApproval, model.RequestCancelled); err != nil {
			return nil, err
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE validation_runs
		 SET phase = $1, next_step = $2, approval = $3, terminal = $4, version = $5, state = $6, updated_at = $7
		 WHERE id = $8 AND version = $9`,
		string(next.Phase), string(next.NextStep), string(next.Approval), next.Terminal,
		next.Version, data, now, next.RunID, t.ExpectedVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update run %s", next.RunID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrVersionConflict, "run %s at version %d", next.RunID, t.ExpectedVersion)
	}

	if err := insertPgVersion(ctx, tx, next.RunID, next.Version, data, now); err != nil {
		return nil, err
	}
	for _, req := range t.OpenApprovals {
		if err := insertPgApproval(ctx, tx, req); err != nil {
			return nil, err
		}
	}
	if err := insertPgEntries(ctx, tx, entries); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrapf(err, "postgres: commit run %s", next.RunID)
	}
	return next, nil
}

func closePgApproval(ctx context.Context, tx pgx.Tx, c *ApprovalClose, status model.RequestStatus) error {
	res, err := encodeResolution(c.Resolution)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE approval_requests SET status = $1, resolution = $2 WHERE id = $3 AND status = $4`,
		string(status), res, c.ID, string(model.RequestPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: close approval %s", c.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM approval_requests WHERE id = $1`, c.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "approval %s", c.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get approval %s status", c.ID)
	}
	return eris.Wrapf(ErrAlreadyResolved, "approval %s is %s", c.ID, current)
}

func insertPgVersion(ctx context.Context, tx pgx.Tx, runID string, version int64, data []byte, now time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO state_versions (run_id, version, state, created_at) VALUES ($1, $2, $3, $4)`,
		runID, version, data, now,
	)
	return eris.Wrapf(err, "postgres: insert state version %s@%d", runID, version)
}

func insertPgApproval(ctx context.Context, tx pgx.Tx, req model.ApprovalRequest) error {
	data, err := encodeApproval(req)
	if err != nil {
		return err
	}
	status := req.Status
	if status == "" {
		status = model.RequestPending
	}
	var resolution []byte
	if req.Resolution != nil {
		if resolution, err = encodeResolution(*req.Resolution); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO approval_requests (id, run_id, type, status, escalation_level, request, resolution, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ID, req.RunID, string(req.Type), string(status), req.EscalationLevel, data, resolution, req.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert approval %s", req.ID)
}

func insertPgEntries(ctx context.Context, tx pgx.Tx, entries []model.DecisionLogEntry) error {
	for _, e := range entries {
		data, err := encodeEntry(e)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO decision_log (run_id, type, state_version, entry, created_at) VALUES ($1, $2, $3, $4, $5)`,
			e.RunID, string(e.Type), e.StateVersion, data, e.Timestamp,
		); err != nil {
			return eris.Wrapf(err, "postgres: append decision %s", e.Type)
		}
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, runID string, afterSeq int64, limit int) ([]model.DecisionLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, entry FROM decision_log WHERE run_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		runID, afterSeq, limitOrDefault(limit, 500),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list decisions %s", runID)
	}
	defer rows.Close()

	var entries []model.DecisionLogEntry
	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		e, err := decodeEntry(seq, data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate decisions")
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT request, status, escalation_level, resolution FROM approval_requests WHERE id = $1`, id)
	req, err := scanPgApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "approval %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get approval %s", id)
	}
	return req, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, error) {
	query := `SELECT request, status, escalation_level, resolution FROM approval_requests`
	var where []string
	var args []any
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit, 100))
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list approvals")
	}
	defer rows.Close()

	var out []model.ApprovalRequest
	for rows.Next() {
		req, err := scanPgApproval(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan approval")
		}
		out = append(out, *req)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate approvals")
}

func (s *PostgresStore) UpdateEscalation(ctx context.Context, id string, level int, entry model.DecisionLogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var runID string
	var version int64
	err = tx.QueryRow(ctx,
		`SELECT a.run_id, r.version FROM approval_requests a JOIN validation_runs r ON r.id = a.run_id WHERE a.id = $1`, id,
	).Scan(&runID, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "approval %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get approval %s", id)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE approval_requests SET escalation_level = $1 WHERE id = $2 AND status = $3 AND escalation_level < $1`,
		level, id, string(model.RequestPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: escalate approval %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrAlreadyResolved, "%s", id)
	}

	entry.RunID = runID
	entry.StateVersion = version
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if err := insertPgEntries(ctx, tx, []model.DecisionLogEntry{entry}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit escalation")
}

func scanPgApproval(row scannable) (*model.ApprovalRequest, error) {
	var data, resolution []byte
	var status string
	var level int
	if err := row.Scan(&data, &status, &level, &resolution); err != nil {
		return nil, err
	}
	return decodeApproval(data, status, level, resolution)
}
