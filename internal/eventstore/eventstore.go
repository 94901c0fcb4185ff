// Package eventstore implements the Server Broker's durable, append-only
// event log plus the run projection derived from it: hosts, runs (with
// their live status and at-most-one pending permission descriptor), and
// users for password login.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/sqliteutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS hosts (
  id TEXT PRIMARY KEY NOT NULL,
  name TEXT,
  token_hash TEXT NOT NULL,
  last_seen_at TEXT
);
CREATE TABLE IF NOT EXISTS users (
  username TEXT PRIMARY KEY NOT NULL,
  password_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY NOT NULL,
  host_id TEXT NOT NULL,
  tool TEXT NOT NULL,
  cwd TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at TEXT NOT NULL,
  last_active_at TEXT,
  pending_request_id TEXT,
  pending_reason TEXT,
  pending_prompt TEXT,
  pending_op_tool TEXT,
  pending_op_args_summary TEXT,
  ended_at TEXT,
  exit_code INTEGER
);
CREATE TABLE IF NOT EXISTS events (
  insert_id INTEGER PRIMARY KEY AUTOINCREMENT,
  host_id TEXT NOT NULL,
  run_id TEXT NOT NULL,
  seq INTEGER,
  ts TEXT NOT NULL,
  type TEXT NOT NULL,
  input_id TEXT,
  data_json TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS events_run_seq_uq ON events(run_id, seq) WHERE seq IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS events_run_input_uq ON events(run_id, input_id) WHERE input_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS events_run_insert_idx ON events(run_id, insert_id);
`

const maxRetries = 5

// Store is the SB event store and run projection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the event store database at path.
func Open(path string) (*Store, error) {
	db, err := sqliteutil.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init eventstore schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunRow mirrors the HTTP surface's RunRow shape.
type RunRow struct {
	ID                   string
	HostID               string
	Tool                 string
	CWD                  string
	Status               string
	StartedAt            string
	LastActiveAt         sql.NullString
	PendingRequestID     sql.NullString
	PendingReason        sql.NullString
	PendingPrompt        sql.NullString
	PendingOpTool        sql.NullString
	PendingOpArgsSummary sql.NullString
	EndedAt              sql.NullString
	ExitCode             sql.NullInt64
}

// InsertEvent appends env to the log, assigning its insert_id. If env
// already carries a seq that is not strictly greater than any previously
// stored seq for the same run, ErrNonMonotoneSeq is returned and the
// caller (the host WS handler) must close the connection per the
// sequence-authority rule.
func (s *Store) InsertEvent(ctx context.Context, env protocol.Envelope) error {
	var inputID any
	if env.Type == protocol.TypeRunInput {
		var data protocol.RunInputData
		if err := env.Decode(&data); err == nil && data.InputID != "" {
			inputID = data.InputID
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventstore: marshal envelope: %w", err)
	}

	return sqliteutil.RetryOnBusy(ctx, maxRetries, func() error {
		if env.Seq != 0 {
			var maxSeq sql.NullInt64
			if err := s.db.QueryRowContext(ctx,
				`SELECT MAX(seq) FROM events WHERE run_id = ?`, env.RunID).Scan(&maxSeq); err != nil {
				return err
			}
			if maxSeq.Valid && env.Seq <= maxSeq.Int64 {
				return ErrNonMonotoneSeq
			}
		}
		_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO events (host_id, run_id, seq, ts, type, input_id, data_json)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			env.HostID, env.RunID, nullIfZero(env.Seq), env.TS.Format(time.RFC3339Nano), env.Type, inputID, string(raw))
		return err
	})
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// ErrNonMonotoneSeq is returned by InsertEvent when a host sends a seq that
// does not strictly increase for its run — a protocol error per the
// sequence-authority rule.
var ErrNonMonotoneSeq = fmt.Errorf("eventstore: seq did not strictly increase for run")

// --- run projection --------------------------------------------------

// UpsertRunStarted creates or refreshes a run row on run.started.
func (s *Store) UpsertRunStarted(ctx context.Context, runID, hostID, tool, cwd string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, host_id, tool, cwd, status, started_at, last_active_at)
VALUES (?, ?, ?, ?, 'running', ?, ?)
ON CONFLICT(id) DO UPDATE SET
  host_id=excluded.host_id, tool=excluded.tool, cwd=excluded.cwd,
  status='running', started_at=excluded.started_at, last_active_at=excluded.last_active_at`,
		runID, hostID, tool, cwd, startedAt.Format(time.RFC3339Nano), startedAt.Format(time.RFC3339Nano))
	return err
}

// MarkAwaitingInput sets status=awaiting_input, unless a permission
// request is open for the run (awaiting_approval takes precedence).
func (s *Store) MarkAwaitingInput(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status='awaiting_input' WHERE id = ? AND pending_request_id IS NULL`, runID)
	return err
}

// MarkRunning sets status=running on run.input (the run resumes after
// input is delivered).
func (s *Store) MarkRunning(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status='running' WHERE id = ? AND pending_request_id IS NULL`, runID)
	return err
}

// SetPendingPermission opens the pending-approval descriptor on a run and
// sets status=awaiting_approval.
func (s *Store) SetPendingPermission(ctx context.Context, runID string, d protocol.RunPermissionRequestedData) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE runs SET status='awaiting_approval',
  pending_request_id=?, pending_reason=?, pending_prompt=?,
  pending_op_tool=?, pending_op_args_summary=?
WHERE id = ?`,
		d.RequestID, "permission_requested", d.Prompt, d.OpTool, d.OpArgsSummary, runID)
	return err
}

// ClearPendingByRequestID clears the pending descriptor when a tool.result
// carrying that request_id is observed, reverting status to running.
func (s *Store) ClearPendingByRequestID(ctx context.Context, runID, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE runs SET status='running',
  pending_request_id=NULL, pending_reason=NULL, pending_prompt=NULL,
  pending_op_tool=NULL, pending_op_args_summary=NULL
WHERE id = ? AND pending_request_id = ?`, runID, requestID)
	return err
}

// FinishRun sets status=exited, ended_at, exit_code, and clears any
// pending descriptor (a permission request never outlives its run).
func (s *Store) FinishRun(ctx context.Context, runID string, endedAt time.Time, exitCode int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE runs SET status='exited', ended_at=?, exit_code=?,
  pending_request_id=NULL, pending_reason=NULL, pending_prompt=NULL,
  pending_op_tool=NULL, pending_op_args_summary=NULL
WHERE id = ?`, endedAt.Format(time.RFC3339Nano), exitCode, runID)
	return err
}

// TouchLastActive updates last_active_at, used by the router's
// once-per-second-per-run throttle.
func (s *Store) TouchLastActive(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET last_active_at = ? WHERE id = ?`, at.Format(time.RFC3339Nano), runID)
	return err
}

// TouchHostSeen updates a host's last_seen_at, used by the router's
// once-per-5s-per-host throttle.
func (s *Store) TouchHostSeen(ctx context.Context, hostID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE hosts SET last_seen_at = ? WHERE id = ?`, at.Format(time.RFC3339Nano), hostID)
	return err
}

func scanRunRow(row interface{ Scan(...any) error }) (RunRow, error) {
	var r RunRow
	err := row.Scan(&r.ID, &r.HostID, &r.Tool, &r.CWD, &r.Status, &r.StartedAt, &r.LastActiveAt,
		&r.PendingRequestID, &r.PendingReason, &r.PendingPrompt, &r.PendingOpTool, &r.PendingOpArgsSummary,
		&r.EndedAt, &r.ExitCode)
	return r, err
}

const runColumns = `id, host_id, tool, cwd, status, started_at, last_active_at,
  pending_request_id, pending_reason, pending_prompt, pending_op_tool, pending_op_args_summary,
  ended_at, exit_code`

// GetRun returns a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	return scanRunRow(row)
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunRow, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC`)
}

// RecentRuns returns the most recent limit runs.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	return s.queryRuns(ctx, fmt.Sprintf(`SELECT %s FROM runs ORDER BY started_at DESC LIMIT %d`, runColumns, limit))
}

func (s *Store) queryRuns(ctx context.Context, query string) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HostInfo is a row of the /hosts listing.
type HostInfo struct {
	ID         string
	Name       sql.NullString
	LastSeenAt sql.NullString
	Online     bool
}

// UpsertHostTOFU pins host_id -> token_hash on first connect, or verifies
// a matching hash on subsequent connects. Returns false if a different
// hash is already pinned (TOFU violation).
func (s *Store) UpsertHostTOFU(ctx context.Context, hostID, tokenHash string) (bool, error) {
	var existing sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT token_hash FROM hosts WHERE id = ?`, hostID).Scan(&existing)
	if err == sql.ErrNoRows {
		_, err := s.db.ExecContext(ctx, `INSERT INTO hosts (id, token_hash) VALUES (?, ?)`, hostID, tokenHash)
		return true, err
	}
	if err != nil {
		return false, err
	}
	return existing.String == tokenHash, nil
}

// ListHosts returns all known hosts. onlineIDs marks which are currently
// connected (supplied by the router's in-memory presence set).
func (s *Store) ListHosts(ctx context.Context, onlineIDs map[string]bool) ([]HostInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, last_seen_at FROM hosts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HostInfo
	for rows.Next() {
		var h HostInfo
		if err := rows.Scan(&h.ID, &h.Name, &h.LastSeenAt); err != nil {
			return nil, err
		}
		h.Online = onlineIDs[h.ID]
		out = append(out, h)
	}
	return out, rows.Err()
}

// EventRow is a stored event, as returned to the messages projection.
type EventRow struct {
	InsertID int64
	HostID   string
	RunID    string
	Seq      sql.NullInt64
	TS       string
	Type     string
	InputID  sql.NullString
	DataJSON string
}

// RunEvents returns up to limit events for runID with insert_id < before
// (0 means unbounded), oldest first, for messages projection rendering.
func (s *Store) RunEvents(ctx context.Context, runID string, limit int, before int64) ([]EventRow, error) {
	query := `SELECT insert_id, host_id, run_id, seq, ts, type, input_id, data_json FROM events WHERE run_id = ?`
	args := []any{runID}
	if before > 0 {
		query += ` AND insert_id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY insert_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.InsertID, &e.HostID, &e.RunID, &e.Seq, &e.TS, &e.Type, &e.InputID, &e.DataJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes events with ts before cutoff, enforcing the
// store's time-bounded retention policy.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff.Format(time.RFC3339Nano))
	return err
}

// UpsertUser creates or replaces a user's password hash, for bootstrap/CLI
// admin-user provisioning.
func (s *Store) UpsertUser(ctx context.Context, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (username, password_hash) VALUES (?, ?)
ON CONFLICT(username) DO UPDATE SET password_hash=excluded.password_hash`, username, passwordHash)
	return err
}

// UserPasswordHash returns the stored hash for username.
func (s *Store) UserPasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	return hash, err
}
