// Package spool implements the Host Daemon's durable, ordered outbox: every
// event is written here, keyed by (run_id, seq), before the Uplink is
// allowed to send it to the Server Broker. Events are deleted only once
// acknowledged through or past their seq.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/sqliteutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS spool_events (
  run_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  ts TEXT NOT NULL,
  type TEXT NOT NULL,
  json TEXT NOT NULL,
  PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS spool_acks (
  run_id TEXT PRIMARY KEY NOT NULL,
  last_seq INTEGER NOT NULL
);
`

const maxRetries = 5

// Spool is the HD-local durable outbox.
type Spool struct {
	db       *sql.DB
	maxBytes int64
}

// Open opens (creating if necessary) the spool database at path.
func Open(path string, maxBytes int64) (*Spool, error) {
	db, err := sqliteutil.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init spool schema: %w", err)
	}
	return &Spool{db: db, maxBytes: maxBytes}, nil
}

// Close closes the underlying database handle.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Insert durably stores env, which must already carry RunID and Seq. The
// insert is idempotent: re-inserting the same (run_id, seq) is a no-op, so
// a crash-and-retry on the producer side never duplicates an event.
func (s *Spool) Insert(ctx context.Context, env protocol.Envelope) error {
	if env.RunID == "" {
		return fmt.Errorf("spool: envelope missing run_id")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("spool: marshal envelope: %w", err)
	}
	return sqliteutil.RetryOnBusy(ctx, maxRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO spool_events (run_id, seq, ts, type, json) VALUES (?, ?, ?, ?, ?)`,
			env.RunID, env.Seq, env.TS.Format(time.RFC3339Nano), env.Type, string(raw))
		return err
	})
}

// ApplyAck advances the acknowledged watermark for runID to lastSeq (a
// no-op if lastSeq does not exceed the stored watermark — ack is
// idempotent and monotone) and deletes every row at or below it.
func (s *Spool) ApplyAck(ctx context.Context, runID string, lastSeq int64) error {
	return sqliteutil.RetryOnBusy(ctx, maxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
INSERT INTO spool_acks (run_id, last_seq) VALUES (?, ?)
ON CONFLICT(run_id) DO UPDATE SET last_seq = CASE
  WHEN excluded.last_seq > spool_acks.last_seq THEN excluded.last_seq
  ELSE spool_acks.last_seq
END`, runID, lastSeq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM spool_events WHERE run_id = ? AND seq <= ?`, runID, lastSeq); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Pending returns up to limit unacknowledged events, in (run_id, seq)
// order, for the Uplink to transmit. On restart this naturally resumes
// from the lowest unacked seq per run.
func (s *Spool) Pending(ctx context.Context, limit int) ([]protocol.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT e.json
FROM spool_events e
LEFT JOIN spool_acks a ON a.run_id = e.run_id
WHERE e.seq > COALESCE(a.last_seq, 0)
ORDER BY e.run_id ASC, e.seq ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var env protocol.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("spool: decode stored envelope: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// TotalBytes estimates the spool's on-disk footprint by summing the
// length of the stored JSON, used to decide whether Compact must run.
func (s *Spool) TotalBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(json)) FROM spool_events`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// Compact coalesces adjacent run.output rows of the same (run_id, stream)
// for the longest-idle runs — runs whose newest row has the smallest
// ts — until the spool is back under maxBytes. It never merges across a
// newline boundary and never touches non-run.output rows, matching the
// pinned overflow policy.
func (s *Spool) Compact(ctx context.Context) error {
	if s.maxBytes <= 0 {
		return nil
	}
	total, err := s.TotalBytes(ctx)
	if err != nil {
		return err
	}
	if total <= s.maxBytes {
		return nil
	}

	runIDs, err := s.idleRunsOldestFirst(ctx)
	if err != nil {
		return err
	}
	for _, runID := range runIDs {
		if err := s.coalesceRunOutput(ctx, runID); err != nil {
			return err
		}
		total, err = s.TotalBytes(ctx)
		if err != nil {
			return err
		}
		if total <= s.maxBytes {
			return nil
		}
	}
	return nil
}

func (s *Spool) idleRunsOldestFirst(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id FROM spool_events
GROUP BY run_id
ORDER BY MAX(ts) ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Spool) coalesceRunOutput(ctx context.Context, runID string) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, json FROM spool_events WHERE run_id = ? AND type = ? ORDER BY seq ASC`,
		runID, protocol.TypeRunOutput)
	if err != nil {
		return err
	}
	type row struct {
		seq int64
		env protocol.Envelope
		out protocol.RunOutputData
	}
	var outputs []row
	for rows.Next() {
		var seq int64
		var raw string
		if err := rows.Scan(&seq, &raw); err != nil {
			rows.Close()
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			rows.Close()
			return err
		}
		var data protocol.RunOutputData
		if err := env.Decode(&data); err != nil {
			rows.Close()
			return err
		}
		outputs = append(outputs, row{seq: seq, env: env, out: data})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	i := 0
	for i < len(outputs) {
		j := i
		stream := outputs[i].out.Stream
		var buf strings.Builder
		buf.WriteString(outputs[i].out.Text)
		for j+1 < len(outputs) && outputs[j+1].out.Stream == stream && !strings.Contains(buf.String(), "\n") {
			j++
			buf.WriteString(outputs[j].out.Text)
		}
		if j > i {
			merged := outputs[i].env
			merged.Seq = outputs[j].seq
			data, err := json.Marshal(protocol.RunOutputData{Stream: stream, Text: buf.String()})
			if err != nil {
				return err
			}
			merged.Data = data
			raw, err := json.Marshal(merged)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM spool_events WHERE run_id = ? AND seq >= ? AND seq <= ?`,
				runID, outputs[i].seq, outputs[j].seq); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO spool_events (run_id, seq, ts, type, json) VALUES (?, ?, ?, ?, ?)`,
				runID, merged.Seq, merged.TS.Format(time.RFC3339Nano), merged.Type, string(raw)); err != nil {
				return err
			}
		}
		i = j + 1
	}
	return tx.Commit()
}
