package spool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aipper/relay/internal/protocol"
)

func mustEnvelope(t *testing.T, runID string, seq int64, typ string, data any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, data)
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	return env.WithRun(runID).WithSeq(seq)
}

func TestInsertPendingAck(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sp, err := Open(filepath.Join(dir, "spool.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sp.Close()

	for i := int64(1); i <= 3; i++ {
		env := mustEnvelope(t, "run-1", i, protocol.TypeRunOutput, protocol.RunOutputData{Stream: "stdout", Text: "line"})
		if err := sp.Insert(ctx, env); err != nil {
			t.Fatalf("Insert seq %d: %v", i, err)
		}
	}

	pending, err := sp.Pending(ctx, 100)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending events, got %d", len(pending))
	}

	if err := sp.ApplyAck(ctx, "run-1", 2); err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}
	pending, err = sp.Pending(ctx, 100)
	if err != nil {
		t.Fatalf("Pending after ack: %v", err)
	}
	if len(pending) != 1 || pending[0].Seq != 3 {
		t.Fatalf("expected only seq 3 left pending, got %+v", pending)
	}
}

func TestAckIdempotentAndMonotone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sp, err := Open(filepath.Join(dir, "spool.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sp.Close()

	env := mustEnvelope(t, "run-1", 1, protocol.TypeRunOutput, protocol.RunOutputData{Stream: "stdout", Text: "a"})
	if err := sp.Insert(ctx, env); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := sp.ApplyAck(ctx, "run-1", 5); err != nil {
		t.Fatalf("ApplyAck 5: %v", err)
	}
	if err := sp.ApplyAck(ctx, "run-1", 2); err != nil {
		t.Fatalf("ApplyAck 2 (regression attempt): %v", err)
	}

	var lastSeq int64
	if err := sp.db.QueryRow(`SELECT last_seq FROM spool_acks WHERE run_id = ?`, "run-1").Scan(&lastSeq); err != nil {
		t.Fatalf("query ack: %v", err)
	}
	if lastSeq != 5 {
		t.Fatalf("expected watermark to stay at 5, got %d", lastSeq)
	}
}

func TestInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sp, err := Open(filepath.Join(dir, "spool.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sp.Close()

	env := mustEnvelope(t, "run-1", 1, protocol.TypeRunOutput, protocol.RunOutputData{Stream: "stdout", Text: "a"})
	if err := sp.Insert(ctx, env); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := sp.Insert(ctx, env); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	pending, err := sp.Pending(ctx, 100)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly one row after duplicate insert, got %d", len(pending))
	}
}

func TestCompactCoalescesAdjacentOutput(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sp, err := Open(filepath.Join(dir, "spool.db"), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sp.Close()

	for i, text := range []string{"ab", "cd", "ef"} {
		env := mustEnvelope(t, "run-1", int64(i+1), protocol.TypeRunOutput, protocol.RunOutputData{Stream: "stdout", Text: text})
		if err := sp.Insert(ctx, env); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	startEvent := mustEnvelope(t, "run-1", 4, protocol.TypeRunStarted, protocol.RunStartedData{Tool: "claude", CWD: "/tmp"})
	if err := sp.Insert(ctx, startEvent); err != nil {
		t.Fatalf("Insert run.started: %v", err)
	}

	if err := sp.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	pending, err := sp.Pending(ctx, 100)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	var outputCount, startedCount int
	var mergedText string
	for _, env := range pending {
		switch env.Type {
		case protocol.TypeRunOutput:
			outputCount++
			var data protocol.RunOutputData
			if err := env.Decode(&data); err != nil {
				t.Fatalf("decode: %v", err)
			}
			mergedText += data.Text
		case protocol.TypeRunStarted:
			startedCount++
		}
	}
	if outputCount != 1 {
		t.Fatalf("expected coalescing to leave exactly one run.output row, got %d", outputCount)
	}
	if mergedText != "abcdef" {
		t.Fatalf("expected merged text %q, got %q", "abcdef", mergedText)
	}
	if startedCount != 1 {
		t.Fatalf("expected run.started to survive compaction untouched, got %d", startedCount)
	}
}
