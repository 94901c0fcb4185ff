package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aipper/relay/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycleProjection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	started := time.Now().UTC()
	if err := s.UpsertRunStarted(ctx, "run-1", "host-1", "claude", "/tmp/proj", started); err != nil {
		t.Fatalf("UpsertRunStarted: %v", err)
	}
	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "running" {
		t.Fatalf("expected status=running, got %s", run.Status)
	}

	if err := s.SetPendingPermission(ctx, "run-1", protocol.RunPermissionRequestedData{
		RequestID: "req-1", OpTool: "bash", Prompt: "run rm?",
	}); err != nil {
		t.Fatalf("SetPendingPermission: %v", err)
	}
	run, _ = s.GetRun(ctx, "run-1")
	if run.Status != "awaiting_approval" || !run.PendingRequestID.Valid || run.PendingRequestID.String != "req-1" {
		t.Fatalf("expected awaiting_approval with pending request, got %+v", run)
	}

	if err := s.MarkAwaitingInput(ctx, "run-1"); err != nil {
		t.Fatalf("MarkAwaitingInput: %v", err)
	}
	run, _ = s.GetRun(ctx, "run-1")
	if run.Status != "awaiting_approval" {
		t.Fatalf("expected pending approval to take precedence over awaiting_input, got %s", run.Status)
	}

	if err := s.ClearPendingByRequestID(ctx, "run-1", "req-1"); err != nil {
		t.Fatalf("ClearPendingByRequestID: %v", err)
	}
	run, _ = s.GetRun(ctx, "run-1")
	if run.Status != "running" || run.PendingRequestID.Valid {
		t.Fatalf("expected pending cleared and status=running, got %+v", run)
	}

	if err := s.FinishRun(ctx, "run-1", time.Now().UTC(), 0); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	run, _ = s.GetRun(ctx, "run-1")
	if run.Status != "exited" || !run.ExitCode.Valid || run.ExitCode.Int64 != 0 {
		t.Fatalf("expected status=exited exit_code=0, got %+v", run)
	}
}

func TestInsertEventRejectsNonMonotoneSeq(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	env1, _ := protocol.New(protocol.TypeRunOutput, protocol.RunOutputData{Stream: "stdout", Text: "a"})
	env1 = env1.WithRun("run-1").WithSeq(5)
	if err := s.InsertEvent(ctx, env1); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	env2, _ := protocol.New(protocol.TypeRunOutput, protocol.RunOutputData{Stream: "stdout", Text: "b"})
	env2 = env2.WithRun("run-1").WithSeq(5)
	if err := s.InsertEvent(ctx, env2); err != ErrNonMonotoneSeq {
		t.Fatalf("expected ErrNonMonotoneSeq, got %v", err)
	}
}

func TestInputIdempotency(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	env, _ := protocol.New(protocol.TypeRunInput, protocol.RunInputData{InputID: "in-1", TextRedacted: "hi", SHA256: "abc"})
	env = env.WithRun("run-1").WithSeq(1)
	if err := s.InsertEvent(ctx, env); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	env2, _ := protocol.New(protocol.TypeRunInput, protocol.RunInputData{InputID: "in-1", TextRedacted: "hi", SHA256: "abc"})
	env2 = env2.WithRun("run-1").WithSeq(2)
	if err := s.InsertEvent(ctx, env2); err != nil {
		t.Fatalf("second insert (same input_id) should not error: %v", err)
	}

	rows, err := s.RunEvents(ctx, "run-1", 100, 0)
	if err != nil {
		t.Fatalf("RunEvents: %v", err)
	}
	count := 0
	for _, r := range rows {
		if r.Type == protocol.TypeRunInput {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one run.input row for duplicate input_id, got %d", count)
	}
}

func TestHostTOFU(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ok, err := s.UpsertHostTOFU(ctx, "host-1", "hash-a")
	if err != nil || !ok {
		t.Fatalf("first pin: ok=%v err=%v", ok, err)
	}
	ok, err = s.UpsertHostTOFU(ctx, "host-1", "hash-a")
	if err != nil || !ok {
		t.Fatalf("matching reconnect: ok=%v err=%v", ok, err)
	}
	ok, err = s.UpsertHostTOFU(ctx, "host-1", "hash-b")
	if err != nil {
		t.Fatalf("mismatched reconnect: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatched token hash to be rejected")
	}
}

func TestRunEventsPagination(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := int64(1); i <= 5; i++ {
		env, _ := protocol.New(protocol.TypeRunOutput, protocol.RunOutputData{Stream: "stdout", Text: "x"})
		env = env.WithRun("run-1").WithSeq(i)
		if err := s.InsertEvent(ctx, env); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	rows, err := s.RunEvents(ctx, "run-1", 2, 0)
	if err != nil {
		t.Fatalf("RunEvents: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}
