package router

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/aipper/relay/internal/eventstore"
	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/relayerr"
)

func newTestRouter(t *testing.T) (*Router, *eventstore.Store) {
	t.Helper()
	s, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, []byte("test-secret")), s
}

func TestIssueAndVerifyAppToken(t *testing.T) {
	rt, _ := newTestRouter(t)
	tok, err := rt.IssueAppToken("alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueAppToken: %v", err)
	}
	claims, err := rt.verifyAppToken(tok)
	if err != nil {
		t.Fatalf("verifyAppToken: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("got subject %q", claims.Subject)
	}
}

func TestVerifyAppTokenRejectsExpired(t *testing.T) {
	rt, _ := newTestRouter(t)
	tok, err := rt.IssueAppToken("bob", -time.Minute)
	if err != nil {
		t.Fatalf("IssueAppToken: %v", err)
	}
	if _, err := rt.verifyAppToken(tok); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyAppTokenRejectsForeignSecret(t *testing.T) {
	rt, _ := newTestRouter(t)
	other := New(nil, []byte("other-secret"))
	tok, err := other.IssueAppToken("carol", time.Hour)
	if err != nil {
		t.Fatalf("IssueAppToken: %v", err)
	}
	if _, err := rt.verifyAppToken(tok); err == nil {
		t.Fatalf("expected token signed with a different secret to be rejected")
	}
}

func TestResolveHostFromRunID(t *testing.T) {
	rt, s := newTestRouter(t)
	ctx := context.Background()
	if err := s.UpsertRunStarted(ctx, "run-1", "host-1", "claude", "/tmp/proj", time.Now().UTC()); err != nil {
		t.Fatalf("UpsertRunStarted: %v", err)
	}
	env := protocol.Envelope{Type: protocol.TypeRunStop, RunID: "run-1", Data: json.RawMessage(`{}`)}
	hostID, err := rt.resolveHost(ctx, env)
	if err != nil {
		t.Fatalf("resolveHost: %v", err)
	}
	if hostID != "host-1" {
		t.Fatalf("got host %q, want host-1", hostID)
	}
}

func TestResolveHostFromHostScopedArgs(t *testing.T) {
	rt, _ := newTestRouter(t)
	env := protocol.Envelope{Type: "rpc.host.doctor", Data: json.RawMessage(`{"host_id":"host-2"}`)}
	hostID, err := rt.resolveHost(context.Background(), env)
	if err != nil {
		t.Fatalf("resolveHost: %v", err)
	}
	if hostID != "host-2" {
		t.Fatalf("got host %q, want host-2", hostID)
	}
}

func TestResolveHostErrorsWithoutRunOrHostID(t *testing.T) {
	rt, _ := newTestRouter(t)
	env := protocol.Envelope{Type: "rpc.host.doctor", Data: json.RawMessage(`{}`)}
	if _, err := rt.resolveHost(context.Background(), env); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHandleHostEnvelopeProjectsRunStarted(t *testing.T) {
	rt, s := newTestRouter(t)
	ctx := context.Background()
	env, err := protocol.New(protocol.TypeRunStarted, protocol.RunStartedData{Tool: "claude", CWD: "/tmp/proj"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env = env.WithRun("run-1")
	hc := &hostConn{id: "host-1", send: make(chan protocol.Envelope, 4)}
	rt.addHost(hc)
	if err := rt.handleHostEnvelope(ctx, hc, env); err != nil {
		t.Fatalf("handleHostEnvelope: %v", err)
	}
	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "running" || run.HostID != "host-1" {
		t.Fatalf("unexpected run row: %+v", run)
	}
}

func TestHandleHostEnvelopeClosesOnNonMonotoneSeq(t *testing.T) {
	rt, s := newTestRouter(t)
	ctx := context.Background()
	if err := s.UpsertRunStarted(ctx, "run-1", "host-1", "claude", "/tmp/proj", time.Now().UTC()); err != nil {
		t.Fatalf("UpsertRunStarted: %v", err)
	}
	env1, _ := protocol.New(protocol.TypeRunOutput, protocol.RunOutputData{Stream: protocol.StreamStdout, Text: "hi"})
	env1 = env1.WithRun("run-1").WithSeq(5)
	hc := &hostConn{id: "host-1", send: make(chan protocol.Envelope, 4)}
	if err := rt.handleHostEnvelope(ctx, hc, env1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	env2, _ := protocol.New(protocol.TypeRunOutput, protocol.RunOutputData{Stream: protocol.StreamStdout, Text: "stale"})
	env2 = env2.WithRun("run-1").WithSeq(5)
	if err := rt.handleHostEnvelope(ctx, hc, env2); err == nil {
		t.Fatalf("expected ErrNonMonotoneSeq")
	}
}

func TestRPCResponseRoutedToWaitingAppPeer(t *testing.T) {
	rt, _ := newTestRouter(t)
	ac := &appConn{send: make(chan protocol.Envelope, 1)}
	rt.pendingMu.Lock()
	rt.pendingRPC["req-1"] = ac
	rt.pendingMu.Unlock()

	respEnv, _ := protocol.New(protocol.TypeRPCResponse, protocol.RPCResponseData{RequestID: "req-1", OK: true})
	rt.routeRPCResponse(respEnv)

	select {
	case got := <-ac.send:
		var d protocol.RPCResponseData
		if err := got.Decode(&d); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if d.RequestID != "req-1" || !d.OK {
			t.Fatalf("got %+v", d)
		}
	default:
		t.Fatalf("expected response to be delivered")
	}

	rt.pendingMu.Lock()
	_, stillPending := rt.pendingRPC["req-1"]
	rt.pendingMu.Unlock()
	if stillPending {
		t.Fatalf("expected pending entry to be cleared")
	}
}

func TestReplyErrorWritesRPCErrorResponse(t *testing.T) {
	rt, _ := newTestRouter(t)
	ac := &appConn{send: make(chan protocol.Envelope, 1)}
	env := protocol.Envelope{Type: "rpc.fs.read", Data: json.RawMessage(`{"request_id":"req-9"}`)}
	rt.replyError(ac, env, relayerr.ErrHostOffline)

	select {
	case got := <-ac.send:
		var d protocol.RPCResponseData
		if err := got.Decode(&d); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if d.OK || d.RequestID != "req-9" {
			t.Fatalf("got %+v", d)
		}
	default:
		t.Fatalf("expected error response to be delivered")
	}
}

func TestBroadcastToAppsFanOutsToAllPeers(t *testing.T) {
	rt, _ := newTestRouter(t)
	a1 := &appConn{send: make(chan protocol.Envelope, 1)}
	a2 := &appConn{send: make(chan protocol.Envelope, 1)}
	rt.addApp(a1)
	rt.addApp(a2)

	env, _ := protocol.New(protocol.TypeRunOutput, protocol.RunOutputData{Stream: protocol.StreamStdout, Text: "hi"})
	rt.broadcastToApps(env)

	for _, ac := range []*appConn{a1, a2} {
		select {
		case <-ac.send:
		default:
			t.Fatalf("expected event delivered to every app peer")
		}
	}
}
