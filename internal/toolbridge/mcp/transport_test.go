package mcp

import (
	"context"
	"encoding/json"
	"testing"
)

func TestReconnectableTransportImplementsTransport(t *testing.T) {
	var _ Transport = (*ReconnectableTransport)(nil)
}

func TestReconnectableTransportCanceledContextFailsFast(t *testing.T) {
	rt := &ReconnectableTransport{
		command:   "nonexistent-mcp-server-binary",
		transport: &StdioTransport{running: false},
		maxRetry:  3,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rt.Send(ctx, json.RawMessage(`{"ping":true}`)); err == nil {
		t.Fatal("expected error sending on a closed transport with a canceled context")
	}
}

func TestStdioTransportImplementsTransport(t *testing.T) {
	var _ Transport = (*StdioTransport)(nil)
}

func TestStdioTransportSendFailsWhenNotRunning(t *testing.T) {
	tr := &StdioTransport{running: false}
	if err := tr.Send(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error sending on a transport that was never started")
	}
}

func TestStdioTransportCloseOnNotRunningIsNoop(t *testing.T) {
	tr := &StdioTransport{running: false}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close on already-closed transport: %v", err)
	}
}
