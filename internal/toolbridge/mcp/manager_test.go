package mcp

import (
	"context"
	"testing"
)

func TestManagerStartSkipsDisabledServers(t *testing.T) {
	m := NewManager([]ServerConfig{{Name: "disabled", Command: "true", Enabled: false}}, nil)
	m.Start(context.Background())
	if len(m.clients) != 0 {
		t.Fatalf("expected no clients started, got %d", len(m.clients))
	}
}

func TestManagerCallToolUnknownServerErrors(t *testing.T) {
	m := NewManager(nil, nil)
	if _, err := m.CallTool(context.Background(), "missing", "tool", nil); err == nil {
		t.Fatal("expected error calling a server that was never started")
	}
}

func TestManagerAllToolsEmptyWithNoClients(t *testing.T) {
	m := NewManager(nil, nil)
	tools := m.AllTools(context.Background())
	if len(tools) != 0 {
		t.Fatalf("expected no tools, got %v", tools)
	}
}

func TestManagerStopClearsClients(t *testing.T) {
	m := NewManager(nil, nil)
	m.clients["fake"] = NewClient(newMockTransport())
	m.Stop()
	if len(m.clients) != 0 {
		t.Fatalf("expected Stop to clear clients, got %d", len(m.clients))
	}
}
