package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type mockTransport struct {
	in  chan json.RawMessage
	out chan json.RawMessage
}

func newMockTransport() *mockTransport {
	return &mockTransport{in: make(chan json.RawMessage, 10), out: make(chan json.RawMessage, 10)}
}

func (m *mockTransport) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case m.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-m.in:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockTransport) Close() error {
	return nil
}

func TestClientInitializeSendsHandshakeThenNotification(t *testing.T) {
	transport := newMockTransport()
	client := NewClient(transport)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Initialize(ctx) }()

	select {
	case msg := <-transport.out:
		var req jsonRPCRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Fatalf("invalid request json: %v", err)
		}
		if req.Method != "initialize" {
			t.Fatalf("expected initialize method, got %s", req.Method)
		}
		b, _ := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", Result: json.RawMessage(`{}`), ID: req.ID})
		transport.in <- b
	case <-ctx.Done():
		t.Fatal("timeout waiting for initialize request")
	}

	select {
	case msg := <-transport.out:
		var notif jsonRPCNotification
		if err := json.Unmarshal(msg, &notif); err != nil {
			t.Fatalf("invalid notification json: %v", err)
		}
		if notif.Method != "notifications/initialized" {
			t.Fatalf("expected initialized notification, got %s", notif.Method)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for initialized notification")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func TestClientListTools(t *testing.T) {
	transport := newMockTransport()
	client := NewClient(transport)
	defer client.Close()

	go func() {
		msg := <-transport.out
		var req jsonRPCRequest
		json.Unmarshal(msg, &req)
		b, _ := json.Marshal(jsonRPCResponse{
			JSONRPC: "2.0",
			Result:  json.RawMessage(`{"tools":[{"name":"search","description":"searches"}]}`),
			ID:      req.ID,
		})
		transport.in <- b
	}()

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("expected one tool named search, got %v", tools)
	}
}

func TestClientCallToolPropagatesRPCError(t *testing.T) {
	transport := newMockTransport()
	client := NewClient(transport)
	defer client.Close()

	go func() {
		msg := <-transport.out
		var req jsonRPCRequest
		json.Unmarshal(msg, &req)
		b, _ := json.Marshal(jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: -32000, Message: "tool exploded"},
			ID:      req.ID,
		})
		transport.in <- b
	}()

	_, err := client.CallTool(context.Background(), "search", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error from failing tool call")
	}
}

func TestClientCallCanceledContext(t *testing.T) {
	transport := newMockTransport()
	client := NewClient(transport)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.CallTool(ctx, "search", nil); err == nil {
		t.Fatal("expected error for already-canceled context")
	}
}
