package protocol

import (
	"encoding/json"
	"testing"
)

func TestValidateRPCArgsAcceptsWellFormedArgs(t *testing.T) {
	cases := map[string]string{
		OpFSRead:    `{"run_id": "run-1", "path": "a.txt"}`,
		OpFSList:    `{"run_id": "run-1", "path": "."}`,
		OpFSSearch:  `{"run_id": "run-1", "q": "TODO"}`,
		OpFSWrite:   `{"run_id": "run-1", "path": "a.txt", "content": "hi"}`,
		OpGitStatus: `{"run_id": "run-1"}`,
		OpGitDiff:   `{"run_id": "run-1"}`,
		OpBash:      `{"run_id": "run-1", "command": "ls"}`,
		OpRunStart:  `{"host_id": "host-1", "tool": "claude"}`,
		OpHostList:  `{}`,
		OpToolMCP:   `{"run_id": "run-1", "server": "search", "tool": "lookup"}`,
	}
	for op, raw := range cases {
		if err := ValidateRPCArgs(op, json.RawMessage(raw)); err != nil {
			t.Errorf("op %s: unexpected error: %v", op, err)
		}
	}
}

func TestValidateRPCArgsRejectsMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		OpFSRead:   `{"run_id": "run-1"}`,
		OpFSWrite:  `{"run_id": "run-1", "path": "a.txt"}`,
		OpBash:     `{"run_id": "run-1"}`,
		OpRunStart: `{"tool": "claude"}`,
		OpToolMCP:  `{"run_id": "run-1", "server": "search"}`,
	}
	for op, raw := range cases {
		if err := ValidateRPCArgs(op, json.RawMessage(raw)); err == nil {
			t.Errorf("op %s: expected a validation error for %s", op, raw)
		}
	}
}

func TestValidateRPCArgsRejectsMalformedJSON(t *testing.T) {
	if err := ValidateRPCArgs(OpFSRead, json.RawMessage(`not-json`)); err == nil {
		t.Fatal("expected an error for malformed JSON args")
	}
}

func TestValidateRPCArgsPassesUnknownOpUnconditionally(t *testing.T) {
	if err := ValidateRPCArgs("some.future.op", json.RawMessage(`{"anything": true}`)); err != nil {
		t.Fatalf("unexpected error for an unregistered op: %v", err)
	}
}

func TestValidateRPCArgsTreatsEmptyArgsAsEmptyObject(t *testing.T) {
	if err := ValidateRPCArgs(OpHostList, nil); err != nil {
		t.Fatalf("unexpected error for nil args on a schema with no required fields: %v", err)
	}
}
