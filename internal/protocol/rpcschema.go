package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// rpcArgSchemas holds the JSON Schema text for each rpc.<op>'s data
// payload, compiled lazily on first use. Validating the envelope shape
// here, ahead of the Router forwarding it to a host, is this module's
// equivalent of the teacher's RPC-argument validation in
// internal/gateway/gateway.go — the transport differs (Router forwards
// over a host WebSocket rather than dispatching to an in-process agent)
// but the principle is the same: reject a malformed rpc.* request before
// it reaches anything stateful.
var rpcArgSchemas = map[string]string{
	OpFSRead: `{
		"type": "object",
		"required": ["run_id", "path"],
		"properties": {"run_id": {"type": "string", "minLength": 1}, "path": {"type": "string", "minLength": 1}}
	}`,
	OpFSList: `{
		"type": "object",
		"required": ["run_id", "path"],
		"properties": {"run_id": {"type": "string", "minLength": 1}, "path": {"type": "string"}}
	}`,
	OpFSSearch: `{
		"type": "object",
		"required": ["run_id", "q"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"q": {"type": "string", "minLength": 1},
			"max_matches": {"type": "integer", "minimum": 0}
		}
	}`,
	OpFSWrite: `{
		"type": "object",
		"required": ["run_id", "path", "content"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		}
	}`,
	OpGitStatus: `{
		"type": "object",
		"required": ["run_id"],
		"properties": {"run_id": {"type": "string", "minLength": 1}}
	}`,
	OpGitDiff: `{
		"type": "object",
		"required": ["run_id"],
		"properties": {"run_id": {"type": "string", "minLength": 1}, "path": {"type": "string"}}
	}`,
	OpBash: `{
		"type": "object",
		"required": ["run_id", "command"],
		"properties": {"run_id": {"type": "string", "minLength": 1}, "command": {"type": "string", "minLength": 1}}
	}`,
	OpRunStart: `{
		"type": "object",
		"required": ["host_id", "tool"],
		"properties": {
			"host_id": {"type": "string", "minLength": 1},
			"tool": {"type": "string", "minLength": 1},
			"cmd": {"type": "string"},
			"cwd": {"type": "string"}
		}
	}`,
	OpHostList:   `{"type": "object"}`,
	OpHostDoctor: `{"type": "object"}`,
	OpToolMCP: `{ "type": "object", "required": ["run_id", "server", "tool"], "properties": {"run_id": {"type": "string", "minLength": 1}, "server": {"type": "string", "minLength": 1}, "tool": {"type": "string", "minLength": 1}} }`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compileRPCSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(rpcArgSchemas))
		for op, raw := range rpcArgSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				compileErr = fmt.Errorf("unmarshal schema for %s: %w", op, err)
				return
			}
			name := "rpc/" + op
			if err := c.AddResource(name, doc); err != nil {
				compileErr = fmt.Errorf("add schema resource for %s: %w", op, err)
				return
			}
			schema, err := c.Compile(name)
			if err != nil {
				compileErr = fmt.Errorf("compile schema for %s: %w", op, err)
				return
			}
			out[op] = schema
		}
		compiled = out
	})
	return compiled, compileErr
}

// ValidateRPCArgs validates an rpc.<op> request's data payload against
// its registered JSON Schema. An op with no registered schema passes
// unconditionally — schemas cover the known surface, they don't gate
// future ops from working before this file is updated.
func ValidateRPCArgs(op string, args json.RawMessage) error {
	schemas, err := compileRPCSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[op]
	if !ok {
		return nil
	}
	if len(args) == 0 {
		args = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return fmt.Errorf("rpc.%s: args is not valid JSON: %w", op, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("rpc.%s: %w", op, err)
	}
	return nil
}
