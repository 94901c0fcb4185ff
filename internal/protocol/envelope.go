// Package protocol defines the wire envelope and event vocabulary shared by
// the Host Daemon and Server Broker. Every message exchanged over the
// uplink and app/host websockets is a single Envelope; the event log, the
// spool, and the RPC correlation layer all key off its fields.
package protocol

import (
	"encoding/json"
	"time"
)

// Event and RPC method names. These are wire constants: changing a string
// here changes the protocol.
const (
	TypeRunStarted             = "run.started"
	TypeRunOutput              = "run.output"
	TypeRunAwaitingInput       = "run.awaiting_input"
	TypeRunInput               = "run.input"
	TypeRunExited              = "run.exited"
	TypeRunPermissionRequested = "run.permission_requested"
	TypeRunPermissionApprove   = "run.permission.approve"
	TypeRunPermissionDeny      = "run.permission.deny"
	TypeRunSendInput           = "run.send_input"
	TypeRunStop                = "run.stop"
	TypeRunAck                 = "run.ack"
	TypeToolCall               = "tool.call"
	TypeToolResult             = "tool.result"
	TypeRPCResponse            = "rpc.response"
)

// RPCPrefix is prepended to an RPC operation name to form its envelope
// type, e.g. "rpc.fs.read", "rpc.run.start", "rpc.host.list".
const RPCPrefix = "rpc."

// Stream identifies which PTY stream a run.output event carries. The PTY
// multiplexes stdout/stderr onto one file descriptor, but the Runner keeps
// the tag for display purposes where the child process reports it
// separately (rare, but some tools flush stderr through a distinct pipe
// before the PTY takes over).
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Envelope is the single message type carried over every websocket
// connection in the system (host uplink, app clients) and persisted,
// verbatim, as the unit row of the event log and the spool.
type Envelope struct {
	Type   string          `json:"type"`
	TS     time.Time       `json:"ts"`
	HostID string          `json:"host_id,omitempty"`
	RunID  string          `json:"run_id,omitempty"`
	Seq    int64           `json:"seq,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// New builds an envelope with the given type and data, stamping the
// current time. data is marshaled to JSON; pass nil for events that carry
// no payload, which encodes as an empty object, never an omitted field.
func New(typ string, data any) (Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, TS: time.Now().UTC(), Data: raw}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	return raw, nil
}

// WithHost returns a copy of the envelope stamped with host_id. SB stamps
// every event it rebroadcasts to app peers with the originating host, even
// though HD never sets this field itself (the uplink connection already
// identifies the host).
func (e Envelope) WithHost(hostID string) Envelope {
	e.HostID = hostID
	return e
}

// WithRun returns a copy of the envelope stamped with run_id.
func (e Envelope) WithRun(runID string) Envelope {
	e.RunID = runID
	return e
}

// WithSeq returns a copy of the envelope stamped with a per-run sequence
// number. Seq is assigned once, by the component that owns ordering for
// that run: HD's spool assigns it on the way out, SB's event store
// re-derives its own insert_id independently (see internal/eventstore).
func (e Envelope) WithSeq(seq int64) Envelope {
	e.Seq = seq
	return e
}

// Decode unmarshals the envelope's data field into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// IsRPC reports whether the envelope is an RPC request, i.e. its type is
// prefixed "rpc." and is not itself an rpc.response.
func (e Envelope) IsRPC() bool {
	return e.Type != TypeRPCResponse && len(e.Type) > len(RPCPrefix) && e.Type[:len(RPCPrefix)] == RPCPrefix
}
