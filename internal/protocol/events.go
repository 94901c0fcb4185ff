package protocol

import "encoding/json"

// Payload types for each event's data field. Envelope.Data is stored and
// forwarded as raw JSON; these structs are the typed view used at the
// producing and consuming ends. Adding a field is protocol-compatible;
// removing or renaming one is not (see spec of stable event types).

// RunStartedData is data for run.started.
type RunStartedData struct {
	Tool string `json:"tool"`
	Cmd  string `json:"cmd,omitempty"`
	CWD  string `json:"cwd"`
	PID  int    `json:"pid,omitempty"`
}

// RunOutputData is data for run.output.
type RunOutputData struct {
	Stream string `json:"stream"` // StreamStdout or StreamStderr
	Text   string `json:"text"`
}

// RunAwaitingInputData is data for run.awaiting_input.
type RunAwaitingInputData struct {
	Prompt string `json:"prompt,omitempty"`
}

// RunInputData is data for run.input.
type RunInputData struct {
	InputID      string `json:"input_id"`
	TextRedacted string `json:"text_redacted"`
	SHA256       string `json:"sha256"`
}

// RunExitedData is data for run.exited.
type RunExitedData struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// RunPermissionRequestedData is data for run.permission_requested.
type RunPermissionRequestedData struct {
	RequestID     string `json:"request_id"`
	OpTool        string `json:"op_tool"`
	OpArgsSummary string `json:"op_args_summary"`
	OpArgs        any    `json:"op_args,omitempty"`
	Prompt        string `json:"prompt"`
	ApproveText   string `json:"approve_text,omitempty"`
	DenyText      string `json:"deny_text,omitempty"`
}

// RunPermissionDecisionData is data for run.permission.approve/deny.
type RunPermissionDecisionData struct {
	RequestID string `json:"request_id"`
}

// RunSendInputData is data for run.send_input (app/HTTP -> host).
type RunSendInputData struct {
	InputID string `json:"input_id"`
	Text    string `json:"text"`
}

// StopSignal enumerates run.stop signals.
type StopSignal string

const (
	SignalInt  StopSignal = "int"
	SignalTerm StopSignal = "term"
	SignalKill StopSignal = "kill"
)

// RunStopData is data for run.stop.
type RunStopData struct {
	Signal StopSignal `json:"signal"`
}

// RunAckData is data for run.ack.
type RunAckData struct {
	RunID   string `json:"run_id"`
	LastSeq int64  `json:"last_seq"`
}

// ToolCallData is data for tool.call.
type ToolCallData struct {
	RequestID string `json:"request_id"`
	Tool      string `json:"tool"`
	Actor     string `json:"actor"`
	Args      any    `json:"args,omitempty"`
}

// ToolResultData is data for tool.result.
type ToolResultData struct {
	RequestID  string `json:"request_id"`
	Tool       string `json:"tool"`
	OK         bool   `json:"ok"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RPCResponseData is data for rpc.response.
type RPCResponseData struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RPC operation names, as used after the "rpc." prefix in an envelope type
// (e.g. type = "rpc.fs.read").
const (
	OpFSRead    = "fs.read"
	OpFSList    = "fs.list"
	OpFSSearch  = "fs.search"
	OpFSWrite   = "fs.write"
	OpGitStatus = "git.status"
	OpGitDiff   = "git.diff"
	OpBash      = "bash"
	OpRunStart  = "run.start"
	OpHostList  = "host.list"
	OpHostDoctor = "host.doctor"
	OpToolMCP    = "tool.mcp"
)

// FSReadArgs/Result and friends are the request.data / response.result
// bodies for each rpc.<op>, mirrored by internal/toolbridge and by the
// local unix API (§4.4/§4.5 of the design), and reused by both HD's own
// handler and SB's forwarding layer for schema validation.
type FSReadArgs struct {
	RunID string `json:"run_id"`
	Path  string `json:"path"`
}

type FSReadResult struct {
	Text      string `json:"text,omitempty"`
	Base64    string `json:"base64,omitempty"`
	Truncated bool   `json:"truncated"`
}

type FSListArgs struct {
	RunID string `json:"run_id"`
	Path  string `json:"path"`
}

type FSListEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

type FSListResult struct {
	Entries []FSListEntry `json:"entries"`
}

type FSSearchArgs struct {
	RunID      string `json:"run_id"`
	Query      string `json:"q"`
	MaxMatches int    `json:"max_matches,omitempty"`
}

type FSSearchMatch struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Text   string `json:"text"`
}

type FSSearchResult struct {
	Matches   []FSSearchMatch `json:"matches"`
	Truncated bool            `json:"truncated"`
}

type FSWriteArgs struct {
	RunID   string `json:"run_id"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FSWriteResult struct {
	BytesWritten int64 `json:"bytes_written"`
	Truncated    bool  `json:"truncated,omitempty"`
}

type GitStatusArgs struct {
	RunID string `json:"run_id"`
}

type GitStatusResult struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

type GitDiffArgs struct {
	RunID string `json:"run_id"`
	Path  string `json:"path,omitempty"`
}

type GitDiffResult struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

type BashArgs struct {
	RunID   string `json:"run_id"`
	Command string `json:"command"`
}

type BashResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
}

type RunStartArgs struct {
	HostID string `json:"host_id"`
	Tool   string `json:"tool"`
	Cmd    string `json:"cmd,omitempty"`
	CWD    string `json:"cwd,omitempty"`
}

type RunStartResult struct {
	RunID string `json:"run_id"`
}

// MCPCallArgs invokes a tool exposed by one of the Tool Bridge's
// configured MCP servers.
type MCPCallArgs struct {
	RunID  string          `json:"run_id"`
	Server string          `json:"server"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type MCPCallResult struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type HostListArgs struct{}

type HostInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	LastSeenAt string `json:"last_seen_at,omitempty"`
	Online     bool   `json:"online"`
}

type HostListResult struct {
	Hosts []HostInfo `json:"hosts"`
}
