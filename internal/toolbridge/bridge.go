package toolbridge

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/aipper/relay/internal/approval"
	"github.com/aipper/relay/internal/audit"
	"github.com/aipper/relay/internal/policy"
	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/relayerr"
	"github.com/aipper/relay/internal/toolbridge/mcp"
)

// EventSink receives the tool.call/tool.result pair this package emits
// around every operation, so a run's full audit trail appears in the same
// event stream as its PTY output. Satisfied by *ptyrunner.Runner.
type EventSink interface {
	Emit(ctx context.Context, env protocol.Envelope) error
}

// CWDResolver maps a run_id to its working directory. Satisfied by
// *ptyrunner.Runner.
type CWDResolver interface {
	CWD(runID string) (string, error)
}

const (
	readOpDeadline  = 5 * time.Second
	writeOpDeadline = 10 * time.Minute
)

// Bridge executes fs/git/bash operations against a run's cwd. Read-only
// operations (fs.read, fs.list, fs.search, git.status, git.diff) execute
// immediately; fs.write and bash first open a permission request against
// the run's shared approval.Tracker and only proceed once approved. Every
// operation is checked against policy first (§4.11): policy can forbid an
// operation outright, but passing policy never substitutes for the
// approval.Tracker permission gate that fs.write and bash still require.
type Bridge struct {
	sink      EventSink
	cwd       CWDResolver
	approvals *approval.Tracker
	policy    policy.Checker
	mcp       *mcp.Manager
}

func New(sink EventSink, cwd CWDResolver, approvals *approval.Tracker, checker policy.Checker) *Bridge {
	if checker == nil {
		checker = policy.Default()
	}
	return &Bridge{sink: sink, cwd: cwd, approvals: approvals, policy: checker}
}

// SetMCPManager attaches the optional MCP server manager. Until this is
// called, MCPCall always fails: there is nothing to call.
func (b *Bridge) SetMCPManager(m *mcp.Manager) {
	b.mcp = m
}

// checkCapability consults policy before opTool runs at all, recording the
// decision to the audit log regardless of outcome. A deny here never opens
// an approval.Tracker request: the operator-configured policy line is
// stricter than, and independent of, human-in-the-loop approval.
func (b *Bridge) checkCapability(runID, capability string) error {
	version := b.policy.PolicyVersion()
	if !b.policy.AllowCapability(capability) {
		audit.Record("deny", capability, "capability_disabled", version, runID)
		return relayerr.New(relayerr.KindPermission, capability+" is disabled by policy")
	}
	audit.Record("allow", capability, "", version, runID)
	return nil
}

// checkPath consults policy's path allowlist for an fs operation whose args
// name a path, recording the decision to the audit log. rel is joined onto
// runCWD only for the policy check; the op itself still does its own
// symlink-aware scoping via safeJoinRunPath.
func (b *Bridge) checkPath(runID, capability, runCWD, rel string) error {
	abs := filepath.Join(runCWD, rel)
	version := b.policy.PolicyVersion()
	if !b.policy.AllowPath(runCWD, abs) {
		audit.Record("deny", capability, "path_out_of_scope", version, runID)
		return relayerr.New(relayerr.KindOutOfScope, abs+" is out of policy scope")
	}
	audit.Record("allow", capability, "", version, runID)
	return nil
}

func (b *Bridge) emit(ctx context.Context, env protocol.Envelope) {
	// tool.call/tool.result are audit trail, not control flow: a sink
	// failure must never block or fail the underlying operation.
	_ = b.sink.Emit(ctx, env)
}

func (b *Bridge) runCWD(runID string) (string, error) {
	return b.cwd.CWD(runID)
}

// call wraps op with the tool.call/tool.result envelope pair, timing it
// and recording success/failure, then returns fn's result unchanged.
func call[TArgs, TResult any](ctx context.Context, b *Bridge, runID, tool string, actor string, args TArgs, fn func(ctx context.Context, runCWD string, args TArgs) (TResult, error)) (TResult, error) {
	var zero TResult
	runCWD, err := b.runCWD(runID)
	if err != nil {
		return zero, err
	}

	requestID := uuid.NewString()
	callEnv, err := protocol.New(protocol.TypeToolCall, protocol.ToolCallData{
		RequestID: requestID,
		Tool:      tool,
		Actor:     actor,
		Args:      args,
	})
	if err == nil {
		b.emit(ctx, callEnv.WithRun(runID))
	}

	started := time.Now()
	result, opErr := fn(ctx, runCWD, args)
	durationMS := time.Since(started).Milliseconds()

	resultData := protocol.ToolResultData{
		RequestID:  requestID,
		Tool:       tool,
		OK:         opErr == nil,
		DurationMS: durationMS,
	}
	if opErr != nil {
		resultData.Error = opErr.Error()
	} else {
		resultData.Result = result
	}
	resultEnv, err := protocol.New(protocol.TypeToolResult, resultData)
	if err == nil {
		b.emit(ctx, resultEnv.WithRun(runID))
	}

	return result, opErr
}

// withDeadline bounds a read-only operation so a hung filesystem or rg
// invocation can't wedge the calling goroutine forever.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

func (b *Bridge) FSRead(ctx context.Context, runID, actor string, args protocol.FSReadArgs) (protocol.FSReadResult, error) {
	if err := b.checkCapability(runID, protocol.OpFSRead); err != nil {
		return protocol.FSReadResult{}, err
	}
	runCWD, err := b.runCWD(runID)
	if err != nil {
		return protocol.FSReadResult{}, err
	}
	if err := b.checkPath(runID, protocol.OpFSRead, runCWD, args.Path); err != nil {
		return protocol.FSReadResult{}, err
	}
	ctx, cancel := withDeadline(ctx, readOpDeadline)
	defer cancel()
	return call(ctx, b, runID, protocol.OpFSRead, actor, args, fsRead)
}

func (b *Bridge) FSList(ctx context.Context, runID, actor string, args protocol.FSListArgs) (protocol.FSListResult, error) {
	if err := b.checkCapability(runID, protocol.OpFSRead); err != nil {
		return protocol.FSListResult{}, err
	}
	runCWD, err := b.runCWD(runID)
	if err != nil {
		return protocol.FSListResult{}, err
	}
	if err := b.checkPath(runID, protocol.OpFSList, runCWD, args.Path); err != nil {
		return protocol.FSListResult{}, err
	}
	ctx, cancel := withDeadline(ctx, readOpDeadline)
	defer cancel()
	return call(ctx, b, runID, protocol.OpFSList, actor, args, fsList)
}

func (b *Bridge) FSSearch(ctx context.Context, runID, actor string, args protocol.FSSearchArgs) (protocol.FSSearchResult, error) {
	if err := b.checkCapability(runID, protocol.OpFSSearch); err != nil {
		return protocol.FSSearchResult{}, err
	}
	ctx, cancel := withDeadline(ctx, readOpDeadline)
	defer cancel()
	return call(ctx, b, runID, protocol.OpFSSearch, actor, args, fsSearch)
}

func (b *Bridge) GitStatus(ctx context.Context, runID, actor string, args protocol.GitStatusArgs) (protocol.GitStatusResult, error) {
	if err := b.checkCapability(runID, protocol.OpGitStatus); err != nil {
		return protocol.GitStatusResult{}, err
	}
	ctx, cancel := withDeadline(ctx, readOpDeadline)
	defer cancel()
	return call(ctx, b, runID, protocol.OpGitStatus, actor, args, func(ctx context.Context, runCWD string, _ protocol.GitStatusArgs) (protocol.GitStatusResult, error) {
		return gitStatus(ctx, runCWD)
	})
}

func (b *Bridge) GitDiff(ctx context.Context, runID, actor string, args protocol.GitDiffArgs) (protocol.GitDiffResult, error) {
	if err := b.checkCapability(runID, protocol.OpGitDiff); err != nil {
		return protocol.GitDiffResult{}, err
	}
	ctx, cancel := withDeadline(ctx, readOpDeadline)
	defer cancel()
	return call(ctx, b, runID, protocol.OpGitDiff, actor, args, gitDiff)
}

// MCPCall invokes a tool on one of the Tool Bridge's configured MCP
// servers. Gated by the "tools.mcp" capability only: an MCP server's
// own tools vary too widely for a path-scoping or permission-gate rule
// written for fs.write/bash to apply meaningfully, so the operator's
// only lever here is enabling or disabling the capability entirely.
func (b *Bridge) MCPCall(ctx context.Context, runID, actor string, args protocol.MCPCallArgs) (protocol.MCPCallResult, error) {
	if err := b.checkCapability(runID, protocol.OpToolMCP); err != nil {
		return protocol.MCPCallResult{}, err
	}
	if b.mcp == nil {
		return protocol.MCPCallResult{}, relayerr.New(relayerr.KindTransient, "no mcp servers configured")
	}
	ctx, cancel := withDeadline(ctx, writeOpDeadline)
	defer cancel()
	return call(ctx, b, runID, protocol.OpToolMCP, actor, args, func(ctx context.Context, _ string, a protocol.MCPCallArgs) (protocol.MCPCallResult, error) {
		res, err := b.mcp.CallTool(ctx, a.Server, a.Tool, a.Args)
		if err != nil {
			return protocol.MCPCallResult{}, relayerr.Wrap(relayerr.KindTransient, "mcp call failed", err)
		}
		return protocol.MCPCallResult{Result: res}, nil
	})
}

// FSWrite requires permission: it opens a request against the shared
// approval.Tracker and blocks until approve/deny/exit before writing. Policy
// is checked first and can refuse the operation outright, before any
// approval prompt is ever opened.
func (b *Bridge) FSWrite(ctx context.Context, runID, actor string, args protocol.FSWriteArgs) (protocol.FSWriteResult, error) {
	if err := b.checkCapability(runID, protocol.OpFSWrite); err != nil {
		return protocol.FSWriteResult{}, err
	}
	runCWD, err := b.runCWD(runID)
	if err != nil {
		return protocol.FSWriteResult{}, err
	}
	if err := b.checkPath(runID, protocol.OpFSWrite, runCWD, args.Path); err != nil {
		return protocol.FSWriteResult{}, err
	}
	if err := b.awaitPermission(ctx, runID, protocol.OpFSWrite, args.Path); err != nil {
		return protocol.FSWriteResult{}, err
	}
	ctx, cancel := withDeadline(ctx, writeOpDeadline)
	defer cancel()
	return call(ctx, b, runID, protocol.OpFSWrite, actor, args, fsWrite)
}

// Bash requires permission for the same reason as FSWrite: an arbitrary
// shell command is at least as dangerous as an arbitrary file write. Policy
// is checked first, same as FSWrite.
func (b *Bridge) Bash(ctx context.Context, runID, actor string, args protocol.BashArgs) (protocol.BashResult, error) {
	if err := b.checkCapability(runID, protocol.OpBash); err != nil {
		return protocol.BashResult{}, err
	}
	if err := b.awaitPermission(ctx, runID, protocol.OpBash, args.Command); err != nil {
		return protocol.BashResult{}, err
	}
	ctx, cancel := withDeadline(ctx, writeOpDeadline)
	defer cancel()
	return call(ctx, b, runID, protocol.OpBash, actor, args, bashExec)
}

// awaitPermission opens a permission request for opTool against the run's
// shared tracker, emits run.permission_requested, and blocks until the
// decision arrives or ctx is done. A denial surfaces as a Permission error;
// the caller's operation never runs.
func (b *Bridge) awaitPermission(ctx context.Context, runID, opTool, argsSummary string) error {
	req := approval.Request{
		RequestID:     uuid.NewString(),
		OpTool:        opTool,
		OpArgsSummary: argsSummary,
		Prompt:        "approve " + opTool + "?",
	}
	wait, err := b.approvals.Open(runID, req)
	if err != nil {
		return err
	}
	env, err := approval.ToEnvelope(runID, req)
	if err == nil {
		b.emit(ctx, env)
	}

	select {
	case decision, ok := <-wait:
		if !ok || !decision.Approved {
			return relayerr.New(relayerr.KindPermission, opTool+" was denied")
		}
		return nil
	case <-ctx.Done():
		return relayerr.Wrap(relayerr.KindTransient, "permission wait canceled", ctx.Err())
	}
}
