// Package ptyrunner implements the PTY Runner: spawns a child under a
// pseudo-terminal, pumps its output into run.output events, delivers
// input, and carries the run through starting -> running ->
// awaiting_input/awaiting_approval -> exited.
//
// Every tool name resolves to the same generic path: a shell command under
// a PTY, a heuristic prompt regex, and the shared approval FSM. No tool's
// own stdio protocol is parsed.
package ptyrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/aipper/relay/internal/approval"
	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/redact"
	"github.com/aipper/relay/internal/relayerr"
)

// outputFlushInterval bounds how long pending output bytes sit before
// being emitted as a run.output event when no prompt or size threshold
// has triggered a flush already.
const outputFlushInterval = 120 * time.Millisecond

// outputMaxBytes is the target upper bound for a single run.output chunk.
const outputMaxBytes = 64 * 1024

// termGrace is how long stop(term) waits for the child to exit before
// escalating to kill.
const termGrace = 5 * time.Second

// EventSink receives every event the Runner produces, in emission order
// per run. Typically backed by the spool.
type EventSink interface {
	Emit(ctx context.Context, env protocol.Envelope) error
}

// Runner owns all live runs on one host.
type Runner struct {
	hostID    string
	sink      EventSink
	redactor  *redact.Redactor
	approvals *approval.Tracker
	binMap    *BinMap

	mu   sync.RWMutex
	runs map[string]*activeRun
}

type activeRun struct {
	id   string
	tool string
	cmd  string
	cwd  string

	seq int64 // atomic

	ptmx        *os.File
	proc        *os.Process
	promptRegex regexpMatcher

	mu              sync.Mutex
	awaitingInput   bool
	processedInputs map[string]struct{}
}

// regexpMatcher is satisfied by *regexp.Regexp; indirected only so tests
// can substitute a trivial always-false matcher.
type regexpMatcher interface {
	MatchString(string) bool
}

// New constructs a Runner. sink receives every emitted event.
func New(hostID string, sink EventSink, redactor *redact.Redactor, approvals *approval.Tracker, binMap *BinMap) *Runner {
	return &Runner{
		hostID:    hostID,
		sink:      sink,
		redactor:  redactor,
		approvals: approvals,
		binMap:    binMap,
		runs:      make(map[string]*activeRun),
	}
}

func (r *activeRun) nextSeq() int64 {
	return atomic.AddInt64(&r.seq, 1)
}

func (rn *Runner) emit(ctx context.Context, env protocol.Envelope) {
	if err := rn.sink.Emit(ctx, env); err != nil {
		fmt.Fprintf(os.Stderr, "ptyrunner: emit %s for run %s failed: %v\n", env.Type, env.RunID, err)
	}
}

// StartRun resolves tool's binary, spawns it under a PTY in cwd, and
// begins pumping its output. cmd, if empty, defaults to the tool's own
// bare invocation.
func (rn *Runner) StartRun(ctx context.Context, tool, cmdline, cwd string) (string, error) {
	runID := "run-" + uuid.NewString()
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		cwd = wd
	}

	spec := specForTool(tool)
	resolved := ResolveToolBin(rn.binMap, tool, spec.EnvVar, spec.DefaultBin)
	if cmdline == "" {
		cmdline = resolved
	}
	if err := ValidateBinExists(resolved, "start run: "+tool); err != nil {
		env, _ := protocol.New(protocol.TypeRunExited, protocol.RunExitedData{ExitCode: -1, Error: err.Error()})
		env = env.WithHost(rn.hostID).WithRun(runID).WithSeq(1)
		rn.emit(ctx, env)
		return "", relayerr.Wrap(relayerr.KindFatal, "unresolved binary for tool "+tool, err)
	}

	var execCmd *exec.Cmd
	if looksLikeShell(cmdline) {
		execCmd = exec.Command("bash", "-lc", cmdline)
	} else {
		fields := splitFields(cmdline)
		execCmd = exec.Command(fields[0], fields[1:]...)
	}
	execCmd.Dir = cwd
	execCmd.Env = append(os.Environ(),
		"RELAY_RUN_ID="+runID,
		"RELAY_TOOL="+tool,
		"RELAY_CWD="+cwd,
	)
	if os.Getenv("TERM") == "" {
		execCmd.Env = append(execCmd.Env, "TERM=xterm-256color")
	}
	if os.Getenv("COLORTERM") == "" {
		execCmd.Env = append(execCmd.Env, "COLORTERM=truecolor")
	}

	ptmx, err := pty.StartWithSize(execCmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		env, _ := protocol.New(protocol.TypeRunExited, protocol.RunExitedData{ExitCode: -1, Error: err.Error()})
		env = env.WithHost(rn.hostID).WithRun(runID).WithSeq(1)
		rn.emit(ctx, env)
		return "", relayerr.Wrap(relayerr.KindFatal, "spawn child under pty", err)
	}

	run := &activeRun{
		id:              runID,
		tool:            tool,
		cmd:             cmdline,
		cwd:             cwd,
		ptmx:            ptmx,
		proc:            execCmd.Process,
		promptRegex:     BasePromptRegex(tool),
		processedInputs: make(map[string]struct{}),
	}
	rn.mu.Lock()
	rn.runs[runID] = run
	rn.mu.Unlock()

	started, _ := protocol.New(protocol.TypeRunStarted, protocol.RunStartedData{
		Tool: tool, Cmd: cmdline, CWD: cwd, PID: execCmd.Process.Pid,
	})
	started = started.WithHost(rn.hostID).WithRun(runID).WithSeq(run.nextSeq())
	rn.emit(ctx, started)

	go rn.pumpOutput(ctx, run)
	go rn.awaitExit(ctx, run, execCmd)

	return runID, nil
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	if len(out) == 0 {
		out = []string{"bash"}
	}
	return out
}

func (rn *Runner) pumpOutput(ctx context.Context, run *activeRun) {
	chunks := make(chan []byte, 64)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := run.ptmx.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				chunks <- cp
			}
			if err != nil {
				return
			}
		}
	}()

	var pending bytes.Buffer
	ticker := time.NewTicker(outputFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		text, leftover := safeUTF8Split(pending.Bytes())
		if len(text) == 0 {
			return
		}
		pending.Reset()
		pending.Write(leftover)

		env, _ := protocol.New(protocol.TypeRunOutput, protocol.RunOutputData{Stream: protocol.StreamStdout, Text: string(text)})
		env = env.WithHost(rn.hostID).WithRun(run.id).WithSeq(run.nextSeq())
		rn.emit(ctx, env)
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				flush()
				return
			}
			pending.Write(chunk)
			if run.promptRegex.MatchString(string(chunk)) {
				flush()
				rn.maybeRequestPermission(ctx, run, string(chunk))
				continue
			}
			if pending.Len() >= outputMaxBytes {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// safeUTF8Split returns the longest valid-UTF8 prefix of buf and the
// remaining trailing bytes (an in-progress multi-byte rune), so a flush
// never splits a UTF-8 sequence across two events.
func safeUTF8Split(buf []byte) (safe, rest []byte) {
	if utf8.Valid(buf) {
		return buf, nil
	}
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-4; i-- {
		if utf8.Valid(buf[:i]) {
			return buf[:i], buf[i:]
		}
	}
	return buf, nil
}

func (rn *Runner) maybeRequestPermission(ctx context.Context, run *activeRun, chunkText string) {
	run.mu.Lock()
	if run.awaitingInput {
		run.mu.Unlock()
		return
	}
	run.awaitingInput = true
	run.mu.Unlock()

	prompt := truncateRunes(chunkText, 200)
	requestID := uuid.NewString()

	req := approval.Request{
		RequestID:   requestID,
		OpTool:      run.tool,
		Prompt:      prompt,
		ApproveText: "y\n",
		DenyText:    "n\n",
	}
	if _, err := rn.approvals.Open(run.id, req); err != nil {
		// Another permission request is already open (e.g. from the Tool
		// Bridge); the PTY prompt heuristic yields to it.
		return
	}

	permEnv, _ := approval.ToEnvelope(run.id, req)
	permEnv = permEnv.WithHost(rn.hostID).WithSeq(run.nextSeq())
	rn.emit(ctx, permEnv)

	awaitEnv, _ := protocol.New(protocol.TypeRunAwaitingInput, protocol.RunAwaitingInputData{Prompt: prompt})
	awaitEnv = awaitEnv.WithHost(rn.hostID).WithRun(run.id).WithSeq(run.nextSeq())
	rn.emit(ctx, awaitEnv)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (rn *Runner) awaitExit(ctx context.Context, run *activeRun, cmd *exec.Cmd) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	rn.approvals.Cancel(run.id)

	env, _ := protocol.New(protocol.TypeRunExited, protocol.RunExitedData{ExitCode: exitCode})
	env = env.WithHost(rn.hostID).WithRun(run.id).WithSeq(run.nextSeq())
	rn.emit(ctx, env)

	_ = run.ptmx.Close()

	rn.mu.Lock()
	delete(rn.runs, run.id)
	rn.mu.Unlock()
}

func (rn *Runner) get(runID string) (*activeRun, bool) {
	rn.mu.RLock()
	defer rn.mu.RUnlock()
	run, ok := rn.runs[runID]
	return run, ok
}

// SendInput writes text to the run's PTY master and emits run.input.
// Redelivery of an already-processed inputID is a no-op.
func (rn *Runner) SendInput(ctx context.Context, runID, actor, inputID, text string) error {
	run, ok := rn.get(runID)
	if !ok {
		return relayerr.New(relayerr.KindNotFound, "unknown run_id "+runID)
	}

	run.mu.Lock()
	if _, seen := run.processedInputs[inputID]; seen {
		run.mu.Unlock()
		return nil
	}
	run.processedInputs[inputID] = struct{}{}
	run.awaitingInput = false
	run.mu.Unlock()

	if _, err := run.ptmx.WriteString(text); err != nil {
		return relayerr.Wrap(relayerr.KindTransient, "write to pty", err)
	}

	result := rn.redactor.Redact(text)
	env, _ := protocol.New(protocol.TypeRunInput, protocol.RunInputData{
		InputID: inputID, TextRedacted: result.TextRedacted, SHA256: result.SHA256,
	})
	env = env.WithHost(rn.hostID).WithRun(runID).WithSeq(run.nextSeq())
	rn.emit(ctx, env)
	return nil
}

// DecidePermission resolves the run's open permission request, if its
// request_id matches, by writing the request's approve/deny text to the
// PTY as if it were ordinary input.
func (rn *Runner) DecidePermission(ctx context.Context, runID, actor, requestID string, approved bool) error {
	req, ok := rn.approvals.Pending(runID)
	if !ok || req.RequestID != requestID {
		return nil
	}
	if err := rn.approvals.Decide(runID, requestID, approved); err != nil {
		return err
	}
	text := req.DenyText
	if approved {
		text = req.ApproveText
	}
	return rn.SendInput(ctx, runID, actor, requestID, text)
}

// Stop signals the run's child process. int is a best-effort cancel that
// leaves the run usable; term/kill terminate it, escalating to kill if
// the child has not exited within termGrace.
func (rn *Runner) Stop(ctx context.Context, runID string, signal protocol.StopSignal) error {
	run, ok := rn.get(runID)
	if !ok {
		return relayerr.New(relayerr.KindNotFound, "unknown run_id "+runID)
	}
	switch signal {
	case protocol.SignalInt:
		return run.proc.Signal(syscall.SIGINT)
	case protocol.SignalKill:
		return run.proc.Signal(syscall.SIGKILL)
	default:
		if err := run.proc.Signal(syscall.SIGTERM); err != nil {
			return err
		}
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(termGrace):
				if _, stillRunning := rn.get(runID); stillRunning {
					_ = run.proc.Signal(syscall.SIGKILL)
				}
			}
		}()
		return nil
	}
}

// RunSummary is a lightweight in-memory snapshot of a live run.
type RunSummary struct {
	ID   string
	Tool string
	CWD  string
}

// ListRuns returns a snapshot of currently live runs.
func (rn *Runner) ListRuns() []RunSummary {
	rn.mu.RLock()
	defer rn.mu.RUnlock()
	out := make([]RunSummary, 0, len(rn.runs))
	for _, r := range rn.runs {
		out = append(out, RunSummary{ID: r.id, Tool: r.tool, CWD: r.cwd})
	}
	return out
}

// CWD returns a live run's working directory, used by the Tool Bridge to
// resolve relative paths in scope.
func (rn *Runner) CWD(runID string) (string, error) {
	run, ok := rn.get(runID)
	if !ok {
		return "", relayerr.New(relayerr.KindNotFound, "unknown run_id "+runID)
	}
	return run.cwd, nil
}

// Approvals exposes the shared approval tracker so the Tool Bridge can
// open write/execute permission requests against the same per-run FSM the
// PTY prompt heuristic uses.
func (rn *Runner) Approvals() *approval.Tracker {
	return rn.approvals
}
