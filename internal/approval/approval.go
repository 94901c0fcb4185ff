// Package approval implements the permission-request state machine shared
// by the PTY Runner, the Tool Bridge, and the Router's run projection: at
// most one permission request is open per run at any time, opened by
// run.permission_requested and closed by a matching approve/deny or by the
// run exiting.
package approval

import (
	"sync"

	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/relayerr"
)

// Request is the open permission descriptor for a run.
type Request struct {
	RequestID     string
	OpTool        string
	OpArgsSummary string
	OpArgs        any
	Prompt        string
	ApproveText   string
	DenyText      string
}

// Decision is the outcome delivered to whoever is waiting on a Request.
type Decision struct {
	Approved bool
}

// Tracker holds the single open-or-not Request per run and the channel a
// waiter blocks on for the decision. It is safe for concurrent use; a
// runner goroutine calls Open then blocks on Await, while the event-arrival
// path (local socket, or inbound WS command) calls Decide.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry // run_id -> entry
}

type pendingEntry struct {
	req  Request
	wait chan Decision
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{pending: make(map[string]*pendingEntry)}
}

// Open records req as the pending request for runID. It is an error to
// call Open while a request is already open for that run — the Tool
// Bridge and Runner must serialize their own write/execute calls per run,
// since the FSM itself allows only one.
func (t *Tracker) Open(runID string, req Request) (<-chan Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[runID]; exists {
		return nil, relayerr.New(relayerr.KindProtocol, "permission request already open for run "+runID)
	}
	wait := make(chan Decision, 1)
	t.pending[runID] = &pendingEntry{req: req, wait: wait}
	return wait, nil
}

// Decide resolves the open request for runID if its request_id matches,
// and clears it. Returns relayerr.ErrNoOpenPermission if none is open, or
// a Protocol error if requestID does not match the open one (a stale
// decision arriving after exit/re-open).
func (t *Tracker) Decide(runID, requestID string, approved bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[runID]
	if !ok {
		return relayerr.ErrNoOpenPermission
	}
	if entry.req.RequestID != requestID {
		return relayerr.New(relayerr.KindProtocol, "decision request_id does not match open request")
	}
	delete(t.pending, runID)
	entry.wait <- Decision{Approved: approved}
	close(entry.wait)
	return nil
}

// Cancel clears any open request for runID without a decision, used when
// the run exits while a request is still pending. The waiter's channel is
// closed with no value; callers must treat a closed-without-value channel
// as an implicit deny.
func (t *Tracker) Cancel(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[runID]
	if !ok {
		return
	}
	delete(t.pending, runID)
	close(entry.wait)
}

// Pending returns the open request for runID, if any.
func (t *Tracker) Pending(runID string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[runID]
	if !ok {
		return Request{}, false
	}
	return entry.req, true
}

// IsOpen reports whether a request is currently open for runID.
func (t *Tracker) IsOpen(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[runID]
	return ok
}

// ToEnvelope renders req as a run.permission_requested envelope for runID.
func ToEnvelope(runID string, req Request) (protocol.Envelope, error) {
	env, err := protocol.New(protocol.TypeRunPermissionRequested, protocol.RunPermissionRequestedData{
		RequestID:     req.RequestID,
		OpTool:        req.OpTool,
		OpArgsSummary: req.OpArgsSummary,
		OpArgs:        req.OpArgs,
		Prompt:        req.Prompt,
		ApproveText:   req.ApproveText,
		DenyText:      req.DenyText,
	})
	if err != nil {
		return protocol.Envelope{}, err
	}
	return env.WithRun(runID), nil
}
