// Package uplink is the Host Daemon's outbound connection to the Server
// Broker: a single reconnecting WebSocket client that replays the spool
// backlog on every (re)connect, forwards newly produced events, applies
// inbound run.ack to advance the spool watermark, and dispatches inbound
// commands (run.send_input, run.stop, run.permission.approve/deny) to the
// PTY Runner.
package uplink

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/ptyrunner"
	"github.com/aipper/relay/internal/spool"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 30 * time.Second
	heartbeatTick = 10 * time.Second
	replayBatch   = 10_000
	drainBatch    = 500
)

// CommandHandler applies an inbound command envelope to local run state.
// Satisfied by a thin adapter over *ptyrunner.Runner.
type CommandHandler interface {
	HandleCommand(ctx context.Context, env protocol.Envelope) error
}

// Client owns the reconnect loop and the outbound event feed.
type Client struct {
	hostID    string
	hostToken string
	serverURL string

	spool    *spool.Spool
	handler  CommandHandler
	outbound <-chan protocol.Envelope

	connected      atomic.Bool
	lastConnectErr atomic.Value // string
}

// Status is a point-in-time snapshot of the uplink connection, surfaced by
// the doctor diagnostic (§4.10).
type Status struct {
	Connected    bool
	LastError    string
	ServerBaseURL string
}

// Status reports whether the uplink is currently connected to the Server
// Broker and the last error seen on a dropped connection, if any.
func (c *Client) Status() Status {
	errStr, _ := c.lastConnectErr.Load().(string)
	return Status{
		Connected:     c.connected.Load(),
		LastError:     errStr,
		ServerBaseURL: c.serverURL,
	}
}

func New(hostID, hostToken, serverURL string, sp *spool.Spool, handler CommandHandler, outbound <-chan protocol.Envelope) *Client {
	return &Client{
		hostID:    hostID,
		hostToken: hostToken,
		serverURL: serverURL,
		spool:     sp,
		handler:   handler,
		outbound:  outbound,
	}
}

// Run blocks, reconnecting with exponential backoff until ctx is done.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connectAndServe(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.lastConnectErr.Store(err.Error())
		}
		slog.Warn("uplink: disconnected, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func jitter(d time.Duration) time.Duration {
	delta := time.Duration(float64(d) * 0.2)
	return d - delta + time.Duration(rand.Int63n(int64(2*delta+1)))
}

func (c *Client) dialURL() string {
	u, err := url.Parse(strings.TrimRight(c.serverURL, "/") + "/ws/host")
	if err != nil {
		return c.serverURL
	}
	q := u.Query()
	q.Set("host_id", c.hostID)
	q.Set("host_token", c.hostToken)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.dialURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	c.connected.Store(true)
	slog.Info("uplink: connected", "host_id", c.hostID)

	if err := c.flushSpool(ctx, conn, replayBatch); err != nil {
		slog.Warn("uplink: initial spool replay failed", "error", err)
	}

	errCh := make(chan error, 2)
	go c.readLoop(ctx, conn, errCh)
	go c.writeLoop(ctx, conn, errCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (c *Client) flushSpool(ctx context.Context, conn *websocket.Conn, limit int) error {
	pending, err := c.spool.Pending(ctx, limit)
	if err != nil {
		return err
	}
	for _, env := range pending {
		if err := wsjson.Write(ctx, conn, env); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	heartbeat := time.NewTicker(heartbeatTick)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case <-heartbeat.C:
			env, err := protocol.New("host.heartbeat", nil)
			if err != nil {
				continue
			}
			if err := wsjson.Write(ctx, conn, env.WithHost(c.hostID)); err != nil {
				errCh <- err
				return
			}
			if err := c.flushSpool(ctx, conn, drainBatch); err != nil {
				slog.Warn("uplink: backlog drain failed", "error", err)
			}
		case env, ok := <-c.outbound:
			if !ok {
				errCh <- nil
				return
			}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				errCh <- err
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			errCh <- err
			return
		}
		if env.Type == protocol.TypeRunAck {
			c.applyAck(ctx, env)
			continue
		}
		if c.handler != nil {
			if err := c.handler.HandleCommand(ctx, env); err != nil {
				slog.Warn("uplink: command handling failed", "type", env.Type, "error", err)
			}
		}
	}
}

func (c *Client) applyAck(ctx context.Context, env protocol.Envelope) {
	var data protocol.RunAckData
	if err := env.Decode(&data); err != nil {
		return
	}
	if err := c.spool.ApplyAck(ctx, data.RunID, data.LastSeq); err != nil {
		slog.Warn("uplink: apply ack failed", "run_id", data.RunID, "error", err)
	}
}

// RPCExecutor runs an rpc.<op> request's args against local state (the
// Tool Bridge or the PTY Runner) and returns its result value. Satisfied
// by a thin adapter in cmd/hostd that closes over *toolbridge.Bridge and
// *ptyrunner.Runner.
type RPCExecutor interface {
	ExecuteRPC(ctx context.Context, runID, op string, args json.RawMessage) (any, error)
}

// HostDispatcher adapts *ptyrunner.Runner and an RPCExecutor to
// CommandHandler: run-control commands go straight to the Runner;
// rpc.<op> requests run through the executor and their result is pushed
// back onto outbound as an rpc.response envelope, correlated by
// request_id.
type HostDispatcher struct {
	Runner   *ptyrunner.Runner
	Executor RPCExecutor
	Outbound chan<- protocol.Envelope
}

func (h HostDispatcher) HandleCommand(ctx context.Context, env protocol.Envelope) error {
	if env.IsRPC() {
		return h.handleRPC(ctx, env)
	}
	switch env.Type {
	case protocol.TypeRunSendInput:
		var data protocol.RunSendInputData
		if err := env.Decode(&data); err != nil {
			return err
		}
		return h.Runner.SendInput(ctx, env.RunID, "app", data.InputID, data.Text)
	case protocol.TypeRunStop:
		var data protocol.RunStopData
		if err := env.Decode(&data); err != nil {
			return err
		}
		return h.Runner.Stop(ctx, env.RunID, data.Signal)
	case protocol.TypeRunPermissionApprove, protocol.TypeRunPermissionDeny:
		var data protocol.RunPermissionDecisionData
		if err := env.Decode(&data); err != nil {
			return err
		}
		return h.Runner.DecidePermission(ctx, env.RunID, "app", data.RequestID, env.Type == protocol.TypeRunPermissionApprove)
	default:
		return nil
	}
}

func (h HostDispatcher) handleRPC(ctx context.Context, env protocol.Envelope) error {
	op := strings.TrimPrefix(env.Type, protocol.RPCPrefix)
	var reqID struct {
		RequestID string `json:"request_id"`
	}
	_ = env.Decode(&reqID)

	result, err := h.Executor.ExecuteRPC(ctx, env.RunID, op, env.Data)
	resp := protocol.RPCResponseData{RequestID: reqID.RequestID, OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = result
	}
	respEnv, buildErr := protocol.New(protocol.TypeRPCResponse, resp)
	if buildErr != nil {
		return buildErr
	}
	respEnv = respEnv.WithRun(env.RunID)
	select {
	case h.Outbound <- respEnv:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
