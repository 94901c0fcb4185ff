// Package router is the Server Broker's WebSocket hub: it authenticates
// host peers (TOFU token pinning) and app peers (JWT), persists every
// inbound host event to the durable event log, projects run state,
// fans events out to subscribed app peers, and routes app-issued
// commands and rpc.<op> requests to the run's owning host.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"

	"github.com/aipper/relay/internal/eventstore"
	"github.com/aipper/relay/internal/obs"
	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/relayerr"
)

const (
	writeQueueSize     = 256
	writeQueueGraceful = 2 * time.Second
	hostSeenThrottle   = 5 * time.Second
	runActiveThrottle  = 1 * time.Second
)

// AppClaims is the JWT payload minted by the login handler.
type AppClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

type hostConn struct {
	id   string
	conn *websocket.Conn
	send chan protocol.Envelope
}

type appConn struct {
	conn *websocket.Conn
	send chan protocol.Envelope
}

// Router holds all live peer connections and the shared event store.
type Router struct {
	store     *eventstore.Store
	jwtSecret []byte
	metrics   *obs.Metrics

	mu    sync.RWMutex
	hosts map[string]*hostConn
	apps  map[*appConn]struct{}

	pendingMu sync.Mutex
	pendingRPC map[string]*appConn // request_id -> waiting app peer

	seenMu      sync.Mutex
	lastHostSeen map[string]time.Time
	lastRunActive map[string]time.Time
}

func New(store *eventstore.Store, jwtSecret []byte) *Router {
	return &Router{
		store:         store,
		jwtSecret:     jwtSecret,
		hosts:         make(map[string]*hostConn),
		apps:          make(map[*appConn]struct{}),
		pendingRPC:    make(map[string]*appConn),
		lastHostSeen:  make(map[string]time.Time),
		lastRunActive: make(map[string]time.Time),
	}
}

// SetMetrics attaches the observability instruments the router increments
// on peer connect/disconnect. Safe to call once, before serving traffic.
func (rt *Router) SetMetrics(m *obs.Metrics) {
	rt.metrics = m
}

// IssueAppToken mints a JWT for subject, valid for ttl.
func (rt *Router) IssueAppToken(subject string, ttl time.Duration) (string, error) {
	claims := AppClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(rt.jwtSecret)
}

// VerifyAppToken validates a bearer token minted by IssueAppToken, for use
// by other SB surfaces (the HTTP API) that share this router's auth.
func (rt *Router) VerifyAppToken(raw string) (*AppClaims, error) {
	return rt.verifyAppToken(raw)
}

func (rt *Router) verifyAppToken(raw string) (*AppClaims, error) {
	claims := &AppClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, relayerr.New(relayerr.KindAuthInvalid, "unexpected signing method")
		}
		return rt.jwtSecret, nil
	})
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindAuthInvalid, "invalid token", err)
	}
	return claims, nil
}

// HandleHostWS accepts a host peer connection, TOFU-authenticating it
// against host_id/host_token query params.
func (rt *Router) HandleHostWS(w http.ResponseWriter, r *http.Request) {
	hostID := r.URL.Query().Get("host_id")
	hostToken := r.URL.Query().Get("host_token")
	if hostID == "" || hostToken == "" {
		http.Error(w, "missing host_id or host_token", http.StatusUnauthorized)
		return
	}
	sum := sha256.Sum256([]byte(hostToken))
	tokenHash := hex.EncodeToString(sum[:])
	ok, err := rt.store.UpsertHostTOFU(r.Context(), hostID, tokenHash)
	if err != nil {
		http.Error(w, "auth check failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "host token does not match pinned value", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	hc := &hostConn{id: hostID, conn: conn, send: make(chan protocol.Envelope, writeQueueSize)}
	rt.addHost(hc)
	slog.Info("router: host connected", "host_id", hostID)
	defer func() {
		rt.removeHost(hc)
		conn.Close(websocket.StatusNormalClosure, "bye")
		slog.Info("router: host disconnected", "host_id", hostID)
	}()

	ctx := r.Context()
	go rt.writePump(ctx, hc.send, conn)

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		env.HostID = hostID
		if err := rt.handleHostEnvelope(ctx, hc, env); err != nil {
			if errors.Is(err, eventstore.ErrNonMonotoneSeq) {
				slog.Error("router: non-monotone seq, closing host connection", "host_id", hostID, "run_id", env.RunID)
				conn.Close(websocket.StatusProtocolError, "non-monotone seq")
				return
			}
			slog.Warn("router: failed to handle host event", "type", env.Type, "error", err)
		}
	}
}

// HandleAppWS accepts an app peer connection, JWT-authenticating it via
// the Authorization: Bearer header.
func (rt *Router) HandleAppWS(w http.ResponseWriter, r *http.Request) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if _, err := rt.verifyAppToken(strings.TrimPrefix(authz, prefix)); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ac := &appConn{conn: conn, send: make(chan protocol.Envelope, writeQueueSize)}
	rt.addApp(ac)
	slog.Info("router: app connected")
	defer func() {
		rt.removeApp(ac)
		conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	go rt.writePump(ctx, ac.send, conn)

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		rt.handleAppEnvelope(ctx, ac, env)
	}
}

// writePump drains send onto conn until the channel closes or ctx ends.
// A full queue for writeQueueGraceful is treated as a wedged peer and
// the connection is closed with 1013 (try again later) rather than
// blocking the broker's fan-out forever.
func (rt *Router) writePump(ctx context.Context, send chan protocol.Envelope, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeQueueGraceful)
			err := wsjson.Write(writeCtx, conn, env)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusTryAgainLater, "write backpressure")
				return
			}
		}
	}
}

func (rt *Router) addHost(hc *hostConn) {
	rt.mu.Lock()
	rt.hosts[hc.id] = hc
	rt.mu.Unlock()
	if rt.metrics != nil {
		rt.metrics.PeerConnects.Add(context.Background(), 1)
	}
}

func (rt *Router) removeHost(hc *hostConn) {
	rt.mu.Lock()
	removed := rt.hosts[hc.id] == hc
	if removed {
		delete(rt.hosts, hc.id)
		close(hc.send)
	}
	rt.mu.Unlock()
	if removed && rt.metrics != nil {
		rt.metrics.PeerDisconnects.Add(context.Background(), 1)
	}
}

func (rt *Router) addApp(ac *appConn) {
	rt.mu.Lock()
	rt.apps[ac] = struct{}{}
	rt.mu.Unlock()
	if rt.metrics != nil {
		rt.metrics.PeerConnects.Add(context.Background(), 1)
	}
}

func (rt *Router) removeApp(ac *appConn) {
	rt.mu.Lock()
	_, ok := rt.apps[ac]
	if ok {
		delete(rt.apps, ac)
		close(ac.send)
	}
	rt.mu.Unlock()
	if ok && rt.metrics != nil {
		rt.metrics.PeerDisconnects.Add(context.Background(), 1)
	}
}

func (rt *Router) broadcastToApps(env protocol.Envelope) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for ac := range rt.apps {
		select {
		case ac.send <- env:
		default:
			slog.Warn("router: app peer queue full, dropping event")
		}
	}
}

func (rt *Router) hostByID(hostID string) (*hostConn, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	hc, ok := rt.hosts[hostID]
	return hc, ok
}

// ListOnlineHostIDs reports which host IDs currently have a live
// connection, for the host.list rpc and the HTTP /hosts surface.
func (rt *Router) ListOnlineHostIDs() map[string]bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make(map[string]bool, len(rt.hosts))
	for id := range rt.hosts {
		out[id] = true
	}
	return out
}

// handleHostEnvelope persists and projects an inbound host event, then
// fans it out to app peers, and resolves any app peer awaiting this
// event as an rpc.response.
func (rt *Router) handleHostEnvelope(ctx context.Context, hc *hostConn, env protocol.Envelope) error {
	rt.throttledTouchHost(ctx, hc.id)

	if env.Type == protocol.TypeRPCResponse {
		rt.routeRPCResponse(env)
		return nil
	}

	if env.RunID != "" && env.Seq != 0 {
		if err := rt.store.InsertEvent(ctx, env); err != nil {
			return err
		}
	}
	if err := rt.project(ctx, env); err != nil {
		slog.Warn("router: projection failed", "type", env.Type, "error", err)
	}
	if env.RunID != "" {
		rt.throttledTouchRun(ctx, env.RunID)
	}

	rt.broadcastToApps(env)
	return nil
}

func (rt *Router) throttledTouchHost(ctx context.Context, hostID string) {
	rt.seenMu.Lock()
	last, ok := rt.lastHostSeen[hostID]
	due := !ok || time.Since(last) >= hostSeenThrottle
	if due {
		rt.lastHostSeen[hostID] = time.Now()
	}
	rt.seenMu.Unlock()
	if due {
		_ = rt.store.TouchHostSeen(ctx, hostID, time.Now())
	}
}

func (rt *Router) throttledTouchRun(ctx context.Context, runID string) {
	rt.seenMu.Lock()
	last, ok := rt.lastRunActive[runID]
	due := !ok || time.Since(last) >= runActiveThrottle
	if due {
		rt.lastRunActive[runID] = time.Now()
	}
	rt.seenMu.Unlock()
	if due {
		_ = rt.store.TouchLastActive(ctx, runID, time.Now())
	}
}

// project applies an event's side effect to the runs projection table,
// per the state machine in internal/eventstore's package doc.
func (rt *Router) project(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeRunStarted:
		var d protocol.RunStartedData
		if err := env.Decode(&d); err != nil {
			return err
		}
		return rt.store.UpsertRunStarted(ctx, env.RunID, env.HostID, d.Tool, d.CWD, env.TS)
	case protocol.TypeRunAwaitingInput:
		return rt.store.MarkAwaitingInput(ctx, env.RunID)
	case protocol.TypeRunInput:
		return rt.store.MarkRunning(ctx, env.RunID)
	case protocol.TypeRunPermissionRequested:
		var d protocol.RunPermissionRequestedData
		if err := env.Decode(&d); err != nil {
			return err
		}
		return rt.store.SetPendingPermission(ctx, env.RunID, d)
	case protocol.TypeToolResult:
		var d protocol.ToolResultData
		if err := env.Decode(&d); err != nil {
			return err
		}
		return rt.store.ClearPendingByRequestID(ctx, env.RunID, d.RequestID)
	case protocol.TypeRunExited:
		var d protocol.RunExitedData
		if err := env.Decode(&d); err != nil {
			return err
		}
		return rt.store.FinishRun(ctx, env.RunID, env.TS, d.ExitCode)
	default:
		return nil
	}
}

// handleAppEnvelope routes a command or rpc request from an app peer to
// the host that owns it. Run-scoped commands resolve the owning host via
// the run projection; host-scoped rpc requests (host.list) are served
// locally.
func (rt *Router) handleAppEnvelope(ctx context.Context, ac *appConn, env protocol.Envelope) {
	if env.IsRPC() {
		op := strings.TrimPrefix(env.Type, protocol.RPCPrefix)
		if err := protocol.ValidateRPCArgs(op, env.Data); err != nil {
			rt.replyError(ac, env, relayerr.Wrap(relayerr.KindProtocol, "invalid rpc args", err))
			return
		}
		if op == protocol.OpHostList {
			rt.serveHostList(ctx, ac, env)
			return
		}
	}

	hostID, err := rt.resolveHost(ctx, env)
	if err != nil {
		rt.replyError(ac, env, err)
		return
	}
	hc, ok := rt.hostByID(hostID)
	if !ok {
		rt.replyError(ac, env, relayerr.ErrHostOffline)
		return
	}

	if env.IsRPC() {
		var reqID struct {
			RequestID string `json:"request_id"`
		}
		_ = env.Decode(&reqID)
		if reqID.RequestID != "" {
			rt.pendingMu.Lock()
			rt.pendingRPC[reqID.RequestID] = ac
			rt.pendingMu.Unlock()
		}
	}

	select {
	case hc.send <- env:
	default:
		rt.replyError(ac, env, relayerr.New(relayerr.KindTransient, "host command queue full"))
	}
}

// DispatchToRunHost forwards a command envelope to the host that owns
// env.RunID, for callers outside the websocket hub (the HTTP API's
// send-input endpoint). Returns relayerr.ErrHostOffline if the host has
// no live connection; the command is never queued for later delivery.
func (rt *Router) DispatchToRunHost(ctx context.Context, env protocol.Envelope) error {
	hostID, err := rt.resolveHost(ctx, env)
	if err != nil {
		return err
	}
	hc, ok := rt.hostByID(hostID)
	if !ok {
		return relayerr.ErrHostOffline
	}
	select {
	case hc.send <- env:
		return nil
	default:
		return relayerr.New(relayerr.KindTransient, "host command queue full")
	}
}

func (rt *Router) resolveHost(ctx context.Context, env protocol.Envelope) (string, error) {
	if env.RunID != "" {
		run, err := rt.store.GetRun(ctx, env.RunID)
		if err != nil {
			return "", relayerr.Wrap(relayerr.KindNotFound, "unknown run_id", err)
		}
		return run.HostID, nil
	}
	var hostScoped struct {
		HostID string `json:"host_id"`
	}
	if err := env.Decode(&hostScoped); err == nil && hostScoped.HostID != "" {
		return hostScoped.HostID, nil
	}
	return "", relayerr.New(relayerr.KindProtocol, "command has neither run_id nor host_id")
}

func (rt *Router) serveHostList(ctx context.Context, ac *appConn, env protocol.Envelope) {
	online := rt.ListOnlineHostIDs()
	hosts, err := rt.store.ListHosts(ctx, online)
	var reqID struct {
		RequestID string `json:"request_id"`
	}
	_ = env.Decode(&reqID)
	resp := protocol.RPCResponseData{RequestID: reqID.RequestID, OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else {
		infos := make([]protocol.HostInfo, 0, len(hosts))
		for _, h := range hosts {
			infos = append(infos, protocol.HostInfo{ID: h.ID, Name: h.Name.String, LastSeenAt: h.LastSeenAt.String, Online: h.Online})
		}
		resp.Result = protocol.HostListResult{Hosts: infos}
	}
	respEnv, buildErr := protocol.New(protocol.TypeRPCResponse, resp)
	if buildErr != nil {
		return
	}
	select {
	case ac.send <- respEnv:
	default:
	}
}

func (rt *Router) replyError(ac *appConn, env protocol.Envelope, err error) {
	var reqID struct {
		RequestID string `json:"request_id"`
	}
	_ = env.Decode(&reqID)
	if !env.IsRPC() || reqID.RequestID == "" {
		return
	}
	resp := protocol.RPCResponseData{RequestID: reqID.RequestID, OK: false, Error: err.Error()}
	respEnv, buildErr := protocol.New(protocol.TypeRPCResponse, resp)
	if buildErr != nil {
		return
	}
	select {
	case ac.send <- respEnv:
	default:
	}
}

// routeRPCResponse delivers a host's rpc.response back to whichever app
// peer is waiting on its request_id.
func (rt *Router) routeRPCResponse(env protocol.Envelope) {
	var d protocol.RPCResponseData
	if err := env.Decode(&d); err != nil || d.RequestID == "" {
		return
	}
	rt.pendingMu.Lock()
	ac, ok := rt.pendingRPC[d.RequestID]
	if ok {
		delete(rt.pendingRPC, d.RequestID)
	}
	rt.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ac.send <- env:
	default:
	}
}
