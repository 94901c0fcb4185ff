// Package httpapi is the Server Broker's HTTP surface: login, host
// listing, run/session listing, per-run message history, sending input
// to a run over HTTP (rather than an app peer's websocket), and a
// tail of the server's own log file for operators.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/aipper/relay/internal/eventstore"
	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/relayerr"
	"github.com/aipper/relay/internal/router"
)

const (
	defaultMessagesLimit = 200
	defaultLogLines      = 200
	maxLogLines          = 2000
	defaultLogMaxBytes   = 200_000
	maxLogMaxBytes       = 2_000_000
	tokenTTL             = 24 * time.Hour
	argTruncateChars     = 2000
)

// Server is the Server Broker's HTTP API.
type Server struct {
	store       *eventstore.Store
	rt          *router.Router
	logPath     string // empty disables /server/logs/tail
	mux         *http.ServeMux
}

func New(store *eventstore.Store, rt *router.Router, logPath string) *Server {
	s := &Server{store: store, rt: rt, logPath: logPath, mux: http.NewServeMux()}
	s.mux.HandleFunc("/health", s.health)
	s.mux.HandleFunc("/auth/login", s.login)
	s.mux.HandleFunc("/hosts", s.withAuth(s.listHosts))
	s.mux.HandleFunc("/sessions", s.withAuth(s.listSessions))
	s.mux.HandleFunc("/sessions/recent", s.withAuth(s.recentSessions))
	s.mux.HandleFunc("/sessions/", s.withAuth(s.sessionScoped))
	s.mux.HandleFunc("/server/logs/tail", s.withAuth(s.logsTail))
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// login issues a JWT on a matching username/bcrypt password hash. Mirrors
// the original's admin-username-plus-password-hash shape; bcrypt replaces
// its argon2 hashing since bcrypt is the library this codebase already
// carries for password handling.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, relayerr.New(relayerr.KindProtocol, "method not allowed"))
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindProtocol, "malformed login body", err))
		return
	}
	hash, err := s.store.UserPasswordHash(r.Context(), req.Username)
	if err != nil {
		writeErr(w, relayerr.New(relayerr.KindAuthInvalid, "invalid credentials"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		writeErr(w, relayerr.New(relayerr.KindAuthInvalid, "invalid credentials"))
		return
	}
	token, err := s.rt.IssueAppToken(req.Username, tokenTTL)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindFatal, "token issue failed", err))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token})
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			writeErr(w, relayerr.New(relayerr.KindAuthInvalid, "missing bearer token"))
			return
		}
		if _, err := s.rt.VerifyAppToken(strings.TrimPrefix(authz, prefix)); err != nil {
			writeErr(w, relayerr.Wrap(relayerr.KindAuthInvalid, "invalid token", err))
			return
		}
		next(w, r)
	}
}

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	online := s.rt.ListOnlineHostIDs()
	hosts, err := s.store.ListHosts(r.Context(), online)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindFatal, "list hosts failed", err))
		return
	}
	out := make([]hostJSON, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, hostJSON{ID: h.ID, Name: h.Name.String, LastSeenAt: h.LastSeenAt.String, Online: h.Online})
	}
	writeJSON(w, http.StatusOK, out)
}

type hostJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	LastSeenAt string `json:"last_seen_at,omitempty"`
	Online     bool   `json:"online"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindFatal, "list runs failed", err))
		return
	}
	writeJSON(w, http.StatusOK, runsToJSON(runs))
}

func (s *Server) recentSessions(w http.ResponseWriter, r *http.Request) {
	limit := intQueryParam(r, "limit", defaultMessagesLimit, 1, 2000)
	runs, err := s.store.RecentRuns(r.Context(), limit)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindFatal, "list recent runs failed", err))
		return
	}
	writeJSON(w, http.StatusOK, runsToJSON(runs))
}

type runJSON struct {
	ID            string `json:"id"`
	HostID        string `json:"host_id"`
	Tool          string `json:"tool"`
	CWD           string `json:"cwd"`
	Status        string `json:"status"`
	StartedAt     string `json:"started_at"`
	LastActiveAt  string `json:"last_active_at,omitempty"`
	PendingPrompt string `json:"pending_prompt,omitempty"`
	EndedAt       string `json:"ended_at,omitempty"`
	ExitCode      *int64 `json:"exit_code,omitempty"`
}

func runsToJSON(runs []eventstore.RunRow) []runJSON {
	out := make([]runJSON, 0, len(runs))
	for _, r := range runs {
		rj := runJSON{
			ID: r.ID, HostID: r.HostID, Tool: r.Tool, CWD: r.CWD, Status: r.Status,
			StartedAt: r.StartedAt, LastActiveAt: r.LastActiveAt.String,
			PendingPrompt: r.PendingPrompt.String, EndedAt: r.EndedAt.String,
		}
		if r.ExitCode.Valid {
			v := r.ExitCode.Int64
			rj.ExitCode = &v
		}
		out = append(out, rj)
	}
	return out
}

// sessionScoped dispatches /sessions/{run_id}[/messages|/input].
func (s *Server) sessionScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	runID, sub, hasSub := cut(rest, "/")
	if runID == "" {
		writeErr(w, relayerr.New(relayerr.KindNotFound, "missing run_id"))
		return
	}
	switch {
	case !hasSub && r.Method == http.MethodGet:
		s.getSession(w, r, runID)
	case sub == "messages" && r.Method == http.MethodGet:
		s.listMessages(w, r, runID)
	case sub == "input" && r.Method == http.MethodPost:
		s.sendInput(w, r, runID)
	default:
		writeErr(w, relayerr.New(relayerr.KindNotFound, "no such route"))
	}
}

func cut(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindNotFound, "unknown run_id", err))
		return
	}
	writeJSON(w, http.StatusOK, runsToJSON([]eventstore.RunRow{run})[0])
}

type chatMessage struct {
	ID        int64  `json:"id"`
	Seq       *int64 `json:"seq,omitempty"`
	TS        string `json:"ts"`
	Role      string `json:"role"`
	Kind      string `json:"kind"`
	Actor     string `json:"actor,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text"`
}

// listMessages renders a run's event log as a chat-style transcript.
// Every row is rendered independently from its own data_json; a
// tool.result with no locally-seen preceding tool.call still renders as
// a bare system row rather than being dropped, since correlation here
// is presentational only, not protocol-authoritative.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, runID string) {
	limit := intQueryParam(r, "limit", defaultMessagesLimit, 1, 2000)
	before := int64(0)
	if v := r.URL.Query().Get("before_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			before = n
		}
	}
	rows, err := s.store.RunEvents(r.Context(), runID, limit, before)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindFatal, "list run events failed", err))
		return
	}
	out := make([]chatMessage, 0, len(rows))
	for _, row := range rows {
		msg, ok := renderMessage(row)
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	writeJSON(w, http.StatusOK, out)
}

func renderMessage(row eventstore.EventRow) (chatMessage, bool) {
	var data map[string]any
	_ = json.Unmarshal([]byte(row.DataJSON), &data)

	var role, text, requestID string
	switch row.Type {
	case protocol.TypeRunOutput:
		role = "assistant"
		text, _ = data["text"].(string)
	case protocol.TypeRunInput:
		role = "user"
		if v, ok := data["text_redacted"].(string); ok {
			text = v
		}
		requestID = row.InputID.String
	case protocol.TypeRunPermissionRequested:
		role = "system"
		text, _ = data["prompt"].(string)
		requestID, _ = data["request_id"].(string)
	case protocol.TypeToolCall:
		role = "system"
		tool, _ := data["tool"].(string)
		if tool == "" {
			tool = "unknown"
		}
		requestID, _ = data["request_id"].(string)
		args := truncateText(compactJSON(data["args"]), argTruncateChars)
		text = "tool.call " + tool + " " + args
	case protocol.TypeToolResult:
		role = "system"
		tool, _ := data["tool"].(string)
		if tool == "" {
			tool = "unknown"
		}
		requestID, _ = data["request_id"].(string)
		ok, _ := data["ok"].(bool)
		durationMS, _ := data["duration_ms"].(float64)
		text = "tool.result " + tool + " ok=" + strconv.FormatBool(ok) + " duration_ms=" + strconv.FormatInt(int64(durationMS), 10)
		if ok {
			if result, present := data["result"]; present {
				text += " " + truncateText(compactJSON(result), argTruncateChars)
			}
		} else {
			errText, _ := data["error"].(string)
			if errText == "" {
				errText = "unknown error"
			}
			text += " " + truncateText(errText, argTruncateChars)
		}
	case protocol.TypeRunStarted:
		role, text = "system", "run started"
	case protocol.TypeRunExited:
		role, text = "system", "run exited"
	default:
		return chatMessage{}, false
	}

	msg := chatMessage{
		ID: row.InsertID, TS: row.TS, Role: role, Kind: row.Type,
		Actor: row.HostID, RequestID: requestID, Text: text,
	}
	if row.Seq.Valid {
		v := row.Seq.Int64
		msg.Seq = &v
	}
	return msg, true
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

func truncateText(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "…"
}

type sendInputRequest struct {
	InputID string `json:"input_id"`
	Text    string `json:"text"`
	Actor   string `json:"actor,omitempty"`
}

// sendInput forwards a run.send_input command to the run's owning host,
// the HTTP-surface equivalent of an app peer issuing the same command
// over its websocket.
func (s *Server) sendInput(w http.ResponseWriter, r *http.Request, runID string) {
	var req sendInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindProtocol, "malformed input body", err))
		return
	}
	if req.Actor == "" {
		req.Actor = "web"
	}
	env, err := protocol.New(protocol.TypeRunSendInput, protocol.RunSendInputData{InputID: req.InputID, Text: req.Text})
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindFatal, "envelope build failed", err))
		return
	}
	env = env.WithRun(runID)
	if err := s.rt.DispatchToRunHost(r.Context(), env); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logsTailResponse struct {
	Path      string `json:"path"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

// logsTail returns the last N lines (bounded by max_bytes read from the
// tail of the file) of the server's own log file, for operators without
// shell access to the host running serverd.
func (s *Server) logsTail(w http.ResponseWriter, r *http.Request) {
	if s.logPath == "" {
		writeErr(w, relayerr.New(relayerr.KindNotFound, "server log file is not enabled"))
		return
	}
	lines := intQueryParam(r, "lines", defaultLogLines, 1, maxLogLines)
	maxBytes := intQueryParam(r, "max_bytes", defaultLogMaxBytes, 1, maxLogMaxBytes)
	out, err := tailLogFile(s.logPath, lines, maxBytes)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.KindFatal, "log read failed", err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func tailLogFile(path string, lines, maxBytes int) (logsTailResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return logsTailResponse{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return logsTailResponse{}, err
	}
	size := info.Size()
	start := size - int64(maxBytes)
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, 0); err != nil {
		return logsTailResponse{}, err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return logsTailResponse{}, err
	}
	truncated := size > int64(maxBytes)

	parts := strings.Split(string(buf), "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return logsTailResponse{Path: path, Text: strings.Join(parts, "\n"), Truncated: truncated}, nil
}

func intQueryParam(r *http.Request, name string, def, lo, hi int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if relErr, ok := relayerr.As(err); ok {
		status = relErr.Kind.HTTPStatus()
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
