// Package localapi is the Host Daemon's local control surface: a stdlib
// net/http server bound to a unix domain socket, reachable only by
// processes on the same host (the AI CLI's shim scripts, a local
// inspection CLI). It never leaves the machine and carries no auth of
// its own — the socket's filesystem permissions are the boundary.
package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/aipper/relay/internal/doctor"
	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/ptyrunner"
	"github.com/aipper/relay/internal/relayerr"
	"github.com/aipper/relay/internal/toolbridge"
)

type startRunRequest struct {
	Tool string `json:"tool"`
	Cmd  string `json:"cmd"`
	CWD  string `json:"cwd,omitempty"`
}

type startRunResponse struct {
	RunID string `json:"run_id"`
}

type inputRequest struct {
	InputID string `json:"input_id"`
	Text    string `json:"text"`
	Actor   string `json:"actor,omitempty"`
}

type stopRequest struct {
	Signal string `json:"signal,omitempty"`
}

// Server wires the PTY Runner and Tool Bridge behind HTTP handlers.
type Server struct {
	runner *ptyrunner.Runner
	bridge *toolbridge.Bridge
	doctor func(context.Context) doctor.Diagnosis
	mux    *http.ServeMux
}

// New builds a local-API server. doctorFn may be nil, in which case
// /doctor reports 503 rather than panicking — useful for tests that only
// exercise the run/tool routes.
func New(runner *ptyrunner.Runner, bridge *toolbridge.Bridge, doctorFn func(context.Context) doctor.Diagnosis) *Server {
	s := &Server{runner: runner, bridge: bridge, doctor: doctorFn, mux: http.NewServeMux()}
	s.mux.HandleFunc("/runs", s.handleRuns)
	s.mux.HandleFunc("/runs/", s.handleRunScoped)
	s.mux.HandleFunc("/doctor", s.handleDoctor)
	return s
}

// handleDoctor runs the read-only diagnostic sweep (§4.10) and returns it
// as JSON. GET only; it never mutates daemon state.
func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.doctor == nil {
		http.Error(w, "doctor not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.doctor(r.Context()))
}

func (s *Server) Handler() http.Handler { return s.mux }

// Serve listens on a unix domain socket at socketPath, removing any
// stale socket file left behind by a prior crashed instance first.
func (s *Server) Serve(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return relayerr.Wrap(relayerr.KindFatal, "remove stale socket", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return relayerr.Wrap(relayerr.KindFatal, "listen on local socket", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		slog.Warn("localapi: failed to restrict socket permissions", "error", err)
	}
	return http.Serve(ln, s.mux)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.startRun(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.runner.ListRuns())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunScoped dispatches /runs/{run_id}/... paths. The stdlib mux
// used here has no path-parameter support, so the run_id and sub-route
// are split by hand, mirroring how minimal a local-only surface needs
// to be.
func (s *Server) handleRunScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	runID, sub, ok := cut(rest, "/")
	if !ok || runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	switch {
	case sub == "input" && r.Method == http.MethodPost:
		s.sendInput(w, r, runID)
	case sub == "stop" && r.Method == http.MethodPost:
		s.stopRun(w, r, runID)
	case sub == "fs/read" && r.Method == http.MethodGet:
		s.fsRead(w, r, runID)
	case sub == "fs/list" && r.Method == http.MethodGet:
		s.fsList(w, r, runID)
	case sub == "fs/search" && r.Method == http.MethodGet:
		s.fsSearch(w, r, runID)
	case sub == "fs/write" && r.Method == http.MethodPost:
		s.fsWrite(w, r, runID)
	case sub == "git/status" && r.Method == http.MethodGet:
		s.gitStatus(w, r, runID)
	case sub == "git/diff" && r.Method == http.MethodGet:
		s.gitDiff(w, r, runID)
	case sub == "bash" && r.Method == http.MethodPost:
		s.bash(w, r, runID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func cut(s, sep string) (before, after string, found bool) {
	i := strings.Index(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	cmd := req.Cmd
	if strings.TrimSpace(cmd) == "" {
		cmd = req.Tool
	}
	runID, err := s.runner.StartRun(r.Context(), req.Tool, cmd, req.CWD)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startRunResponse{RunID: runID})
}

func (s *Server) sendInput(w http.ResponseWriter, r *http.Request, runID string) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "cli"
	}
	if err := s.runner.SendInput(r.Context(), runID, actor, req.InputID, req.Text); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request, runID string) {
	var req stopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	sig := parseSignal(req.Signal)
	if err := s.runner.Stop(r.Context(), runID, sig); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseSignal(s string) protocol.StopSignal {
	switch s {
	case "int":
		return protocol.SignalInt
	case "kill":
		return protocol.SignalKill
	default:
		return protocol.SignalTerm
	}
}

func (s *Server) fsRead(w http.ResponseWriter, r *http.Request, runID string) {
	res, err := s.bridge.FSRead(r.Context(), runID, "local", protocol.FSReadArgs{
		RunID: runID,
		Path:  r.URL.Query().Get("path"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fsList(w http.ResponseWriter, r *http.Request, runID string) {
	res, err := s.bridge.FSList(r.Context(), runID, "local", protocol.FSListArgs{
		RunID: runID,
		Path:  r.URL.Query().Get("path"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fsSearch(w http.ResponseWriter, r *http.Request, runID string) {
	maxMatches, _ := strconv.Atoi(r.URL.Query().Get("max_matches"))
	res, err := s.bridge.FSSearch(r.Context(), runID, "local", protocol.FSSearchArgs{
		RunID:      runID,
		Query:      r.URL.Query().Get("q"),
		MaxMatches: maxMatches,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fsWrite(w http.ResponseWriter, r *http.Request, runID string) {
	var req protocol.FSWriteArgs
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	req.RunID = runID
	res, err := s.bridge.FSWrite(r.Context(), runID, "local", req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) gitStatus(w http.ResponseWriter, r *http.Request, runID string) {
	res, err := s.bridge.GitStatus(r.Context(), runID, "local", protocol.GitStatusArgs{RunID: runID})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) gitDiff(w http.ResponseWriter, r *http.Request, runID string) {
	res, err := s.bridge.GitDiff(r.Context(), runID, "local", protocol.GitDiffArgs{
		RunID: runID,
		Path:  r.URL.Query().Get("path"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) bash(w http.ResponseWriter, r *http.Request, runID string) {
	var req protocol.BashArgs
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	req.RunID = runID
	res, err := s.bridge.Bash(r.Context(), runID, "local", req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	var relErr *relayerr.Error
	status := http.StatusInternalServerError
	if errors.As(err, &relErr) {
		status = relErr.Kind.HTTPStatus()
	}
	http.Error(w, err.Error(), status)
}
