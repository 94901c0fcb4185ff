package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/aipper/relay/internal/doctor"
)

func startFakeHostd(t *testing.T, diag doctor.Diagnosis) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "hostd.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/doctor", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(diag)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return sock
}

func TestRunDoctorCommandTextOutputAllPass(t *testing.T) {
	sock := startFakeHostd(t, doctor.Diagnosis{
		Results: []doctor.CheckResult{{Name: "Spool", Status: "PASS", Message: "ok"}},
	})
	var out bytes.Buffer
	code := runDoctorCommand(context.Background(), []string{"-socket", sock, "-tui=false"}, &out)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0: %s", code, out.String())
	}
	if !bytes.Contains(out.Bytes(), []byte("Spool")) {
		t.Fatalf("expected output to mention Spool, got %q", out.String())
	}
}

func TestRunDoctorCommandExitsNonZeroOnFailure(t *testing.T) {
	sock := startFakeHostd(t, doctor.Diagnosis{
		Results: []doctor.CheckResult{{Name: "Spool", Status: "FAIL", Message: "broken"}},
	})
	var out bytes.Buffer
	code := runDoctorCommand(context.Background(), []string{"-socket", sock, "-tui=false"}, &out)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for a FAIL check", code)
	}
}

func TestRunDoctorCommandUnreachableSocketReturnsOne(t *testing.T) {
	var out bytes.Buffer
	code := runDoctorCommand(context.Background(), []string{"-socket", "/nonexistent/relay.sock", "-tui=false"}, &out)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for an unreachable socket", code)
	}
}

func TestRunDoctorCommandRejectsBadFlag(t *testing.T) {
	var out bytes.Buffer
	code := runDoctorCommand(context.Background(), []string{"-not-a-flag"}, &out)
	if code != 2 {
		t.Fatalf("got exit code %d, want 2 for a flag parse error", code)
	}
}
