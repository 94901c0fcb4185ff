package ptyrunner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveToolBinEnvOverride(t *testing.T) {
	t.Setenv("RELAY_CLAUDE_BIN", "/custom/claude")
	got := ResolveToolBin(nil, "claude", "RELAY_CLAUDE_BIN", "claude")
	if got != "/custom/claude" {
		t.Fatalf("got %q, want env override", got)
	}
}

func TestResolveToolBinDefault(t *testing.T) {
	t.Setenv("RELAY_CLAUDE_BIN", "")
	got := ResolveToolBin(nil, "claude", "RELAY_CLAUDE_BIN", "claude")
	if got != "claude" {
		t.Fatalf("got %q, want default bin", got)
	}
}

func TestValidateBinExistsRejectsShim(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n# "+shimMarker+"\nexec real-claude \"$@\"\n"), 0o755); err != nil {
		t.Fatalf("write shim: %v", err)
	}
	if err := ValidateBinExists(path, "test"); err == nil {
		t.Fatalf("expected shim path to be rejected")
	}
}

func TestValidateBinExistsAcceptsRealExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tool")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := ValidateBinExists(path, "test"); err != nil {
		t.Fatalf("expected a real executable to validate, got %v", err)
	}
}

func TestValidateBinExistsRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tool")
	if err := os.WriteFile(path, []byte("not a script"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := ValidateBinExists(path, "test"); err == nil {
		t.Fatalf("expected non-executable file to be rejected")
	}
}

func TestValidateBinExistsMissingPath(t *testing.T) {
	if err := ValidateBinExists("/does/not/exist/tool", "test"); err == nil {
		t.Fatalf("expected missing path to error")
	}
}
