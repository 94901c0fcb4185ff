package toolbridge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRejectUnsafeRelPath(t *testing.T) {
	cases := map[string]bool{
		"":           false,
		"ok/path":    true,
		"../escape":  false,
		"/abs/path":  false,
		"a/../b":     false,
		"./relative": true,
	}
	for rel, wantOK := range cases {
		err := rejectUnsafeRelPath(rel)
		if (err == nil) != wantOK {
			t.Errorf("rejectUnsafeRelPath(%q) err=%v, want ok=%v", rel, err, wantOK)
		}
	}
}

func TestSafeJoinRunPathRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if _, err := safeJoinRunPath(dir, "../outside"); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}

func TestSafeJoinRunPathAllowsExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	path, err := safeJoinRunPath(dir, "f.txt")
	if err != nil {
		t.Fatalf("safeJoinRunPath: %v", err)
	}
	if filepath.Base(path) != "f.txt" {
		t.Fatalf("got %q", path)
	}
}

func TestSafeJoinRunPathAllowCreateForNewFile(t *testing.T) {
	dir := t.TempDir()
	path, err := safeJoinRunPathAllowCreate(dir, "new.txt")
	if err != nil {
		t.Fatalf("safeJoinRunPathAllowCreate: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("expected parent %q, got %q", dir, filepath.Dir(path))
	}
}

func TestReadWriteUTF8FileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := writeUTF8File(dir, "a.txt", "hello world", 1024); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, truncated, err := readUTF8File(dir, "a.txt", 1024)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if truncated || content != "hello world" {
		t.Fatalf("got %q truncated=%v", content, truncated)
	}
}

func TestReadUTF8FileTruncates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	content, truncated, err := readUTF8File(dir, "big.txt", 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !truncated || content != "01234" {
		t.Fatalf("got %q truncated=%v", content, truncated)
	}
}
