// Package toolbridge implements the fs/git/bash operations a run's AI CLI
// (or a human operator) can invoke against a run's working directory. Every
// operation is scoped to the run's cwd: no relative path may escape it via
// "..", an absolute path, or a symlink that resolves outside it.
package toolbridge

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/aipper/relay/internal/relayerr"
)

// rejectUnsafeRelPath validates rel component by component before it is
// ever joined to a base directory. "." segments are tolerated, ".."
// segments are rejected outright, and anything else (empty, absolute) is
// rejected as malformed.
func rejectUnsafeRelPath(rel string) error {
	if strings.TrimSpace(rel) == "" {
		return relayerr.New(relayerr.KindProtocol, "missing path")
	}
	if filepath.IsAbs(rel) {
		return relayerr.New(relayerr.KindProtocol, "path must be relative")
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		switch seg {
		case "", ".":
			// allowed
		case "..":
			return relayerr.New(relayerr.KindOutOfScope, "path contains ..")
		default:
			if strings.ContainsAny(seg, `\:`) {
				return relayerr.New(relayerr.KindProtocol, "invalid path")
			}
		}
	}
	return nil
}

// safeJoinRunPath joins rel onto runCWD and verifies the canonicalized
// result is still inside runCWD. The target must already exist.
func safeJoinRunPath(runCWD, rel string) (string, error) {
	if err := rejectUnsafeRelPath(rel); err != nil {
		return "", err
	}
	baseCan, err := filepath.EvalSymlinks(runCWD)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindProtocol, "bad run cwd", err)
	}
	joined := filepath.Join(runCWD, rel)
	joinedCan, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindProtocol, "bad path", err)
	}
	if !isWithin(baseCan, joinedCan) {
		return "", relayerr.New(relayerr.KindOutOfScope, "path escapes run cwd")
	}
	return joinedCan, nil
}

// safeJoinRunPathAllowCreate is like safeJoinRunPath but tolerates rel
// naming a path that does not exist yet, canonicalizing the parent
// directory instead and rejoining the leaf name.
func safeJoinRunPathAllowCreate(runCWD, rel string) (string, error) {
	if err := rejectUnsafeRelPath(rel); err != nil {
		return "", err
	}
	baseCan, err := filepath.EvalSymlinks(runCWD)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindProtocol, "bad run cwd", err)
	}
	joined := filepath.Join(runCWD, rel)

	if _, err := os.Lstat(joined); err == nil {
		joinedCan, err := filepath.EvalSymlinks(joined)
		if err != nil {
			return "", relayerr.Wrap(relayerr.KindProtocol, "bad path", err)
		}
		if !isWithin(baseCan, joinedCan) {
			return "", relayerr.New(relayerr.KindOutOfScope, "path escapes run cwd")
		}
		return joinedCan, nil
	}

	parent := filepath.Dir(joined)
	parentCan, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindProtocol, "bad path", err)
	}
	if !isWithin(baseCan, parentCan) {
		return "", relayerr.New(relayerr.KindOutOfScope, "path escapes run cwd")
	}
	name := filepath.Base(joined)
	if name == "." || name == string(filepath.Separator) {
		return "", relayerr.New(relayerr.KindProtocol, "missing file name")
	}
	return filepath.Join(parentCan, name), nil
}

// isWithin reports whether target is base itself or a descendant of it.
func isWithin(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

func readUTF8File(runCWD, relPath string, maxBytes int) (content string, truncated bool, err error) {
	path, err := safeJoinRunPath(runCWD, relPath)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, relayerr.Wrap(relayerr.KindProtocol, "read file", err)
	}
	truncated = len(data) > maxBytes
	if truncated {
		data = data[:maxBytes]
	}
	if !validUTF8(data) {
		return "", false, relayerr.New(relayerr.KindProtocol, "file is not valid utf-8")
	}
	return string(data), truncated, nil
}

func writeUTF8File(runCWD, relPath, content string, maxBytes int) (written int64, truncated bool, err error) {
	data := []byte(content)
	truncated = len(data) > maxBytes
	if truncated {
		data = data[:maxBytes]
	}
	path, err := safeJoinRunPathAllowCreate(runCWD, relPath)
	if err != nil {
		return 0, false, err
	}
	if fi, statErr := os.Stat(path); statErr == nil && fi.IsDir() {
		return 0, false, relayerr.New(relayerr.KindProtocol, "path is a directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, false, relayerr.Wrap(relayerr.KindProtocol, "write file", err)
	}
	return int64(len(data)), truncated, nil
}

func validUTF8(b []byte) bool {
	return utf8.Valid(b)
}

func hasCmd(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
