package ptyrunner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// shimMarker is the substring the shim installer writes near the top of
// every generated shim script. A resolved binary containing it would
// recurse back into Relay's own shim instead of the real tool.
const shimMarker = "relay shim (installed by scripts/install-shims.sh)"

// BinMap resolves tool -> real binary path overrides maintained by the
// shim installer at ~/.relay/bin-map.json, watched live so a reinstall
// takes effect without restarting the daemon.
type BinMap struct {
	path    string
	watcher *fsnotify.Watcher
	get     func() map[string]string
	current map[string]string
}

func binMapPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".relay", "bin-map.json"), nil
}

// NewBinMap loads the bin-map file (if present) and starts watching it for
// changes. A missing or unreadable file yields an empty map, not an error.
func NewBinMap() *BinMap {
	path, err := binMapPath()
	bm := &BinMap{path: path, current: map[string]string{}}
	if err != nil {
		return bm
	}
	bm.reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return bm
	}
	_ = w.Add(filepath.Dir(path))
	bm.watcher = w
	go bm.watchLoop()
	return bm
}

func (b *BinMap) watchLoop() {
	for ev := range b.watcher.Events {
		if filepath.Clean(ev.Name) == filepath.Clean(b.path) {
			b.reload()
		}
	}
}

func (b *BinMap) reload() {
	m, err := readBinMap(b.path)
	if err != nil {
		return
	}
	b.current = m
}

func readBinMap(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	if info, err := os.Stat(path); err == nil {
		if info.Mode().Perm()&0o077 != 0 {
			fmt.Fprintf(os.Stderr, "warning: insecure permissions on %s (recommended 0600)\n", path)
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]string{}, nil
	}
	return m, nil
}

// Close stops the file watcher, if any.
func (b *BinMap) Close() {
	if b.watcher != nil {
		_ = b.watcher.Close()
	}
}

// Lookup returns the mapped binary for tool, if any.
func (b *BinMap) Lookup(tool string) (string, bool) {
	v, ok := b.current[tool]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// ResolveToolBin resolves the real binary for tool in order: per-tool
// override environment variable, bin-map.json, then the tool's own
// default command name (left to PATH resolution by exec.LookPath).
func ResolveToolBin(bm *BinMap, tool, envVar, defaultBin string) string {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	if bm != nil {
		if v, ok := bm.Lookup(tool); ok {
			return v
		}
	}
	return defaultBin
}

// isShimPath reports whether the first 2KiB of the file at path contain
// the shim marker.
func isShimPath(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 2048)
	n, _ := f.Read(buf)
	return strings.Contains(string(buf[:n]), shimMarker)
}

func findInPath(bin string) (string, bool) {
	dirs := strings.Split(os.Getenv("PATH"), string(os.PathListSeparator))
	for _, dir := range dirs {
		full := filepath.Join(dir, bin)
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			return full, true
		}
	}
	return "", false
}

// ValidateBinExists checks that bin (a path or a bare PATH-resolved name)
// exists, is executable, and is not a relay shim (which would recurse).
func ValidateBinExists(bin, hint string) error {
	if strings.Contains(bin, string(os.PathSeparator)) {
		info, err := os.Stat(bin)
		if err != nil || info.IsDir() {
			return fmt.Errorf("%s: binary not found at path: %s", hint, bin)
		}
		if isShimPath(bin) {
			return fmt.Errorf("%s: resolved binary points to a relay shim (would recurse): %s", hint, bin)
		}
		if info.Mode().Perm()&0o111 == 0 {
			return fmt.Errorf("%s: binary is not executable: %s", hint, bin)
		}
		return nil
	}
	found, ok := findInPath(bin)
	if !ok {
		return fmt.Errorf("%s: binary not found in PATH: %s", hint, bin)
	}
	if isShimPath(found) {
		return fmt.Errorf("%s: %s resolves to a relay shim in PATH (refusing to recurse); set the tool's override env var or reinstall shims to update ~/.relay/bin-map.json", hint, bin)
	}
	return nil
}
