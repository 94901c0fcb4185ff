package toolbridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/relayerr"
)

const (
	maxReadBytes      = 1024 * 1024
	maxWriteBytes     = 1024 * 1024
	maxListEntries    = 2000
	maxDiffChars      = 200_000
	maxStatusChars    = 200_000
	maxStdoutChars    = 256 * 1024
	maxStderrChars    = 256 * 1024
	defaultMaxMatches = 200
)

func fsRead(ctx context.Context, runCWD string, args protocol.FSReadArgs) (protocol.FSReadResult, error) {
	content, truncated, err := readUTF8File(runCWD, args.Path, maxReadBytes)
	if err != nil {
		return protocol.FSReadResult{}, err
	}
	return protocol.FSReadResult{Text: content, Truncated: truncated}, nil
}

func fsWrite(ctx context.Context, runCWD string, args protocol.FSWriteArgs) (protocol.FSWriteResult, error) {
	written, truncated, err := writeUTF8File(runCWD, args.Path, args.Content, maxWriteBytes)
	if err != nil {
		return protocol.FSWriteResult{}, err
	}
	return protocol.FSWriteResult{BytesWritten: written, Truncated: truncated}, nil
}

func fsList(ctx context.Context, runCWD string, args protocol.FSListArgs) (protocol.FSListResult, error) {
	rel := args.Path
	if strings.TrimSpace(rel) == "" {
		rel = "."
	}
	path, err := safeJoinRunPath(runCWD, rel)
	if err != nil {
		return protocol.FSListResult{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return protocol.FSListResult{}, relayerr.Wrap(relayerr.KindProtocol, "stat path", err)
	}
	if !fi.IsDir() {
		return protocol.FSListResult{}, relayerr.New(relayerr.KindProtocol, "path is not a directory")
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return protocol.FSListResult{}, relayerr.Wrap(relayerr.KindProtocol, "read dir", err)
	}
	out := make([]protocol.FSListEntry, 0, len(entries))
	for _, e := range entries {
		var size int64
		if info, statErr := e.Info(); statErr == nil && info.Mode().IsRegular() {
			size = info.Size()
		}
		out = append(out, protocol.FSListEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
		if len(out) >= maxListEntries {
			return protocol.FSListResult{Entries: out}, nil
		}
	}
	return protocol.FSListResult{Entries: out}, nil
}

func fsSearch(ctx context.Context, runCWD string, args protocol.FSSearchArgs) (protocol.FSSearchResult, error) {
	if strings.TrimSpace(args.Query) == "" {
		return protocol.FSSearchResult{}, relayerr.New(relayerr.KindProtocol, "missing q")
	}
	if !hasCmd("rg") {
		return protocol.FSSearchResult{}, relayerr.New(relayerr.KindFatal, "missing dependency: rg")
	}
	maxMatches := args.MaxMatches
	if maxMatches <= 0 {
		maxMatches = defaultMaxMatches
	}
	cmd := exec.CommandContext(ctx, "rg",
		"--line-number", "--column", "--no-heading", "--color", "never",
		"--max-count", strconv.Itoa(maxMatches), args.Query)
	cmd.Dir = runCWD
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == 1 {
			// rg exit code 1 means "no matches", not a failure.
			return protocol.FSSearchResult{}, nil
		}
		return protocol.FSSearchResult{}, relayerr.Wrap(relayerr.KindProtocol, "rg search failed", err)
	}

	var matches []protocol.FSSearchMatch
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		path, rest, ok := cutOnce(line, ":")
		if !ok {
			continue
		}
		lineNoStr, rest, ok := cutOnce(rest, ":")
		if !ok {
			continue
		}
		colNoStr, text, ok := cutOnce(rest, ":")
		if !ok {
			continue
		}
		lineNo, _ := strconv.Atoi(lineNoStr)
		colNo, _ := strconv.Atoi(colNoStr)
		matches = append(matches, protocol.FSSearchMatch{Path: path, Line: lineNo, Column: colNo, Text: text})
		if len(matches) >= maxMatches {
			break
		}
	}
	return protocol.FSSearchResult{Matches: matches, Truncated: len(matches) >= maxMatches}, nil
}

func cutOnce(s, sep string) (before, after string, found bool) {
	i := strings.Index(s, sep)
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+len(sep):], true
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func gitStatus(ctx context.Context, runCWD string) (protocol.GitStatusResult, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain=v1", "-b")
	cmd.Dir = runCWD
	out, err := cmd.Output()
	if err != nil {
		return protocol.GitStatusResult{}, relayerr.Wrap(relayerr.KindProtocol, "git status failed", err)
	}
	text, truncated := tailTruncate(string(out), maxStatusChars)
	return protocol.GitStatusResult{Text: text, Truncated: truncated}, nil
}

func gitDiff(ctx context.Context, runCWD string, args protocol.GitDiffArgs) (protocol.GitDiffResult, error) {
	if args.Path != "" {
		if _, err := safeJoinRunPath(runCWD, args.Path); err != nil {
			return protocol.GitDiffResult{}, err
		}
	}
	gitArgs := []string{"diff", "--no-color"}
	if args.Path != "" {
		gitArgs = append(gitArgs, "--", args.Path)
	}
	cmd := exec.CommandContext(ctx, "git", gitArgs...)
	cmd.Dir = runCWD
	out, err := cmd.Output()
	if err != nil {
		return protocol.GitDiffResult{}, relayerr.Wrap(relayerr.KindProtocol, "git diff failed", err)
	}
	text, truncated := tailTruncate(string(out), maxDiffChars)
	return protocol.GitDiffResult{Text: text, Truncated: truncated}, nil
}

func tailTruncate(s string, maxChars int) (string, bool) {
	if len(s) <= maxChars {
		return s, false
	}
	return s[len(s)-maxChars:], true
}

func bashExec(ctx context.Context, runCWD string, args protocol.BashArgs) (protocol.BashResult, error) {
	if strings.TrimSpace(args.Command) == "" {
		return protocol.BashResult{}, relayerr.New(relayerr.KindProtocol, "missing cmd")
	}
	cmd := exec.CommandContext(ctx, "bash", "-lc", args.Command)
	cmd.Dir = runCWD
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	stdoutText, stdoutTrunc := tailTruncate(stdout.String(), maxStdoutChars)
	stderrText, stderrTrunc := tailTruncate(stderr.String(), maxStderrChars)

	if runErr != nil {
		var exitErr *exec.ExitError
		if !asExitError(runErr, &exitErr) {
			return protocol.BashResult{}, relayerr.Wrap(relayerr.KindProtocol, "bash exec failed", runErr)
		}
		msg := fmt.Sprintf("bash exited with code %d", exitCode)
		if strings.TrimSpace(stderrText) != "" {
			msg += ": " + stderrText
		}
		return protocol.BashResult{}, relayerr.New(relayerr.KindProtocol, msg)
	}

	return protocol.BashResult{
		Stdout:          stdoutText,
		Stderr:          stderrText,
		ExitCode:        exitCode,
		StdoutTruncated: stdoutTrunc,
		StderrTruncated: stderrTrunc,
	}, nil
}
