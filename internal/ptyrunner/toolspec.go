package ptyrunner

import "regexp"

// ToolSpec is how a tool name resolves to a binary, its default args, and
// the prompt-detection regex applied to its PTY output. Adding a tool is
// adding an entry to toolSpecs, never special-casing its stdio protocol —
// this repo never parses a specific CLI's own structured output; every
// tool runs the same generic PTY path.
type ToolSpec struct {
	EnvVar     string
	DefaultBin string
}

var toolSpecs = map[string]ToolSpec{
	"codex":  {EnvVar: "RELAY_CODEX_BIN", DefaultBin: "codex"},
	"claude": {EnvVar: "RELAY_CLAUDE_BIN", DefaultBin: "claude"},
	"iflow":  {EnvVar: "RELAY_IFLOW_BIN", DefaultBin: "iflow"},
}

func specForTool(tool string) ToolSpec {
	if spec, ok := toolSpecs[tool]; ok {
		return spec
	}
	return ToolSpec{EnvVar: "RELAY_SHELL_BIN", DefaultBin: "bash"}
}

// KnownToolSpecs returns the tool-name-to-ToolSpec table for every
// configured CLI, so the doctor diagnostic (§4.10) can report each one's
// resolved binary without duplicating this table.
func KnownToolSpecs() map[string]ToolSpec {
	out := make(map[string]ToolSpec, len(toolSpecs))
	for k, v := range toolSpecs {
		out[k] = v
	}
	return out
}

const basePromptPattern = `(?i)` +
	`(proceed\?|continue\?|are\s+you\s+sure\?|confirm\b)` +
	`|(\(\s*y\s*/\s*n\s*\))` +
	`|(\[\s*y\s*/\s*n\s*\])` +
	`|(\(\s*y\s*/\s*N\s*\))` +
	`|(\[\s*y\s*/\s*N\s*\])`

const codexExtraPattern = `|(allow\b.*\?)|(permission\b.*\?)|(approve\b.*\?)`

// BasePromptRegex compiles the heuristic prompt-detection pattern for
// tool. It is intentionally a single generic predicate: correctness of the
// approval FSM never depends on it firing (see internal/approval), only
// on the explicit run.permission_requested path.
func BasePromptRegex(tool string) *regexp.Regexp {
	pat := basePromptPattern
	if tool == "codex" {
		pat += codexExtraPattern
	}
	return regexp.MustCompile(pat)
}

// looksLikeShell reports whether cmd contains shell metacharacters, in
// which case it must be run via a shell rather than tokenized directly.
func looksLikeShell(cmd string) bool {
	for _, r := range cmd {
		switch r {
		case '\n', ';', '|', '&', '>', '<', '$', '`', '"', '\'', '(', ')', '{', '}', '[', ']':
			return true
		}
	}
	return false
}
