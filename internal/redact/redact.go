// Package redact implements the one redaction algorithm used everywhere a
// byte-for-byte body could leave host memory: the Tool Bridge's argument
// logging, run.input text, and telemetry log lines all call Redactor.Redact.
// The rule set and its order are pinned; reordering them changes what a
// pathological input redacts to and is a protocol-visible behavior change.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var (
	kvRegex        = regexp.MustCompile(`(?i)\b(api[_-]?key|token|password|secret|authorization)\b\s*[:=]\s*([^\s'"]+|"[^"]*"|'[^']*')`)
	bearerRegex    = regexp.MustCompile(`(?i)\bAuthorization\s*:\s*Bearer\s+(\S+)`)
	longTokenRegex = regexp.MustCompile(`[A-Za-z0-9+/=_-]{32,}`)
)

const placeholder = "***REDACTED***"

// Result is the outcome of a redaction pass: the text safe to persist or
// ship, plus the SHA-256 of the original (pre-redaction) bytes so an
// operator can correlate a redacted row with its raw source without the
// raw bytes ever being stored.
type Result struct {
	TextRedacted string
	SHA256       string
}

// Redactor applies the pinned redaction rules plus any operator-supplied
// extra patterns, in this exact order:
//  1. key=value / key: value pairs where the key looks secret.
//  2. inline "Authorization: Bearer <token>".
//  3. operator-supplied extra regexes.
//  4. any remaining run of 32+ token-alphabet characters (catches
//     high-entropy prefixed keys like sk-/ghp_/AKIA… as a side effect,
//     since those are always at least that long).
type Redactor struct {
	extra []*regexp.Regexp
}

// New compiles a Redactor from operator-supplied extra patterns. An invalid
// pattern is rejected so misconfiguration fails at startup, not silently at
// redaction time.
func New(extraPatterns []string) (*Redactor, error) {
	extra := make([]*regexp.Regexp, 0, len(extraPatterns))
	for _, p := range extraPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		extra = append(extra, re)
	}
	return &Redactor{extra: extra}, nil
}

// Redact applies the rule set to raw and returns the redacted text plus the
// SHA-256 of raw. raw itself is never retained by the returned Result.
func (r *Redactor) Redact(raw string) Result {
	out := kvRegex.ReplaceAllString(raw, "$1=***REDACTED***")
	out = bearerRegex.ReplaceAllString(out, "Authorization: Bearer "+placeholder)
	for _, extra := range r.extra {
		out = extra.ReplaceAllString(out, placeholder)
	}
	out = longTokenRegex.ReplaceAllString(out, placeholder)

	sum := sha256.Sum256([]byte(raw))
	return Result{
		TextRedacted: out,
		SHA256:       hex.EncodeToString(sum[:]),
	}
}

// default is a package-level Redactor with no extra patterns, used by
// callers (telemetry, audit) that only need the fixed rule set and have no
// operator configuration in scope.
var defaultRedactor, _ = New(nil)

// String redacts s with the fixed rule set only (no extra patterns) and
// returns just the redacted text, for callers that don't need the hash.
func String(s string) string {
	return defaultRedactor.Redact(s).TextRedacted
}
