// Package redact provides helpers for stripping sensitive values from log
// output before it leaves the process boundary.
//
// Secrets (LLM API keys, chat-platform access tokens) must never appear in
// log lines or user-visible notices. HTTP client errors are the usual leak
// vector: an upstream error string can echo request URLs or headers.
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms.  It is NOT a
// substitute for keeping secrets out of log call-sites in the first place.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(err.Error(), apiKey, accessToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}
