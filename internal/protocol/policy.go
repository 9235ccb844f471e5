package protocol

import (
	"fmt"
	"strings"
)

// FailurePolicy inspects an unparsed diagnostic line and reports whether it
// should mark the session as failed. The returned message becomes the
// session error message.
//
// Policies are advisory: CLIs print plenty of harmless text containing words
// like "error", so callers must be able to swap or disable them.
type FailurePolicy func(line string) (message string, failed bool)

// DefaultFailureKeywords are matched by DefaultFailurePolicy.
var DefaultFailureKeywords = []string{"error", "failed", "exception"}

// DefaultFailurePolicy flags any non-JSON line containing one of
// DefaultFailureKeywords. Diagnostics without a keyword, such as
// "unexpected token at line 4", pass unflagged; operators who want every
// non-JSON line to fail the session select AnyDiagnostic
// (FAILURE_POLICY=any).
var DefaultFailurePolicy = KeywordPolicy(DefaultFailureKeywords...)

// KeywordPolicy returns a policy that flags a line when, after trimming, it
// is non-empty, does not start with '{', and contains any keyword
// (case-insensitive). The trimmed line is the message.
func KeywordPolicy(keywords ...string) FailurePolicy {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return func(line string) (string, bool) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "{") {
			return "", false
		}
		lower := strings.ToLower(trimmed)
		for _, k := range lowered {
			if strings.Contains(lower, k) {
				return trimmed, true
			}
		}
		return "", false
	}
}

// AnyDiagnostic flags every non-empty line that does not start with '{'.
// It suits CLIs that keep stdout strictly structured, where any free text
// means something went wrong.
func AnyDiagnostic(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	return trimmed, true
}

// PolicyByName resolves a configured policy name: "keywords" (or empty) for
// KeywordPolicy over keywords, falling back to DefaultFailureKeywords, "any"
// for AnyDiagnostic and "off" for NeverFail.
func PolicyByName(name string, keywords []string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "keywords":
		if len(keywords) == 0 {
			return DefaultFailurePolicy, nil
		}
		return KeywordPolicy(keywords...), nil
	case "any":
		return AnyDiagnostic, nil
	case "off", "none":
		return NeverFail, nil
	default:
		return nil, fmt.Errorf("unknown failure policy %q", name)
	}
}

// NeverFail is a policy that ignores diagnostic output entirely.
func NeverFail(string) (string, bool) { return "", false }
