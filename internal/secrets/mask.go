// Package secrets composes provider authentication material from
// environment variables and per-provider auth configuration, and owns the
// masking rules applied to secret-shaped values before they reach logs or
// error messages.
//
// The raw secret value never appears in any logging path. Masking is
// deterministic and irreversible: first four and last four characters are
// preserved, everything between is replaced; values of eight characters or
// fewer are redacted entirely.
package secrets

import (
	"fmt"
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

// keyPattern matches map keys that are likely to hold credentials.
var keyPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password|authorization|credential)`)

// valuePatterns match secret-shaped string values regardless of key name.
var valuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`),       // OpenAI-style keys
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}\b`),   // Anthropic keys
	regexp.MustCompile(`\bBearer\s+[A-Za-z0-9._~+/-]+=*`), // bearer tokens
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\b`),       // JWTs
}

// Mask applies the standard masking rule to a single value.
func Mask(value string) string {
	if len(value) <= 8 {
		return redacted
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskedDisplay renders a value for admin display: "xxxx...yyyy" for long
// values, "***" for short ones, "[NOT SET]" for empty.
func MaskedDisplay(value string) string {
	switch {
	case value == "":
		return "[NOT SET]"
	case len(value) <= 8:
		return "***"
	default:
		return value[:4] + "..." + value[len(value)-4:]
	}
}

// MaskString replaces every secret-shaped substring in s with its mask.
// Used on outbound log lines and error messages, including provider error
// bodies that may echo credentials back.
func MaskString(s string) string {
	for _, re := range valuePatterns {
		s = re.ReplaceAllStringFunc(s, Mask)
	}
	return s
}

// ContainsSecrets walks v (maps, slices, strings) and reports whether any
// secret-shaped key or value was found, along with the paths that matched.
func ContainsSecrets(v any) (bool, []string) {
	var paths []string
	walkSecrets("", v, &paths)
	return len(paths) > 0, paths
}

func walkSecrets(path string, v any, paths *[]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if keyPattern.MatchString(k) {
				if s, ok := child.(string); ok && s != "" {
					*paths = append(*paths, p)
					continue
				}
			}
			walkSecrets(p, child, paths)
		}
	case []any:
		for i, child := range t {
			walkSecrets(fmt.Sprintf("%s[%d]", path, i), child, paths)
		}
	case string:
		for _, re := range valuePatterns {
			if re.MatchString(t) {
				*paths = append(*paths, path)
				return
			}
		}
	}
}

// SanitizeForLogging returns a deep copy of v with every secret-shaped
// value masked. The input is never modified.
func SanitizeForLogging(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if keyPattern.MatchString(k) {
				if s, ok := child.(string); ok {
					out[k] = Mask(s)
					continue
				}
			}
			out[k] = SanitizeForLogging(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = SanitizeForLogging(child)
		}
		return out
	case string:
		return MaskString(t)
	default:
		return v
	}
}
