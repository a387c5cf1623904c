// Package redact masks sensitive argument values before they reach the
// audit trail.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultSensitiveKeys are argument names whose values are always masked.
var DefaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"auth", "credential", "credentials", "private_key",
	"credit_card", "card_number", "cvv", "ssn", "iban",
}

// MaxValueLen is the longest string kept verbatim; longer values are cut.
const MaxValueLen = 256

const mask = "***"

// credKVRe finds key=value pairs where the key suggests a secret.
var credKVRe = regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api_key|apikey|auth)([ \t]*[=:][ \t]*)\S+`)

// MaskValue replaces a value with "***". Numbers and bools are preserved.
func MaskValue(v any) any {
	switch v.(type) {
	case int, int64, float64, bool:
		return v
	case nil:
		return nil
	default:
		return mask
	}
}

// Map returns a redacted copy of data. Values under any of keys are
// masked; other strings are scrubbed of inline credentials and truncated.
// Nested maps and slices are handled recursively.
func Map(data map[string]any, keys []string) map[string]any {
	if data == nil {
		return nil
	}
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[strings.ToLower(k)] = true
	}
	return redactMap(data, keySet)
}

// Args redacts action arguments with DefaultSensitiveKeys.
func Args(args map[string]any) map[string]any {
	return Map(args, DefaultSensitiveKeys)
}

func redactMap(data map[string]any, keySet map[string]bool) map[string]any {
	result := make(map[string]any, len(data))
	for k, v := range data {
		if keySet[strings.ToLower(k)] {
			result[k] = MaskValue(v)
			continue
		}
		result[k] = redactValue(v, keySet)
	}
	return result
}

func redactValue(v any, keySet map[string]bool) any {
	switch t := v.(type) {
	case string:
		return Scrub(t)
	case map[string]any:
		return redactMap(t, keySet)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, keySet)
		}
		return out
	default:
		return v
	}
}

// Scrub masks inline credentials such as "token=abc" and truncates s to
// MaxValueLen runes.
func Scrub(s string) string {
	s = credKVRe.ReplaceAllString(s, "${1}${2}"+mask)
	if utf8.RuneCountInString(s) <= MaxValueLen {
		return s
	}
	r := []rune(s)
	return string(r[:MaxValueLen]) + "...(truncated)"
}
