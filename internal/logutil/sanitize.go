package logutil

import "strings"

// MaxLogValue bounds a sanitized value; longer input is cut and marked.
const MaxLogValue = 256

// SanitizeForLog replaces newlines and tabs with spaces and drops other
// control characters from request-supplied strings, so a workload or
// resource name cannot forge log lines.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), MaxLogValue))
	n := 0
	for _, r := range s {
		if n == MaxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
