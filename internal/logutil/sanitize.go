package logutil

import (
	"net/url"
	"strings"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a monitor name or tunnel label cannot forge extra log lines.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			result.WriteByte(' ')
		case r >= 32 && r != 127:
			result.WriteRune(r)
		}
	}
	return result.String()
}

// RedactURL strips user info from a probe URL before it is logged or mailed.
// Strings that do not parse are sanitized and returned as is.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return SanitizeForLog(raw)
	}
	u.User = url.User("xxxxx")
	return SanitizeForLog(u.String())
}
