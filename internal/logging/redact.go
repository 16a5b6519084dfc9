package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

var sensitiveKey = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization|private[_-]?key|credential|p256dh|auth_key)`)

// Redact masks string attributes whose key looks sensitive. It is installed
// as the handler's ReplaceAttr.
func Redact(groups []string, a slog.Attr) slog.Attr {
	if !sensitiveKey.MatchString(a.Key) {
		return a
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, Mask(a.Value.String()))
	case slog.KindAny:
		if ss, ok := a.Value.Any().([]string); ok {
			masked := make([]string, len(ss))
			for i, s := range ss {
				masked[i] = Mask(s)
			}
			return slog.Any(a.Key, masked)
		}
	}
	return a
}

// Mask keeps just enough of a credential to tell two apart.
func Mask(value string) string {
	switch {
	case len(value) <= 8:
		return "********"
	case strings.HasPrefix(value, "Bearer "):
		return "Bearer ****"
	case strings.HasPrefix(value, "eyJ") && strings.Count(value, ".") == 2:
		return "eyJ****.****.****"
	case len(value) <= 20:
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + "..." + strings.Repeat("*", 8) + "..." + value[len(value)-4:]
}
