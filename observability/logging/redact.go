package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log records.
const RedactedValue = "[REDACTED]"

// Keys that carry identifiers rather than credentials and are logged as-is.
var plainKeys = map[string]struct{}{
	"bounty_id":   {},
	"bounty":      {},
	"tier":        {},
	"variant":     {},
	"asset":       {},
	"external_id": {},
	"repository":  {},
	"code":        {},
	"path":        {},
	"error":       {},
}

// MaskField returns an attribute that hides value unless key names a plain
// identifier. Empty values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Secret returns an attribute recording only whether a credential is set and
// its last four characters, which is enough to tell rotated tokens apart.
func Secret(key, value string) slog.Attr {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return slog.String(key, "unset")
	case len(value) <= 8:
		return slog.String(key, RedactedValue)
	default:
		return slog.String(key, "..."+value[len(value)-4:])
	}
}

// RedactURL drops credentials and query parameters from raw so endpoints
// with embedded tokens can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return RedactedValue
	}
	if u.User != nil {
		u.User = url.User(RedactedValue)
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	u.Fragment = ""
	return u.String()
}
