// Package redact scrubs personal data from transcripts and replies before
// they reach logs and timeline files.
package redact

import (
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

var enabled atomic.Bool

type rule struct {
	re   *regexp.Regexp
	mask string
}

// Card numbers run before phone numbers; both are digit runs.
var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\d{4}[ \-]?\d{4}[ \-]?\d{4}[ \-]?\d{1,4}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
}

// Query parameters that carry Direct Line and renderer credentials.
var secretParams = []string{"t", "token", "secret", "key", "sig", "signature", "access_token"}

func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, card numbers and phone numbers when redaction is on.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.mask)
	}
	return out
}

// Snippet redacts in and clips it to max runes for log lines.
func Snippet(in string, max int) string {
	out := Text(in)
	if max <= 0 || utf8.RuneCountInString(out) <= max {
		return out
	}
	runes := []rune(out)
	return string(runes[:max]) + "..."
}

// Value redacts strings, including those inside string slices. Other
// values pass through.
func Value(v any) any {
	switch x := v.(type) {
	case string:
		return Text(x)
	case []string:
		out := make([]string, len(x))
		for i, s := range x {
			out[i] = Text(s)
		}
		return out
	default:
		return v
	}
}

// URL masks credential query parameters and user info. It applies whether or
// not PII redaction is enabled.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED_URL]"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	q := u.Query()
	changed := false
	for _, key := range secretParams {
		if q.Has(key) {
			q.Set(key, "redacted")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
