package licensing

import (
	"strings"
)

// NormalizeDomain reduces a site URL to the host form stored in the
// ledger: a leading "http://" or "https://" is removed, everything from the
// first "/" is dropped and the rest is lowercased. Nothing else is
// trimmed, so "www.a.com" and "a.com" are distinct domains.
func NormalizeDomain(raw string) string {
	d := raw
	if strings.HasPrefix(d, "https://") {
		d = d[len("https://"):]
	} else if strings.HasPrefix(d, "http://") {
		d = d[len("http://"):]
	}
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return strings.ToLower(d)
}

// SanitizeSlug lowercases s and collapses every run of characters outside
// [a-z0-9] into a single "-", trimming dashes at either end.
func SanitizeSlug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
