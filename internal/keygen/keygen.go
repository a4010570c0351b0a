// Package keygen produces and normalizes opaque license keys.
package keygen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const Prefix = "KG"

// Generate creates a license key in the format KG-XXXXXX-XXXXXX-XXXXXX-XXXXXX.
func Generate() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(b))
	return fmt.Sprintf("%s-%s-%s-%s-%s", Prefix, h[0:6], h[6:12], h[12:18], h[18:24]), nil
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// Normalize strips markup and control characters, trims surrounding
// whitespace and uppercases the key.
func Normalize(key string) string {
	key = tagRe.ReplaceAllString(key, "")
	key = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, key)
	return strings.ToUpper(strings.TrimSpace(key))
}
