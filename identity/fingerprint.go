// Package identity derives stable property identifiers from listing URLs.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

// Tag prefixes every PropertyID so ids remain unambiguous if the engine
// is ever pointed at more than one source ecosystem.
const Tag = "pincali"

// emptySentinel is returned for an empty input URL so Fingerprint stays total.
var emptySentinel = Tag + "_" + shortHash("empty")

// Fingerprint derives a PropertyID from a listing URL. It is a pure
// function: same normalized URL in, same id out, regardless of query
// string, fragment, or case.
func Fingerprint(sourceURL string) string {
	if sourceURL == "" {
		return emptySentinel
	}
	normalized := NormalizeURL(sourceURL)
	return Tag + "_" + shortHash(normalized)
}

// NormalizeURL lowercases scheme and host, lowercases and trims a
// trailing slash from the path, and discards query and fragment. If the
// input does not parse as a URL, it falls back to a best-effort string
// normalization so Fingerprint never fails.
func NormalizeURL(sourceURL string) string {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return fallbackNormalize(sourceURL)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	path := strings.ToLower(parsed.Path)
	path = strings.TrimSuffix(path, "/")

	normalized := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   path,
	}
	return normalized.String()
}

func fallbackNormalize(raw string) string {
	s := strings.ToLower(raw)
	s = strings.TrimSuffix(s, "/")
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	return s
}

func shortHash(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
