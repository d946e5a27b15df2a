// Package util holds small helpers shared across the authentication core.
package util

import "strings"

// SafeTruncate truncates s to at most maxLen bytes without panicking. It is
// used when logging identifiers derived from sensitive values, where only a
// short prefix may appear in log output.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so URLs that differ only in a
// trailing slash compare and concatenate consistently.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
