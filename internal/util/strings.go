// Package util holds small string helpers shared across the issuance engine.
package util

import "strings"

// SafeTruncate returns at most maxLen leading bytes of s. Used when logging
// token handles, where only a short prefix may appear in logs. A negative
// maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and origin values compare
// equal regardless of how they were configured.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
