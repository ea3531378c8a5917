package util

import "strings"

// SafeTruncate truncates s to maxLen bytes without panicking. It is used to
// log a recognisable prefix of a token or code instead of the full value.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
//	SafeTruncate("test", -1)                   // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that "https://api.example.com/"
// and "https://api.example.com" compare equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
