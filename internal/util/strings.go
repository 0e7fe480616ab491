// Package util provides small helpers shared across the grantd packages.
package util

// SafeTruncate truncates a string to maxLen bytes without panicking. It is
// used when logging secrets, where only a short prefix may appear in logs.
// A negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
