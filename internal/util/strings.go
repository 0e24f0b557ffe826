package util

// SafeTruncate returns at most maxLen bytes of s. Used to log a recognisable
// prefix of a hash without the full value.
//
//	SafeTruncate("9f86d081884c7d65", 8) // "9f86d081"
//	SafeTruncate("short", 10)           // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
