package util

import (
	"fmt"
	"regexp"
)

// DefaultLogMaxLen bounds provider payloads kept on errors and in logs (1KB).
const DefaultLogMaxLen = 1024

// TruncateLog shortens s to maxLen bytes, noting the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is TruncateLog over a redacted []byte with DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(Redact(string(b)), DefaultLogMaxLen)
}

var secretPattern = regexp.MustCompile(`(?i)("?(?:access_token|refresh_token|id_token|client_secret)"?\s*[:=]\s*"?)[^"&\s,}]+|(Bearer\s+)[A-Za-z0-9\-._~+/]+=*`)

// Redact masks bearer tokens and OAuth secrets embedded in s.
func Redact(s string) string {
	return secretPattern.ReplaceAllString(s, "${1}${2}[redacted]")
}
