package apierror

import (
	"regexp"
	"strings"
)

const maxMessageLength = 500

var sanitizePatterns = []*regexp.Regexp{
	// Bearer tokens and gateway/provider API keys.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`sk-[A-Za-z0-9\-_]{8,}`),
	// Unix and Windows filesystem paths.
	regexp.MustCompile(`(/[A-Za-z0-9._\-]+){2,}`),
	regexp.MustCompile(`[A-Za-z]:\\[^\s"']+`),
	// Host:port and bare IPv4 addresses.
	regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`),
	// Connection strings.
	regexp.MustCompile(`(?i)(postgres|postgresql|redis|mysql)://[^\s"']+`),
}

// Sanitize strips secrets, paths, and addresses from a message destined for a
// client, and truncates it. Internal detail belongs in logs, not responses.
func Sanitize(message string) string {
	out := message
	for _, re := range sanitizePatterns {
		out = re.ReplaceAllString(out, "[redacted]")
	}
	out = strings.TrimSpace(out)
	if len(out) > maxMessageLength {
		out = out[:maxMessageLength] + "..."
	}
	return out
}
