package proxy

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line; generous for tool-call deltas.
const maxLineSize = 256 * 1024

// newSSEScanner returns a bufio.Scanner sized for SSE lines.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// parseSSELine splits one SSE line into field and value. Comments, blank
// separators, and malformed lines return ok=false.
func parseSSELine(line string) (field, value string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	return field, strings.TrimPrefix(value, " "), true
}
