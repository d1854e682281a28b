package upstream

import (
	"bufio"
	"io"
	"strings"

	"github.com/polyrelay/account-gateway/internal/config"
)

// maxSSELineSize bounds a single upstream SSE line.
const maxSSELineSize = 10 * 1024 * 1024

// SSEScanner yields `data:` payloads from an upstream SSE body, buffering
// partial lines across chunk boundaries, and keeps the raw upstream text
// for the usage logger.
type SSEScanner struct {
	sc  *bufio.Scanner
	raw strings.Builder
}

// NewSSEScanner wraps an upstream response body.
func NewSSEScanner(r io.Reader) *SSEScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, config.DefaultBufferSize), maxSSELineSize)
	return &SSEScanner{sc: sc}
}

// Next returns the next data payload. ok is false at end of stream or on a
// read error. The "[DONE]" sentinel ends the stream.
func (s *SSEScanner) Next() (string, bool) {
	for s.sc.Scan() {
		line := s.sc.Text()
		s.raw.WriteString(line)
		s.raw.WriteByte('\n')

		data, found := strings.CutPrefix(line, "data:")
		if !found {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return "", false
		}
		return data, true
	}
	return "", false
}

// Err returns the underlying read error, if any.
func (s *SSEScanner) Err() error { return s.sc.Err() }

// Raw returns everything read from the upstream so far.
func (s *SSEScanner) Raw() string { return s.raw.String() }
