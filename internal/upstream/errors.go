// Package upstream holds the pieces shared by every provider integration:
// the conversion/transcoding contracts, the tool-name map, JSON schema
// sanitization, model-id mapping, and the client-facing SSE emitter.
package upstream

import "fmt"

// StatusError is an upstream HTTP failure carrying the status code the
// selector's failure policy switches on.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.Code, e.Body)
}

// NewStatusError builds a StatusError, truncating the body for log safety.
func NewStatusError(code int, body []byte, maxLen int) *StatusError {
	s := string(body)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return &StatusError{Code: code, Body: s}
}
