package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/polyrelay/account-gateway/internal/account"
	"github.com/polyrelay/account-gateway/internal/upstream"
)

// Budget failures surface as rate-limit errors to the client.
var (
	errGlobalCapExceeded  = errors.New("global spending cap exceeded")
	errAccountCapExceeded = errors.New("account spending cap exceeded")
)

// writeError emits an error body in the shape clients of the messages API
// expect: {"type":"error","error":{"type":...,"message":...}}.
func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := fmt.Sprintf(`{"type":"error","error":{"type":%q,"message":%q}}`, errType, msg)
	_, _ = w.Write([]byte(body))
}

// errorTypeFor maps an HTTP status to the client-facing error type.
func errorTypeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// writeFailure surfaces a terminal orchestration failure. Pool exhaustion
// maps to 503, upstream client errors pass their status through, and
// everything else is a 502 api_error.
func writeFailure(w http.ResponseWriter, err error) {
	if err == nil {
		writeError(w, http.StatusBadGateway, "api_error", "request failed")
		return
	}
	if errors.Is(err, errGlobalCapExceeded) || errors.Is(err, errAccountCapExceeded) {
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", err.Error())
		return
	}
	if errors.Is(err, account.ErrNoEligibleAccount) {
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no account available for this model")
		return
	}
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		status := statusErr.Code
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		writeError(w, status, errorTypeFor(status), statusErr.Body)
		return
	}
	writeError(w, http.StatusBadGateway, "api_error", err.Error())
}
