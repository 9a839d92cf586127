package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrTimeout is returned when an attempt exceeded the per-request timeout
// and no retry succeeded.
var ErrTimeout = errors.New("graph: request timed out")

// RequestError is any non-2xx response from Graph.
type RequestError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Code       string
	Message    string

	retryAfter time.Duration
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("graph: %s (status %d)", e.Message, e.StatusCode)
}

// IsForbidden reports whether err is a 403 from Graph.
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsNotFound reports whether err is a 404 from Graph.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized reports whether Graph rejected the bearer token.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

func statusIs(err error, code int) bool {
	var re *RequestError
	return errors.As(err, &re) && re.StatusCode == code
}

type errorEnvelope struct {
	Error            json.RawMessage `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseError builds a RequestError from a failed response. The Graph
// envelope's error.message wins, then an OAuth-style error_description;
// a JSON body with neither yields a generic message and anything else
// falls back to the HTTP status line.
func parseError(method, endpoint string, status int, statusLine string, body []byte) *RequestError {
	re := &RequestError{Method: method, Endpoint: endpoint, StatusCode: status}

	var env errorEnvelope
	if len(body) == 0 || json.Unmarshal(body, &env) != nil {
		re.Message = statusText(status, statusLine)
		return re
	}
	if len(env.Error) > 0 {
		var detail errorDetail
		if json.Unmarshal(env.Error, &detail) == nil {
			re.Code = detail.Code
			re.Message = detail.Message
		} else {
			// token endpoints send "error": "invalid_grant"
			var code string
			if json.Unmarshal(env.Error, &code) == nil {
				re.Code = code
			}
		}
	}
	if re.Message == "" {
		re.Message = env.ErrorDescription
	}
	if re.Message == "" {
		re.Message = "API request failed"
	}
	return re
}

func statusText(status int, statusLine string) string {
	if statusLine = strings.TrimSpace(statusLine); statusLine != "" {
		return statusLine
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
