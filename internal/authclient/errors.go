package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized is matched by a RequestError carrying a 401 that could
	// not be recovered by a refresh.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionExpired is returned to every caller waiting on a refresh that failed.
	// The user has to log in again.
	ErrSessionExpired = errors.New("session expired, please log in again")
)

// RequestError is any non-2xx outcome that is not handled by the refresh path.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return e.Message
}

func (e *RequestError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

func newRequestError(resp *Response) *RequestError {
	msg := serverMessage(resp.Body)
	if msg == "" {
		msg = strings.TrimSpace(string(resp.Body))
	}
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}
	return &RequestError{StatusCode: resp.StatusCode, Message: msg}
}

// serverMessage pulls the human readable error out of a JSON error body.
// "detail" is what the API sends; "message" and "error" are accepted too.
func serverMessage(body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "message", "error"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		// validation errors come back as structured detail
		if compact := strings.TrimSpace(string(raw)); compact != "" && compact != "null" {
			return compact
		}
	}
	return ""
}
