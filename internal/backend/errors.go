package backend

import (
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned when the backend answers 2xx with a body
// that does not describe a valid evaluation.
var ErrMalformedPayload = errors.New("malformed evaluation payload")

// maxErrorBodySize caps the response body quoted in a [StatusError].
const maxErrorBodySize = 256

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request may succeed.
// Server errors, 408 and 429 are temporary.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}

func newStatusError(method, url string, code int, body []byte) *StatusError {
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	return &StatusError{
		Method:     method,
		URL:        url,
		StatusCode: code,
		Body:       string(body),
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}
