package backend

import "fmt"

// APIError wraps a non-2xx HTTP response from the backend. Permission is set
// for 403 responses so callers (and their retry/backoff logic) can
// distinguish "the backend rejected this session" from a transient failure.
type APIError struct {
	StatusCode int
	Body       string
	Permission bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d: %s", e.StatusCode, e.Body)
}

func newAPIError(status int, body string) *APIError {
	return &APIError{StatusCode: status, Body: body, Permission: status == 403}
}
