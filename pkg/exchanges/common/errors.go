package common

import "fmt"

// APIError is a failure reported by (or on the way to) a venue. All adapter
// failures are treated as transient by the pipeline: inputs may succeed on a
// later attempt, unlike policy violations which never will.
type APIError struct {
	Venue      string
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Venue, e.Code, e.Message)
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Venue, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Message)
}
