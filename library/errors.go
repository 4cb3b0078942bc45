package library

import (
	"errors"
	"fmt"
)

// ErrNotLoggedIn is returned by features that need the current user's id.
var ErrNotLoggedIn = errors.New("not logged in")

// Messages used when the service gives no usable error body.
const (
	networkErrorMessage = "Network or CORS error"
	noCandidatesMessage = "Request failed: no candidate URLs"
)

// APIError is the normalized failure for every remote call, whatever its cause:
// a transport error (Status 0), a non-2xx status with a JSON error body, or a
// non-2xx status with an unparseable body.
type APIError struct {
	Message string `json:"error"`
	Status  int    `json:"status,omitempty"`
	Details string `json:"details,omitempty"`
	URL     string `json:"-"`

	// LastStatus is the last HTTP status any candidate answered with. It
	// survives a final transport failure, which clears Status.
	LastStatus int `json:"-"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	}
	return e.Message
}

// HasStatus reports whether the failure carried an HTTP response.
func (e *APIError) HasStatus() bool { return e.Status != 0 }

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
