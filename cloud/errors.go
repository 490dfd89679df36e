package cloud

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates the requested video, URL or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates the service refused a freshly issued token.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is an unexpected HTTP status from the service.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap maps 404 onto ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}
