package coordinator

import (
	"errors"

	"github.com/jmcleod/cloudcam/library"
)

var (
	// ErrNoDevice indicates no device id was given and none could be inferred.
	ErrNoDevice = errors.New("no device available")
	// ErrNoThumbnail indicates there is neither a stored nor a remote cover.
	ErrNoThumbnail = errors.New("no thumbnail available")
	// ErrInvalidVideoID is returned for ids that would escape the storage root.
	ErrInvalidVideoID = library.ErrInvalidVideoID
	// ErrClosed is returned by Start and the stream commands after Close.
	ErrClosed = errors.New("coordinator closed")
)

// UpdateFailedError reports a refresh cycle that could not complete. The
// previously published snapshot stays in place.
type UpdateFailedError struct {
	Cause error
}

func (e *UpdateFailedError) Error() string {
	return "refresh failed: " + e.Cause.Error()
}

func (e *UpdateFailedError) Unwrap() error { return e.Cause }
