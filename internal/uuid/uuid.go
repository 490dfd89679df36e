// Package uuid generates identifiers used to correlate log lines.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID in its canonical string form.
func New() string {
	return uuid.NewString()
}

// Short returns the first eight hex characters of a new UUID. It is used
// where a compact, human-scannable id is enough (refresh cycle ids).
func Short() string {
	return uuid.NewString()[:8]
}
