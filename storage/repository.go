// Package storage provides the key/value persistence abstraction behind the
// token store. Records are sealed Envelopes addressed by
// (namespace, kind, id); a namespace is typically one account.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when no record was ever written
	// under a namespace.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// Repository persists sealed records. Implementations must be safe for
// concurrent use and must survive process restarts unless documented
// otherwise (the memory backend does not).
type Repository interface {
	Put(namespace, kind, id string, envelope *Envelope) error
	Get(namespace, kind, id string) (*Envelope, error)
	Delete(namespace, kind, id string) error
	List(namespace, kind string) ([]string, error)
}
