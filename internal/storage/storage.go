package storage

import (
	"io"
)

// Handle is an open upload target. Writes land at absolute offsets so a
// resumed upload can continue where the previous connection stopped.
type Handle interface {
	io.WriterAt
	io.Closer
}

// Backend defines the storage collaborator used by the upload ledger.
type Backend interface {
	// Open opens (or creates) the object for an upload without truncating it.
	Open(name string) (Handle, error)
	// Remove deletes the object, used when a stale upload is evicted.
	Remove(name string) error
}

// Digester is implemented by backends that can hash a stored object.
type Digester interface {
	Digest(name string) (string, error)
}
