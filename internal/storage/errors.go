package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound indicates an unknown session or archive id.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict indicates an attempt to create a record that already exists.
	ErrConflict = errors.New("storage: already exists")
)
