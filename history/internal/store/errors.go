package store

import "errors"

var (
	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt record")

	// ErrNilRecord is returned by Replace when given no record.
	ErrNilRecord = errors.New("store: nil record")
)
