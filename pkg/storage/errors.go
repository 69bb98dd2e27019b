package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a record with the same identity already exists.
	ErrConflict = errors.New("already exists")

	// ErrForbidden is returned when a record belongs to another tenant.
	ErrForbidden = errors.New("owned by another tenant")
)
