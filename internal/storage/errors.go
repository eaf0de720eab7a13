package storage

import "errors"

// Storage errors shared by all tally store implementations.
var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreClosed is returned when an operation is attempted
	// against a store that has been shut down.
	ErrStoreClosed = errors.New("store closed")
)
