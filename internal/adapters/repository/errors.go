package repository

import "errors"

// Sentinel kinds for persistence errors.
var (
	ErrNotFound          = errors.New("record not found")
	ErrVersionConflict   = errors.New("stale version")
	ErrInvalidTransition = errors.New("invalid status transition")
)
