package qfilter

import "errors"

// Error kinds surfaced by the filter bank and its persistence strategies.
// Callers match them with errors.Is; every returned error wraps exactly one.
var (
	// ErrInvalidDimension is returned when a bank dimension is not positive.
	ErrInvalidDimension = errors.New("invalid dimension")

	// ErrPersistence is returned when a save or load delegate fails for
	// transport, authentication or storage reasons.
	ErrPersistence = errors.New("persistence error")

	// ErrCorruptSnapshot is returned when a snapshot's shape or encoding
	// cannot be reconciled into a valid bank.
	ErrCorruptSnapshot = errors.New("corrupt or incompatible snapshot")
)
