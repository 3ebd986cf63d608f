package executor

import "errors"

var (
	// ErrUnknownScheme is returned when no handler is registered for a ref scheme
	ErrUnknownScheme = errors.New("unknown workflow scheme")

	// ErrInvalidRef is returned when a workflow reference has no target
	ErrInvalidRef = errors.New("invalid workflow reference")
)
