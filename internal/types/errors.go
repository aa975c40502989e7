package types

import "errors"

// Error taxonomy shared across the bridge. Callers wrap these with
// fmt.Errorf("…: %w", Err…) so errors.Is works at every layer.
var (
	// ErrNotFound means no pending request or session exists for the id.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized means the acting operator is not the session owner.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnreachable means the session's stream or transport is closed.
	ErrUnreachable = errors.New("unreachable")
	// ErrConfig means invalid configuration or a missing agent binary.
	ErrConfig = errors.New("invalid configuration")
)
