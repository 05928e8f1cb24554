package syncstate

import "errors"

// ErrInvalidTransition is returned when a guarded FSM transition is
// attempted from a status that does not permit it.
var ErrInvalidTransition = errors.New("invalid sync state transition")

// ErrNotFound is returned when a (relay_url, filter_hash) row does not exist.
var ErrNotFound = errors.New("sync state not found")
