package syncengine

import "errors"

// Error kinds. These are sentinels wrapped with fmt.Errorf at the point of
// origin; callers classify failures with errors.Is.
var (
	// ErrConnection covers dial/TLS/timeout/reconnect-cap failures.
	ErrConnection = errors.New("syncengine: connection error")

	// ErrSyncTimeout fires when an EOSE/NEG wait expires. No in-worker
	// retry follows — recovery handles it.
	ErrSyncTimeout = errors.New("syncengine: sync timeout")

	// ErrNegentropy covers NEG-ERR receipt or an algorithmic reconciliation
	// failure. A failure reported during the round (NEG-ERR, an undecodable
	// reply or a reconcile error) resets the row to idle and falls back to
	// Polling;
	// a failure building the local storage view, the reconciler or the
	// initial message marks the row error without a fallback.
	ErrNegentropy = errors.New("syncengine: negentropy error")

	// ErrStorage covers event-store I/O failures.
	ErrStorage = errors.New("syncengine: storage error")

	// ErrValidation covers signature/schema failures. The offending event
	// is dropped and logged; it never propagates to the worker's error
	// path.
	ErrValidation = errors.New("syncengine: validation error")

	// ErrProtocol covers unknown or malformed inbound frames.
	ErrProtocol = errors.New("syncengine: protocol error")
)
