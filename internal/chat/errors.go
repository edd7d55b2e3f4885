package chat

import (
	"errors"
	"fmt"
)

// ErrContractViolation marks calls that break a caller contract. They are rejected
// without touching state.
var ErrContractViolation = errors.New("chat: contract violation")

var (
	ErrStreamInFlight = fmt.Errorf("%w: stream already in flight for session", ErrContractViolation)
	ErrDraftOpen      = fmt.Errorf("%w: draft already open", ErrContractViolation)
	ErrNoDraft        = errors.New("chat: no open draft")

	ErrNoActiveSession = errors.New("chat: no active session")
	ErrUnknownSession  = errors.New("chat: unknown session")
	ErrEmptyMessage    = errors.New("chat: message is empty")
	ErrClosed          = errors.New("chat: orchestrator closed")

	// ErrStreamTruncated is reported when the body ends before the done sentinel.
	ErrStreamTruncated = errors.New("chat: stream ended before completion")
	ErrIdleTimeout     = errors.New("chat: stream idle timeout")
)
