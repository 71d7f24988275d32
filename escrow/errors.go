package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("escrow: session not found")
	ErrInvalidStatus      = errors.New("escrow: invalid session status")
	ErrSessionExpired     = errors.New("escrow: session expired")
	ErrVerificationFailed = errors.New("escrow: deposit verification failed")
	ErrReplayDetected     = errors.New("escrow: replay detected")
	ErrSettlementFailed   = errors.New("escrow: settlement failed")
	ErrAlreadyClaimed     = errors.New("escrow: winning already claimed")
	ErrWinningNotFound    = errors.New("escrow: winning not found")
	ErrInvalidStack       = errors.New("escrow: invalid stack amount")
	ErrDuplicateSession   = errors.New("escrow: player already has an active session at table")
)

// invalidStatus wraps ErrInvalidStatus with the session's current status so
// callers can decide whether a later retry makes sense.
func invalidStatus(op string, current SessionStatus) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidStatus, op, current)
}
