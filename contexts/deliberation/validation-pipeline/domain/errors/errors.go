package errors

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidVoteInput    = errors.New("invalid vote input")
	ErrSessionIDRequired   = errors.New("session id is required")
	ErrVoteNotFound        = errors.New("vote not found")
	ErrUnknownValidator    = errors.New("unknown validator identity")
	ErrMalformedVote       = errors.New("malformed vote payload")
	ErrValidatorTimeout    = errors.New("validator invocation timed out")
	ErrValidatorThrottled  = errors.New("validator invocation rate limited")
	ErrDuplicateDelivery   = errors.New("event already processed")
	ErrNoValidators        = errors.New("no validators configured")
	ErrTransportUnhealthy  = errors.New("log transport is unhealthy")
	ErrOutcomeNotFound     = errors.New("consensus outcome not found")
	ErrEmptyChoice         = errors.New("validated choice is empty")
	ErrAttemptsExhausted   = errors.New("validation attempts exhausted")
	ErrSessionNotReplayed  = errors.New("aggregator has not replayed this session")
	ErrLedgerUnavailable   = errors.New("audit ledger is unavailable")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)

// ConstitutionalError wraps a failed append to the tamper-evident audit
// ledger. The pipeline's correctness guarantee is void if such a write is
// lost, so this error must propagate to the caller; no layer may absorb it.
type ConstitutionalError struct {
	Op  string
	Err error
}

func (e *ConstitutionalError) Error() string {
	return fmt.Sprintf("constitutional write failed during %s: %v", e.Op, e.Err)
}

func (e *ConstitutionalError) Unwrap() error {
	return e.Err
}

// NewConstitutional tags an audit-ledger failure as non-suppressible.
func NewConstitutional(op string, err error) *ConstitutionalError {
	return &ConstitutionalError{Op: op, Err: err}
}

// IsConstitutional reports whether err carries a constitutional write failure
// anywhere in its chain.
func IsConstitutional(err error) bool {
	var ce *ConstitutionalError
	return errors.As(err, &ce)
}

// ReconciliationIncompleteError is raised by the reconciliation gate when a
// session still has unresolved votes or unconsumed transport records at
// timeout. Callers are contractually forbidden from catching and continuing
// past it: the only valid response is to halt session finalization.
type ReconciliationIncompleteError struct {
	SessionID    string
	PendingCount int
	LagRecords   int64
}

func (e *ReconciliationIncompleteError) Error() string {
	return fmt.Sprintf(
		"session %s cannot finalize: %d votes unresolved, %d records lagging",
		e.SessionID, e.PendingCount, e.LagRecords,
	)
}
