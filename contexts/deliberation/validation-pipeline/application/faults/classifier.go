package faults

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"

	domainerrors "conclave/contexts/deliberation/validation-pipeline/domain/errors"
)

// Action is the tagged classification outcome for a pipeline failure. Policy
// lives here instead of exception-type branching scattered through call
// sites.
type Action int

const (
	// ActionRetry marks a transient failure: retry with exponential backoff,
	// dead-letter once attempts are exhausted.
	ActionRetry Action = iota + 1
	// ActionDeadLetter marks a permanent failure: dead-letter the vote
	// immediately and continue with other votes.
	ActionDeadLetter
	// ActionPropagate marks a constitutional failure: the caller must halt;
	// no layer in the chain may catch and ignore it.
	ActionPropagate
	// ActionSkip marks a re-delivered, already-completed unit of work: a
	// no-op, not an error.
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	case ActionPropagate:
		return "propagate"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Classify maps every pipeline failure to exactly one action. Unclassified
// errors dead-letter: fail safe toward visibility, never toward silent
// success.
func Classify(err error) Action {
	if err == nil {
		return ActionSkip
	}
	if domainerrors.IsConstitutional(err) {
		return ActionPropagate
	}
	if errors.Is(err, domainerrors.ErrDuplicateDelivery) {
		return ActionSkip
	}
	if isTransient(err) {
		return ActionRetry
	}
	return ActionDeadLetter
}

func isTransient(err error) bool {
	if errors.Is(err, domainerrors.ErrValidatorTimeout) ||
		errors.Is(err, domainerrors.ErrValidatorThrottled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryPolicy bounds transient retries with exponential backoff.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

func (p RetryPolicy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return time.Second
	}
	return p.BaseDelay
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// Do runs op, retrying only failures classified as transient. The delay
// grows as base*2^attempt. The final error is returned unmodified so callers
// can classify it themselves for the terminal action.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts(); attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) != ActionRetry {
			return lastErr
		}
		if attempt == p.maxAttempts()-1 {
			break
		}
		if err := backoff.WaitContext(ctx, backoff.Exponential(p.baseDelay(), attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}
