package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domainerrors "conclave/contexts/deliberation/validation-pipeline/domain/errors"
)

func TestClassifyMapsEveryFailureToOneAction(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Action
	}{
		{name: "nil is a no-op", err: nil, want: ActionSkip},
		{name: "validator timeout retries", err: domainerrors.ErrValidatorTimeout, want: ActionRetry},
		{name: "wrapped timeout retries", err: fmt.Errorf("invoke validator-a: %w", domainerrors.ErrValidatorTimeout), want: ActionRetry},
		{name: "throttling retries", err: domainerrors.ErrValidatorThrottled, want: ActionRetry},
		{name: "deadline exceeded retries", err: context.DeadlineExceeded, want: ActionRetry},
		{name: "malformed vote dead-letters", err: domainerrors.ErrMalformedVote, want: ActionDeadLetter},
		{name: "unknown validator dead-letters", err: domainerrors.ErrUnknownValidator, want: ActionDeadLetter},
		{name: "unclassified error dead-letters", err: errors.New("something novel"), want: ActionDeadLetter},
		{name: "ledger append failure propagates", err: domainerrors.NewConstitutional("validation result append", errors.New("disk full")), want: ActionPropagate},
		{name: "wrapped constitutional still propagates", err: fmt.Errorf("handle: %w", domainerrors.NewConstitutional("outcome append", errors.New("down"))), want: ActionPropagate},
		{name: "duplicate delivery skips", err: domainerrors.ErrDuplicateDelivery, want: ActionSkip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRetryPolicyRetriesOnlyTransientFailures(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 3}

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return domainerrors.ErrValidatorTimeout
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery within budget, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyReturnsPermanentFailureImmediately(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 5}

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return domainerrors.ErrMalformedVote
	})
	if !errors.Is(err, domainerrors.ErrMalformedVote) {
		t.Fatalf("expected malformed-vote error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt for a permanent failure, got %d", attempts)
	}
}

func TestRetryPolicyReturnsFinalErrorUnmodifiedAfterExhaustion(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 2}

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return domainerrors.ErrValidatorThrottled
	})
	if err != domainerrors.ErrValidatorThrottled {
		t.Fatalf("expected final error unmodified, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryPolicyStopsWhenContextCancelled(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 50 * time.Millisecond, MaxAttempts: 5}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := policy.Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return domainerrors.ErrValidatorTimeout
	})
	if !errors.Is(err, domainerrors.ErrValidatorTimeout) {
		t.Fatalf("expected last transient error after cancellation, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected backoff sleep to abort further attempts, got %d", attempts)
	}
}
