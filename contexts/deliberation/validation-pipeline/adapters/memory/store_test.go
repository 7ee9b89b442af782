package memory

import (
	"context"
	"testing"
	"time"

	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
)

func TestStoreScopesListingsBySession(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	outcomes := []entities.ConsensusOutcome{
		{VoteID: "vote-1", SessionID: "session-a", Status: entities.OutcomeStatusValidated, FinalChoice: "aye"},
		{VoteID: "vote-2", SessionID: "session-b", Status: entities.OutcomeStatusValidated, FinalChoice: "nay"},
		{VoteID: "vote-3", SessionID: "session-a", Status: entities.OutcomeStatusDeadLettered, DLQReason: "disagreement"},
	}
	for _, outcome := range outcomes {
		if err := store.AppendOutcome(ctx, outcome); err != nil {
			t.Fatalf("append outcome failed: %v", err)
		}
	}
	if err := store.AppendDeadLetter(ctx, entities.DeadLetter{VoteID: "vote-3", SessionID: "session-a", FallbackChoice: "aye"}); err != nil {
		t.Fatalf("append dead letter failed: %v", err)
	}
	if err := store.AppendDeadLetter(ctx, entities.DeadLetter{VoteID: "vote-9", SessionID: "session-b", FallbackChoice: "nay"}); err != nil {
		t.Fatalf("append dead letter failed: %v", err)
	}

	got, err := store.ListOutcomesBySession(ctx, "session-a")
	if err != nil {
		t.Fatalf("list outcomes failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two outcomes for session-a, got %d", len(got))
	}
	if got[0].VoteID != "vote-1" || got[1].VoteID != "vote-3" {
		t.Fatalf("expected append order preserved, got %+v", got)
	}

	letters, err := store.ListDeadLettersBySession(ctx, "session-a")
	if err != nil {
		t.Fatalf("list dead letters failed: %v", err)
	}
	if len(letters) != 1 || letters[0].VoteID != "vote-3" {
		t.Fatalf("expected session-scoped dead letters, got %+v", letters)
	}
}

func TestStoreRetainsEveryResultAppend(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for attempt := 0; attempt < 3; attempt++ {
		result := entities.ValidationResult{
			VoteID:          "vote-1",
			SessionID:       "session-a",
			ValidatorID:     "validator-a",
			ValidatedChoice: "aye",
			Attempt:         attempt,
		}
		if err := store.AppendResult(ctx, result); err != nil {
			t.Fatalf("append result failed: %v", err)
		}
	}

	results, err := store.ListResults(ctx)
	if err != nil {
		t.Fatalf("list results failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("retries must all stay visible, got %d results", len(results))
	}
}

func TestReserveEventReportsRedelivery(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	seen, err := store.ReserveEvent(ctx, "evt-1", "hash-a", expiry)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if seen {
		t.Fatalf("first delivery must not report as seen")
	}

	seen, err = store.ReserveEvent(ctx, "evt-1", "hash-a", expiry)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !seen {
		t.Fatalf("redelivery with the same payload must report as seen")
	}

	// Same event id with a different payload is a new reservation, not a dup.
	seen, err = store.ReserveEvent(ctx, "evt-1", "hash-b", expiry)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if seen {
		t.Fatalf("a changed payload must not be treated as a replay")
	}
}

func TestReserveEventHonorsExpiry(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	seen, err := store.ReserveEvent(ctx, "evt-1", "hash-a", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if seen {
		t.Fatalf("first delivery must not report as seen")
	}

	// The reservation expired before the redelivery arrived.
	seen, err = store.ReserveEvent(ctx, "evt-1", "hash-a", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if seen {
		t.Fatalf("an expired reservation must not suppress reprocessing")
	}
}

func TestReleaseEventReopensReservation(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	if _, err := store.ReserveEvent(ctx, "evt-1", "hash-a", expiry); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := store.ReleaseEvent(ctx, "evt-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	seen, err := store.ReserveEvent(ctx, "evt-1", "hash-a", expiry)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if seen {
		t.Fatalf("a released reservation must allow reprocessing")
	}
}

func TestOptimisticInvokerConfirmsChoice(t *testing.T) {
	choice, err := OptimisticInvoker{}.Invoke(context.Background(), "validator-a", entities.PendingVote{
		VoteID:           "vote-1",
		OptimisticChoice: "aye",
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if choice != "aye" {
		t.Fatalf("expected optimistic choice confirmed, got %q", choice)
	}
}
