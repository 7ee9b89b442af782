package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	application "conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	domainerrors "conclave/contexts/deliberation/validation-pipeline/domain/errors"
)

func TestDispatchFansOutOneRequestPerValidator(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	publisher := &capturingPublisher{}
	uc := DispatchUseCase{
		Log:        publisher,
		Validators: []string{"validator-a", "validator-b", "validator-c"},
		Clock:      fixedClock{now: now},
		IDGen:      &sequenceIDGen{},
	}

	vote := entities.PendingVote{
		VoteID:           "vote-1",
		SessionID:        "session-a",
		OptimisticChoice: "aye",
		AttemptCount:     2,
		PublishedAt:      now,
	}
	requests, err := uc.Dispatch(context.Background(), vote)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(requests) != 3 {
		t.Fatalf("expected one request per validator, got %d", len(requests))
	}
	if len(publisher.published) != 3 {
		t.Fatalf("expected three published records, got %d", len(publisher.published))
	}

	for i, validatorID := range uc.Validators {
		record := publisher.published[i]
		if record.topic != application.RequestTopic(validatorID) {
			t.Fatalf("expected per-validator request topic, got %s", record.topic)
		}
		wantKey := "vote-1:" + validatorID
		if record.event.PartitionKey != wantKey {
			t.Fatalf("expected composite routing key %q, got %q", wantKey, record.event.PartitionKey)
		}
		if record.event.SessionID != "session-a" {
			t.Fatalf("expected session attribute on request, got %q", record.event.SessionID)
		}
		if requests[i].Attempt != 2 {
			t.Fatalf("expected attempt carried from pending record, got %d", requests[i].Attempt)
		}
	}
}

func TestDispatchRejectsEmptyValidatorSet(t *testing.T) {
	uc := DispatchUseCase{
		Log:   &capturingPublisher{},
		Clock: fixedClock{now: time.Now()},
		IDGen: &sequenceIDGen{},
	}
	_, err := uc.Dispatch(context.Background(), entities.PendingVote{VoteID: "vote-1", SessionID: "session-a"})
	if !errors.Is(err, domainerrors.ErrNoValidators) {
		t.Fatalf("expected no-validators rejection, got %v", err)
	}
}

func TestDispatchStopsOnTransportError(t *testing.T) {
	brokerDown := errors.New("broker unreachable")
	uc := DispatchUseCase{
		Log:        &capturingPublisher{failWith: brokerDown},
		Validators: []string{"validator-a"},
		Clock:      fixedClock{now: time.Now()},
		IDGen:      &sequenceIDGen{},
	}
	_, err := uc.Dispatch(context.Background(), entities.PendingVote{VoteID: "vote-1", SessionID: "session-a", OptimisticChoice: "aye"})
	if err != brokerDown {
		t.Fatalf("expected transport error to propagate unmodified, got %v", err)
	}
}
