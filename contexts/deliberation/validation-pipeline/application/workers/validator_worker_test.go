package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"conclave/contexts/deliberation/validation-pipeline/adapters/memory"
	application "conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/application/faults"
	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	domainerrors "conclave/contexts/deliberation/validation-pipeline/domain/errors"
	"conclave/contexts/deliberation/validation-pipeline/ports"
)

type capturingPublisher struct {
	mu        sync.Mutex
	published []publishedRecord
	failWith  error
}

type publishedRecord struct {
	topic string
	event ports.EventEnvelope
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, event ports.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, publishedRecord{topic: topic, event: event})
	return nil
}

func (p *capturingPublisher) records() []publishedRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedRecord(nil), p.published...)
}

type scriptedInvoker struct {
	mu      sync.Mutex
	calls   int
	results []invokeResult
}

type invokeResult struct {
	choice string
	err    error
}

func (s *scriptedInvoker) Invoke(_ context.Context, _ string, _ entities.PendingVote) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := s.results[len(s.results)-1]
	if s.calls < len(s.results) {
		result = s.results[s.calls]
	}
	s.calls++
	return result.choice, result.err
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type failingLedger struct {
	memory.Store
	appendResultErr error
}

func (l *failingLedger) AppendResult(ctx context.Context, result entities.ValidationResult) error {
	if l.appendResultErr != nil {
		return l.appendResultErr
	}
	return l.Store.AppendResult(ctx, result)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type sequenceIDGen struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDGen) NewID(_ context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return "event-" + strconv.Itoa(g.next), nil
}

func newTestWorker(invoker ports.ValidatorInvoker, store *memory.Store, publisher *capturingPublisher) ValidatorWorker {
	return ValidatorWorker{
		Publisher:   publisher,
		Invoker:     invoker,
		Ledger:      store,
		Dedup:       store,
		Clock:       fixedClock{now: time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)},
		IDGen:       &sequenceIDGen{},
		ValidatorID: "validator-a",
		Retry:       faults.RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 3},
	}
}

func requestEnvelope(t *testing.T, eventID string, attempt int) ports.EventEnvelope {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"vote_id":           "vote-1",
		"session_id":        "session-a",
		"validator_id":      "validator-a",
		"optimistic_choice": "aye",
		"attempt":           attempt,
		"requested_at":      "2026-03-10T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("marshal request payload failed: %v", err)
	}
	return ports.EventEnvelope{
		EventID:          eventID,
		EventType:        "validation.requested",
		OccurredAt:       time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC),
		SourceService:    "validation-pipeline",
		TraceID:          eventID,
		SchemaVersion:    1,
		SessionID:        "session-a",
		PartitionKeyPath: "vote_id:validator_id",
		PartitionKey:     "vote-1:validator-a",
		Data:             payload,
	}
}

func TestHandleRequestEmitsResultAndAppendsToLedger(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturingPublisher{}
	worker := newTestWorker(memory.OptimisticInvoker{}, store, publisher)
	worker.Ledger = store

	if err := worker.HandleRequest(context.Background(), requestEnvelope(t, "evt-1", 0)); err != nil {
		t.Fatalf("handle request failed: %v", err)
	}

	results, err := store.ListResults(context.Background())
	if err != nil {
		t.Fatalf("list results failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one ledger result, got %d", len(results))
	}
	if results[0].ValidatedChoice != "aye" || results[0].ValidatorID != "validator-a" {
		t.Fatalf("unexpected ledger result: %+v", results[0])
	}

	records := publisher.records()
	if len(records) != 1 {
		t.Fatalf("expected one result record, got %d", len(records))
	}
	if records[0].topic != application.TopicValidationResults {
		t.Fatalf("expected results topic, got %s", records[0].topic)
	}
	if records[0].event.PartitionKey != "vote-1:validator-a" {
		t.Fatalf("expected composite routing key, got %q", records[0].event.PartitionKey)
	}
}

func TestHandleRequestSkipsRedeliveredEvent(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturingPublisher{}
	invoker := &scriptedInvoker{results: []invokeResult{{choice: "aye"}}}
	worker := newTestWorker(invoker, store, publisher)

	event := requestEnvelope(t, "evt-1", 0)
	if err := worker.HandleRequest(context.Background(), event); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := worker.HandleRequest(context.Background(), event); err != nil {
		t.Fatalf("redelivery should be a no-op, got %v", err)
	}
	if invoker.callCount() != 1 {
		t.Fatalf("expected redelivery to skip invocation, got %d calls", invoker.callCount())
	}
	if len(publisher.records()) != 1 {
		t.Fatalf("expected a single result record after redelivery, got %d", len(publisher.records()))
	}
}

func TestHandleRequestRetriesTransientFailureThenSucceeds(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturingPublisher{}
	invoker := &scriptedInvoker{results: []invokeResult{
		{err: domainerrors.ErrValidatorTimeout},
		{err: domainerrors.ErrValidatorThrottled},
		{choice: "aye"},
	}}
	worker := newTestWorker(invoker, store, publisher)

	if err := worker.HandleRequest(context.Background(), requestEnvelope(t, "evt-1", 0)); err != nil {
		t.Fatalf("handle request failed after transient recovery: %v", err)
	}
	if invoker.callCount() != 3 {
		t.Fatalf("expected 3 invocations, got %d", invoker.callCount())
	}
	records := publisher.records()
	if len(records) != 1 || records[0].topic != application.TopicValidationResults {
		t.Fatalf("expected a single result record, got %+v", records)
	}
}

func TestHandleRequestDeadLettersPermanentFailure(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturingPublisher{}
	invoker := &scriptedInvoker{results: []invokeResult{{err: domainerrors.ErrMalformedVote}}}
	worker := newTestWorker(invoker, store, publisher)

	if err := worker.HandleRequest(context.Background(), requestEnvelope(t, "evt-1", 1)); err != nil {
		t.Fatalf("permanent failure should dead-letter, not error: %v", err)
	}
	if invoker.callCount() != 1 {
		t.Fatalf("expected no retry on permanent failure, got %d calls", invoker.callCount())
	}

	letters, err := store.ListDeadLettersBySession(context.Background(), "session-a")
	if err != nil {
		t.Fatalf("list dead letters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	if letters[0].FallbackChoice != "aye" {
		t.Fatalf("expected optimistic choice carried as fallback, got %q", letters[0].FallbackChoice)
	}
	if letters[0].Attempts != 2 {
		t.Fatalf("expected attempt count including the failed one, got %d", letters[0].Attempts)
	}

	records := publisher.records()
	if len(records) != 1 || records[0].topic != application.TopicDeadLetter {
		t.Fatalf("expected a dead-letter record, got %+v", records)
	}
}

func TestHandleRequestDeadLettersAfterRetryExhaustion(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturingPublisher{}
	invoker := &scriptedInvoker{results: []invokeResult{{err: domainerrors.ErrValidatorTimeout}}}
	worker := newTestWorker(invoker, store, publisher)

	if err := worker.HandleRequest(context.Background(), requestEnvelope(t, "evt-1", 0)); err != nil {
		t.Fatalf("retry exhaustion should dead-letter, not error: %v", err)
	}
	if invoker.callCount() != 3 {
		t.Fatalf("expected full retry budget, got %d calls", invoker.callCount())
	}
	letters, err := store.ListDeadLettersBySession(context.Background(), "session-a")
	if err != nil {
		t.Fatalf("list dead letters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter after exhaustion, got %d", len(letters))
	}
}

func TestHandleRequestRedeliveryReprocessedAfterPublishFailure(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturingPublisher{failWith: errors.New("broker unreachable")}
	invoker := &scriptedInvoker{results: []invokeResult{{choice: "aye"}}}
	worker := newTestWorker(invoker, store, publisher)

	event := requestEnvelope(t, "evt-1", 0)
	if err := worker.HandleRequest(context.Background(), event); err == nil {
		t.Fatalf("expected handler failure when the result publish fails")
	}
	if len(publisher.records()) != 0 {
		t.Fatalf("expected no result record on publish failure, got %d", len(publisher.records()))
	}

	// The failed unit of work must not be treated as already processed.
	publisher.failWith = nil
	if err := worker.HandleRequest(context.Background(), event); err != nil {
		t.Fatalf("redelivery after failure must be reprocessed, got %v", err)
	}
	if invoker.callCount() != 2 {
		t.Fatalf("expected redelivery to re-invoke the validator, got %d calls", invoker.callCount())
	}
	records := publisher.records()
	if len(records) != 1 || records[0].topic != application.TopicValidationResults {
		t.Fatalf("expected the result emitted on redelivery, got %+v", records)
	}
}

func TestHandleRequestPropagatesLedgerFailure(t *testing.T) {
	ledger := &failingLedger{appendResultErr: errors.New("ledger down")}
	store := memory.NewStore()
	publisher := &capturingPublisher{}
	worker := newTestWorker(memory.OptimisticInvoker{}, store, publisher)
	worker.Ledger = ledger

	err := worker.HandleRequest(context.Background(), requestEnvelope(t, "evt-1", 0))
	if !domainerrors.IsConstitutional(err) {
		t.Fatalf("expected ledger failure to propagate as constitutional, got %v", err)
	}
	if len(publisher.records()) != 0 {
		t.Fatalf("expected no result record when ledger append fails, got %d", len(publisher.records()))
	}
}

func TestHandleRequestDeadLettersUndecodablePayload(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturingPublisher{}
	invoker := &scriptedInvoker{results: []invokeResult{{choice: "aye"}}}
	worker := newTestWorker(invoker, store, publisher)

	event := requestEnvelope(t, "evt-1", 0)
	event.Data = []byte("{not json")
	if err := worker.HandleRequest(context.Background(), event); err != nil {
		t.Fatalf("undecodable payload should dead-letter, not error: %v", err)
	}
	if invoker.callCount() != 0 {
		t.Fatalf("expected no invocation for undecodable payload, got %d calls", invoker.callCount())
	}
	letters, err := store.ListDeadLettersBySession(context.Background(), "session-a")
	if err != nil {
		t.Fatalf("list dead letters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	if letters[0].VoteID != "vote-1" {
		t.Fatalf("expected vote id recovered from routing key, got %q", letters[0].VoteID)
	}
}
