package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	"conclave/contexts/deliberation/validation-pipeline/ports"

	"github.com/google/uuid"
)

type dedupRecord struct {
	payloadHash string
	expiresAt   time.Time
}

// Store is the in-memory audit ledger and dedup store used by tests and
// in-memory module wiring. Appends are retained in order; nothing is ever
// updated or deleted.
type Store struct {
	mu sync.RWMutex

	results     []entities.ValidationResult
	outcomes    []entities.ConsensusOutcome
	deadLetters []entities.DeadLetter
	eventDedup  map[string]dedupRecord
}

func NewStore() *Store {
	return &Store{
		eventDedup: make(map[string]dedupRecord),
	}
}

func (s *Store) AppendResult(_ context.Context, result entities.ValidationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *Store) AppendOutcome(_ context.Context, outcome entities.ConsensusOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *Store) AppendDeadLetter(_ context.Context, letter entities.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, letter)
	return nil
}

func (s *Store) ListOutcomesBySession(_ context.Context, sessionID string) ([]entities.ConsensusOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID = strings.TrimSpace(sessionID)
	matched := make([]entities.ConsensusOutcome, 0)
	for _, outcome := range s.outcomes {
		if outcome.SessionID == sessionID {
			matched = append(matched, outcome)
		}
	}
	return matched, nil
}

func (s *Store) ListDeadLettersBySession(_ context.Context, sessionID string) ([]entities.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID = strings.TrimSpace(sessionID)
	matched := make([]entities.DeadLetter, 0)
	for _, letter := range s.deadLetters {
		if letter.SessionID == sessionID {
			matched = append(matched, letter)
		}
	}
	return matched, nil
}

// ListResults returns every retained result; retries are all visible.
func (s *Store) ListResults(_ context.Context) ([]entities.ValidationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]entities.ValidationResult(nil), s.results...), nil
}

func (s *Store) ReserveEvent(_ context.Context, eventID string, payloadHash string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.eventDedup[eventID]
	if ok && existing.payloadHash == payloadHash && time.Now().UTC().Before(existing.expiresAt) {
		return true, nil
	}
	s.eventDedup[eventID] = dedupRecord{payloadHash: payloadHash, expiresAt: expiresAt}
	return false, nil
}

func (s *Store) ReleaseEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.eventDedup, eventID)
	return nil
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

var _ ports.AuditLedger = (*Store)(nil)
var _ ports.EventDedupStore = (*Store)(nil)
var _ ports.Clock = (*Store)(nil)
var _ ports.IDGenerator = (*Store)(nil)

// OptimisticInvoker confirms the optimistic choice as-is. Default capability
// wiring until the external validator integration lands; tests use it for
// agreeing validators.
type OptimisticInvoker struct{}

func (OptimisticInvoker) Invoke(_ context.Context, _ string, vote entities.PendingVote) (string, error) {
	return vote.OptimisticChoice, nil
}
