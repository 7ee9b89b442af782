package entities

import "time"

// PendingVote is the durable record created when a vote enters the pipeline.
// Identity is VoteID; it stays stable across retries. Records are never
// mutated; a re-dispatch writes a new record with a higher AttemptCount.
type PendingVote struct {
	VoteID           string
	SessionID        string
	OptimisticChoice string
	AttemptCount     int
	PublishedAt      time.Time
}

// ValidationRequest is the per-validator fan-out unit for one pending vote.
type ValidationRequest struct {
	VoteID           string
	SessionID        string
	ValidatorID      string
	OptimisticChoice string
	Attempt          int
	RequestedAt      time.Time
}

// RoutingKey concatenates vote and validator so one validator's request
// stream never interleaves with another's on the same partition.
func (r ValidationRequest) RoutingKey() string {
	return r.VoteID + ":" + r.ValidatorID
}

// ValidationResult is one validator's judgment for one attempt. Multiple
// results per vote are retained for audit; none are overwritten.
type ValidationResult struct {
	VoteID          string
	SessionID       string
	ValidatorID     string
	ValidatedChoice string
	Attempt         int
	ResultAt        time.Time
}

func (r ValidationResult) RoutingKey() string {
	return r.VoteID + ":" + r.ValidatorID
}

type OutcomeStatus string

const (
	OutcomeStatusValidated    OutcomeStatus = "validated"
	OutcomeStatusDeadLettered OutcomeStatus = "dead_lettered"
)

// ConsensusOutcome is the terminal record per vote. Only the latest outcome
// per VoteID is authoritative for reconciliation; history stays in the log.
type ConsensusOutcome struct {
	VoteID      string
	SessionID   string
	Status      OutcomeStatus
	FinalChoice string
	DLQReason   string
	Attempts    int
	DecidedAt   time.Time
}

// DeadLetter captures a vote whose validators never reached consensus. The
// optimistic choice becomes the fallback value and is counted apart from
// true validations.
type DeadLetter struct {
	VoteID         string
	SessionID      string
	FallbackChoice string
	Reason         string
	Attempts       int
	RecordedAt     time.Time
}

// Override pairs a vote with a validated choice that differs from the
// optimistic one; downstream tallies must be recomputed for these.
type Override struct {
	VoteID      string
	FinalChoice string
}

// ReconciliationResult is produced once per session by the reconciliation
// gate. Invariant: FullyValidated implies Complete implies PendingCount == 0;
// Complete still permits a nonzero DLQFallbackCount.
type ReconciliationResult struct {
	SessionID        string
	ValidatedCount   int
	DLQFallbackCount int
	PendingCount     int
}

func (r ReconciliationResult) Complete() bool {
	return r.PendingCount == 0
}

func (r ReconciliationResult) FullyValidated() bool {
	return r.Complete() && r.DLQFallbackCount == 0
}
