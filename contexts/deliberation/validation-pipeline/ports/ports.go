package ports

import (
	"context"
	"time"

	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	contractsv1 "conclave/contracts/gen/events/v1"
)

// EventEnvelope reuses the canonical cross-runtime envelope contract.
type EventEnvelope = contractsv1.Envelope

// EventPublisher appends an envelope to a topic and returns only after the
// transport's strongest acknowledgment. A nil error means the record is
// durably written; anything else means it is not, with no middle ground.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event EventEnvelope) error
}

// EventSubscriber registers a consumer-group callback for a topic. Delivery
// is at-least-once and ordered per partition key.
type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string, consumerGroup string, handler func(context.Context, EventEnvelope) error) error
}

// LogReplayer scans a topic's full retained history in partition order.
// Compacted topics yield only the latest record per partition key.
type LogReplayer interface {
	Replay(ctx context.Context, topic string, handler func(EventEnvelope) error) error
}

// HealthSnapshot mirrors the transport health boundary: broker and
// schema-registry reachability, consumer-group liveness, and total lag.
type HealthSnapshot struct {
	BrokerReachable     bool
	RegistryReachable   bool
	ConsumerGroupActive bool
	Lag                 int64
	CheckedAt           time.Time
}

// TransportHealth exposes broker liveness and per-group consumer lag. The
// reconciliation gate and the sync-fallback decision both read from it.
type TransportHealth interface {
	CheckHealth(ctx context.Context, consumerGroups []string) (HealthSnapshot, error)
	Lag(ctx context.Context, topic string, consumerGroup string) (int64, error)
}

// ValidatorInvoker is the opaque validation capability supplied by the
// surrounding system. The pipeline treats it as a black box with a timeout
// and an error channel.
type ValidatorInvoker interface {
	Invoke(ctx context.Context, validatorID string, vote entities.PendingVote) (string, error)
}

// AuditLedger is the tamper-evident witness store. Appends here are
// constitutional: a failed append must abort the current unit of work and
// propagate, never be absorbed.
type AuditLedger interface {
	AppendResult(ctx context.Context, result entities.ValidationResult) error
	AppendOutcome(ctx context.Context, outcome entities.ConsensusOutcome) error
	AppendDeadLetter(ctx context.Context, letter entities.DeadLetter) error
	ListOutcomesBySession(ctx context.Context, sessionID string) ([]entities.ConsensusOutcome, error)
	ListDeadLettersBySession(ctx context.Context, sessionID string) ([]entities.DeadLetter, error)
}

// EventDedupStore provides idempotent processing guarantees for consumed
// events under at-least-once delivery. A reservation marks completion, not
// receipt: a handler that fails mid-flight must release its reservation so
// the transport's redelivery is processed instead of skipped.
type EventDedupStore interface {
	ReserveEvent(ctx context.Context, eventID string, payloadHash string, expiresAt time.Time) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
}

// Clock allows deterministic testing of retry and reconciliation timing.
type Clock interface {
	Now() time.Time
}

// IDGenerator abstracts event identifier generation.
type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}
