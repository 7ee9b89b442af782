package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	application "conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/application/commands"
	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	"conclave/contexts/deliberation/validation-pipeline/ports"
)

// DispatchConsumerGroup names the dispatcher's consumer group. The
// reconciliation gate scopes its lag check to these exported names.
const DispatchConsumerGroup = "validation-dispatch-cg"

// DispatchConsumer drives the dispatcher from the pending-validation topic so
// first attempts and aggregator re-dispatches follow the identical delivery
// path.
type DispatchConsumer struct {
	Subscriber    ports.EventSubscriber
	Dedup         ports.EventDedupStore
	Dispatch      commands.DispatchUseCase
	Clock         ports.Clock
	ConsumerGroup string
	DedupTTL      time.Duration
	Logger        *slog.Logger
}

// Start subscribes the dispatcher to pending-validation records with dedupe
// semantics.
func (c DispatchConsumer) Start(ctx context.Context) error {
	logger := application.ResolveLogger(c.Logger)
	group := strings.TrimSpace(c.ConsumerGroup)
	if group == "" {
		group = DispatchConsumerGroup
	}
	if err := c.Subscriber.Subscribe(ctx, application.TopicPendingValidation, group, c.handlePendingVote); err != nil {
		logger.Error("dispatch consumer subscribe failed",
			"event", "validation_dispatch_consumer_subscribe_failed",
			"module", "deliberation/validation-pipeline",
			"layer", "worker",
			"topic", application.TopicPendingValidation,
			"consumer_group", group,
			"error", err.Error(),
		)
		return err
	}
	logger.Info("dispatch consumer subscription active",
		"event", "validation_dispatch_consumer_started",
		"module", "deliberation/validation-pipeline",
		"layer", "worker",
		"consumer_group", group,
	)
	return nil
}

func (c DispatchConsumer) handlePendingVote(ctx context.Context, event ports.EventEnvelope) (retErr error) {
	logger := application.ResolveLogger(c.Logger)
	alreadyProcessed, err := c.Dedup.ReserveEvent(ctx, event.EventID, hashPayload(event.Data), c.now().Add(c.dedupTTL()))
	if err != nil {
		logger.Error("pending vote dedupe failed",
			"event", "validation_dispatch_dedupe_failed",
			"module", "deliberation/validation-pipeline",
			"layer", "worker",
			"event_id", event.EventID,
			"error", err.Error(),
		)
		return err
	}
	if alreadyProcessed {
		logger.Debug("pending vote replay skipped",
			"event", "validation_dispatch_replay_skipped",
			"module", "deliberation/validation-pipeline",
			"layer", "worker",
			"event_id", event.EventID,
		)
		return nil
	}
	// The reservation stands only for a completed fan-out. On failure it is
	// released so the transport's redelivery is processed, not skipped.
	defer func() {
		if retErr == nil {
			return
		}
		if releaseErr := c.Dedup.ReleaseEvent(ctx, event.EventID); releaseErr != nil {
			logger.Error("dedup reservation release failed",
				"event", "validation_dispatch_release_failed",
				"module", "deliberation/validation-pipeline",
				"layer", "worker",
				"event_id", event.EventID,
				"error", releaseErr.Error(),
			)
		}
	}()

	vote, err := decodePendingVote(event)
	if err != nil {
		logger.Error("pending vote payload decode failed",
			"event", "validation_dispatch_decode_failed",
			"module", "deliberation/validation-pipeline",
			"layer", "worker",
			"event_id", event.EventID,
			"error", err.Error(),
		)
		return err
	}
	_, err = c.Dispatch.Dispatch(ctx, vote)
	return err
}

func decodePendingVote(event ports.EventEnvelope) (entities.PendingVote, error) {
	var payload struct {
		VoteID           string `json:"vote_id"`
		SessionID        string `json:"session_id"`
		OptimisticChoice string `json:"optimistic_choice"`
		AttemptCount     int    `json:"attempt_count"`
		PublishedAt      string `json:"published_at"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return entities.PendingVote{}, err
	}
	publishedAt, err := time.Parse(time.RFC3339Nano, payload.PublishedAt)
	if err != nil {
		publishedAt = event.OccurredAt
	}
	return entities.PendingVote{
		VoteID:           strings.TrimSpace(payload.VoteID),
		SessionID:        strings.TrimSpace(payload.SessionID),
		OptimisticChoice: strings.TrimSpace(payload.OptimisticChoice),
		AttemptCount:     payload.AttemptCount,
		PublishedAt:      publishedAt,
	}, nil
}

func (c DispatchConsumer) now() time.Time {
	now := time.Now().UTC()
	if c.Clock != nil {
		now = c.Clock.Now().UTC()
	}
	return now
}

func (c DispatchConsumer) dedupTTL() time.Duration {
	if c.DedupTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return c.DedupTTL
}
