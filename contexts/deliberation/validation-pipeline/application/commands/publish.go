package commands

import (
	"context"
	"log/slog"
	"strings"
	"time"

	application "conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	domainerrors "conclave/contexts/deliberation/validation-pipeline/domain/errors"
	"conclave/contexts/deliberation/validation-pipeline/ports"
)

// PublishVoteCommand is the write-model input for entering a captured vote
// into the validation pipeline.
type PublishVoteCommand struct {
	VoteID           string
	SessionID        string
	OptimisticChoice string
}

// PublishUseCase turns a captured vote into a durable pending-validation
// record. Publish blocks until the transport's strongest acknowledgment; a
// vote the caller believes is in flight but was never durably written is a
// correctness violation, not a performance tradeoff.
type PublishUseCase struct {
	Log    ports.EventPublisher
	Clock  ports.Clock
	IDGen  ports.IDGenerator
	Logger *slog.Logger
}

// PublishForValidation writes the pending-validation record for the vote.
// Transport failures propagate to the caller unmodified; there is no silent
// retry into fire-and-forget.
func (uc PublishUseCase) PublishForValidation(ctx context.Context, cmd PublishVoteCommand) (entities.PendingVote, error) {
	logger := application.ResolveLogger(uc.Logger)
	voteID := strings.TrimSpace(cmd.VoteID)
	sessionID := strings.TrimSpace(cmd.SessionID)
	choice := strings.TrimSpace(cmd.OptimisticChoice)
	logger.Info("vote publish processing started",
		"event", "validation_publish_started",
		"module", "deliberation/validation-pipeline",
		"layer", "application",
		"vote_id", voteID,
		"session_id", sessionID,
	)
	if voteID == "" || choice == "" {
		logger.Warn("vote publish validation failed",
			"event", "validation_publish_validation_failed",
			"module", "deliberation/validation-pipeline",
			"layer", "application",
			"vote_id", voteID,
			"session_id", sessionID,
		)
		return entities.PendingVote{}, domainerrors.ErrInvalidVoteInput
	}
	if sessionID == "" {
		logger.Warn("vote publish session id missing",
			"event", "validation_publish_session_missing",
			"module", "deliberation/validation-pipeline",
			"layer", "application",
			"vote_id", voteID,
		)
		return entities.PendingVote{}, domainerrors.ErrSessionIDRequired
	}

	now := uc.now()
	vote := entities.PendingVote{
		VoteID:           voteID,
		SessionID:        sessionID,
		OptimisticChoice: choice,
		AttemptCount:     0,
		PublishedAt:      now,
	}

	eventID, err := uc.IDGen.NewID(ctx)
	if err != nil {
		return entities.PendingVote{}, err
	}
	envelope, err := newPipelineEnvelope(
		eventID,
		"vote.pending",
		sessionID,
		voteID,
		"vote_id",
		now,
		PendingVotePayload(vote),
	)
	if err != nil {
		return entities.PendingVote{}, err
	}
	if err := uc.Log.Publish(ctx, application.TopicPendingValidation, envelope); err != nil {
		logger.Error("vote publish transport write failed",
			"event", "validation_publish_failed",
			"module", "deliberation/validation-pipeline",
			"layer", "application",
			"vote_id", voteID,
			"session_id", sessionID,
			"error", err.Error(),
		)
		return entities.PendingVote{}, err
	}

	logger.Info("vote published for validation",
		"event", "validation_publish_acknowledged",
		"module", "deliberation/validation-pipeline",
		"layer", "application",
		"vote_id", voteID,
		"session_id", sessionID,
		"optimistic_choice", choice,
	)
	return vote, nil
}

// PendingVotePayload is the canonical data shape for vote.pending records.
// Re-dispatches reuse it with an incremented attempt_count.
func PendingVotePayload(vote entities.PendingVote) map[string]any {
	return map[string]any{
		"vote_id":           vote.VoteID,
		"session_id":        vote.SessionID,
		"optimistic_choice": vote.OptimisticChoice,
		"attempt_count":     vote.AttemptCount,
		"published_at":      vote.PublishedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (uc PublishUseCase) now() time.Time {
	now := time.Now().UTC()
	if uc.Clock != nil {
		now = uc.Clock.Now().UTC()
	}
	return now
}
