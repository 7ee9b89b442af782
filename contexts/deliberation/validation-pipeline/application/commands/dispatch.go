package commands

import (
	"context"
	"log/slog"
	"time"

	application "conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	domainerrors "conclave/contexts/deliberation/validation-pipeline/domain/errors"
	"conclave/contexts/deliberation/validation-pipeline/ports"
)

// DispatchUseCase fans a pending vote out to each configured validator as an
// independent, separately-keyed request. If validators shared one key, a
// rebalance or partition skew could make two validators appear to disagree
// purely from delivery ordering; per-validator keying removes that artifact.
type DispatchUseCase struct {
	Log        ports.EventPublisher
	Validators []string
	Clock      ports.Clock
	IDGen      ports.IDGenerator
	Logger     *slog.Logger
}

// Dispatch writes one ValidationRequest per configured validator, each on its
// own request stream with routing key vote_id:validator_id. The attempt is
// carried from the pending record so retries stay attributable.
func (uc DispatchUseCase) Dispatch(ctx context.Context, vote entities.PendingVote) ([]entities.ValidationRequest, error) {
	logger := application.ResolveLogger(uc.Logger)
	if len(uc.Validators) == 0 {
		logger.Error("dispatch has no validators configured",
			"event", "validation_dispatch_no_validators",
			"module", "deliberation/validation-pipeline",
			"layer", "application",
			"vote_id", vote.VoteID,
			"session_id", vote.SessionID,
		)
		return nil, domainerrors.ErrNoValidators
	}

	now := uc.now()
	requests := make([]entities.ValidationRequest, 0, len(uc.Validators))
	for _, validatorID := range uc.Validators {
		request := entities.ValidationRequest{
			VoteID:           vote.VoteID,
			SessionID:        vote.SessionID,
			ValidatorID:      validatorID,
			OptimisticChoice: vote.OptimisticChoice,
			Attempt:          vote.AttemptCount,
			RequestedAt:      now,
		}
		eventID, err := uc.IDGen.NewID(ctx)
		if err != nil {
			return nil, err
		}
		envelope, err := newPipelineEnvelope(
			eventID,
			"validation.requested",
			vote.SessionID,
			request.RoutingKey(),
			"vote_id:validator_id",
			now,
			map[string]any{
				"vote_id":           request.VoteID,
				"session_id":        request.SessionID,
				"validator_id":      request.ValidatorID,
				"optimistic_choice": request.OptimisticChoice,
				"attempt":           request.Attempt,
				"requested_at":      now.Format(time.RFC3339Nano),
			},
		)
		if err != nil {
			return nil, err
		}
		if err := uc.Log.Publish(ctx, application.RequestTopic(validatorID), envelope); err != nil {
			logger.Error("dispatch request write failed",
				"event", "validation_dispatch_failed",
				"module", "deliberation/validation-pipeline",
				"layer", "application",
				"vote_id", vote.VoteID,
				"session_id", vote.SessionID,
				"validator_id", validatorID,
				"attempt", vote.AttemptCount,
				"error", err.Error(),
			)
			return nil, err
		}
		requests = append(requests, request)
	}

	logger.Info("vote dispatched to validators",
		"event", "validation_dispatch_completed",
		"module", "deliberation/validation-pipeline",
		"layer", "application",
		"vote_id", vote.VoteID,
		"session_id", vote.SessionID,
		"attempt", vote.AttemptCount,
		"validator_count", len(requests),
	)
	return requests, nil
}

func (uc DispatchUseCase) now() time.Time {
	now := time.Now().UTC()
	if uc.Clock != nil {
		now = uc.Clock.Now().UTC()
	}
	return now
}
