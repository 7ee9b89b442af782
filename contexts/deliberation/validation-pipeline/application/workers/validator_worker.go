package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	application "conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/application/faults"
	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	domainerrors "conclave/contexts/deliberation/validation-pipeline/domain/errors"
	"conclave/contexts/deliberation/validation-pipeline/ports"
)

// ValidatorConsumerGroup names one validator worker's consumer group.
func ValidatorConsumerGroup(validatorID string) string {
	return "validator-" + validatorID + "-cg"
}

// ValidatorWorker consumes one validator's request stream, invokes the
// opaque validation capability, and emits a structured result. Failures are
// never decided locally; they go through the fault classifier.
type ValidatorWorker struct {
	Subscriber    ports.EventSubscriber
	Publisher     ports.EventPublisher
	Invoker       ports.ValidatorInvoker
	Ledger        ports.AuditLedger
	Dedup         ports.EventDedupStore
	Clock         ports.Clock
	IDGen         ports.IDGenerator
	ValidatorID   string
	ConsumerGroup string
	InvokeTimeout time.Duration
	Retry         faults.RetryPolicy
	DedupTTL      time.Duration
	Logger        *slog.Logger
}

// Start subscribes the worker to its validator's request stream.
func (w ValidatorWorker) Start(ctx context.Context) error {
	logger := application.ResolveLogger(w.Logger)
	group := strings.TrimSpace(w.ConsumerGroup)
	if group == "" {
		group = ValidatorConsumerGroup(w.ValidatorID)
	}
	topic := application.RequestTopic(w.ValidatorID)
	if err := w.Subscriber.Subscribe(ctx, topic, group, w.HandleRequest); err != nil {
		logger.Error("validator worker subscribe failed",
			"event", "validation_worker_subscribe_failed",
			"module", "deliberation/validation-pipeline",
			"layer", "worker",
			"topic", topic,
			"validator_id", w.ValidatorID,
			"consumer_group", group,
			"error", err.Error(),
		)
		return err
	}
	logger.Info("validator worker subscription active",
		"event", "validation_worker_started",
		"module", "deliberation/validation-pipeline",
		"layer", "worker",
		"validator_id", w.ValidatorID,
		"consumer_group", group,
	)
	return nil
}

// HandleRequest processes one validation request. Transient invocation
// failures retry with backoff and dead-letter on exhaustion; permanent ones
// dead-letter immediately; constitutional ledger failures abort the unit of
// work and propagate; re-deliveries are skipped.
func (w ValidatorWorker) HandleRequest(ctx context.Context, event ports.EventEnvelope) (retErr error) {
	logger := application.ResolveLogger(w.Logger)
	alreadyProcessed, err := w.Dedup.ReserveEvent(ctx, event.EventID, hashPayload(event.Data), w.now().Add(w.dedupTTL()))
	if err != nil {
		return err
	}
	if alreadyProcessed {
		logger.Debug("validation request replay skipped",
			"event", "validation_worker_replay_skipped",
			"module", "deliberation/validation-pipeline",
			"layer", "worker",
			"validator_id", w.ValidatorID,
			"event_id", event.EventID,
		)
		return nil
	}
	// The reservation stands only for a completed unit of work. On failure it
	// is released so the transport's redelivery is processed, not skipped.
	defer func() {
		if retErr == nil {
			return
		}
		if releaseErr := w.Dedup.ReleaseEvent(ctx, event.EventID); releaseErr != nil {
			logger.Error("dedup reservation release failed",
				"event", "validation_worker_release_failed",
				"module", "deliberation/validation-pipeline",
				"layer", "worker",
				"validator_id", w.ValidatorID,
				"event_id", event.EventID,
				"error", releaseErr.Error(),
			)
		}
	}()

	request, err := decodeValidationRequest(event)
	if err != nil {
		logger.Error("validation request decode failed",
			"event", "validation_worker_decode_failed",
			"module", "deliberation/validation-pipeline",
			"layer", "worker",
			"validator_id", w.ValidatorID,
			"event_id", event.EventID,
			"error", err.Error(),
		)
		return w.deadLetter(ctx, request, event, domainerrors.ErrMalformedVote)
	}

	vote := entities.PendingVote{
		VoteID:           request.VoteID,
		SessionID:        request.SessionID,
		OptimisticChoice: request.OptimisticChoice,
		AttemptCount:     request.Attempt,
	}
	var choice string
	invokeErr := w.Retry.Do(ctx, func(ctx context.Context) error {
		invokeCtx := ctx
		if w.InvokeTimeout > 0 {
			var cancel context.CancelFunc
			invokeCtx, cancel = context.WithTimeout(ctx, w.InvokeTimeout)
			defer cancel()
		}
		result, err := w.Invoker.Invoke(invokeCtx, w.ValidatorID, vote)
		if err != nil {
			return err
		}
		if strings.TrimSpace(result) == "" {
			return domainerrors.ErrEmptyChoice
		}
		choice = strings.TrimSpace(result)
		return nil
	})
	if invokeErr != nil {
		switch faults.Classify(invokeErr) {
		case faults.ActionPropagate:
			return invokeErr
		case faults.ActionSkip:
			return nil
		default:
			// Retry exhaustion and permanent failures both land here.
			logger.Warn("validator invocation failed; dead-lettering vote",
				"event", "validation_worker_invoke_failed",
				"module", "deliberation/validation-pipeline",
				"layer", "worker",
				"validator_id", w.ValidatorID,
				"vote_id", request.VoteID,
				"session_id", request.SessionID,
				"attempt", request.Attempt,
				"error", invokeErr.Error(),
			)
			return w.deadLetter(ctx, request, event, invokeErr)
		}
	}

	now := w.now()
	result := entities.ValidationResult{
		VoteID:          request.VoteID,
		SessionID:       request.SessionID,
		ValidatorID:     w.ValidatorID,
		ValidatedChoice: choice,
		Attempt:         request.Attempt,
		ResultAt:        now,
	}
	if err := w.Ledger.AppendResult(ctx, result); err != nil {
		// Witness write: failure here voids the pipeline's guarantee, so it
		// must surface louder than a normal error.
		return domainerrors.NewConstitutional("validation result append", err)
	}

	eventID, err := w.IDGen.NewID(ctx)
	if err != nil {
		return err
	}
	envelope, err := newPipelineEnvelope(
		eventID,
		"validation.result",
		request.SessionID,
		result.RoutingKey(),
		"vote_id:validator_id",
		now,
		map[string]any{
			"vote_id":          result.VoteID,
			"session_id":       result.SessionID,
			"validator_id":     result.ValidatorID,
			"validated_choice": result.ValidatedChoice,
			"attempt":          result.Attempt,
			"result_at":        now.Format(time.RFC3339Nano),
		},
	)
	if err != nil {
		return err
	}
	if err := w.Publisher.Publish(ctx, application.TopicValidationResults, envelope); err != nil {
		logger.Error("validation result publish failed",
			"event", "validation_worker_result_publish_failed",
			"module", "deliberation/validation-pipeline",
			"layer", "worker",
			"validator_id", w.ValidatorID,
			"vote_id", result.VoteID,
			"error", err.Error(),
		)
		return err
	}

	logger.Info("validation result emitted",
		"event", "validation_worker_result_emitted",
		"module", "deliberation/validation-pipeline",
		"layer", "worker",
		"validator_id", w.ValidatorID,
		"vote_id", result.VoteID,
		"session_id", result.SessionID,
		"validated_choice", result.ValidatedChoice,
		"attempt", result.Attempt,
	)
	return nil
}

// deadLetter records the failed vote with its optimistic choice as fallback.
// The ledger append is constitutional: if the witness write fails, the
// failure propagates instead of being absorbed.
func (w ValidatorWorker) deadLetter(
	ctx context.Context,
	request entities.ValidationRequest,
	event ports.EventEnvelope,
	cause error,
) error {
	logger := application.ResolveLogger(w.Logger)
	now := w.now()
	voteID := strings.TrimSpace(request.VoteID)
	sessionID := strings.TrimSpace(request.SessionID)
	if voteID == "" {
		// Undecodable payload: recover identity from the routing key.
		voteID, _, _ = strings.Cut(strings.TrimSpace(event.PartitionKey), ":")
		sessionID = strings.TrimSpace(event.SessionID)
	}
	letter := entities.DeadLetter{
		VoteID:         voteID,
		SessionID:      sessionID,
		FallbackChoice: request.OptimisticChoice,
		Reason:         "validator " + w.ValidatorID + ": " + cause.Error(),
		Attempts:       request.Attempt + 1,
		RecordedAt:     now,
	}
	if err := w.Ledger.AppendDeadLetter(ctx, letter); err != nil {
		return domainerrors.NewConstitutional("dead letter append", err)
	}

	eventID, err := w.IDGen.NewID(ctx)
	if err != nil {
		return err
	}
	envelope, err := newPipelineEnvelope(
		eventID,
		"vote.deadlettered",
		sessionID,
		voteID,
		"vote_id",
		now,
		map[string]any{
			"vote_id":         letter.VoteID,
			"session_id":      letter.SessionID,
			"fallback_choice": letter.FallbackChoice,
			"reason":          letter.Reason,
			"attempts":        letter.Attempts,
			"recorded_at":     now.Format(time.RFC3339Nano),
		},
	)
	if err != nil {
		return err
	}
	if err := w.Publisher.Publish(ctx, application.TopicDeadLetter, envelope); err != nil {
		return err
	}
	logger.Warn("vote dead-lettered by validator worker",
		"event", "validation_worker_dead_lettered",
		"module", "deliberation/validation-pipeline",
		"layer", "worker",
		"validator_id", w.ValidatorID,
		"vote_id", letter.VoteID,
		"session_id", letter.SessionID,
		"reason", letter.Reason,
	)
	return nil
}

func decodeValidationRequest(event ports.EventEnvelope) (entities.ValidationRequest, error) {
	var payload struct {
		VoteID           string `json:"vote_id"`
		SessionID        string `json:"session_id"`
		ValidatorID      string `json:"validator_id"`
		OptimisticChoice string `json:"optimistic_choice"`
		Attempt          int    `json:"attempt"`
		RequestedAt      string `json:"requested_at"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return entities.ValidationRequest{}, err
	}
	if strings.TrimSpace(payload.VoteID) == "" || strings.TrimSpace(payload.ValidatorID) == "" {
		return entities.ValidationRequest{}, domainerrors.ErrMalformedVote
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, payload.RequestedAt)
	if err != nil {
		requestedAt = event.OccurredAt
	}
	return entities.ValidationRequest{
		VoteID:           strings.TrimSpace(payload.VoteID),
		SessionID:        strings.TrimSpace(payload.SessionID),
		ValidatorID:      strings.TrimSpace(payload.ValidatorID),
		OptimisticChoice: strings.TrimSpace(payload.OptimisticChoice),
		Attempt:          payload.Attempt,
		RequestedAt:      requestedAt,
	}, nil
}

func (w ValidatorWorker) now() time.Time {
	now := time.Now().UTC()
	if w.Clock != nil {
		now = w.Clock.Now().UTC()
	}
	return now
}

func (w ValidatorWorker) dedupTTL() time.Duration {
	if w.DedupTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return w.DedupTTL
}
