package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	application "conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/application/commands"
	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	domainerrors "conclave/contexts/deliberation/validation-pipeline/domain/errors"
	"conclave/contexts/deliberation/validation-pipeline/ports"
)

// AggregatorConsumerGroup names the aggregator's consumer group. The
// reconciliation gate scopes its lag check to these exported names.
const AggregatorConsumerGroup = "consensus-aggregator-cg"

// voteState is the working aggregation state for one unresolved vote.
// results holds the latest result per validator; results are a set, never a
// sequence, because no ordering holds across validators.
type voteState struct {
	optimistic  string
	attempt     int
	seenPending bool
	results     map[string]entities.ValidationResult
}

// ConsensusAggregator consumes all validator results, tracks per-vote
// agreement, and decides AGREED / DISAGREED-RETRY / DISAGREED-EXHAUSTED.
//
// The aggregator is a singleton: exactly one logical instance aggregates a
// session at a time. Its in-memory state is never the source of truth: it is
// rebuilt from scratch on every start by replaying the log filtered to the
// active session, so crash-restart is the only failover mechanism needed.
type ConsensusAggregator struct {
	Subscriber    ports.EventSubscriber
	Replayer      ports.LogReplayer
	Publisher     ports.EventPublisher
	Ledger        ports.AuditLedger
	Clock         ports.Clock
	IDGen         ports.IDGenerator
	SessionID     string
	Validators    []string
	MaxRetries    int
	ConsumerGroup string
	Logger        *slog.Logger

	mu           sync.Mutex
	pending      map[string]*voteState
	complete     map[string]entities.OutcomeStatus
	validated    int
	deadLettered int
	replayed     bool
}

// Start rebuilds state by session-filtered replay, then attaches the live
// subscriptions. Replay must run first: live consumption from the earliest
// offset re-delivers history, and the completed set is what makes that
// re-application a no-op.
func (a *ConsensusAggregator) Start(ctx context.Context) error {
	if err := a.Replay(ctx); err != nil {
		return err
	}
	logger := application.ResolveLogger(a.Logger)
	group := strings.TrimSpace(a.ConsumerGroup)
	if group == "" {
		group = AggregatorConsumerGroup
	}
	for _, topic := range []string{
		application.TopicPendingValidation,
		application.TopicValidationResults,
		application.TopicDeadLetter,
	} {
		if err := a.Subscriber.Subscribe(ctx, topic, group, a.handleEvent); err != nil {
			logger.Error("aggregator subscribe failed",
				"event", "consensus_aggregator_subscribe_failed",
				"module", "deliberation/validation-pipeline",
				"layer", "worker",
				"topic", topic,
				"consumer_group", group,
				"error", err.Error(),
			)
			return err
		}
	}
	logger.Info("consensus aggregator subscriptions active",
		"event", "consensus_aggregator_started",
		"module", "deliberation/validation-pipeline",
		"layer", "worker",
		"session_id", a.SessionID,
		"consumer_group", group,
		"validator_count", len(a.Validators),
	)
	return nil
}

// Replay rebuilds aggregation state from the retained log, skipping every
// record whose session attribute differs from the active session. Unbounded,
// unfiltered replay would pollute live state with stale sessions. Terminal
// topics replay first so completed votes short-circuit result application.
func (a *ConsensusAggregator) Replay(ctx context.Context) error {
	logger := application.ResolveLogger(a.Logger)
	a.mu.Lock()
	a.pending = make(map[string]*voteState)
	a.complete = make(map[string]entities.OutcomeStatus)
	a.validated = 0
	a.deadLettered = 0
	a.replayed = false
	a.mu.Unlock()

	for _, topic := range []string{application.TopicValidated, application.TopicDeadLetter} {
		if err := a.Replayer.Replay(ctx, topic, func(event ports.EventEnvelope) error {
			return a.handleEvent(ctx, event)
		}); err != nil {
			return err
		}
	}
	for _, topic := range []string{application.TopicPendingValidation, application.TopicValidationResults} {
		if err := a.Replayer.Replay(ctx, topic, func(event ports.EventEnvelope) error {
			return a.handleEvent(ctx, event)
		}); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.replayed = true
	pendingCount := len(a.pending)
	completeCount := len(a.complete)
	a.mu.Unlock()

	logger.Info("aggregator state rebuilt from log replay",
		"event", "consensus_aggregator_replayed",
		"module", "deliberation/validation-pipeline",
		"layer", "worker",
		"session_id", a.SessionID,
		"pending_votes", pendingCount,
		"complete_votes", completeCount,
	)
	return nil
}

// handleEvent routes any pipeline record to its application function.
// Records from other sessions are skipped, and applying the same record
// twice leaves state unchanged.
func (a *ConsensusAggregator) handleEvent(ctx context.Context, event ports.EventEnvelope) error {
	if strings.TrimSpace(event.SessionID) != strings.TrimSpace(a.SessionID) {
		return nil
	}
	switch event.EventType {
	case "vote.pending":
		return a.applyPending(ctx, event)
	case "validation.result":
		return a.applyResult(ctx, event)
	case "vote.validated", "vote.deadlettered":
		return a.applyTerminal(event)
	default:
		return nil
	}
}

func (a *ConsensusAggregator) applyPending(ctx context.Context, event ports.EventEnvelope) error {
	vote, err := decodePendingVote(event)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, done := a.complete[vote.VoteID]; done {
		return nil
	}
	vs := a.ensureVote(vote.VoteID)
	if !vs.seenPending || vote.AttemptCount >= vs.attempt {
		vs.attempt = vote.AttemptCount
		vs.optimistic = vote.OptimisticChoice
		vs.seenPending = true
	}
	return a.evaluateLocked(ctx, vote.VoteID, vs)
}

func (a *ConsensusAggregator) applyResult(ctx context.Context, event ports.EventEnvelope) error {
	var payload struct {
		VoteID          string `json:"vote_id"`
		SessionID       string `json:"session_id"`
		ValidatorID     string `json:"validator_id"`
		ValidatedChoice string `json:"validated_choice"`
		Attempt         int    `json:"attempt"`
		ResultAt        string `json:"result_at"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return err
	}
	resultAt, err := time.Parse(time.RFC3339Nano, payload.ResultAt)
	if err != nil {
		resultAt = event.OccurredAt
	}
	result := entities.ValidationResult{
		VoteID:          strings.TrimSpace(payload.VoteID),
		SessionID:       strings.TrimSpace(payload.SessionID),
		ValidatorID:     strings.TrimSpace(payload.ValidatorID),
		ValidatedChoice: strings.TrimSpace(payload.ValidatedChoice),
		Attempt:         payload.Attempt,
		ResultAt:        resultAt,
	}

	logger := application.ResolveLogger(a.Logger)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, done := a.complete[result.VoteID]; done {
		logger.Debug("result for completed vote skipped",
			"event", "consensus_aggregator_duplicate_skipped",
			"module", "deliberation/validation-pipeline",
			"layer", "worker",
			"vote_id", result.VoteID,
			"validator_id", result.ValidatorID,
			"attempt", result.Attempt,
		)
		return nil
	}
	vs := a.ensureVote(result.VoteID)
	existing, ok := vs.results[result.ValidatorID]
	if ok && (existing.Attempt > result.Attempt ||
		(existing.Attempt == result.Attempt && !existing.ResultAt.Before(result.ResultAt))) {
		// Stale or re-delivered result; latest per validator already held.
		return nil
	}
	vs.results[result.ValidatorID] = result
	return a.evaluateLocked(ctx, result.VoteID, vs)
}

// applyTerminal folds an already-decided outcome record into the completed
// set. During replay this is what makes re-application of results a no-op.
func (a *ConsensusAggregator) applyTerminal(event ports.EventEnvelope) error {
	var payload struct {
		VoteID string `json:"vote_id"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return err
	}
	voteID := strings.TrimSpace(payload.VoteID)
	if voteID == "" {
		voteID = strings.TrimSpace(event.PartitionKey)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, done := a.complete[voteID]; done {
		return nil
	}
	status := entities.OutcomeStatusValidated
	if event.EventType == "vote.deadlettered" {
		status = entities.OutcomeStatusDeadLettered
	}
	a.complete[voteID] = status
	delete(a.pending, voteID)
	if status == entities.OutcomeStatusValidated {
		a.validated++
	} else {
		a.deadLettered++
	}
	return nil
}

func (a *ConsensusAggregator) ensureVote(voteID string) *voteState {
	if a.pending == nil {
		a.pending = make(map[string]*voteState)
	}
	if a.complete == nil {
		a.complete = make(map[string]entities.OutcomeStatus)
	}
	vs, ok := a.pending[voteID]
	if !ok {
		vs = &voteState{results: make(map[string]entities.ValidationResult)}
		a.pending[voteID] = vs
	}
	return vs
}

// evaluateLocked decides the vote if every configured validator has reported
// for the current attempt. Unanimity of the latest results is the only
// AGREED condition; with three or more validators, anything short of
// unanimity is disagreement.
func (a *ConsensusAggregator) evaluateLocked(ctx context.Context, voteID string, vs *voteState) error {
	if !vs.seenPending {
		return nil
	}
	var agreed string
	unanimous := true
	for i, validatorID := range a.Validators {
		result, ok := vs.results[validatorID]
		if !ok || result.Attempt < vs.attempt {
			return nil
		}
		if i == 0 {
			agreed = result.ValidatedChoice
		} else if result.ValidatedChoice != agreed {
			unanimous = false
		}
	}
	if len(a.Validators) == 0 {
		return nil
	}

	if unanimous {
		return a.emitValidatedLocked(ctx, voteID, vs, agreed)
	}
	if vs.attempt >= a.maxRetries() {
		return a.emitDeadLetteredLocked(ctx, voteID, vs)
	}
	return a.redispatchLocked(ctx, voteID, vs)
}

func (a *ConsensusAggregator) emitValidatedLocked(ctx context.Context, voteID string, vs *voteState, choice string) error {
	logger := application.ResolveLogger(a.Logger)
	now := a.now()
	outcome := entities.ConsensusOutcome{
		VoteID:      voteID,
		SessionID:   a.SessionID,
		Status:      entities.OutcomeStatusValidated,
		FinalChoice: choice,
		Attempts:    vs.attempt + 1,
		DecidedAt:   now,
	}
	if err := a.Ledger.AppendOutcome(ctx, outcome); err != nil {
		return domainerrors.NewConstitutional("consensus outcome append", err)
	}

	eventID, err := a.IDGen.NewID(ctx)
	if err != nil {
		return err
	}
	envelope, err := newPipelineEnvelope(
		eventID,
		"vote.validated",
		a.SessionID,
		voteID,
		"vote_id",
		now,
		map[string]any{
			"vote_id":      voteID,
			"session_id":   a.SessionID,
			"status":       string(outcome.Status),
			"final_choice": outcome.FinalChoice,
			"attempts":     outcome.Attempts,
			"decided_at":   now.Format(time.RFC3339Nano),
		},
	)
	if err != nil {
		return err
	}
	if err := a.Publisher.Publish(ctx, application.TopicValidated, envelope); err != nil {
		return err
	}

	a.complete[voteID] = entities.OutcomeStatusValidated
	delete(a.pending, voteID)
	a.validated++
	logger.Info("vote validated by consensus",
		"event", "consensus_vote_validated",
		"module", "deliberation/validation-pipeline",
		"layer", "worker",
		"vote_id", voteID,
		"session_id", a.SessionID,
		"final_choice", choice,
		"attempts", outcome.Attempts,
	)
	return nil
}

// emitDeadLetteredLocked exhausts a disagreement: the optimistic choice
// becomes the fallback, counted apart from true validations. Both ledger
// appends are constitutional.
func (a *ConsensusAggregator) emitDeadLetteredLocked(ctx context.Context, voteID string, vs *voteState) error {
	logger := application.ResolveLogger(a.Logger)
	now := a.now()
	reason := fmt.Sprintf("validators disagreed after %d attempts", vs.attempt+1)
	outcome := entities.ConsensusOutcome{
		VoteID:    voteID,
		SessionID: a.SessionID,
		Status:    entities.OutcomeStatusDeadLettered,
		DLQReason: reason,
		Attempts:  vs.attempt + 1,
		DecidedAt: now,
	}
	if err := a.Ledger.AppendOutcome(ctx, outcome); err != nil {
		return domainerrors.NewConstitutional("consensus outcome append", err)
	}
	letter := entities.DeadLetter{
		VoteID:         voteID,
		SessionID:      a.SessionID,
		FallbackChoice: vs.optimistic,
		Reason:         reason,
		Attempts:       vs.attempt + 1,
		RecordedAt:     now,
	}
	if err := a.Ledger.AppendDeadLetter(ctx, letter); err != nil {
		return domainerrors.NewConstitutional("dead letter append", err)
	}

	eventID, err := a.IDGen.NewID(ctx)
	if err != nil {
		return err
	}
	envelope, err := newPipelineEnvelope(
		eventID,
		"vote.deadlettered",
		a.SessionID,
		voteID,
		"vote_id",
		now,
		map[string]any{
			"vote_id":         voteID,
			"session_id":      a.SessionID,
			"fallback_choice": letter.FallbackChoice,
			"reason":          reason,
			"attempts":        letter.Attempts,
			"recorded_at":     now.Format(time.RFC3339Nano),
		},
	)
	if err != nil {
		return err
	}
	if err := a.Publisher.Publish(ctx, application.TopicDeadLetter, envelope); err != nil {
		return err
	}

	a.complete[voteID] = entities.OutcomeStatusDeadLettered
	delete(a.pending, voteID)
	a.deadLettered++
	logger.Warn("vote dead-lettered after retry exhaustion",
		"event", "consensus_vote_dead_lettered",
		"module", "deliberation/validation-pipeline",
		"layer", "worker",
		"vote_id", voteID,
		"session_id", a.SessionID,
		"fallback_choice", letter.FallbackChoice,
		"attempts", letter.Attempts,
	)
	return nil
}

// redispatchLocked republishes the pending record with an incremented
// attempt so the retry follows the identical delivery path as the first
// attempt and stays visible in the log.
func (a *ConsensusAggregator) redispatchLocked(ctx context.Context, voteID string, vs *voteState) error {
	logger := application.ResolveLogger(a.Logger)
	now := a.now()
	vote := entities.PendingVote{
		VoteID:           voteID,
		SessionID:        a.SessionID,
		OptimisticChoice: vs.optimistic,
		AttemptCount:     vs.attempt + 1,
		PublishedAt:      now,
	}
	eventID, err := a.IDGen.NewID(ctx)
	if err != nil {
		return err
	}
	envelope, err := newPipelineEnvelope(
		eventID,
		"vote.pending",
		a.SessionID,
		voteID,
		"vote_id",
		now,
		commands.PendingVotePayload(vote),
	)
	if err != nil {
		return err
	}
	if err := a.Publisher.Publish(ctx, application.TopicPendingValidation, envelope); err != nil {
		return err
	}

	vs.attempt = vote.AttemptCount
	logger.Info("vote re-dispatched after validator disagreement",
		"event", "consensus_vote_redispatched",
		"module", "deliberation/validation-pipeline",
		"layer", "worker",
		"vote_id", voteID,
		"session_id", a.SessionID,
		"attempt", vote.AttemptCount,
	)
	return nil
}

// Snapshot reports the aggregator's working counters. The log, not this
// snapshot, is the source of truth; the reconciliation gate reads the log.
type AggregatorSnapshot struct {
	PendingVotes  int
	CompleteVotes int
	Validated     int
	DeadLettered  int
	Replayed      bool
}

func (a *ConsensusAggregator) Snapshot() AggregatorSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AggregatorSnapshot{
		PendingVotes:  len(a.pending),
		CompleteVotes: len(a.complete),
		Validated:     a.validated,
		DeadLettered:  a.deadLettered,
		Replayed:      a.replayed,
	}
}

func (a *ConsensusAggregator) maxRetries() int {
	if a.MaxRetries <= 0 {
		return 3
	}
	return a.MaxRetries
}

func (a *ConsensusAggregator) now() time.Time {
	now := time.Now().UTC()
	if a.Clock != nil {
		now = a.Clock.Now().UTC()
	}
	return now
}
