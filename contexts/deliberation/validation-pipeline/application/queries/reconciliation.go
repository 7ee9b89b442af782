package queries

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"

	application "conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	domainerrors "conclave/contexts/deliberation/validation-pipeline/domain/errors"
	"conclave/contexts/deliberation/validation-pipeline/ports"
)

// ReconciliationGate is the single synchronous choke point before session
// finalization. It blocks until every vote for the session is resolved and
// transport lag is zero, or fails fatally. Availability is deliberately
// sacrificed here: no session finalizes with unresolved or unobserved votes.
type ReconciliationGate struct {
	Replayer       ports.LogReplayer
	Health         ports.TransportHealth
	ConsumerGroups []string
	PollInterval   time.Duration
	Clock          ports.Clock
	Logger         *slog.Logger
}

// sessionTally is derived purely from the retained log so the gate never
// depends on any worker's in-memory state.
type sessionTally struct {
	published    map[string]struct{}
	validated    map[string]string
	deadLettered map[string]string
	optimistic   map[string]string
}

// AwaitAllValidations polls at a fixed interval until the session has no
// unresolved votes and no pipeline consumer group lags, or until timeout.
// On timeout with outstanding work it returns *ReconciliationIncompleteError;
// callers are forbidden from catching it and continuing; the only valid
// response is to halt session finalization.
func (g ReconciliationGate) AwaitAllValidations(
	ctx context.Context,
	sessionID string,
	timeout time.Duration,
) (entities.ReconciliationResult, error) {
	logger := application.ResolveLogger(g.Logger)
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return entities.ReconciliationResult{}, domainerrors.ErrSessionIDRequired
	}
	logger.Info("reconciliation wait started",
		"event", "reconciliation_wait_started",
		"module", "deliberation/validation-pipeline",
		"layer", "application",
		"session_id", sessionID,
		"timeout", timeout.String(),
	)

	deadline := g.now().Add(timeout)
	for {
		tally, err := g.tallySession(ctx, sessionID)
		if err != nil {
			return entities.ReconciliationResult{}, err
		}
		lag, err := g.pipelineLag(ctx)
		if err != nil {
			return entities.ReconciliationResult{}, err
		}

		result := entities.ReconciliationResult{
			SessionID:        sessionID,
			ValidatedCount:   len(tally.validated),
			DLQFallbackCount: len(tally.deadLettered),
			PendingCount:     tally.pendingCount(),
		}
		if result.PendingCount == 0 && lag == 0 {
			logger.Info("reconciliation complete",
				"event", "reconciliation_complete",
				"module", "deliberation/validation-pipeline",
				"layer", "application",
				"session_id", sessionID,
				"validated_count", result.ValidatedCount,
				"dlq_fallback_count", result.DLQFallbackCount,
			)
			return result, nil
		}

		if g.now().After(deadline) || ctx.Err() != nil {
			incomplete := &domainerrors.ReconciliationIncompleteError{
				SessionID:    sessionID,
				PendingCount: result.PendingCount,
				LagRecords:   lag,
			}
			logger.Error("reconciliation incomplete at timeout; session must not finalize",
				"event", "reconciliation_incomplete",
				"module", "deliberation/validation-pipeline",
				"layer", "application",
				"session_id", sessionID,
				"pending_count", result.PendingCount,
				"lag_records", lag,
			)
			return entities.ReconciliationResult{}, incomplete
		}

		if err := backoff.WaitContext(ctx, g.pollInterval()); err != nil {
			// Cancellation during the poll sleep is still an incomplete
			// reconciliation, not a silent exit.
			tallyNow := result.PendingCount
			return entities.ReconciliationResult{}, &domainerrors.ReconciliationIncompleteError{
				SessionID:    sessionID,
				PendingCount: tallyNow,
				LagRecords:   lag,
			}
		}
	}
}

// GetOverrides lists votes whose validated choice differs from the
// optimistic one; any downstream tally must be recomputed for these.
func (g ReconciliationGate) GetOverrides(ctx context.Context, sessionID string) ([]entities.Override, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domainerrors.ErrSessionIDRequired
	}
	tally, err := g.tallySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	overrides := make([]entities.Override, 0)
	for voteID, finalChoice := range tally.validated {
		optimistic, ok := tally.optimistic[voteID]
		if ok && optimistic != finalChoice {
			overrides = append(overrides, entities.Override{
				VoteID:      voteID,
				FinalChoice: finalChoice,
			})
		}
	}
	sort.Slice(overrides, func(i, j int) bool {
		return overrides[i].VoteID < overrides[j].VoteID
	})
	return overrides, nil
}

func (t sessionTally) pendingCount() int {
	pending := 0
	for voteID := range t.published {
		if _, ok := t.validated[voteID]; ok {
			continue
		}
		if _, ok := t.deadLettered[voteID]; ok {
			continue
		}
		pending++
	}
	return pending
}

func (g ReconciliationGate) tallySession(ctx context.Context, sessionID string) (sessionTally, error) {
	tally := sessionTally{
		published:    make(map[string]struct{}),
		validated:    make(map[string]string),
		deadLettered: make(map[string]string),
		optimistic:   make(map[string]string),
	}

	if err := g.Replayer.Replay(ctx, application.TopicPendingValidation, func(event ports.EventEnvelope) error {
		if strings.TrimSpace(event.SessionID) != sessionID {
			return nil
		}
		var payload struct {
			VoteID           string `json:"vote_id"`
			OptimisticChoice string `json:"optimistic_choice"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return err
		}
		voteID := strings.TrimSpace(payload.VoteID)
		tally.published[voteID] = struct{}{}
		tally.optimistic[voteID] = strings.TrimSpace(payload.OptimisticChoice)
		return nil
	}); err != nil {
		return sessionTally{}, err
	}

	if err := g.Replayer.Replay(ctx, application.TopicValidated, func(event ports.EventEnvelope) error {
		if strings.TrimSpace(event.SessionID) != sessionID {
			return nil
		}
		var payload struct {
			VoteID      string `json:"vote_id"`
			Status      string `json:"status"`
			FinalChoice string `json:"final_choice"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return err
		}
		if payload.Status != string(entities.OutcomeStatusValidated) {
			return nil
		}
		tally.validated[strings.TrimSpace(payload.VoteID)] = strings.TrimSpace(payload.FinalChoice)
		return nil
	}); err != nil {
		return sessionTally{}, err
	}

	if err := g.Replayer.Replay(ctx, application.TopicDeadLetter, func(event ports.EventEnvelope) error {
		if strings.TrimSpace(event.SessionID) != sessionID {
			return nil
		}
		var payload struct {
			VoteID         string `json:"vote_id"`
			FallbackChoice string `json:"fallback_choice"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return err
		}
		tally.deadLettered[strings.TrimSpace(payload.VoteID)] = strings.TrimSpace(payload.FallbackChoice)
		return nil
	}); err != nil {
		return sessionTally{}, err
	}

	return tally, nil
}

func (g ReconciliationGate) pipelineLag(ctx context.Context) (int64, error) {
	snapshot, err := g.Health.CheckHealth(ctx, g.ConsumerGroups)
	if err != nil {
		return 0, err
	}
	return snapshot.Lag, nil
}

func (g ReconciliationGate) now() time.Time {
	if g.Clock != nil {
		return g.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (g ReconciliationGate) pollInterval() time.Duration {
	if g.PollInterval <= 0 {
		return 500 * time.Millisecond
	}
	return g.PollInterval
}
