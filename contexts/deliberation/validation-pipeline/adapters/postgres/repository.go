package postgresadapter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"conclave/contexts/deliberation/validation-pipeline/domain/entities"
	"conclave/contexts/deliberation/validation-pipeline/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the gorm-backed audit ledger. Every method appends; rows are
// never updated or deleted, which is what makes replay-driven recovery safe.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type validationResultModel struct {
	ID              string    `gorm:"column:id;primaryKey"`
	VoteID          string    `gorm:"column:vote_id"`
	SessionID       string    `gorm:"column:session_id"`
	ValidatorID     string    `gorm:"column:validator_id"`
	ValidatedChoice string    `gorm:"column:validated_choice"`
	Attempt         int       `gorm:"column:attempt"`
	ResultAt        time.Time `gorm:"column:result_at"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (validationResultModel) TableName() string { return "validation_results" }

type consensusOutcomeModel struct {
	ID          string    `gorm:"column:id;primaryKey"`
	VoteID      string    `gorm:"column:vote_id"`
	SessionID   string    `gorm:"column:session_id"`
	Status      string    `gorm:"column:status"`
	FinalChoice string    `gorm:"column:final_choice"`
	DLQReason   string    `gorm:"column:dlq_reason"`
	Attempts    int       `gorm:"column:attempts"`
	DecidedAt   time.Time `gorm:"column:decided_at"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (consensusOutcomeModel) TableName() string { return "consensus_outcomes" }

type deadLetterModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	VoteID         string    `gorm:"column:vote_id"`
	SessionID      string    `gorm:"column:session_id"`
	FallbackChoice string    `gorm:"column:fallback_choice"`
	Reason         string    `gorm:"column:reason"`
	Attempts       int       `gorm:"column:attempts"`
	RecordedAt     time.Time `gorm:"column:recorded_at"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (deadLetterModel) TableName() string { return "dead_letters" }

// AppendResult retains one row per (vote, validator, attempt). Re-delivered
// appends hit the unique index and are treated as already-written, keeping
// the append idempotent under at-least-once delivery.
func (r *Repository) AppendResult(ctx context.Context, result entities.ValidationResult) error {
	row := validationResultModel{
		ID:              uuid.NewString(),
		VoteID:          strings.TrimSpace(result.VoteID),
		SessionID:       strings.TrimSpace(result.SessionID),
		ValidatorID:     strings.TrimSpace(result.ValidatorID),
		ValidatedChoice: result.ValidatedChoice,
		Attempt:         result.Attempt,
		ResultAt:        result.ResultAt.UTC(),
		CreatedAt:       time.Now().UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vote_id"}, {Name: "validator_id"}, {Name: "attempt"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		if isUniqueViolation(create.Error) {
			return nil
		}
		return r.logError("ledger_append_result_failed", create.Error,
			"vote_id", row.VoteID,
			"validator_id", row.ValidatorID,
			"attempt", row.Attempt,
		)
	}
	return nil
}

func (r *Repository) AppendOutcome(ctx context.Context, outcome entities.ConsensusOutcome) error {
	row := consensusOutcomeModel{
		ID:          uuid.NewString(),
		VoteID:      strings.TrimSpace(outcome.VoteID),
		SessionID:   strings.TrimSpace(outcome.SessionID),
		Status:      string(outcome.Status),
		FinalChoice: outcome.FinalChoice,
		DLQReason:   outcome.DLQReason,
		Attempts:    outcome.Attempts,
		DecidedAt:   outcome.DecidedAt.UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return r.logError("ledger_append_outcome_failed", err,
			"vote_id", row.VoteID,
			"session_id", row.SessionID,
			"status", row.Status,
		)
	}
	return nil
}

func (r *Repository) AppendDeadLetter(ctx context.Context, letter entities.DeadLetter) error {
	row := deadLetterModel{
		ID:             uuid.NewString(),
		VoteID:         strings.TrimSpace(letter.VoteID),
		SessionID:      strings.TrimSpace(letter.SessionID),
		FallbackChoice: letter.FallbackChoice,
		Reason:         letter.Reason,
		Attempts:       letter.Attempts,
		RecordedAt:     letter.RecordedAt.UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return r.logError("ledger_append_dead_letter_failed", err,
			"vote_id", row.VoteID,
			"session_id", row.SessionID,
		)
	}
	return nil
}

func (r *Repository) ListOutcomesBySession(ctx context.Context, sessionID string) ([]entities.ConsensusOutcome, error) {
	var rows []consensusOutcomeModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Order("decided_at asc").
		Find(&rows).
		Error
	if err != nil {
		return nil, r.logError("ledger_list_outcomes_failed", err, "session_id", strings.TrimSpace(sessionID))
	}
	outcomes := make([]entities.ConsensusOutcome, 0, len(rows))
	for _, row := range rows {
		outcomes = append(outcomes, entities.ConsensusOutcome{
			VoteID:      row.VoteID,
			SessionID:   row.SessionID,
			Status:      entities.OutcomeStatus(row.Status),
			FinalChoice: row.FinalChoice,
			DLQReason:   row.DLQReason,
			Attempts:    row.Attempts,
			DecidedAt:   row.DecidedAt,
		})
	}
	return outcomes, nil
}

func (r *Repository) ListDeadLettersBySession(ctx context.Context, sessionID string) ([]entities.DeadLetter, error) {
	var rows []deadLetterModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Order("recorded_at asc").
		Find(&rows).
		Error
	if err != nil {
		return nil, r.logError("ledger_list_dead_letters_failed", err, "session_id", strings.TrimSpace(sessionID))
	}
	letters := make([]entities.DeadLetter, 0, len(rows))
	for _, row := range rows {
		letters = append(letters, entities.DeadLetter{
			VoteID:         row.VoteID,
			SessionID:      row.SessionID,
			FallbackChoice: row.FallbackChoice,
			Reason:         row.Reason,
			Attempts:       row.Attempts,
			RecordedAt:     row.RecordedAt,
		})
	}
	return letters, nil
}

func (r *Repository) logError(event string, err error, args ...any) error {
	fields := append([]any{
		"event", event,
		"module", "deliberation/validation-pipeline",
		"layer", "adapter",
		"error", err.Error(),
	}, args...)
	r.logger.Error("validation ledger operation failed", fields...)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SystemClock satisfies the Clock port with wall time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// UUIDGenerator satisfies the IDGenerator port.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

var _ ports.AuditLedger = (*Repository)(nil)
