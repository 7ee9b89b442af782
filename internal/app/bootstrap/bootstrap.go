package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	validationpipeline "conclave/contexts/deliberation/validation-pipeline"
	"conclave/contexts/deliberation/validation-pipeline/adapters/memory"
	postgresadapter "conclave/contexts/deliberation/validation-pipeline/adapters/postgres"
	"conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/ports"
	"conclave/internal/platform/config"
	"conclave/internal/platform/db"
	"conclave/internal/platform/messaging"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type WorkerApp struct {
	cfg      config.Config
	kafka    *messaging.Kafka
	postgres *db.Postgres
	module   validationpipeline.Module
	logger   *slog.Logger
}

// BuildWorker wires the full pipeline daemon. The validator capability is
// supplied by the surrounding system; a nil invoker falls back to the
// optimistic confirmation adapter until that integration lands.
func BuildWorker(invoker ports.ValidatorInvoker) (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("SESSION_ID is required")
	}
	if len(cfg.ValidatorIDs) == 0 {
		return nil, errors.New("VALIDATOR_IDS is required")
	}
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	kafka, err := messaging.NewKafka(cfg.KafkaBrokers, logger)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}
	for _, topic := range []string{
		application.TopicPendingValidation,
		application.TopicValidationResults,
		application.TopicDeadLetter,
	} {
		if err := kafka.EnsureTopic(topic, false); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}
	if err := kafka.EnsureTopic(application.TopicValidated, true); err != nil {
		_ = pg.Close()
		return nil, err
	}
	for _, validatorID := range cfg.ValidatorIDs {
		if err := kafka.EnsureTopic(application.RequestTopic(validatorID), false); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}

	if invoker == nil {
		invoker = memory.OptimisticInvoker{}
	}
	ledger := postgresadapter.NewRepository(pg.DB, logger)
	dedup := memory.NewStore()
	module := validationpipeline.NewModule(validationpipeline.Dependencies{
		Publisher:        kafka,
		Subscriber:       kafka,
		Replayer:         kafka,
		Transport:        kafka,
		Ledger:           ledger,
		Dedup:            dedup,
		Invoker:          invoker,
		Clock:            postgresadapter.SystemClock{},
		IDGen:            postgresadapter.UUIDGenerator{},
		SessionID:        cfg.SessionID,
		ValidatorIDs:     cfg.ValidatorIDs,
		MaxRetries:       cfg.MaxValidationRetries,
		RetryBackoffBase: cfg.RetryBackoffBase,
		ValidatorTimeout: cfg.ValidatorTimeout,
		ReconcilePoll:    cfg.ReconcilePoll,
		DedupTTL:         cfg.DedupTTL,
		Logger:           logger,
	})

	return &WorkerApp{
		cfg:      cfg,
		kafka:    kafka,
		postgres: pg,
		module:   module,
		logger:   logger,
	}, nil
}

// Module exposes the caller boundary for embedding processes.
func (a *WorkerApp) Module() validationpipeline.Module {
	return a.module
}

// Run starts the pipeline workers and blocks until the process receives a
// termination signal. The aggregator starts last so its replay observes
// everything already retained.
func (a *WorkerApp) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.EnableDispatchConsumer {
		if err := a.module.DispatchConsumer.Start(ctx); err != nil {
			return err
		}
	}
	if a.cfg.EnableValidatorWorkers {
		for _, worker := range a.module.ValidatorWorkers {
			if err := worker.Start(ctx); err != nil {
				return err
			}
		}
	}
	if a.cfg.EnableConsensusReplayer {
		if err := a.module.Aggregator.Start(ctx); err != nil {
			return err
		}
	}

	a.logger.Info("validation pipeline worker running",
		"event", "worker_running",
		"module", "internal/app/bootstrap",
		"layer", "bootstrap",
		"session_id", a.cfg.SessionID,
		"validator_count", len(a.cfg.ValidatorIDs),
	)
	<-ctx.Done()
	a.logger.Info("validation pipeline worker stopping",
		"event", "worker_stopping",
		"module", "internal/app/bootstrap",
		"layer", "bootstrap",
	)
	return nil
}

func (a *WorkerApp) Close() error {
	if a == nil {
		return nil
	}
	if a.kafka != nil {
		a.kafka.Close()
	}
	return a.postgres.Close()
}
