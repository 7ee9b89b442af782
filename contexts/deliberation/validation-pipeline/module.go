package validationpipeline

import (
	"log/slog"
	"time"

	"conclave/contexts/deliberation/validation-pipeline/adapters/memory"
	"conclave/contexts/deliberation/validation-pipeline/application/commands"
	"conclave/contexts/deliberation/validation-pipeline/application/faults"
	"conclave/contexts/deliberation/validation-pipeline/application/queries"
	"conclave/contexts/deliberation/validation-pipeline/application/workers"
	"conclave/contexts/deliberation/validation-pipeline/ports"
)

// Module exposes the caller boundary (publish, reconcile, overrides, health)
// and the pipeline workers the daemon must start.
type Module struct {
	Publisher        commands.PublishUseCase
	Gate             queries.ReconciliationGate
	Health           queries.HealthUseCase
	DispatchConsumer workers.DispatchConsumer
	ValidatorWorkers []workers.ValidatorWorker
	Aggregator       *workers.ConsensusAggregator
	Store            *memory.Store
}

type Dependencies struct {
	Publisher  ports.EventPublisher
	Subscriber ports.EventSubscriber
	Replayer   ports.LogReplayer
	Transport  ports.TransportHealth
	Ledger     ports.AuditLedger
	Dedup      ports.EventDedupStore
	Invoker    ports.ValidatorInvoker
	Clock      ports.Clock
	IDGen      ports.IDGenerator

	SessionID        string
	ValidatorIDs     []string
	MaxRetries       int
	RetryBackoffBase time.Duration
	ValidatorTimeout time.Duration
	ReconcilePoll    time.Duration
	DedupTTL         time.Duration
	Logger           *slog.Logger
}

func NewModule(deps Dependencies) Module {
	dispatch := commands.DispatchUseCase{
		Log:        deps.Publisher,
		Validators: deps.ValidatorIDs,
		Clock:      deps.Clock,
		IDGen:      deps.IDGen,
		Logger:     deps.Logger,
	}
	retry := faults.RetryPolicy{
		BaseDelay:   deps.RetryBackoffBase,
		MaxAttempts: deps.MaxRetries,
	}

	validatorWorkers := make([]workers.ValidatorWorker, 0, len(deps.ValidatorIDs))
	consumerGroups := []string{workers.DispatchConsumerGroup, workers.AggregatorConsumerGroup}
	for _, validatorID := range deps.ValidatorIDs {
		validatorWorkers = append(validatorWorkers, workers.ValidatorWorker{
			Subscriber:    deps.Subscriber,
			Publisher:     deps.Publisher,
			Invoker:       deps.Invoker,
			Ledger:        deps.Ledger,
			Dedup:         deps.Dedup,
			Clock:         deps.Clock,
			IDGen:         deps.IDGen,
			ValidatorID:   validatorID,
			InvokeTimeout: deps.ValidatorTimeout,
			Retry:         retry,
			DedupTTL:      deps.DedupTTL,
			Logger:        deps.Logger,
		})
		consumerGroups = append(consumerGroups, workers.ValidatorConsumerGroup(validatorID))
	}

	return Module{
		Publisher: commands.PublishUseCase{
			Log:    deps.Publisher,
			Clock:  deps.Clock,
			IDGen:  deps.IDGen,
			Logger: deps.Logger,
		},
		Gate: queries.ReconciliationGate{
			Replayer:       deps.Replayer,
			Health:         deps.Transport,
			ConsumerGroups: consumerGroups,
			PollInterval:   deps.ReconcilePoll,
			Clock:          deps.Clock,
			Logger:         deps.Logger,
		},
		Health: queries.HealthUseCase{
			Health:         deps.Transport,
			ConsumerGroups: consumerGroups,
			Logger:         deps.Logger,
		},
		DispatchConsumer: workers.DispatchConsumer{
			Subscriber: deps.Subscriber,
			Dedup:      deps.Dedup,
			Dispatch:   dispatch,
			Clock:      deps.Clock,
			DedupTTL:   deps.DedupTTL,
			Logger:     deps.Logger,
		},
		ValidatorWorkers: validatorWorkers,
		Aggregator: &workers.ConsensusAggregator{
			Subscriber: deps.Subscriber,
			Replayer:   deps.Replayer,
			Publisher:  deps.Publisher,
			Ledger:     deps.Ledger,
			Clock:      deps.Clock,
			IDGen:      deps.IDGen,
			SessionID:  deps.SessionID,
			Validators: deps.ValidatorIDs,
			MaxRetries: deps.MaxRetries,
			Logger:     deps.Logger,
		},
	}
}

// InMemoryTransport is the slice of transport capabilities the in-memory
// module needs from a single adapter.
type InMemoryTransport interface {
	ports.EventPublisher
	ports.EventSubscriber
	ports.LogReplayer
	ports.TransportHealth
}

// NewInMemoryModule wires the module against the in-memory ledger with the
// optimistic invoker; the transport still comes from the caller so tests and
// local runs share the same wiring path.
func NewInMemoryModule(transport InMemoryTransport, sessionID string, validatorIDs []string, logger *slog.Logger) Module {
	store := memory.NewStore()
	module := NewModule(Dependencies{
		Publisher:        transport,
		Subscriber:       transport,
		Replayer:         transport,
		Transport:        transport,
		Ledger:           store,
		Dedup:            store,
		Invoker:          memory.OptimisticInvoker{},
		Clock:            store,
		IDGen:            store,
		SessionID:        sessionID,
		ValidatorIDs:     validatorIDs,
		MaxRetries:       3,
		RetryBackoffBase: 10 * time.Millisecond,
		ValidatorTimeout: 5 * time.Second,
		ReconcilePoll:    50 * time.Millisecond,
		DedupTTL:         24 * time.Hour,
		Logger:           logger,
	})
	module.Store = store
	return module
}
