package queries

import (
	"context"
	"log/slog"

	application "conclave/contexts/deliberation/validation-pipeline/application"
	"conclave/contexts/deliberation/validation-pipeline/ports"
)

// HealthUseCase reports transport health so the surrounding system can
// decide whether to route new votes through the async pipeline or fall back
// to the synchronous path.
type HealthUseCase struct {
	Health         ports.TransportHealth
	ConsumerGroups []string
	Logger         *slog.Logger
}

func (uc HealthUseCase) CheckHealth(ctx context.Context) (ports.HealthSnapshot, error) {
	logger := application.ResolveLogger(uc.Logger)
	snapshot, err := uc.Health.CheckHealth(ctx, uc.ConsumerGroups)
	if err != nil {
		logger.Error("transport health check failed",
			"event", "validation_health_check_failed",
			"module", "deliberation/validation-pipeline",
			"layer", "application",
			"error", err.Error(),
		)
		return ports.HealthSnapshot{}, err
	}
	if !snapshot.BrokerReachable || !snapshot.ConsumerGroupActive {
		logger.Warn("transport degraded; callers should use the sync fallback",
			"event", "validation_health_degraded",
			"module", "deliberation/validation-pipeline",
			"layer", "application",
			"broker_reachable", snapshot.BrokerReachable,
			"registry_reachable", snapshot.RegistryReachable,
			"consumer_group_active", snapshot.ConsumerGroupActive,
			"lag", snapshot.Lag,
		)
	}
	return snapshot, nil
}

// Usable reports whether the async path is safe for new votes.
func (uc HealthUseCase) Usable(ctx context.Context) bool {
	snapshot, err := uc.CheckHealth(ctx)
	if err != nil {
		return false
	}
	return snapshot.BrokerReachable && snapshot.RegistryReachable && snapshot.ConsumerGroupActive
}
