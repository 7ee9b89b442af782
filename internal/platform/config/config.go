package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName  string
	PostgresDSN  string
	KafkaBrokers []string

	SessionID            string
	ValidatorIDs         []string
	MaxValidationRetries int
	RetryBackoffBase     time.Duration
	ValidatorTimeout     time.Duration
	ReconcilePoll        time.Duration
	DedupTTL             time.Duration

	EnableDispatchConsumer  bool
	EnableValidatorWorkers  bool
	EnableConsensusReplayer bool
}

func Load() (Config, error) {
	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "conclave"
	}

	var brokers []string
	for _, value := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		value = strings.TrimSpace(value)
		if value != "" {
			brokers = append(brokers, value)
		}
	}
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	var validators []string
	for _, value := range strings.Split(os.Getenv("VALIDATOR_IDS"), ",") {
		value = strings.TrimSpace(value)
		if value != "" {
			validators = append(validators, value)
		}
	}

	return Config{
		ServiceName:  service,
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		KafkaBrokers: brokers,

		SessionID:            strings.TrimSpace(os.Getenv("SESSION_ID")),
		ValidatorIDs:         validators,
		MaxValidationRetries: envInt("MAX_VALIDATION_RETRIES", 3),
		RetryBackoffBase:     envDuration("RETRY_BACKOFF_BASE", time.Second),
		ValidatorTimeout:     envDuration("VALIDATOR_TIMEOUT", 30*time.Second),
		ReconcilePoll:        envDuration("RECONCILE_POLL_INTERVAL", 500*time.Millisecond),
		DedupTTL:             envDuration("EVENT_DEDUP_TTL", 7*24*time.Hour),

		EnableDispatchConsumer:  envBool("ENABLE_DISPATCH_CONSUMER", true),
		EnableValidatorWorkers:  envBool("ENABLE_VALIDATOR_WORKERS", true),
		EnableConsensusReplayer: envBool("ENABLE_CONSENSUS_REPLAYER", true),
	}, nil
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
