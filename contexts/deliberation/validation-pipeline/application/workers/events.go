package workers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"conclave/contexts/deliberation/validation-pipeline/ports"
)

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// newPipelineEnvelope builds canonical envelopes for worker-produced records.
// Workers pass the partition key path explicitly because it varies by topic.
func newPipelineEnvelope(
	eventID string,
	eventType string,
	sessionID string,
	partitionKey string,
	partitionKeyPath string,
	occurredAt time.Time,
	data map[string]any,
) (ports.EventEnvelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return ports.EventEnvelope{}, err
	}
	return ports.EventEnvelope{
		EventID:          eventID,
		EventType:        eventType,
		OccurredAt:       occurredAt.UTC(),
		SourceService:    "validation-pipeline",
		TraceID:          eventID,
		SchemaVersion:    1,
		SessionID:        sessionID,
		PartitionKeyPath: partitionKeyPath,
		PartitionKey:     partitionKey,
		Data:             payload,
	}, nil
}
