package commands

import (
	"encoding/json"
	"time"

	"conclave/contexts/deliberation/validation-pipeline/ports"
)

// newPipelineEnvelope builds canonical envelopes for command-produced
// records. Callers pass the partition key path explicitly because it varies
// by topic.
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
