package application

// Topic layout for the validation pipeline. Pending and validated records key
// on vote_id; request and result records key on vote_id:validator_id so each
// validator's stream stays independently ordered.
const (
	TopicPendingValidation = "validation.pending"
	TopicValidationResults = "validation.results"
	TopicValidated         = "validation.validated"
	TopicDeadLetter        = "validation.deadletter"

	requestTopicPrefix = "validation.requests."
)

// RequestTopic names the per-validator request stream. Separate streams keep
// one validator's partition assignment from ever touching another's.
func RequestTopic(validatorID string) string {
	return requestTopicPrefix + validatorID
}
