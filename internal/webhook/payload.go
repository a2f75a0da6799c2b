package webhook

import "time"

// TaskSummary is the task-shaped fragment of an outbound webhook payload.
type TaskSummary struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	SearchQuery          string `json:"search_query"`
	ConditionDescription string `json:"condition_description"`
}

// ExecutionSummary is the execution-shaped fragment of an outbound webhook
// payload.
type ExecutionSummary struct {
	ID               string             `json:"id"`
	Status           string             `json:"status"`
	ConditionMet     bool               `json:"condition_met"`
	ChangeSummary    string             `json:"change_summary"`
	GroundingSources []GroundingSource  `json:"grounding_sources"`
}

// GroundingSource is a single cited source in an agent response.
type GroundingSource struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Payload is the exact JSON body sent to a webhook recipient.
type Payload struct {
	Event     string           `json:"event"`
	Task      TaskSummary      `json:"task"`
	Execution ExecutionSummary `json:"execution"`
	Timestamp string           `json:"timestamp"`
}

// EventTaskConditionMet is the only event type currently emitted.
const EventTaskConditionMet = "task.condition_met"

// BuildPayload constructs the webhook payload for a successful execution
// that produced a notification, grounded on activities.py's
// build_webhook_payload.
func BuildPayload(task TaskSummary, executionID, status string, conditionMet bool, changeSummary string, sources []GroundingSource, at time.Time) Payload {
	return Payload{
		Event: EventTaskConditionMet,
		Task:  task,
		Execution: ExecutionSummary{
			ID:               executionID,
			Status:           status,
			ConditionMet:     conditionMet,
			ChangeSummary:    changeSummary,
			GroundingSources: sources,
		},
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}
