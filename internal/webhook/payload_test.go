package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildPayload(t *testing.T) {
	at := time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)
	p := BuildPayload(
		TaskSummary{ID: "task-1", Name: "RTX watch", SearchQuery: "RTX 5090", ConditionDescription: "announced"},
		"exec-1",
		"success",
		true,
		"NVIDIA announced launch",
		[]GroundingSource{{URL: "https://nvidia.com", Title: "nvidia.com"}},
		at,
	)

	assert.Equal(t, EventTaskConditionMet, p.Event)
	assert.Equal(t, "task-1", p.Task.ID)
	assert.Equal(t, "exec-1", p.Execution.ID)
	assert.True(t, p.Execution.ConditionMet)
	assert.Equal(t, "2024-02-10T09:00:00Z", p.Timestamp)
	assert.Len(t, p.Execution.GroundingSources, 1)
}
