package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNextCronFireTime_DailyAtNine is literal boundary case:
// "0 9 * * *" evaluated at 2024-02-10T08:59:59Z yields next-run 09:00:00Z
// same day.
func TestNextCronFireTime_DailyAtNine(t *testing.T) {
	from := time.Date(2024, 2, 10, 8, 59, 59, 0, time.UTC)
	next, err := nextCronFireTime("0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextCronFireTime_RollsToNextDayOncePassed(t *testing.T) {
	from := time.Date(2024, 2, 10, 9, 0, 1, 0, time.UTC)
	next, err := nextCronFireTime("0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 11, 9, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextCronFireTime_InvalidExpression(t *testing.T) {
	_, err := nextCronFireTime("not a cron expr", time.Now())
	require.Error(t, err)
}

func TestIsTaskTag(t *testing.T) {
	assert.True(t, isTaskTag("task-abc123"))
	assert.False(t, isTaskTag("reap-stale-executions"))
	assert.False(t, isTaskTag("task-"))
	assert.False(t, isTaskTag(""))
}
