package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field UTC cron expressions expected for
// Task.Schedule.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronFireTime computes expr's next fire time strictly after from,
// standalone from gocron's internal scheduling state — used to keep
// tasks.next_run populated for bare-cron tasks without depending on
// gocron exposing its own computed schedule.
func nextCronFireTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}
