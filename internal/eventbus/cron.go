package eventbus

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSpec is a parsed standard 5-field cron expression.
type CronSpec struct {
	sched cron.Schedule
	expr  string
}

// ParseCron parses minute hour day-of-month month day-of-week.
func ParseCron(expr string) (*CronSpec, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &CronSpec{sched: sched, expr: expr}, nil
}

// Next returns the first firing time strictly after t.
func (c *CronSpec) Next(t time.Time) time.Time { return c.sched.Next(t) }

// String returns the original expression.
func (c *CronSpec) String() string { return c.expr }
