package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// MinInterval is the shortest repeat interval accepted.
const MinInterval = time.Second

// Schedule is how often a recurring job fires. Interval values are
// milliseconds; cron values are standard five-field expressions.
type Schedule struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Timezone string `json:"timezone,omitempty"`
}

// CronSpec renders the schedule in the notation the periodic task manager
// understands and checks that it parses.
func (s Schedule) CronSpec() (string, error) {
	var spec string
	switch s.Type {
	case ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(s.Value), 10, 64)
		if err != nil {
			return "", invalid("interval must be milliseconds: %q", s.Value)
		}
		d := time.Duration(ms) * time.Millisecond
		if d < MinInterval {
			return "", invalid("interval must be at least %s", MinInterval)
		}
		spec = "@every " + d.String()
	case ScheduleCron:
		expr := strings.TrimSpace(s.Value)
		if expr == "" {
			return "", invalid("cron expression is empty")
		}
		if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
			return "", invalid("set the timezone field instead of a TZ prefix")
		}
		spec = expr
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return "", invalid("unknown timezone %q", s.Timezone)
			}
			spec = "CRON_TZ=" + s.Timezone + " " + expr
		}
	default:
		return "", invalid("unknown schedule type %q", s.Type)
	}

	if _, err := cron.ParseStandard(spec); err != nil {
		return "", invalid("bad schedule %q: %v", spec, err)
	}
	return spec, nil
}

// NextRun previews the first firing after t.
func NextRun(spec string, t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse schedule: %w", err)
	}
	return sched.Next(t), nil
}
