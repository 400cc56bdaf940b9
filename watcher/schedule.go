package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/deepnoodle-ai/relay/automation"
)

// scheduleSource fires trigger events on a cron expression or a fixed
// interval. Cron evaluation happens in the trigger's timezone.
type scheduleSource struct {
	trigger  *automation.ScheduleTrigger
	location *time.Location
	interval time.Duration
}

func newScheduleSource(trigger *automation.ScheduleTrigger) (*scheduleSource, error) {
	src := &scheduleSource{trigger: trigger, location: time.Local}
	if trigger.Timezone != "" {
		loc, err := time.LoadLocation(trigger.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", trigger.Timezone, err)
		}
		src.location = loc
	}
	if trigger.Cron != "" {
		if !gronx.New().IsValid(trigger.Cron) {
			return nil, fmt.Errorf("invalid cron expression %q", trigger.Cron)
		}
		return src, nil
	}
	interval, err := intervalDuration(trigger.IntervalValue, trigger.IntervalUnit)
	if err != nil {
		return nil, err
	}
	src.interval = interval
	return src, nil
}

func intervalDuration(value int, unit string) (time.Duration, error) {
	if value <= 0 {
		return 0, fmt.Errorf("interval value must be positive")
	}
	switch unit {
	case "minutes":
		return time.Duration(value) * time.Minute, nil
	case "hours":
		return time.Duration(value) * time.Hour, nil
	case "days":
		return time.Duration(value) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown interval unit %q", unit)
}

func (s *scheduleSource) run(ctx context.Context, emit func(*automation.TriggerEvent)) error {
	if s.trigger.Cron != "" {
		return s.runCron(ctx, emit)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			emit(s.event(now))
		}
	}
}

func (s *scheduleSource) runCron(ctx context.Context, emit func(*automation.TriggerEvent)) error {
	for {
		now := time.Now().In(s.location)
		next, err := gronx.NextTickAfter(s.trigger.Cron, now, false)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
			emit(s.event(next))
		}
	}
}

func (s *scheduleSource) event(at time.Time) *automation.TriggerEvent {
	return automation.NewTriggerEvent(automation.TriggerSchedule, map[string]any{
		"id":           fmt.Sprintf("schedule-%d", at.Unix()),
		"scheduled_at": at.Format(time.RFC3339),
	})
}
