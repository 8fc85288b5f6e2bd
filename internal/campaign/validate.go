package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"promobot/internal/domain"
	"promobot/internal/task/scheduler"
)

// ValidateCampaign checks everything Schedule needs before anything is
// saved or registered.
func ValidateCampaign(c domain.Campaign, loc *time.Location) error {
	if strings.TrimSpace(c.Template) == "" && len(c.Media) == 0 {
		return fmt.Errorf("%w: campaign %s has no content", domain.ErrInvalidSchedule, c.ID)
	}
	return ValidateSchedule(c.Schedule, loc)
}

func ValidateSchedule(sch domain.Schedule, loc *time.Location) error {
	if err := sch.Validate(); err != nil {
		return err
	}
	spec, ok, err := taskSpec(sch, loc)
	if err != nil || !ok {
		return err
	}
	if err := scheduler.Validate(spec); err != nil {
		if errors.Is(err, scheduler.ErrInvalidSpec) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidCron, err)
		}
		return err
	}
	return nil
}

// taskSpec returns the registry spec of a dedicated campaign task. ok is
// false for recurrences served by the shared sweeps.
//
// Monthly campaigns fire on the start day-of-month at the time of day, or
// at the start's clock time when none is set. Months without that day are
// skipped.
func taskSpec(sch domain.Schedule, loc *time.Location) (spec string, ok bool, err error) {
	switch sch.Recurrence {
	case domain.RecurCustom:
		// Campaign expressions are always cron, never intervals.
		expr := strings.TrimSpace(sch.Cron)
		if !strings.HasPrefix(strings.ToLower(expr), "cron:") {
			expr = "cron:" + expr
		}
		return expr, true, nil
	case domain.RecurMonthly:
		if loc == nil {
			loc = time.Local
		}
		start := sch.StartAt.In(loc)
		h, m := start.Hour(), start.Minute()
		if sch.TimeOfDay != "" {
			if h, m, err = domain.ParseHHMM(sch.TimeOfDay); err != nil {
				return "", false, fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
			}
		}
		return fmt.Sprintf("cron:%d %d %d * *", m, h, start.Day()), true, nil
	default:
		return "", false, nil
	}
}
