package recurrence

import (
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

// NextOccurrence computes the first occurrence of a template strictly after
// the given instant, in the given location. The second return value is false
// when the template produces no further occurrences, either because its
// recurrence rule is invalid or because its end date has passed.
//
// Monthly templates anchor on the day of month the template was created.
// Months too short for the anchor clamp to their last day, so a template
// created on the 31st fires on Feb 28 (or 29) rather than skipping February.
func NextOccurrence(tpl models.ScheduleTemplate, after time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	clock, err := storage.ParseClock(tpl.StartTime)
	if err != nil {
		return time.Time{}, false
	}
	local := after.In(loc)

	var next time.Time
	switch tpl.Recurrence {
	case models.RecurrenceOnce:
		// A one-off fires on its creation day at the configured time. A slot
		// already behind us produces nothing, never a rollover to tomorrow.
		next = atClock(tpl.CreatedAt.In(loc), clock)
		if !next.After(after) {
			return time.Time{}, false
		}
	case models.RecurrenceDaily:
		next = atClock(local, clock)
		if !next.After(after) {
			next = atClock(local.AddDate(0, 0, 1), clock)
		}
	case models.RecurrenceWeekly:
		days := make(map[int]struct{}, len(tpl.RecurrenceDays))
		for _, day := range tpl.RecurrenceDays {
			days[day] = struct{}{}
		}
		if len(days) == 0 {
			return time.Time{}, false
		}
		for offset := 0; offset <= 7; offset++ {
			day := local.AddDate(0, 0, offset)
			if _, match := days[int(day.Weekday())]; !match {
				continue
			}
			candidate := atClock(day, clock)
			if candidate.After(after) {
				next = candidate
				break
			}
		}
		if next.IsZero() {
			return time.Time{}, false
		}
	case models.RecurrenceMonthly:
		anchor := tpl.CreatedAt.In(loc).Day()
		next = atMonthDay(local.Year(), local.Month(), anchor, clock, loc)
		if !next.After(after) {
			// First of the next month, avoiding AddDate day normalization.
			firstOfNext := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)
			next = atMonthDay(firstOfNext.Year(), firstOfNext.Month(), anchor, clock, loc)
		}
	default:
		return time.Time{}, false
	}

	if tpl.EndDate != nil && next.After(endOfDay(tpl.EndDate.In(loc))) {
		return time.Time{}, false
	}
	return next.UTC(), true
}

func atClock(day time.Time, clock time.Duration) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()).Add(clock)
}

func atMonthDay(year int, month time.Month, day int, clock time.Duration, loc *time.Location) time.Time {
	clamped := day
	if last := lastDayOfMonth(year, month); clamped > last {
		clamped = last
	}
	return time.Date(year, month, clamped, 0, 0, 0, 0, loc).Add(clock)
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func endOfDay(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, day.Location())
}
