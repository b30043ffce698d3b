package recurrence

import (
	"testing"
	"time"

	"streamcast/internal/models"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation %s: %v", name, err)
	}
	return loc
}

func TestNextOccurrenceDaily(t *testing.T) {
	tpl := models.ScheduleTemplate{
		Recurrence: models.RecurrenceDaily,
		StartTime:  "09:00",
	}
	// Before today's slot: fires today.
	after := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	next, ok := NextOccurrence(tpl, after, time.UTC)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	// Past today's slot: fires tomorrow.
	after = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	next, ok = NextOccurrence(tpl, after, time.UTC)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextOccurrenceOnce(t *testing.T) {
	tpl := models.ScheduleTemplate{
		Recurrence: models.RecurrenceOnce,
		StartTime:  "21:00",
		CreatedAt:  time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}

	// Slot still ahead: fires on the creation day.
	next, ok := NextOccurrence(tpl, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), time.UTC)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2025, 3, 10, 21, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	// Slot already behind: nothing fires, never a rollover.
	if _, ok := NextOccurrence(tpl, time.Date(2025, 3, 10, 21, 0, 0, 0, time.UTC), time.UTC); ok {
		t.Fatal("expected no occurrence for a passed one-off slot")
	}
}

func TestNextOccurrenceWeekly(t *testing.T) {
	tpl := models.ScheduleTemplate{
		Recurrence:     models.RecurrenceWeekly,
		RecurrenceDays: []int{1, 3, 5}, // Mon Wed Fri
		StartTime:      "20:00",
	}
	// 2025-03-10 is a Monday.
	after := time.Date(2025, 3, 10, 21, 0, 0, 0, time.UTC)
	next, ok := NextOccurrence(tpl, after, time.UTC)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2025, 3, 12, 20, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected Wednesday slot %v, got %v", want, next)
	}

	// Created on a Tuesday: the first occurrence lands on Wednesday, never
	// Tuesday or Thursday.
	after = time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)
	next, ok = NextOccurrence(tpl, after, time.UTC)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2025, 3, 12, 20, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected Wednesday slot %v, got %v", want, next)
	}

	// A single matching day a week out still resolves.
	tpl.RecurrenceDays = []int{1}
	next, ok = NextOccurrence(tpl, after, time.UTC)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2025, 3, 17, 20, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected next Monday %v, got %v", want, next)
	}
}

func TestNextOccurrenceMonthlyClampsShortMonths(t *testing.T) {
	tpl := models.ScheduleTemplate{
		Recurrence: models.RecurrenceMonthly,
		StartTime:  "12:00",
		CreatedAt:  time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC),
	}
	after := time.Date(2025, 1, 31, 13, 0, 0, 0, time.UTC)
	next, ok := NextOccurrence(tpl, after, time.UTC)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected February clamp %v, got %v", want, next)
	}

	// Leap year clamps to the 29th.
	tpl.CreatedAt = time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)
	after = time.Date(2024, 1, 31, 13, 0, 0, 0, time.UTC)
	next, ok = NextOccurrence(tpl, after, time.UTC)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected leap-year clamp %v, got %v", want, next)
	}
}

func TestNextOccurrenceMonthlySameMonth(t *testing.T) {
	tpl := models.ScheduleTemplate{
		Recurrence: models.RecurrenceMonthly,
		StartTime:  "12:00",
		CreatedAt:  time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	after := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	next, ok := NextOccurrence(tpl, after, time.UTC)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2025, 4, 15, 12, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected anchor day this month %v, got %v", want, next)
	}
}

func TestNextOccurrenceEndDateBound(t *testing.T) {
	end := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	tpl := models.ScheduleTemplate{
		Recurrence: models.RecurrenceDaily,
		StartTime:  "09:00",
		EndDate:    &end,
	}
	// The end date's own slot still fires.
	after := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	next, ok := NextOccurrence(tpl, after, time.UTC)
	if !ok {
		t.Fatal("expected occurrence on the end date itself")
	}
	if want := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	// Beyond the end date the template is exhausted.
	after = time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)
	if _, ok := NextOccurrence(tpl, after, time.UTC); ok {
		t.Fatal("expected no occurrence past the end date")
	}
}

func TestNextOccurrenceHonorsLocation(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	tpl := models.ScheduleTemplate{
		Recurrence: models.RecurrenceDaily,
		StartTime:  "09:00",
	}
	// 13:00 UTC on 2025-03-10 is 09:00 in New York (EDT), already past.
	after := time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC)
	next, ok := NextOccurrence(tpl, after, loc)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if want := time.Date(2025, 3, 11, 9, 0, 0, 0, loc); !next.Equal(want) {
		t.Fatalf("expected local 09:00 next day %v, got %v", want, next)
	}
	if next.Location() != time.UTC {
		t.Fatal("expected result normalized to UTC")
	}
}

func TestNextOccurrenceInvalidRule(t *testing.T) {
	cases := []models.ScheduleTemplate{
		{Recurrence: models.RecurrenceDaily, StartTime: "noon"},
		{Recurrence: models.RecurrenceWeekly, StartTime: "09:00"},
		{Recurrence: models.RecurrenceType("fortnightly"), StartTime: "09:00"},
	}
	after := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	for i, tpl := range cases {
		if _, ok := NextOccurrence(tpl, after, time.UTC); ok {
			t.Fatalf("case %d: expected no occurrence", i)
		}
	}
}
