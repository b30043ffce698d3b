package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"streamcast/internal/models"
)

// CreateTemplateParams captures the attributes of a new schedule template.
type CreateTemplateParams struct {
	UserID          string
	StreamID        string
	Name            string
	Recurrence      models.RecurrenceType
	RecurrenceDays  []int
	StartTime       string
	DurationMinutes int
	EndDate         *time.Time
	IsActive        bool
}

// TemplateUpdate represents the mutable fields of a schedule template.
type TemplateUpdate struct {
	Name            *string
	Recurrence      *models.RecurrenceType
	RecurrenceDays  *[]int
	StartTime       *string
	DurationMinutes *int
	EndDate         **time.Time
}

func validateRecurrence(kind models.RecurrenceType, days []int, startTime string) error {
	switch kind {
	case models.RecurrenceOnce, models.RecurrenceDaily, models.RecurrenceMonthly:
	case models.RecurrenceWeekly:
		if len(days) == 0 {
			return fmt.Errorf("%w: weekly recurrence requires at least one day", ErrInvalidRecurrence)
		}
		for _, day := range days {
			if day < 0 || day > 6 {
				return fmt.Errorf("%w: weekday ordinal %d out of range", ErrInvalidRecurrence, day)
			}
		}
	default:
		return fmt.Errorf("%w: unknown recurrence type %q", ErrInvalidRecurrence, kind)
	}
	if _, err := ParseClock(startTime); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
	}
	return nil
}

// ParseClock parses a template start time in HH:MM form.
func ParseClock(value string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("start time %q is not HH:MM", value)
	}
	var hours, minutes int
	if _, err := fmt.Sscanf(parts[0], "%d", &hours); err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("start time %q has an invalid hour", value)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &minutes); err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("start time %q has an invalid minute", value)
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
}

func normalizeDays(days []int) []int {
	if len(days) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(days))
	out := make([]int, 0, len(days))
	for _, day := range days {
		if _, dup := seen[day]; dup {
			continue
		}
		seen[day] = struct{}{}
		out = append(out, day)
	}
	sort.Ints(out)
	return out
}

func (s *Storage) CreateTemplate(params CreateTemplateParams) (models.ScheduleTemplate, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.ScheduleTemplate{}, errors.New("name is required")
	}
	days := normalizeDays(params.RecurrenceDays)
	if err := validateRecurrence(params.Recurrence, days, params.StartTime); err != nil {
		return models.ScheduleTemplate{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[params.StreamID]
	if !ok || stream.Deleted() {
		return models.ScheduleTemplate{}, fmt.Errorf("stream %s: %w", params.StreamID, ErrNotFound)
	}
	if stream.UserID != params.UserID {
		return models.ScheduleTemplate{}, ErrUnauthorized
	}

	now := s.now()
	tpl := models.ScheduleTemplate{
		ID:              newID(),
		UserID:          params.UserID,
		StreamID:        params.StreamID,
		Name:            name,
		Recurrence:      params.Recurrence,
		RecurrenceDays:  days,
		StartTime:       strings.TrimSpace(params.StartTime),
		DurationMinutes: params.DurationMinutes,
		EndDate:         cloneTime(params.EndDate),
		IsActive:        params.IsActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.data.Templates[tpl.ID] = tpl
	if err := s.persist(); err != nil {
		delete(s.data.Templates, tpl.ID)
		return models.ScheduleTemplate{}, err
	}
	return tpl, nil
}

func (s *Storage) GetTemplate(id string) (models.ScheduleTemplate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.data.Templates[id]
	return tpl, ok
}

// ListTemplates returns a user's templates, newest first. An empty userID
// returns every template.
func (s *Storage) ListTemplates(userID string) []models.ScheduleTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	templates := make([]models.ScheduleTemplate, 0, len(s.data.Templates))
	for _, tpl := range s.data.Templates {
		if userID != "" && tpl.UserID != userID {
			continue
		}
		templates = append(templates, tpl)
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].CreatedAt.After(templates[j].CreatedAt)
	})
	return templates
}

// ListActiveTemplates returns every template the recurrence engine should
// keep armed.
func (s *Storage) ListActiveTemplates() []models.ScheduleTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	templates := make([]models.ScheduleTemplate, 0)
	for _, tpl := range s.data.Templates {
		if tpl.IsActive {
			templates = append(templates, tpl)
		}
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].CreatedAt.Before(templates[j].CreatedAt)
	})
	return templates
}

func (s *Storage) UpdateTemplate(id string, update TemplateUpdate) (models.ScheduleTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.data.Templates[id]
	if !ok {
		return models.ScheduleTemplate{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	previous := tpl

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return models.ScheduleTemplate{}, errors.New("name cannot be empty")
		}
		tpl.Name = name
	}
	if update.Recurrence != nil {
		tpl.Recurrence = *update.Recurrence
	}
	if update.RecurrenceDays != nil {
		tpl.RecurrenceDays = normalizeDays(*update.RecurrenceDays)
	}
	if update.StartTime != nil {
		tpl.StartTime = strings.TrimSpace(*update.StartTime)
	}
	if update.DurationMinutes != nil {
		tpl.DurationMinutes = *update.DurationMinutes
	}
	if update.EndDate != nil {
		tpl.EndDate = cloneTime(*update.EndDate)
	}
	if err := validateRecurrence(tpl.Recurrence, tpl.RecurrenceDays, tpl.StartTime); err != nil {
		return models.ScheduleTemplate{}, err
	}
	tpl.UpdatedAt = s.now()

	s.data.Templates[id] = tpl
	if err := s.persist(); err != nil {
		s.data.Templates[id] = previous
		return models.ScheduleTemplate{}, err
	}
	return tpl, nil
}

// SetTemplateActive toggles whether the recurrence engine keeps the template
// armed.
func (s *Storage) SetTemplateActive(id string, active bool) (models.ScheduleTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.data.Templates[id]
	if !ok {
		return models.ScheduleTemplate{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	previous := tpl

	tpl.IsActive = active
	tpl.UpdatedAt = s.now()

	s.data.Templates[id] = tpl
	if err := s.persist(); err != nil {
		s.data.Templates[id] = previous
		return models.ScheduleTemplate{}, err
	}
	return tpl, nil
}

func (s *Storage) DeleteTemplate(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.data.Templates[id]
	if !ok {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if tpl.UserID != userID {
		return ErrUnauthorized
	}

	delete(s.data.Templates, id)
	if err := s.persist(); err != nil {
		s.data.Templates[id] = tpl
		return err
	}
	return nil
}
