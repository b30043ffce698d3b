// Package recurrence materializes schedule templates into concrete pending
// occurrences. The engine keeps at most one outstanding occurrence per
// template; execution belongs to the scheduler, which watches the pending
// instances the engine creates.
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

const DefaultMaterializeInterval = time.Minute

// Config wires an Engine.
type Config struct {
	Repo   storage.Repository
	Logger *slog.Logger
	Clock  func() time.Time
	// Interval is the tick between materialization sweeps.
	Interval time.Duration
	// Location is the timezone template clock times are interpreted in.
	// Defaults to UTC.
	Location *time.Location
}

// Engine derives pending instances from active templates.
type Engine struct {
	repo     storage.Repository
	logger   *slog.Logger
	clock    func() time.Time
	interval time.Duration
	loc      *time.Location
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Repo == nil {
		return nil, errors.New("repository is required")
	}
	e := &Engine{
		repo:     cfg.Repo,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		loc:      cfg.Location,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = func() time.Time { return time.Now().UTC() }
	}
	if e.interval <= 0 {
		e.interval = DefaultMaterializeInterval
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	return e, nil
}

// Run materializes on every tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.MaterializeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.MaterializeAll(ctx)
		}
	}
}

// MaterializeAll sweeps every active template once.
func (e *Engine) MaterializeAll(ctx context.Context) {
	for _, tpl := range e.repo.ListActiveTemplates() {
		if err := e.Materialize(tpl); err != nil {
			e.logger.Error("materialize template", "template", tpl.ID, "name", tpl.Name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Materialize ensures the template's next occurrence exists as a pending
// instance. Templates with an outstanding pending or running occurrence get
// nothing new; exhausted templates are deactivated.
func (e *Engine) Materialize(tpl models.ScheduleTemplate) error {
	if !tpl.IsActive {
		return nil
	}

	// The anchor advances past consumed slots so an occurrence finished
	// before its scheduled time still yields the following one. Cancelled
	// rows do not consume their slot: reactivating a template re-arms it.
	var consumed bool
	after := e.clock()
	for _, inst := range e.repo.ListInstancesForTemplate(tpl.ID) {
		switch inst.Status {
		case models.InstancePending, models.InstanceRunning:
			return nil
		case models.InstanceCompleted, models.InstanceFailed:
			consumed = true
			if inst.ScheduledTime.After(after) {
				after = inst.ScheduledTime
			}
		}
	}

	if consumed && !tpl.Recurrence.Repeats() {
		e.logger.Info("one-off template exhausted", "template", tpl.ID, "name", tpl.Name)
		return e.deactivate(tpl.ID)
	}

	next, ok := NextOccurrence(tpl, after, e.loc)
	if !ok {
		e.logger.Info("template has no further occurrences", "template", tpl.ID, "name", tpl.Name)
		return e.deactivate(tpl.ID)
	}

	inst, err := e.repo.CreateInstance(storage.CreateInstanceParams{
		TemplateID:      tpl.ID,
		StreamID:        tpl.StreamID,
		UserID:          tpl.UserID,
		ScheduledTime:   next,
		DurationMinutes: tpl.DurationMinutes,
	})
	if err != nil {
		return fmt.Errorf("create occurrence: %w", err)
	}
	e.logger.Info("occurrence materialized", "template", tpl.ID, "name", tpl.Name, "instance", inst.ID, "scheduledTime", inst.ScheduledTime)
	return nil
}

func (e *Engine) deactivate(templateID string) error {
	if _, err := e.repo.SetTemplateActive(templateID, false); err != nil {
		return fmt.Errorf("deactivate template: %w", err)
	}
	return nil
}

// Activate switches a template on and materializes its next occurrence
// immediately.
func (e *Engine) Activate(templateID string) (models.ScheduleTemplate, error) {
	tpl, err := e.repo.SetTemplateActive(templateID, true)
	if err != nil {
		return models.ScheduleTemplate{}, err
	}
	if err := e.Materialize(tpl); err != nil {
		return tpl, err
	}
	refreshed, ok := e.repo.GetTemplate(templateID)
	if ok {
		tpl = refreshed
	}
	return tpl, nil
}

// Deactivate switches a template off and cancels its pending occurrences.
// An occurrence already running keeps broadcasting until it ends on its own.
func (e *Engine) Deactivate(templateID string) (models.ScheduleTemplate, error) {
	tpl, err := e.repo.SetTemplateActive(templateID, false)
	if err != nil {
		return models.ScheduleTemplate{}, err
	}
	cancelled, err := e.repo.CancelPendingInstances(templateID)
	if err != nil {
		return tpl, fmt.Errorf("cancel pending occurrences: %w", err)
	}
	if cancelled > 0 {
		e.logger.Info("pending occurrences cancelled", "template", templateID, "count", cancelled)
	}
	return tpl, nil
}

// Reschedule applies a rule change: pending occurrences derived from the old
// rule are cancelled and the next occurrence under the new rule is
// materialized.
func (e *Engine) Reschedule(templateID string, update storage.TemplateUpdate) (models.ScheduleTemplate, error) {
	tpl, err := e.repo.UpdateTemplate(templateID, update)
	if err != nil {
		return models.ScheduleTemplate{}, err
	}
	if _, err := e.repo.CancelPendingInstances(templateID); err != nil {
		return tpl, fmt.Errorf("cancel pending occurrences: %w", err)
	}
	if tpl.IsActive {
		if err := e.Materialize(tpl); err != nil {
			return tpl, err
		}
	}
	return tpl, nil
}

// Remove deletes a template after cancelling its pending occurrences.
// Terminal occurrences stay behind as history.
func (e *Engine) Remove(templateID, userID string) error {
	tpl, ok := e.repo.GetTemplate(templateID)
	if !ok {
		return fmt.Errorf("template %s: %w", templateID, storage.ErrNotFound)
	}
	if tpl.UserID != userID {
		return storage.ErrUnauthorized
	}
	if _, err := e.repo.CancelPendingInstances(templateID); err != nil {
		return fmt.Errorf("cancel pending occurrences: %w", err)
	}
	return e.repo.DeleteTemplate(templateID, userID)
}

// Upcoming returns a user's pending occurrences, soonest first.
func (e *Engine) Upcoming(userID string, limit int) []models.ScheduledInstance {
	return e.repo.ListInstances(userID, []models.InstanceStatus{models.InstancePending}, limit)
}

// History returns a user's finished occurrences, newest first.
func (e *Engine) History(userID string, limit int) []models.ScheduledInstance {
	return e.repo.ListInstances(userID, []models.InstanceStatus{
		models.InstanceCompleted,
		models.InstanceFailed,
		models.InstanceCancelled,
	}, limit)
}

// Statistics tallies a user's occurrences by status.
func (e *Engine) Statistics(userID string) storage.InstanceCounts {
	return e.repo.InstanceCountsForUser(userID)
}
