package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"streamcast/internal/models"
)

// CreateInstanceParams captures a concrete occurrence to materialize.
type CreateInstanceParams struct {
	TemplateID      string
	StreamID        string
	UserID          string
	ScheduledTime   time.Time
	DurationMinutes int
}

// InstanceCounts summarises a user's scheduled executions by status.
type InstanceCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// CreateInstance materializes one occurrence. Creation is idempotent per
// (template, scheduledTime) while an instance for that pair is still pending
// or running, so re-materialization after a restart never duplicates live
// work. Terminal rows are history and do not block a fresh occurrence at the
// same slot (a cancelled slot can be re-armed by reactivating its template).
func (s *Storage) CreateInstance(params CreateInstanceParams) (models.ScheduledInstance, error) {
	if params.StreamID == "" {
		return models.ScheduledInstance{}, errors.New("streamId is required")
	}
	if params.ScheduledTime.IsZero() {
		return models.ScheduledInstance{}, errors.New("scheduledTime is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if params.TemplateID != "" {
		for _, existing := range s.data.Instances {
			if existing.TemplateID == params.TemplateID && existing.ScheduledTime.Equal(params.ScheduledTime) && !existing.Status.Terminal() {
				return existing, nil
			}
		}
	}

	inst := models.ScheduledInstance{
		ID:              newID(),
		TemplateID:      params.TemplateID,
		StreamID:        params.StreamID,
		UserID:          params.UserID,
		ScheduledTime:   params.ScheduledTime.UTC(),
		DurationMinutes: params.DurationMinutes,
		Status:          models.InstancePending,
		CreatedAt:       s.now(),
	}

	s.data.Instances[inst.ID] = inst
	if err := s.persist(); err != nil {
		delete(s.data.Instances, inst.ID)
		return models.ScheduledInstance{}, err
	}
	return inst, nil
}

func (s *Storage) GetInstance(id string) (models.ScheduledInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.data.Instances[id]
	return inst, ok
}

// FindInstanceAt returns the instance materialized for a template at an
// exact occurrence time, preferring a live one when terminal history shares
// the slot.
func (s *Storage) FindInstanceAt(templateID string, at time.Time) (models.ScheduledInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var fallback models.ScheduledInstance
	var found bool
	for _, inst := range s.data.Instances {
		if inst.TemplateID != templateID || !inst.ScheduledTime.Equal(at) {
			continue
		}
		if !inst.Status.Terminal() {
			return inst, true
		}
		fallback = inst
		found = true
	}
	return fallback, found
}

// ListInstancesForTemplate returns every instance materialized from a
// template, soonest first.
func (s *Storage) ListInstancesForTemplate(templateID string) []models.ScheduledInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := make([]models.ScheduledInstance, 0)
	for _, inst := range s.data.Instances {
		if inst.TemplateID == templateID {
			instances = append(instances, inst)
		}
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ScheduledTime.Before(instances[j].ScheduledTime)
	})
	return instances
}

// ListPendingInstancesDueBetween returns pending instances whose scheduled
// time falls inside [from, to], soonest first.
func (s *Storage) ListPendingInstancesDueBetween(from, to time.Time) []models.ScheduledInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]models.ScheduledInstance, 0)
	for _, inst := range s.data.Instances {
		if inst.Status != models.InstancePending {
			continue
		}
		if inst.ScheduledTime.Before(from) || inst.ScheduledTime.After(to) {
			continue
		}
		due = append(due, inst)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledTime.Before(due[j].ScheduledTime)
	})
	return due
}

// ClaimInstance performs the compare-and-set transition that arbitrates
// between the timer path and the poll path racing to execute the same
// occurrence: only the caller that observes the expected current status wins.
func (s *Storage) ClaimInstance(id string, from, to models.InstanceStatus) (models.ScheduledInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.data.Instances[id]
	if !ok {
		return models.ScheduledInstance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if inst.Status != from {
		return inst, ErrInstanceClaimed
	}
	previous := inst

	inst.Status = to
	now := s.now()
	if to == models.InstanceRunning {
		inst.StartedAt = &now
	}
	if to.Terminal() {
		inst.EndedAt = &now
	}

	s.data.Instances[id] = inst
	if err := s.persist(); err != nil {
		s.data.Instances[id] = previous
		return models.ScheduledInstance{}, err
	}
	return inst, nil
}

// FinishInstance moves a running instance into a terminal state.
func (s *Storage) FinishInstance(id string, status models.InstanceStatus) (models.ScheduledInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.data.Instances[id]
	if !ok {
		return models.ScheduledInstance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if !status.Terminal() {
		return models.ScheduledInstance{}, fmt.Errorf("status %q is not terminal", status)
	}
	previous := inst

	inst.Status = status
	now := s.now()
	inst.EndedAt = &now

	s.data.Instances[id] = inst
	if err := s.persist(); err != nil {
		s.data.Instances[id] = previous
		return models.ScheduledInstance{}, err
	}
	return inst, nil
}

// CancelPendingInstances cancels every still-pending instance of a template
// and reports how many were cancelled. Running and terminal instances are
// never touched.
func (s *Storage) CancelPendingInstances(templateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	now := s.now()
	for id, inst := range s.data.Instances {
		if inst.TemplateID != templateID || inst.Status != models.InstancePending {
			continue
		}
		inst.Status = models.InstanceCancelled
		inst.EndedAt = &now
		s.data.Instances[id] = inst
		cancelled++
	}
	if cancelled == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		return 0, err
	}
	return cancelled, nil
}

// ListInstances returns a user's instances filtered to the given statuses
// (all statuses when empty). Pending rows come back soonest first, others
// newest first.
func (s *Storage) ListInstances(userID string, statuses []models.InstanceStatus, limit int) []models.ScheduledInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed := make(map[models.InstanceStatus]struct{}, len(statuses))
	for _, status := range statuses {
		allowed[status] = struct{}{}
	}

	instances := make([]models.ScheduledInstance, 0)
	for _, inst := range s.data.Instances {
		if userID != "" && inst.UserID != userID {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[inst.Status]; !ok {
				continue
			}
		}
		instances = append(instances, inst)
	}

	pendingOnly := len(statuses) == 1 && statuses[0] == models.InstancePending
	sort.Slice(instances, func(i, j int) bool {
		if pendingOnly {
			return instances[i].ScheduledTime.Before(instances[j].ScheduledTime)
		}
		return instances[i].ScheduledTime.After(instances[j].ScheduledTime)
	})
	if limit > 0 && len(instances) > limit {
		instances = instances[:limit]
	}
	return instances
}

// InstanceCountsForUser tallies the user's scheduled executions by status.
func (s *Storage) InstanceCountsForUser(userID string) InstanceCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts InstanceCounts
	for _, inst := range s.data.Instances {
		if userID != "" && inst.UserID != userID {
			continue
		}
		switch inst.Status {
		case models.InstancePending:
			counts.Pending++
		case models.InstanceRunning:
			counts.Running++
		case models.InstanceCompleted:
			counts.Completed++
		case models.InstanceFailed:
			counts.Failed++
		case models.InstanceCancelled:
			counts.Cancelled++
		}
	}
	return counts
}
