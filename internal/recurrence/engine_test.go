package recurrence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

type engineEnv struct {
	store  *storage.Storage
	engine *Engine
	user   models.User
	stream models.Stream
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	user, err := store.CreateUser(storage.CreateUserParams{
		DisplayName: "Caster",
		Email:       "caster@example.com",
		Password:    "password123",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	stream, err := store.CreateStream(storage.CreateStreamParams{
		UserID:     user.ID,
		Title:      "Morning Show",
		SourcePath: "/media/show.mp4",
		RTMPURL:    "rtmp://live.example.com/app",
	})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	engine, err := NewEngine(Config{Repo: store})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &engineEnv{store: store, engine: engine, user: user, stream: stream}
}

func (e *engineEnv) createTemplate(t *testing.T, params storage.CreateTemplateParams) models.ScheduleTemplate {
	t.Helper()
	params.UserID = e.user.ID
	params.StreamID = e.stream.ID
	tpl, err := e.store.CreateTemplate(params)
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	return tpl
}

// startOfCreationDay pins a clock to midnight of the template's creation day
// so one-off slots later that day are still ahead of "now".
func startOfCreationDay(tpl models.ScheduleTemplate) func() time.Time {
	day := tpl.CreatedAt.UTC()
	pinned := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return func() time.Time { return pinned }
}

func TestMaterializeCreatesSingleOutstandingOccurrence(t *testing.T) {
	env := newEngineEnv(t)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Nightly",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "21:00",
		IsActive:   true,
	})

	if err := env.engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	instances := env.store.ListInstancesForTemplate(tpl.ID)
	if len(instances) != 1 {
		t.Fatalf("expected 1 occurrence, got %d", len(instances))
	}
	if instances[0].Status != models.InstancePending {
		t.Fatalf("expected pending occurrence, got %s", instances[0].Status)
	}

	// With a pending occurrence outstanding, nothing further appears.
	if err := env.engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize again: %v", err)
	}
	if got := env.store.ListInstancesForTemplate(tpl.ID); len(got) != 1 {
		t.Fatalf("expected still 1 occurrence, got %d", len(got))
	}
}

func TestMaterializeAfterCompletionCreatesNext(t *testing.T) {
	env := newEngineEnv(t)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Nightly",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "21:00",
		IsActive:   true,
	})

	if err := env.engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	first := env.store.ListInstancesForTemplate(tpl.ID)[0]
	if _, err := env.store.ClaimInstance(first.ID, models.InstancePending, models.InstanceRunning); err != nil {
		t.Fatalf("ClaimInstance: %v", err)
	}
	if _, err := env.store.FinishInstance(first.ID, models.InstanceCompleted); err != nil {
		t.Fatalf("FinishInstance: %v", err)
	}

	if err := env.engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	instances := env.store.ListInstancesForTemplate(tpl.ID)
	if len(instances) != 2 {
		t.Fatalf("expected a follow-up occurrence, got %d", len(instances))
	}
	// An occurrence finished ahead of its slot still consumes it: the
	// follow-up lands strictly later.
	if !instances[1].ScheduledTime.After(instances[0].ScheduledTime) {
		t.Fatalf("expected follow-up after %v, got %v", instances[0].ScheduledTime, instances[1].ScheduledTime)
	}
	if instances[1].Status != models.InstancePending {
		t.Fatalf("expected pending follow-up, got %s", instances[1].Status)
	}
}

func TestReactivateRearmsCancelledSlot(t *testing.T) {
	env := newEngineEnv(t)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Nightly",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "21:00",
		IsActive:   true,
	})
	engine, err := NewEngine(Config{Repo: env.store, Clock: startOfCreationDay(tpl)})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	slot := env.store.ListInstancesForTemplate(tpl.ID)[0].ScheduledTime

	if _, err := engine.Deactivate(tpl.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := engine.Activate(tpl.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// The cancelled row is history; a fresh pending occurrence takes the
	// same still-future slot instead of being shadowed by it.
	var pending, cancelled int
	for _, inst := range env.store.ListInstancesForTemplate(tpl.ID) {
		switch inst.Status {
		case models.InstancePending:
			pending++
			if !inst.ScheduledTime.Equal(slot) {
				t.Fatalf("expected re-armed slot %v, got %v", slot, inst.ScheduledTime)
			}
		case models.InstanceCancelled:
			cancelled++
		}
	}
	if pending != 1 || cancelled != 1 {
		t.Fatalf("expected 1 pending and 1 cancelled occurrence, got %d and %d", pending, cancelled)
	}
}

func TestExhaustedOneOffTemplateDeactivates(t *testing.T) {
	env := newEngineEnv(t)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Premiere",
		Recurrence: models.RecurrenceOnce,
		StartTime:  "21:00",
		IsActive:   true,
	})
	engine, err := NewEngine(Config{Repo: env.store, Clock: startOfCreationDay(tpl)})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	inst := env.store.ListInstancesForTemplate(tpl.ID)[0]
	if _, err := env.store.ClaimInstance(inst.ID, models.InstancePending, models.InstanceRunning); err != nil {
		t.Fatalf("ClaimInstance: %v", err)
	}
	if _, err := env.store.FinishInstance(inst.ID, models.InstanceCompleted); err != nil {
		t.Fatalf("FinishInstance: %v", err)
	}

	if err := engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, _ := env.store.GetTemplate(tpl.ID)
	if got.IsActive {
		t.Fatal("expected exhausted one-off template deactivated")
	}
	if instances := env.store.ListInstancesForTemplate(tpl.ID); len(instances) != 1 {
		t.Fatalf("expected no new occurrence, got %d", len(instances))
	}
}

func TestPassedOneOffTemplateProducesNothing(t *testing.T) {
	env := newEngineEnv(t)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Missed premiere",
		Recurrence: models.RecurrenceOnce,
		StartTime:  "21:00",
		IsActive:   true,
	})
	afterSlot := func() time.Time {
		return startOfCreationDay(tpl)().AddDate(0, 0, 1)
	}
	engine, err := NewEngine(Config{Repo: env.store, Clock: afterSlot})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if instances := env.store.ListInstancesForTemplate(tpl.ID); len(instances) != 0 {
		t.Fatalf("expected no occurrences for a passed one-off, got %d", len(instances))
	}
	got, _ := env.store.GetTemplate(tpl.ID)
	if got.IsActive {
		t.Fatal("expected passed one-off template deactivated")
	}
}

func TestExpiredEndDateDeactivates(t *testing.T) {
	env := newEngineEnv(t)
	end := time.Now().UTC().Add(-48 * time.Hour)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Finished run",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "21:00",
		EndDate:    &end,
		IsActive:   true,
	})

	if err := env.engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, _ := env.store.GetTemplate(tpl.ID)
	if got.IsActive {
		t.Fatal("expected template past its end date deactivated")
	}
}

func TestDeactivateCancelsPendingKeepsRunning(t *testing.T) {
	env := newEngineEnv(t)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Nightly",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "21:00",
		IsActive:   true,
	})

	running, err := env.store.CreateInstance(storage.CreateInstanceParams{
		TemplateID:    tpl.ID,
		StreamID:      env.stream.ID,
		UserID:        env.user.ID,
		ScheduledTime: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if _, err := env.store.ClaimInstance(running.ID, models.InstancePending, models.InstanceRunning); err != nil {
		t.Fatalf("ClaimInstance: %v", err)
	}
	if err := env.engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	pending, err := env.store.CreateInstance(storage.CreateInstanceParams{
		TemplateID:    tpl.ID,
		StreamID:      env.stream.ID,
		UserID:        env.user.ID,
		ScheduledTime: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateInstance pending: %v", err)
	}

	got, err := env.engine.Deactivate(tpl.ID)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if got.IsActive {
		t.Fatal("expected template inactive")
	}
	p, _ := env.store.GetInstance(pending.ID)
	if p.Status != models.InstanceCancelled {
		t.Fatalf("expected pending occurrence cancelled, got %s", p.Status)
	}
	r, _ := env.store.GetInstance(running.ID)
	if r.Status != models.InstanceRunning {
		t.Fatalf("expected running occurrence untouched, got %s", r.Status)
	}
}

func TestActivateMaterializesImmediately(t *testing.T) {
	env := newEngineEnv(t)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Nightly",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "21:00",
	})

	got, err := env.engine.Activate(tpl.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !got.IsActive {
		t.Fatal("expected template active")
	}
	if instances := env.store.ListInstancesForTemplate(tpl.ID); len(instances) != 1 {
		t.Fatalf("expected occurrence materialized on activation, got %d", len(instances))
	}
}

func TestRescheduleReplacesPendingOccurrence(t *testing.T) {
	env := newEngineEnv(t)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Nightly",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "21:00",
		IsActive:   true,
	})

	if err := env.engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	old := env.store.ListInstancesForTemplate(tpl.ID)[0]

	newStart := "06:30"
	updated, err := env.engine.Reschedule(tpl.ID, storage.TemplateUpdate{StartTime: &newStart})
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if updated.StartTime != "06:30" {
		t.Fatalf("expected new start time, got %s", updated.StartTime)
	}

	oldInst, _ := env.store.GetInstance(old.ID)
	if oldInst.Status != models.InstanceCancelled {
		t.Fatalf("expected stale occurrence cancelled, got %s", oldInst.Status)
	}
	var fresh int
	for _, inst := range env.store.ListInstancesForTemplate(tpl.ID) {
		if inst.Status == models.InstancePending {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh pending occurrence, got %d", fresh)
	}
}

func TestRemoveChecksOwnership(t *testing.T) {
	env := newEngineEnv(t)
	tpl := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Nightly",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "21:00",
		IsActive:   true,
	})
	if err := env.engine.Materialize(tpl); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	inst := env.store.ListInstancesForTemplate(tpl.ID)[0]

	if err := env.engine.Remove(tpl.ID, "someone-else"); err != storage.ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.Remove(tpl.ID, env.user.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := env.store.GetTemplate(tpl.ID); ok {
		t.Fatal("expected template removed")
	}
	got, ok := env.store.GetInstance(inst.ID)
	if !ok {
		t.Fatal("expected occurrence kept as history")
	}
	if got.Status != models.InstanceCancelled {
		t.Fatalf("expected occurrence cancelled, got %s", got.Status)
	}
}

func TestMaterializeAllSweepsActiveTemplates(t *testing.T) {
	env := newEngineEnv(t)
	active := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Active",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "21:00",
		IsActive:   true,
	})
	inactive := env.createTemplate(t, storage.CreateTemplateParams{
		Name:       "Dormant",
		Recurrence: models.RecurrenceDaily,
		StartTime:  "22:00",
	})

	env.engine.MaterializeAll(context.Background())
	if got := env.store.ListInstancesForTemplate(active.ID); len(got) != 1 {
		t.Fatalf("expected active template materialized, got %d", len(got))
	}
	if got := env.store.ListInstancesForTemplate(inactive.ID); len(got) != 0 {
		t.Fatalf("expected dormant template skipped, got %d", len(got))
	}
}
