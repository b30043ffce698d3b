package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

type fakeStopper struct {
	mu      sync.Mutex
	active  map[string]bool
	stopped []string
}

func (s *fakeStopper) Stop(_ context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, streamID)
	delete(s.active, streamID)
	return nil
}

func (s *fakeStopper) IsActive(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[streamID]
}

func (s *fakeStopper) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stopped)
}

func newGuard(t *testing.T, repo storage.Repository, stopper Stopper) *DurationGuard {
	t.Helper()
	guard, err := NewDurationGuard(DurationGuardConfig{Repo: repo, Stopper: stopper})
	if err != nil {
		t.Fatalf("NewDurationGuard: %v", err)
	}
	return guard
}

func TestArmStopsAtDeadline(t *testing.T) {
	store, _, stream := newSchedulerStore(t)
	stopper := &fakeStopper{active: map[string]bool{stream.ID: true}}
	guard := newGuard(t, store, stopper)

	guard.Arm(stream.ID, time.Now().UTC().Add(50*time.Millisecond))
	waitFor(t, "guard stop", func() bool { return stopper.stopCount() == 1 })
}

func TestHandleStreamStoppedDisarms(t *testing.T) {
	store, _, stream := newSchedulerStore(t)
	stopper := &fakeStopper{active: map[string]bool{stream.ID: true}}
	guard := newGuard(t, store, stopper)

	guard.Arm(stream.ID, time.Now().UTC().Add(50*time.Millisecond))
	guard.HandleStreamStopped(stream.ID)
	time.Sleep(150 * time.Millisecond)
	if stopper.stopCount() != 0 {
		t.Fatalf("expected disarmed deadline to never fire, got %d stops", stopper.stopCount())
	}
}

func TestArmReplacesExistingDeadline(t *testing.T) {
	store, _, stream := newSchedulerStore(t)
	stopper := &fakeStopper{active: map[string]bool{stream.ID: true}}
	guard := newGuard(t, store, stopper)

	guard.Arm(stream.ID, time.Now().UTC().Add(time.Hour))
	guard.Arm(stream.ID, time.Now().UTC().Add(20*time.Millisecond))
	waitFor(t, "replacement deadline", func() bool { return stopper.stopCount() == 1 })
}

func TestScanStopsOverdueLiveStream(t *testing.T) {
	store, _, stream := newSchedulerStore(t)
	stopper := &fakeStopper{active: map[string]bool{stream.ID: true}}
	guard := newGuard(t, store, stopper)

	minutes := 60
	if _, err := store.UpdateStream(stream.ID, storage.StreamUpdate{DurationMinutes: &minutes}); err != nil {
		t.Fatalf("UpdateStream: %v", err)
	}
	start := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := store.SetStreamStatus(stream.ID, models.StreamLive, start); err != nil {
		t.Fatalf("SetStreamStatus: %v", err)
	}
	if _, err := store.SetStreamRuntime(stream.ID, &start, nil); err != nil {
		t.Fatalf("SetStreamRuntime: %v", err)
	}

	guard.Scan(context.Background())
	if stopper.stopCount() != 1 {
		t.Fatalf("expected overdue broadcast stopped, got %d", stopper.stopCount())
	}
}

func TestScanRearmsDeadlineFromPersistedStart(t *testing.T) {
	store, _, stream := newSchedulerStore(t)
	stopper := &fakeStopper{active: map[string]bool{stream.ID: true}}
	guard := newGuard(t, store, stopper)

	minutes := 60
	if _, err := store.UpdateStream(stream.ID, storage.StreamUpdate{DurationMinutes: &minutes}); err != nil {
		t.Fatalf("UpdateStream: %v", err)
	}
	start := time.Now().UTC()
	if _, err := store.SetStreamStatus(stream.ID, models.StreamLive, start); err != nil {
		t.Fatalf("SetStreamStatus: %v", err)
	}
	if _, err := store.SetStreamRuntime(stream.ID, &start, nil); err != nil {
		t.Fatalf("SetStreamRuntime: %v", err)
	}

	guard.Scan(context.Background())
	guard.mu.Lock()
	_, armed := guard.armed[stream.ID]
	guard.mu.Unlock()
	if !armed {
		t.Fatal("expected deadline re-derived from persisted start time")
	}
	if stopper.stopCount() != 0 {
		t.Fatalf("expected future deadline not to stop yet, got %d", stopper.stopCount())
	}
	guard.disarmAll()
}

func TestScanIgnoresStreamsWithoutDuration(t *testing.T) {
	store, _, stream := newSchedulerStore(t)
	stopper := &fakeStopper{active: map[string]bool{stream.ID: true}}
	guard := newGuard(t, store, stopper)

	start := time.Now().UTC().Add(-4 * time.Hour)
	if _, err := store.SetStreamStatus(stream.ID, models.StreamLive, start); err != nil {
		t.Fatalf("SetStreamStatus: %v", err)
	}
	if _, err := store.SetStreamRuntime(stream.ID, &start, nil); err != nil {
		t.Fatalf("SetStreamRuntime: %v", err)
	}

	guard.Scan(context.Background())
	if stopper.stopCount() != 0 {
		t.Fatalf("expected unbounded broadcast untouched, got %d stops", stopper.stopCount())
	}
}

func TestExpireSkipsInactiveStream(t *testing.T) {
	store, _, stream := newSchedulerStore(t)
	stopper := &fakeStopper{}
	guard := newGuard(t, store, stopper)

	guard.Arm(stream.ID, time.Now().UTC())
	time.Sleep(50 * time.Millisecond)
	if stopper.stopCount() != 0 {
		t.Fatalf("expected no stop for inactive stream, got %d", stopper.stopCount())
	}
}
