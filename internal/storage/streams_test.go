package storage

import (
	"errors"
	"testing"
	"time"

	"streamcast/internal/models"
)

func TestCreateStreamValidation(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store)

	cases := []struct {
		name   string
		params CreateStreamParams
	}{
		{"missing title", CreateStreamParams{UserID: user.ID, RTMPURL: "rtmp://x"}},
		{"missing user", CreateStreamParams{Title: "T", RTMPURL: "rtmp://x"}},
		{"missing rtmp url", CreateStreamParams{UserID: user.ID, Title: "T"}},
		{"unknown user", CreateStreamParams{UserID: "ghost", Title: "T", RTMPURL: "rtmp://x"}},
	}
	for _, tc := range cases {
		if _, err := store.CreateStream(tc.params); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestCreateStreamScheduleTimeSetsStatus(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store)

	offline := seedStream(t, store, user.ID)
	if offline.Status != models.StreamOffline {
		t.Fatalf("expected offline status, got %s", offline.Status)
	}

	at := time.Date(2025, 4, 1, 18, 0, 0, 0, time.UTC)
	scheduled, err := store.CreateStream(CreateStreamParams{
		UserID:       user.ID,
		Title:        "Premiere",
		RTMPURL:      "rtmp://live.example.com/app",
		ScheduleTime: &at,
	})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if scheduled.Status != models.StreamScheduled {
		t.Fatalf("expected scheduled status, got %s", scheduled.Status)
	}
}

func TestUpdateStreamScheduleTimeTransitions(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store)
	stream := seedStream(t, store, user.ID)

	at := time.Date(2025, 4, 1, 18, 0, 0, 0, time.UTC)
	ptr := &at
	updated, err := store.UpdateStream(stream.ID, StreamUpdate{ScheduleTime: &ptr})
	if err != nil {
		t.Fatalf("UpdateStream: %v", err)
	}
	if updated.Status != models.StreamScheduled {
		t.Fatalf("expected scheduled after setting time, got %s", updated.Status)
	}

	var cleared *time.Time
	updated, err = store.UpdateStream(stream.ID, StreamUpdate{ScheduleTime: &cleared})
	if err != nil {
		t.Fatalf("UpdateStream clear: %v", err)
	}
	if updated.Status != models.StreamOffline {
		t.Fatalf("expected offline after clearing time, got %s", updated.Status)
	}
	if updated.ScheduleTime != nil {
		t.Fatal("expected schedule time to be cleared")
	}
}

func TestListStreamsDueBetween(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store)

	mk := func(title string, at time.Time) models.Stream {
		stream, err := store.CreateStream(CreateStreamParams{
			UserID:       user.ID,
			Title:        title,
			RTMPURL:      "rtmp://live.example.com/app",
			ScheduleTime: &at,
		})
		if err != nil {
			t.Fatalf("CreateStream %s: %v", title, err)
		}
		return stream
	}

	base := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	mk("too early", base.Add(-time.Hour))
	second := mk("second", base.Add(3*time.Minute))
	first := mk("first", base.Add(time.Minute))
	mk("too late", base.Add(time.Hour))
	seedStream(t, store, user.ID) // offline, never due

	due := store.ListStreamsDueBetween(base, base.Add(5*time.Minute))
	if len(due) != 2 {
		t.Fatalf("expected 2 due streams, got %d", len(due))
	}
	if due[0].ID != first.ID || due[1].ID != second.ID {
		t.Fatalf("expected soonest-first ordering, got %s then %s", due[0].Title, due[1].Title)
	}
}

func TestSoftDeleteRestorePermanentDelete(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store)
	stream := seedStream(t, store, user.ID)

	if err := store.SoftDeleteStream(stream.ID, "someone-else"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := store.PermanentDeleteStream(stream.ID, user.ID); !errors.Is(err, ErrNotDeleted) {
		t.Fatalf("expected ErrNotDeleted before trash, got %v", err)
	}
	if err := store.RestoreDeletedStream(stream.ID, user.ID); !errors.Is(err, ErrNotDeleted) {
		t.Fatalf("expected ErrNotDeleted on live restore, got %v", err)
	}

	if err := store.SoftDeleteStream(stream.ID, user.ID); err != nil {
		t.Fatalf("SoftDeleteStream: %v", err)
	}
	if streams := store.ListStreams(user.ID, ""); len(streams) != 0 {
		t.Fatalf("trashed stream still listed: %d", len(streams))
	}
	if trash := store.ListDeletedStreams(user.ID); len(trash) != 1 {
		t.Fatalf("expected 1 trash entry, got %d", len(trash))
	}

	if err := store.RestoreDeletedStream(stream.ID, user.ID); err != nil {
		t.Fatalf("RestoreDeletedStream: %v", err)
	}
	restored, ok := store.GetStream(stream.ID)
	if !ok || restored.Deleted() {
		t.Fatal("expected stream restored from trash")
	}
	if restored.Status != models.StreamOffline {
		t.Fatalf("expected restored stream offline, got %s", restored.Status)
	}
}

func TestPermanentDeleteCascades(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store)
	stream := seedStream(t, store, user.ID)

	tpl, err := store.CreateTemplate(CreateTemplateParams{
		UserID:          user.ID,
		StreamID:        stream.ID,
		Name:            "Daily slot",
		Recurrence:      models.RecurrenceDaily,
		StartTime:       "09:00",
		DurationMinutes: 60,
		IsActive:        true,
	})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	inst, err := store.CreateInstance(CreateInstanceParams{
		TemplateID:    tpl.ID,
		StreamID:      stream.ID,
		UserID:        user.ID,
		ScheduledTime: time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if _, err := store.AppendBackup(AppendBackupParams{
		StreamID: stream.ID,
		UserID:   user.ID,
		Kind:     models.BackupManual,
		Data:     []byte(`{"title":"Morning Show"}`),
	}); err != nil {
		t.Fatalf("AppendBackup: %v", err)
	}

	if err := store.SoftDeleteStream(stream.ID, user.ID); err != nil {
		t.Fatalf("SoftDeleteStream: %v", err)
	}
	if err := store.PermanentDeleteStream(stream.ID, user.ID); err != nil {
		t.Fatalf("PermanentDeleteStream: %v", err)
	}

	if _, ok := store.GetStream(stream.ID); ok {
		t.Fatal("expected stream removed")
	}
	if _, ok := store.GetTemplate(tpl.ID); ok {
		t.Fatal("expected template cascade-deleted")
	}
	if backups := store.ListBackups(stream.ID); len(backups) != 0 {
		t.Fatalf("expected backups cascade-deleted, got %d", len(backups))
	}
	got, ok := store.GetInstance(inst.ID)
	if !ok {
		t.Fatal("expected instance row to survive as history")
	}
	if got.Status != models.InstanceCancelled {
		t.Fatalf("expected pending instance cancelled, got %s", got.Status)
	}
}

func TestPurgeDeletedBefore(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store)
	old := seedStream(t, store, user.ID)
	recent := seedStream(t, store, user.ID)

	if err := store.SoftDeleteStream(old.ID, user.ID); err != nil {
		t.Fatalf("SoftDeleteStream old: %v", err)
	}
	if err := store.SoftDeleteStream(recent.ID, user.ID); err != nil {
		t.Fatalf("SoftDeleteStream recent: %v", err)
	}

	oldStream, _ := store.GetStream(old.ID)
	cutoff := oldStream.DeletedAt.Add(time.Millisecond)
	purged, err := store.PurgeDeletedBefore(cutoff)
	if err != nil {
		t.Fatalf("PurgeDeletedBefore: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if _, ok := store.GetStream(old.ID); ok {
		t.Fatal("expected old stream purged")
	}
	if _, ok := store.GetStream(recent.ID); !ok {
		t.Fatal("expected recent stream kept")
	}
}
