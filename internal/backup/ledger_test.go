package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

type ledgerEnv struct {
	store  *storage.Storage
	ledger *Ledger
	user   models.User
	stream models.Stream
}

func newLedgerEnv(t *testing.T, cfg Config) *ledgerEnv {
	t.Helper()
	var opts []storage.Option
	if cfg.Clock != nil {
		opts = append(opts, storage.WithClock(cfg.Clock))
	}
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"), opts...)
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
		StreamKey:  "secret-key",
		Encode:     models.EncodeSettings{Bitrate: 4500, FPS: 30, Resolution: "1920x1080"},
	})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	cfg.Repo = store
	ledger, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return &ledgerEnv{store: store, ledger: ledger, user: user, stream: stream}
}

func TestAutoBackupEnforcesRetention(t *testing.T) {
	env := newLedgerEnv(t, Config{Retention: 3})

	for i := 0; i < 5; i++ {
		title := fmt.Sprintf("Revision %d", i)
		if _, err := env.store.UpdateStream(env.stream.ID, storage.StreamUpdate{Title: &title}); err != nil {
			t.Fatalf("UpdateStream: %v", err)
		}
		if _, err := env.ledger.AutoBackup(env.stream.ID); err != nil {
			t.Fatalf("AutoBackup: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := env.ledger.List(env.stream.ID, env.user.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("expected retention of 3, got %d", len(backups))
	}
	var snap StreamSnapshot
	if err := json.Unmarshal(backups[0].Data, &snap); err != nil {
		t.Fatalf("decode newest snapshot: %v", err)
	}
	if snap.Title != "Revision 4" {
		t.Fatalf("expected newest snapshot kept, got %q", snap.Title)
	}
}

func TestManualBackupsNeverTriggerRetention(t *testing.T) {
	env := newLedgerEnv(t, Config{Retention: 3})

	for i := 0; i < 5; i++ {
		if _, err := env.ledger.ManualBackup(env.stream.ID, env.user.ID); err != nil {
			t.Fatalf("ManualBackup: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := env.ledger.List(env.stream.ID, env.user.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(backups) != 5 {
		t.Fatalf("expected all manual snapshots kept, got %d", len(backups))
	}

	// The next automatic snapshot enforces the budget, manual rows included.
	if _, err := env.ledger.AutoBackup(env.stream.ID); err != nil {
		t.Fatalf("AutoBackup: %v", err)
	}
	backups, err = env.ledger.List(env.stream.ID, env.user.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("expected retention of 3 after auto snapshot, got %d", len(backups))
	}
	if backups[0].Kind != models.BackupAuto {
		t.Fatalf("expected newest snapshot to be the automatic one, got %s", backups[0].Kind)
	}
}

func TestManualBackupChecksOwnership(t *testing.T) {
	env := newLedgerEnv(t, Config{})
	if _, err := env.ledger.ManualBackup(env.stream.ID, "someone-else"); !errors.Is(err, storage.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	backup, err := env.ledger.ManualBackup(env.stream.ID, env.user.ID)
	if err != nil {
		t.Fatalf("ManualBackup: %v", err)
	}
	if backup.Kind != models.BackupManual {
		t.Fatalf("expected manual kind, got %s", backup.Kind)
	}
}

func TestRestoreRoundtrip(t *testing.T) {
	env := newLedgerEnv(t, Config{})

	at := time.Date(2025, 4, 1, 18, 0, 0, 0, time.UTC)
	ptr := &at
	if _, err := env.store.UpdateStream(env.stream.ID, storage.StreamUpdate{ScheduleTime: &ptr}); err != nil {
		t.Fatalf("UpdateStream schedule: %v", err)
	}
	backup, err := env.ledger.ManualBackup(env.stream.ID, env.user.ID)
	if err != nil {
		t.Fatalf("ManualBackup: %v", err)
	}

	// Mangle the configuration after the snapshot.
	title := "Hijacked"
	key := "other-key"
	var cleared *time.Time
	if _, err := env.store.UpdateStream(env.stream.ID, storage.StreamUpdate{
		Title:        &title,
		StreamKey:    &key,
		ScheduleTime: &cleared,
	}); err != nil {
		t.Fatalf("UpdateStream mangle: %v", err)
	}

	streamID, snap, err := env.ledger.Restore(backup.ID, env.user.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if streamID != env.stream.ID {
		t.Fatalf("expected snapshot for stream %s, got %s", env.stream.ID, streamID)
	}
	if snap.Title != "Morning Show" || snap.StreamKey != "secret-key" {
		t.Fatalf("unexpected decoded config: %+v", snap)
	}
	if snap.ScheduleTime == nil || !snap.ScheduleTime.Equal(at) {
		t.Fatalf("expected schedule time in snapshot, got %v", snap.ScheduleTime)
	}

	// The ledger only decodes; the stream itself is untouched until the
	// caller applies the snapshot.
	current, _ := env.store.GetStream(env.stream.ID)
	if current.Title != "Hijacked" {
		t.Fatalf("expected stream untouched by Restore, got title %q", current.Title)
	}
	backups, err := env.ledger.List(env.stream.ID, env.user.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected Restore to write nothing, got %d backups", len(backups))
	}

	applied, err := env.store.UpdateStream(streamID, snap.AsUpdate())
	if err != nil {
		t.Fatalf("UpdateStream apply: %v", err)
	}
	if applied.Title != "Morning Show" || applied.StreamKey != "secret-key" {
		t.Fatalf("unexpected applied config: %+v", applied)
	}
	if applied.ScheduleTime == nil || !applied.ScheduleTime.Equal(at) {
		t.Fatalf("expected schedule time applied, got %v", applied.ScheduleTime)
	}
}

func TestRestoreChecksOwnership(t *testing.T) {
	env := newLedgerEnv(t, Config{})
	backup, err := env.ledger.ManualBackup(env.stream.ID, env.user.ID)
	if err != nil {
		t.Fatalf("ManualBackup: %v", err)
	}
	if _, _, err := env.ledger.Restore(backup.ID, "someone-else"); !errors.Is(err, storage.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSoftDeleteSnapshotsFirst(t *testing.T) {
	env := newLedgerEnv(t, Config{})
	if err := env.ledger.SoftDelete(env.stream.ID, env.user.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	trash := env.ledger.ListTrash(env.user.ID)
	if len(trash) != 1 || trash[0].ID != env.stream.ID {
		t.Fatalf("expected stream in trash, got %+v", trash)
	}
	if backups := env.store.ListBackups(env.stream.ID); len(backups) != 1 {
		t.Fatalf("expected pre-delete snapshot, got %d", len(backups))
	}
}

func TestPermanentDeleteRequiresTrash(t *testing.T) {
	env := newLedgerEnv(t, Config{})
	if err := env.ledger.PermanentDelete(env.stream.ID, env.user.ID); !errors.Is(err, storage.ErrNotDeleted) {
		t.Fatalf("expected ErrNotDeleted, got %v", err)
	}
	if err := env.ledger.SoftDelete(env.stream.ID, env.user.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if err := env.ledger.PermanentDelete(env.stream.ID, env.user.ID); err != nil {
		t.Fatalf("PermanentDelete: %v", err)
	}
	if _, ok := env.store.GetStream(env.stream.ID); ok {
		t.Fatal("expected stream destroyed")
	}
}

func TestPurgeExpiredHonorsTTL(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	env := newLedgerEnv(t, Config{
		TrashTTL: 30 * 24 * time.Hour,
		Clock:    func() time.Time { return now },
	})

	if err := env.ledger.SoftDelete(env.stream.ID, env.user.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	// Inside the TTL: nothing happens.
	if err := env.ledger.PurgeExpired(); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, ok := env.store.GetStream(env.stream.ID); !ok {
		t.Fatal("expected trashed stream kept inside TTL")
	}

	// Past the TTL: the trash entry is destroyed.
	now = now.Add(31 * 24 * time.Hour)
	if err := env.ledger.PurgeExpired(); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, ok := env.store.GetStream(env.stream.ID); ok {
		t.Fatal("expected trashed stream purged past TTL")
	}
}

func TestExportImportRoundtrip(t *testing.T) {
	env := newLedgerEnv(t, Config{})

	data, err := env.ledger.ExportAll(env.user.ID)
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	var doc ExportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if doc.Version != 1 || len(doc.Streams) != 1 {
		t.Fatalf("unexpected export doc: version=%d streams=%d", doc.Version, len(doc.Streams))
	}

	results, err := env.ledger.ImportAll(env.user.ID, data)
	if err != nil {
		t.Fatalf("ImportAll: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 import result, got %d", len(results))
	}
	if results[0].Error != "" {
		t.Fatalf("unexpected import error: %s", results[0].Error)
	}
	if !strings.HasSuffix(results[0].Title, importedSuffix) {
		t.Fatalf("expected imported title marked, got %q", results[0].Title)
	}

	imported, ok := env.store.GetStream(results[0].StreamID)
	if !ok {
		t.Fatal("expected imported stream created")
	}
	if imported.ID == env.stream.ID {
		t.Fatal("expected imported stream to get a fresh identity")
	}
	if imported.StreamKey != "secret-key" {
		t.Fatalf("expected configuration carried over, got %q", imported.StreamKey)
	}
}

func TestExportSkipsTrashedStreams(t *testing.T) {
	env := newLedgerEnv(t, Config{})
	if err := env.ledger.SoftDelete(env.stream.ID, env.user.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	data, err := env.ledger.ExportAll(env.user.ID)
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	var doc ExportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(doc.Streams) != 0 {
		t.Fatalf("expected trashed streams excluded from export, got %d", len(doc.Streams))
	}
}

func TestImportReportsPerRowFailures(t *testing.T) {
	env := newLedgerEnv(t, Config{})

	doc := ExportDoc{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Streams: []StreamSnapshot{
			{Title: "Valid", RTMPURL: "rtmp://live.example.com/app"},
			{Title: "Broken"}, // no RTMP URL
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	results, err := env.ledger.ImportAll(env.user.ID, data)
	if err != nil {
		t.Fatalf("ImportAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Error != "" || results[0].StreamID == "" {
		t.Fatalf("expected first row imported, got %+v", results[0])
	}
	if results[1].Error == "" {
		t.Fatal("expected second row to report its failure")
	}
}

func TestImportRejectsNewerVersion(t *testing.T) {
	env := newLedgerEnv(t, Config{})
	data := []byte(`{"version":2,"streams":[]}`)
	if _, err := env.ledger.ImportAll(env.user.ID, data); err == nil {
		t.Fatal("expected unsupported version to be rejected")
	}
}
