// Package backup keeps point-in-time snapshots of stream configurations and
// drives the trash lifecycle. Snapshots capture only what a user configures;
// status and runtime timestamps are owned by the engine and never restored.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

const (
	// DefaultRetention is how many snapshots are kept per stream. Automatic
	// and manual snapshots count against the same budget.
	DefaultRetention = 10
	// DefaultTrashTTL is how long a soft-deleted stream stays restorable.
	DefaultTrashTTL = 30 * 24 * time.Hour

	exportVersion = 1
	// importedSuffix marks imported streams so they never shadow originals.
	importedSuffix = " (Imported)"
)

// StreamSnapshot is the serialized form of a stream's configuration.
type StreamSnapshot struct {
	Title           string                `json:"title"`
	SourcePath      string                `json:"sourcePath,omitempty"`
	RTMPURL         string                `json:"rtmpUrl"`
	StreamKey       string                `json:"streamKey"`
	Encode          models.EncodeSettings `json:"encode"`
	LoopVideo       bool                  `json:"loopVideo"`
	UseAdvanced     bool                  `json:"useAdvanced"`
	Platform        string                `json:"platform,omitempty"`
	ScheduleTime    *time.Time            `json:"scheduleTime,omitempty"`
	DurationMinutes int                   `json:"durationMinutes,omitempty"`
}

func snapshotOf(stream models.Stream) StreamSnapshot {
	return StreamSnapshot{
		Title:           stream.Title,
		SourcePath:      stream.SourcePath,
		RTMPURL:         stream.RTMPURL,
		StreamKey:       stream.StreamKey,
		Encode:          stream.Encode,
		LoopVideo:       stream.LoopVideo,
		UseAdvanced:     stream.UseAdvanced,
		Platform:        stream.Platform,
		ScheduleTime:    stream.ScheduleTime,
		DurationMinutes: stream.DurationMinutes,
	}
}

// AsUpdate converts the snapshot into the field set a stream update applies.
func (s StreamSnapshot) AsUpdate() storage.StreamUpdate {
	return storage.StreamUpdate{
		Title:           &s.Title,
		SourcePath:      &s.SourcePath,
		RTMPURL:         &s.RTMPURL,
		StreamKey:       &s.StreamKey,
		Encode:          &s.Encode,
		LoopVideo:       &s.LoopVideo,
		UseAdvanced:     &s.UseAdvanced,
		Platform:        &s.Platform,
		ScheduleTime:    &s.ScheduleTime,
		DurationMinutes: &s.DurationMinutes,
	}
}

// ExportDoc is the portable bundle produced by ExportAll.
type ExportDoc struct {
	Version    int              `json:"version"`
	ExportedAt time.Time        `json:"exportedAt"`
	Streams    []StreamSnapshot `json:"streams"`
}

// ImportResult reports the outcome for one stream in an import bundle.
type ImportResult struct {
	Title    string `json:"title"`
	StreamID string `json:"streamId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Config wires a Ledger.
type Config struct {
	Repo      storage.Repository
	Logger    *slog.Logger
	Clock     func() time.Time
	Retention int
	TrashTTL  time.Duration
}

// Ledger owns snapshot retention and the trash lifecycle for streams.
type Ledger struct {
	repo      storage.Repository
	logger    *slog.Logger
	clock     func() time.Time
	retention int
	trashTTL  time.Duration
}

func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Repo == nil {
		return nil, errors.New("repository is required")
	}
	l := &Ledger{
		repo:      cfg.Repo,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		retention: cfg.Retention,
		trashTTL:  cfg.TrashTTL,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.clock == nil {
		l.clock = func() time.Time { return time.Now().UTC() }
	}
	if l.retention <= 0 {
		l.retention = DefaultRetention
	}
	if l.trashTTL <= 0 {
		l.trashTTL = DefaultTrashTTL
	}
	return l, nil
}

// AutoBackup snapshots a stream before a mutation. Retention is enforced
// immediately, evicting the oldest snapshots beyond the budget. Manual
// snapshots count against the budget but never trigger it themselves.
func (l *Ledger) AutoBackup(streamID string) (models.StreamBackup, error) {
	backup, err := l.snapshot(streamID, "", models.BackupAuto)
	if err != nil {
		return models.StreamBackup{}, err
	}
	evicted, err := l.repo.PruneBackups(streamID, l.retention)
	if err != nil {
		l.logger.Error("prune snapshots", "stream", streamID, "error", err)
	} else if evicted > 0 {
		l.logger.Info("old snapshots evicted", "stream", streamID, "count", evicted)
	}
	return backup, nil
}

// ManualBackup snapshots a stream on explicit user request. The stream must
// belong to the requesting user. No pruning happens here: a user taking
// snapshots by hand keeps all of them until an automatic one runs retention.
func (l *Ledger) ManualBackup(streamID, userID string) (models.StreamBackup, error) {
	return l.snapshot(streamID, userID, models.BackupManual)
}

func (l *Ledger) snapshot(streamID, userID string, kind models.BackupKind) (models.StreamBackup, error) {
	stream, ok := l.repo.GetStream(streamID)
	if !ok {
		return models.StreamBackup{}, fmt.Errorf("stream %s: %w", streamID, storage.ErrNotFound)
	}
	if userID != "" && stream.UserID != userID {
		return models.StreamBackup{}, storage.ErrUnauthorized
	}

	data, err := json.Marshal(snapshotOf(stream))
	if err != nil {
		return models.StreamBackup{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return l.repo.AppendBackup(storage.AppendBackupParams{
		StreamID: streamID,
		UserID:   stream.UserID,
		Kind:     kind,
		Data:     data,
	})
}

// List returns a stream's snapshots, newest first. The stream must belong to
// the requesting user.
func (l *Ledger) List(streamID, userID string) ([]models.StreamBackup, error) {
	stream, ok := l.repo.GetStream(streamID)
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", streamID, storage.ErrNotFound)
	}
	if stream.UserID != userID {
		return nil, storage.ErrUnauthorized
	}
	return l.repo.ListBackups(streamID), nil
}

// Restore decodes a snapshot for its owner to apply. The ledger is a value
// store: writing the configuration back onto the stream belongs to the
// caller, typically via AsUpdate.
func (l *Ledger) Restore(backupID, userID string) (string, StreamSnapshot, error) {
	backup, ok := l.repo.GetBackup(backupID)
	if !ok {
		return "", StreamSnapshot{}, fmt.Errorf("backup %s: %w", backupID, storage.ErrNotFound)
	}
	if backup.UserID != userID {
		return "", StreamSnapshot{}, storage.ErrUnauthorized
	}
	var snap StreamSnapshot
	if err := json.Unmarshal(backup.Data, &snap); err != nil {
		return "", StreamSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return backup.StreamID, snap, nil
}

// Delete removes a single snapshot.
func (l *Ledger) Delete(backupID, userID string) error {
	return l.repo.DeleteBackup(backupID, userID)
}

// SoftDelete moves a stream to the trash after snapshotting it.
func (l *Ledger) SoftDelete(streamID, userID string) error {
	if _, err := l.ManualBackup(streamID, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		l.logger.Error("snapshot before delete", "stream", streamID, "error", err)
	}
	return l.repo.SoftDeleteStream(streamID, userID)
}

// RestoreDeleted pulls a stream back out of the trash.
func (l *Ledger) RestoreDeleted(streamID, userID string) error {
	return l.repo.RestoreDeletedStream(streamID, userID)
}

// PermanentDelete destroys a trashed stream and everything derived from it.
// Streams not in the trash are refused.
func (l *Ledger) PermanentDelete(streamID, userID string) error {
	return l.repo.PermanentDeleteStream(streamID, userID)
}

// ListTrash returns a user's soft-deleted streams.
func (l *Ledger) ListTrash(userID string) []models.Stream {
	return l.repo.ListDeletedStreams(userID)
}

// PurgeExpired permanently removes trashed streams older than the trash TTL.
func (l *Ledger) PurgeExpired() error {
	cutoff := l.clock().Add(-l.trashTTL)
	purged, err := l.repo.PurgeDeletedBefore(cutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		l.logger.Info("expired trash purged", "count", purged)
	}
	return nil
}

// ExportAll bundles every non-deleted stream a user owns into a portable
// JSON document. Trashed streams stay out of the bundle.
func (l *Ledger) ExportAll(userID string) ([]byte, error) {
	streams := l.repo.ListStreams(userID, "")
	doc := ExportDoc{
		Version:    exportVersion,
		ExportedAt: l.clock(),
		Streams:    make([]StreamSnapshot, 0, len(streams)),
	}
	for _, stream := range streams {
		doc.Streams = append(doc.Streams, snapshotOf(stream))
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return data, nil
}

// ImportAll creates fresh streams from an export bundle. Every imported
// stream gets a new identity and a marked title; failures are reported per
// row and never abort the rest of the bundle.
func (l *Ledger) ImportAll(userID string, data []byte) ([]ImportResult, error) {
	var doc ExportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode import: %w", err)
	}
	if doc.Version > exportVersion {
		return nil, fmt.Errorf("unsupported export version %d", doc.Version)
	}

	results := make([]ImportResult, 0, len(doc.Streams))
	for _, snap := range doc.Streams {
		title := strings.TrimSpace(snap.Title)
		if !strings.HasSuffix(title, importedSuffix) {
			title += importedSuffix
		}
		stream, err := l.repo.CreateStream(storage.CreateStreamParams{
			UserID:          userID,
			Title:           title,
			SourcePath:      snap.SourcePath,
			RTMPURL:         snap.RTMPURL,
			StreamKey:       snap.StreamKey,
			Encode:          snap.Encode,
			LoopVideo:       snap.LoopVideo,
			UseAdvanced:     snap.UseAdvanced,
			Platform:        snap.Platform,
			ScheduleTime:    snap.ScheduleTime,
			DurationMinutes: snap.DurationMinutes,
		})
		result := ImportResult{Title: title}
		if err != nil {
			result.Error = err.Error()
			l.logger.Warn("import row failed", "title", title, "error", err)
		} else {
			result.StreamID = stream.ID
		}
		results = append(results, result)
	}
	return results, nil
}
