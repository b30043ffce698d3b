package storage

import (
	"errors"
	"fmt"
	"sort"

	"streamcast/internal/models"
)

const backupSnapshotVersion = 1

// AppendBackupParams captures one configuration snapshot to record.
type AppendBackupParams struct {
	StreamID string
	UserID   string
	Kind     models.BackupKind
	Data     []byte
}

// AppendBackup records an immutable configuration snapshot. Snapshots are
// never mutated afterwards, only pruned or cascade-deleted.
func (s *Storage) AppendBackup(params AppendBackupParams) (models.StreamBackup, error) {
	if len(params.Data) == 0 {
		return models.StreamBackup{}, errors.New("backup data is required")
	}
	if params.Kind != models.BackupAuto && params.Kind != models.BackupManual {
		return models.StreamBackup{}, fmt.Errorf("unknown backup kind %q", params.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	backup := models.StreamBackup{
		ID:        newID(),
		StreamID:  params.StreamID,
		UserID:    params.UserID,
		Kind:      params.Kind,
		Data:      append([]byte(nil), params.Data...),
		Version:   backupSnapshotVersion,
		CreatedAt: s.now(),
	}

	s.data.Backups[backup.ID] = backup
	if err := s.persist(); err != nil {
		delete(s.data.Backups, backup.ID)
		return models.StreamBackup{}, err
	}
	return backup, nil
}

func (s *Storage) GetBackup(id string) (models.StreamBackup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	backup, ok := s.data.Backups[id]
	return backup, ok
}

// ListBackups returns a stream's snapshots, newest first.
func (s *Storage) ListBackups(streamID string) []models.StreamBackup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backupsForStreamLocked(streamID)
}

// ListBackupsForUser returns the user's snapshots across all streams,
// newest first, bounded by limit when positive.
func (s *Storage) ListBackupsForUser(userID string, limit int) []models.StreamBackup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	backups := make([]models.StreamBackup, 0)
	for _, backup := range s.data.Backups {
		if backup.UserID != userID {
			continue
		}
		backups = append(backups, backup)
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	if limit > 0 && len(backups) > limit {
		backups = backups[:limit]
	}
	return backups
}

func (s *Storage) backupsForStreamLocked(streamID string) []models.StreamBackup {
	backups := make([]models.StreamBackup, 0)
	for _, backup := range s.data.Backups {
		if backup.StreamID == streamID {
			backups = append(backups, backup)
		}
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups
}

// PruneBackups evicts a stream's oldest snapshots beyond keep, counting auto
// and manual snapshots together. Returns how many were removed.
func (s *Storage) PruneBackups(streamID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	backups := s.backupsForStreamLocked(streamID)
	if len(backups) <= keep {
		return 0, nil
	}
	evicted := backups[keep:]
	for _, backup := range evicted {
		delete(s.data.Backups, backup.ID)
	}
	if err := s.persist(); err != nil {
		for _, backup := range evicted {
			s.data.Backups[backup.ID] = backup
		}
		return 0, err
	}
	return len(evicted), nil
}

// DeleteBackup removes a single snapshot after an ownership check.
func (s *Storage) DeleteBackup(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup, ok := s.data.Backups[id]
	if !ok {
		return fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	if backup.UserID != userID {
		return ErrUnauthorized
	}

	delete(s.data.Backups, id)
	if err := s.persist(); err != nil {
		s.data.Backups[id] = backup
		return err
	}
	return nil
}
