package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"streamcast/internal/models"
)

// Snapshot captures a complete JSON-serialisable view of the datastore,
// grouping each collection by its primary identifier so it can be persisted
// and later replayed into another backing store. The layout matches the JSON
// store file, so a store.json can be loaded directly.
type Snapshot struct {
	Users     map[string]models.User              `json:"users"`
	Streams   map[string]models.Stream            `json:"streams"`
	Templates map[string]models.ScheduleTemplate  `json:"templates"`
	Instances map[string]models.ScheduledInstance `json:"instances"`
	Backups   map[string]models.StreamBackup      `json:"backups"`
}

// SnapshotCounts summarises the size of each collection stored in a Snapshot.
type SnapshotCounts struct {
	Users     int
	Streams   int
	Templates int
	Instances int
	Backups   int
}

// LoadSnapshotFromJSON reads a previously persisted datastore file from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		if err == io.EOF {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Users == nil {
		s.Users = make(map[string]models.User)
	}
	if s.Streams == nil {
		s.Streams = make(map[string]models.Stream)
	}
	if s.Templates == nil {
		s.Templates = make(map[string]models.ScheduleTemplate)
	}
	if s.Instances == nil {
		s.Instances = make(map[string]models.ScheduledInstance)
	}
	if s.Backups == nil {
		s.Backups = make(map[string]models.StreamBackup)
	}
}

// Counts returns the per-collection sizes of the snapshot.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	return SnapshotCounts{
		Users:     len(s.Users),
		Streams:   len(s.Streams),
		Templates: len(s.Templates),
		Instances: len(s.Instances),
		Backups:   len(s.Backups),
	}
}

// ImportSnapshotToPostgres hands a Snapshot to the Postgres repository so the
// serialised datastore state can be bulk-loaded. Rows keep their original
// identifiers and password hashes.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("postgres repository required for snapshot import")
	}
	snapshot.ensureInitialized()
	return pgRepo.importSnapshot(ctx, snapshot)
}
