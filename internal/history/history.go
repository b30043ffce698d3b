// Package history records finished broadcast runs for the read-only history
// view. Entries are append-only; sinks only ever grow or drop whole streams.
package history

import (
	"context"
	"sort"
	"sync"

	"streamcast/internal/models"

	"github.com/google/uuid"
)

// Sink stores completed broadcast runs.
type Sink interface {
	Append(ctx context.Context, entry models.HistoryEntry) (models.HistoryEntry, error)
	ListByStream(ctx context.Context, streamID string, limit int) ([]models.HistoryEntry, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error)
	DeleteStream(ctx context.Context, streamID string) error
	Close() error
}

// MemorySink keeps history in process memory. It backs single-node
// deployments and tests.
type MemorySink struct {
	mu      sync.RWMutex
	entries []models.HistoryEntry
	cap     int
}

// NewMemorySink returns an in-memory sink retaining at most maxEntries
// entries. A non-positive maxEntries keeps everything.
func NewMemorySink(maxEntries int) *MemorySink {
	return &MemorySink{cap: maxEntries}
}

func (s *MemorySink) Append(_ context.Context, entry models.HistoryEntry) (models.HistoryEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if s.cap > 0 && len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	return entry, nil
}

func (s *MemorySink) list(match func(models.HistoryEntry) bool, limit int) []models.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.HistoryEntry
	for _, entry := range s.entries {
		if match(entry) {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemorySink) ListByStream(_ context.Context, streamID string, limit int) ([]models.HistoryEntry, error) {
	return s.list(func(e models.HistoryEntry) bool { return e.StreamID == streamID }, limit), nil
}

func (s *MemorySink) ListByUser(_ context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	return s.list(func(e models.HistoryEntry) bool { return e.UserID == userID }, limit), nil
}

func (s *MemorySink) DeleteStream(_ context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if entry.StreamID != streamID {
			kept = append(kept, entry)
		}
	}
	s.entries = kept
	return nil
}

func (s *MemorySink) Close() error { return nil }

var _ Sink = (*MemorySink)(nil)
