package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"streamcast/internal/models"
)

// CreateStreamParams captures the attributes set when registering a stream.
type CreateStreamParams struct {
	UserID          string
	Title           string
	SourcePath      string
	RTMPURL         string
	StreamKey       string
	Encode          models.EncodeSettings
	LoopVideo       bool
	UseAdvanced     bool
	Platform        string
	ScheduleTime    *time.Time
	DurationMinutes int
}

// StreamUpdate represents the mutable configuration fields of a stream.
// Nil pointers leave the current value untouched.
type StreamUpdate struct {
	Title           *string
	SourcePath      *string
	RTMPURL         *string
	StreamKey       *string
	Encode          *models.EncodeSettings
	LoopVideo       *bool
	UseAdvanced     *bool
	Platform        *string
	ScheduleTime    **time.Time
	DurationMinutes *int
}

func (s *Storage) CreateStream(params CreateStreamParams) (models.Stream, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Stream{}, errors.New("title is required")
	}
	if strings.TrimSpace(params.UserID) == "" {
		return models.Stream{}, errors.New("userId is required")
	}
	if strings.TrimSpace(params.RTMPURL) == "" {
		return models.Stream{}, errors.New("rtmpUrl is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[params.UserID]; !ok {
		return models.Stream{}, fmt.Errorf("user %s: %w", params.UserID, ErrNotFound)
	}

	now := s.now()
	status := models.StreamOffline
	if params.ScheduleTime != nil {
		status = models.StreamScheduled
	}
	stream := models.Stream{
		ID:              newID(),
		UserID:          params.UserID,
		Title:           title,
		SourcePath:      strings.TrimSpace(params.SourcePath),
		RTMPURL:         strings.TrimSpace(params.RTMPURL),
		StreamKey:       strings.TrimSpace(params.StreamKey),
		Encode:          params.Encode,
		LoopVideo:       params.LoopVideo,
		UseAdvanced:     params.UseAdvanced,
		Platform:        strings.TrimSpace(params.Platform),
		ScheduleTime:    cloneTime(params.ScheduleTime),
		DurationMinutes: params.DurationMinutes,
		Status:          status,
		StatusUpdatedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.data.Streams[stream.ID] = stream
	if err := s.persist(); err != nil {
		delete(s.data.Streams, stream.ID)
		return models.Stream{}, err
	}
	return stream, nil
}

func (s *Storage) GetStream(id string) (models.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.data.Streams[id]
	return stream, ok
}

// ListStreams returns the non-deleted streams for a user (all users when
// userID is empty), optionally filtered by status, ordered by creation time.
func (s *Storage) ListStreams(userID string, status models.StreamStatus) []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := make([]models.Stream, 0, len(s.data.Streams))
	for _, stream := range s.data.Streams {
		if stream.Deleted() {
			continue
		}
		if userID != "" && stream.UserID != userID {
			continue
		}
		if status != "" && stream.Status != status {
			continue
		}
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})
	return streams
}

// ListStreamsByStatus returns every non-deleted stream currently in the given
// state.
func (s *Storage) ListStreamsByStatus(status models.StreamStatus) []models.Stream {
	return s.ListStreams("", status)
}

// ListStreamsDueBetween returns scheduled streams whose one-off schedule time
// falls inside [from, to], the query the lookahead poller runs every tick.
func (s *Storage) ListStreamsDueBetween(from, to time.Time) []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]models.Stream, 0)
	for _, stream := range s.data.Streams {
		if stream.Deleted() || stream.Status != models.StreamScheduled || stream.ScheduleTime == nil {
			continue
		}
		at := *stream.ScheduleTime
		if at.Before(from) || at.After(to) {
			continue
		}
		due = append(due, stream)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduleTime.Before(*due[j].ScheduleTime)
	})
	return due
}

func (s *Storage) UpdateStream(id string, update StreamUpdate) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	previous := stream

	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return models.Stream{}, errors.New("title cannot be empty")
		}
		stream.Title = title
	}
	if update.SourcePath != nil {
		stream.SourcePath = strings.TrimSpace(*update.SourcePath)
	}
	if update.RTMPURL != nil {
		url := strings.TrimSpace(*update.RTMPURL)
		if url == "" {
			return models.Stream{}, errors.New("rtmpUrl cannot be empty")
		}
		stream.RTMPURL = url
	}
	if update.StreamKey != nil {
		stream.StreamKey = strings.TrimSpace(*update.StreamKey)
	}
	if update.Encode != nil {
		stream.Encode = *update.Encode
	}
	if update.LoopVideo != nil {
		stream.LoopVideo = *update.LoopVideo
	}
	if update.UseAdvanced != nil {
		stream.UseAdvanced = *update.UseAdvanced
	}
	if update.Platform != nil {
		stream.Platform = strings.TrimSpace(*update.Platform)
	}
	if update.ScheduleTime != nil {
		stream.ScheduleTime = cloneTime(*update.ScheduleTime)
		if stream.Status == models.StreamOffline && stream.ScheduleTime != nil {
			stream.Status = models.StreamScheduled
			stream.StatusUpdatedAt = s.now()
		}
		if stream.Status == models.StreamScheduled && stream.ScheduleTime == nil {
			stream.Status = models.StreamOffline
			stream.StatusUpdatedAt = s.now()
		}
	}
	if update.DurationMinutes != nil {
		stream.DurationMinutes = *update.DurationMinutes
	}
	stream.UpdatedAt = s.now()

	s.data.Streams[id] = stream
	if err := s.persist(); err != nil {
		s.data.Streams[id] = previous
		return models.Stream{}, err
	}
	return stream, nil
}

// SetStreamStatus transitions a stream's lifecycle state and stamps
// status_updated_at.
func (s *Storage) SetStreamStatus(id string, status models.StreamStatus, at time.Time) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	previous := stream

	stream.Status = status
	stream.StatusUpdatedAt = at
	stream.UpdatedAt = s.now()

	s.data.Streams[id] = stream
	if err := s.persist(); err != nil {
		s.data.Streams[id] = previous
		return models.Stream{}, err
	}
	return stream, nil
}

// SetStreamRuntime records the start and end timestamps of the current or
// most recent run. Nil clears the corresponding field only when clear is set.
func (s *Storage) SetStreamRuntime(id string, start, end *time.Time) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	previous := stream

	stream.StartTime = cloneTime(start)
	stream.EndTime = cloneTime(end)
	stream.UpdatedAt = s.now()

	s.data.Streams[id] = stream
	if err := s.persist(); err != nil {
		s.data.Streams[id] = previous
		return models.Stream{}, err
	}
	return stream, nil
}

// SoftDeleteStream moves a stream to the trash. The row survives for restore
// or permanent deletion.
func (s *Storage) SoftDeleteStream(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if stream.UserID != userID {
		return ErrUnauthorized
	}
	previous := stream

	now := s.now()
	stream.DeletedAt = &now
	stream.Status = models.StreamOffline
	stream.StatusUpdatedAt = now
	stream.UpdatedAt = now

	s.data.Streams[id] = stream
	if err := s.persist(); err != nil {
		s.data.Streams[id] = previous
		return err
	}
	return nil
}

// RestoreDeletedStream clears the trash marker on a soft-deleted stream.
func (s *Storage) RestoreDeletedStream(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if stream.UserID != userID {
		return ErrUnauthorized
	}
	if !stream.Deleted() {
		return ErrNotDeleted
	}
	previous := stream

	stream.DeletedAt = nil
	stream.Status = models.StreamOffline
	stream.StatusUpdatedAt = s.now()
	stream.UpdatedAt = s.now()

	s.data.Streams[id] = stream
	if err := s.persist(); err != nil {
		s.data.Streams[id] = previous
		return err
	}
	return nil
}

// PermanentDeleteStream removes a soft-deleted stream and cascades removal of
// its backups, templates, and still-pending instances.
func (s *Storage) PermanentDeleteStream(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if stream.UserID != userID {
		return ErrUnauthorized
	}
	if !stream.Deleted() {
		return ErrNotDeleted
	}

	s.removeStreamCascadeLocked(id)
	if err := s.persist(); err != nil {
		return err
	}
	return nil
}

func (s *Storage) removeStreamCascadeLocked(id string) {
	delete(s.data.Streams, id)
	for backupID, backup := range s.data.Backups {
		if backup.StreamID == id {
			delete(s.data.Backups, backupID)
		}
	}
	for templateID, tpl := range s.data.Templates {
		if tpl.StreamID == id {
			delete(s.data.Templates, templateID)
		}
	}
	for instanceID, inst := range s.data.Instances {
		if inst.StreamID == id && inst.Status == models.InstancePending {
			inst.Status = models.InstanceCancelled
			s.data.Instances[instanceID] = inst
		}
	}
}

// ListDeletedStreams returns the user's trash, newest deletion first.
func (s *Storage) ListDeletedStreams(userID string) []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deleted := make([]models.Stream, 0)
	for _, stream := range s.data.Streams {
		if !stream.Deleted() || stream.UserID != userID {
			continue
		}
		deleted = append(deleted, stream)
	}
	sort.Slice(deleted, func(i, j int) bool {
		return deleted[i].DeletedAt.After(*deleted[j].DeletedAt)
	})
	return deleted
}

// PurgeDeletedBefore permanently removes trash entries older than the cutoff
// and reports how many streams were purged.
func (s *Storage) PurgeDeletedBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, stream := range s.data.Streams {
		if stream.DeletedAt != nil && stream.DeletedAt.Before(cutoff) {
			s.removeStreamCascadeLocked(id)
			purged++
		}
	}
	if purged == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		return 0, err
	}
	return purged, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
