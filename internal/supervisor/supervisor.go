// Package supervisor owns the broadcast processes. It enforces at most one
// running process per stream, mirrors process lifecycle into stream status,
// and records every finished run in the history sink.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"streamcast/internal/history"
	"streamcast/internal/models"
	"streamcast/internal/storage"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning is returned when a start is requested for a stream
	// that already has a broadcast process.
	ErrAlreadyRunning = errors.New("stream is already broadcasting")
	// ErrMissingSource is returned when a stream has no media source bound.
	ErrMissingSource = errors.New("stream has no media source")
	// ErrSpawnFailure wraps errors from launching the broadcast process.
	ErrSpawnFailure = errors.New("broadcast process failed to start")
)

// ExitInfo describes a broadcast process that has finished.
type ExitInfo struct {
	StreamID   string
	InstanceID string
	Abnormal   bool
	Message    string
}

// Config wires a Supervisor's collaborators.
type Config struct {
	Repo    storage.Repository
	History history.Sink
	Runner  Runner
	Logger  *slog.Logger
	Clock   func() time.Time
	// LogLines caps the per-stream output ring buffer.
	LogLines int
	// StopTimeout bounds how long Stop waits for a process to exit after
	// cancellation.
	StopTimeout time.Duration
	// OnExit, when set, is invoked after each process exit has been
	// recorded. The scheduler uses it to disarm duration guards.
	OnExit func(ExitInfo)
}

type processState struct {
	cancel        context.CancelFunc
	done          chan struct{}
	logs          *logRing
	instanceID    string
	startedAt     time.Time
	stopRequested atomic.Bool
}

// Supervisor starts and stops broadcast processes and keeps the stream store
// consistent with what is actually running.
type Supervisor struct {
	repo        storage.Repository
	history     history.Sink
	runner      Runner
	logger      *slog.Logger
	clock       func() time.Time
	logLines    int
	stopTimeout time.Duration
	onExit      func(ExitInfo)

	mu    sync.Mutex
	procs map[string]*processState
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Repo == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	s := &Supervisor{
		repo:        cfg.Repo,
		history:     cfg.History,
		runner:      cfg.Runner,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		logLines:    cfg.LogLines,
		stopTimeout: cfg.StopTimeout,
		onExit:      cfg.OnExit,
		procs:       make(map[string]*processState),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = 15 * time.Second
	}
	return s, nil
}

// Start launches the broadcast process for a stream and flips it live.
// instanceID, when non-empty, ties the run to a scheduled instance that will
// be finished when the process exits.
func (s *Supervisor) Start(ctx context.Context, streamID, instanceID string) (models.Stream, error) {
	stream, ok := s.repo.GetStream(streamID)
	if !ok || stream.Deleted() {
		return models.Stream{}, fmt.Errorf("stream %s: %w", streamID, storage.ErrNotFound)
	}
	if !stream.HasSource() {
		return models.Stream{}, fmt.Errorf("stream %s: %w", streamID, ErrMissingSource)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	proc := &processState{
		cancel:     cancel,
		done:       make(chan struct{}),
		logs:       newLogRing(s.logLines),
		instanceID: instanceID,
		startedAt:  s.clock(),
	}

	s.mu.Lock()
	if _, exists := s.procs[streamID]; exists {
		s.mu.Unlock()
		cancel()
		return models.Stream{}, fmt.Errorf("stream %s: %w", streamID, ErrAlreadyRunning)
	}
	s.procs[streamID] = proc
	s.mu.Unlock()

	handle, err := s.runner.Start(procCtx, stream, proc.logs)
	if err != nil {
		s.mu.Lock()
		delete(s.procs, streamID)
		s.mu.Unlock()
		cancel()
		if instanceID != "" {
			if _, ferr := s.repo.FinishInstance(instanceID, models.InstanceFailed); ferr != nil {
				s.logger.Error("record failed instance", "instance", instanceID, "error", ferr)
			}
		}
		return models.Stream{}, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	start := proc.startedAt
	live, err := s.repo.SetStreamStatus(streamID, models.StreamLive, start)
	if err != nil {
		s.logger.Error("mark stream live", "stream", streamID, "error", err)
		live = stream
	}
	if _, err := s.repo.SetStreamRuntime(streamID, &start, nil); err != nil {
		s.logger.Error("record stream start", "stream", streamID, "error", err)
	}
	s.logger.Info("broadcast started", "stream", streamID, "title", live.Title, "instance", instanceID)

	go s.watch(streamID, proc, handle)
	return live, nil
}

func (s *Supervisor) watch(streamID string, proc *processState, handle Handle) {
	err := handle.Wait()
	stopped := proc.stopRequested.Load()
	abnormal := err != nil && !stopped

	s.mu.Lock()
	delete(s.procs, streamID)
	s.mu.Unlock()

	message := ""
	if err != nil {
		message = err.Error()
	}
	if abnormal {
		s.logger.Warn("broadcast exited abnormally", "stream", streamID, "error", err)
	} else {
		s.logger.Info("broadcast finished", "stream", streamID)
	}

	now := s.clock()
	start := proc.startedAt
	if _, serr := s.repo.SetStreamStatus(streamID, models.StreamOffline, now); serr != nil {
		s.logger.Error("mark stream offline", "stream", streamID, "error", serr)
	}
	if _, serr := s.repo.SetStreamRuntime(streamID, &start, &now); serr != nil {
		s.logger.Error("record stream end", "stream", streamID, "error", serr)
	}
	if proc.instanceID != "" {
		status := models.InstanceCompleted
		if abnormal {
			status = models.InstanceFailed
		}
		if _, ferr := s.repo.FinishInstance(proc.instanceID, status); ferr != nil && !errors.Is(ferr, storage.ErrNotFound) {
			s.logger.Error("finish instance", "instance", proc.instanceID, "error", ferr)
		}
	}
	s.recordHistory(streamID, &start, now, abnormal, message)

	if s.onExit != nil {
		s.onExit(ExitInfo{
			StreamID:   streamID,
			InstanceID: proc.instanceID,
			Abnormal:   abnormal,
			Message:    message,
		})
	}
	proc.cancel()
	close(proc.done)
}

func (s *Supervisor) recordHistory(streamID string, start *time.Time, end time.Time, abnormal bool, message string) {
	if s.history == nil {
		return
	}
	stream, ok := s.repo.GetStream(streamID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.history.Append(ctx, models.HistoryEntry{
		StreamID:    streamID,
		UserID:      stream.UserID,
		Title:       stream.Title,
		Platform:    stream.Platform,
		Encode:      stream.Encode,
		StartedAt:   start,
		EndedAt:     end,
		Abnormal:    abnormal,
		ExitMessage: message,
	})
	if err != nil {
		s.logger.Error("append history entry", "stream", streamID, "error", err)
	}
}

// Stop terminates the broadcast process for a stream and waits for its exit
// to be recorded. Cancellation asks the process to terminate; the runner
// escalates to a kill after its grace period, so a slow exit is not a
// failure. Stopping a stream with no process is a no-op.
func (s *Supervisor) Stop(ctx context.Context, streamID string) error {
	s.mu.Lock()
	proc, ok := s.procs[streamID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	proc.stopRequested.Store(true)
	proc.cancel()
	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.logger.Warn("broadcast still exiting after stop timeout", "stream", streamID)
		return nil
	}
}

// IsActive reports whether a broadcast process exists for the stream.
func (s *Supervisor) IsActive(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[streamID]
	return ok
}

// ActiveStreams returns the ids of all streams with a broadcast process.
func (s *Supervisor) ActiveStreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

// Logs returns up to n recent output lines from the stream's current
// broadcast process, oldest first.
func (s *Supervisor) Logs(streamID string, n int) []string {
	s.mu.Lock()
	proc, ok := s.procs[streamID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return proc.logs.Tail(n)
}

// ReconcileStartup repairs state left behind by an unclean shutdown: streams
// persisted as live have no process after a restart, so they are flipped
// offline and the interrupted run is recorded. Returns the number of streams
// repaired.
func (s *Supervisor) ReconcileStartup(ctx context.Context) int {
	repaired := 0
	for _, stream := range s.repo.ListStreamsByStatus(models.StreamLive) {
		if s.IsActive(stream.ID) {
			continue
		}
		now := s.clock()
		if _, err := s.repo.SetStreamStatus(stream.ID, models.StreamOffline, now); err != nil {
			s.logger.Error("reconcile stream", "stream", stream.ID, "error", err)
			continue
		}
		if _, err := s.repo.SetStreamRuntime(stream.ID, stream.StartTime, &now); err != nil {
			s.logger.Error("reconcile stream runtime", "stream", stream.ID, "error", err)
		}
		s.recordHistory(stream.ID, stream.StartTime, now, true, "interrupted by restart")
		s.logger.Warn("reconciled orphaned live stream", "stream", stream.ID, "title", stream.Title)
		repaired++
		select {
		case <-ctx.Done():
			return repaired
		default:
		}
	}
	return repaired
}

// StopAll terminates every broadcast process, used during shutdown.
func (s *Supervisor) StopAll(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, id := range s.ActiveStreams() {
		id := id
		group.Go(func() error {
			return s.Stop(ctx, id)
		})
	}
	return group.Wait()
}
