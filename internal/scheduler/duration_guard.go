package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

const DefaultDurationScanInterval = time.Minute

// Stopper terminates broadcasts. Implemented by supervisor.Supervisor.
type Stopper interface {
	Stop(ctx context.Context, streamID string) error
	IsActive(streamID string) bool
}

// DurationGuardConfig wires a DurationGuard.
type DurationGuardConfig struct {
	Repo    storage.Repository
	Stopper Stopper
	Logger  *slog.Logger
	Clock   func() time.Time
	// ScanInterval is the tick between sweeps over live streams. The sweep
	// recovers deadlines whose timers were lost, including across restarts.
	ScanInterval time.Duration
	// StopTimeout bounds each guard-initiated stop.
	StopTimeout time.Duration
}

// DurationGuard stops broadcasts whose configured duration has elapsed. A
// timer is armed per started stream; a periodic sweep over live streams
// re-derives deadlines from the persisted start time, so a deadline survives
// lost timers and process restarts.
type DurationGuard struct {
	repo         storage.Repository
	stopper      Stopper
	logger       *slog.Logger
	clock        func() time.Time
	scanInterval time.Duration
	stopTimeout  time.Duration

	mu    sync.Mutex
	armed map[string]*time.Timer
}

func NewDurationGuard(cfg DurationGuardConfig) (*DurationGuard, error) {
	if cfg.Repo == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Stopper == nil {
		return nil, errors.New("stopper is required")
	}
	g := &DurationGuard{
		repo:         cfg.Repo,
		stopper:      cfg.Stopper,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		scanInterval: cfg.ScanInterval,
		stopTimeout:  cfg.StopTimeout,
		armed:        make(map[string]*time.Timer),
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.clock == nil {
		g.clock = func() time.Time { return time.Now().UTC() }
	}
	if g.scanInterval <= 0 {
		g.scanInterval = DefaultDurationScanInterval
	}
	if g.stopTimeout <= 0 {
		g.stopTimeout = 30 * time.Second
	}
	return g, nil
}

// Arm schedules a stop for the stream at stopAt, replacing any existing
// deadline for the same stream.
func (g *DurationGuard) Arm(streamID string, stopAt time.Time) {
	delay := stopAt.Sub(g.clock())
	if delay < 0 {
		delay = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.armed[streamID]; ok {
		existing.Stop()
	}
	g.armed[streamID] = time.AfterFunc(delay, func() {
		g.mu.Lock()
		delete(g.armed, streamID)
		g.mu.Unlock()
		g.expire(streamID, "timer")
	})
}

// HandleStreamStopped disarms the deadline for a stream that has already
// stopped, whatever the reason.
func (g *DurationGuard) HandleStreamStopped(streamID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if timer, ok := g.armed[streamID]; ok {
		timer.Stop()
		delete(g.armed, streamID)
	}
}

// Run sweeps live streams on every tick until ctx is cancelled.
func (g *DurationGuard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.scanInterval)
	defer ticker.Stop()
	defer g.disarmAll()

	g.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Scan(ctx)
		}
	}
}

// Scan performs one sweep: live streams with a configured duration either get
// stopped (deadline passed) or re-armed from their persisted start time.
func (g *DurationGuard) Scan(ctx context.Context) {
	now := g.clock()
	for _, stream := range g.repo.ListStreamsByStatus(models.StreamLive) {
		if stream.DurationMinutes <= 0 || stream.StartTime == nil {
			continue
		}
		deadline := stream.StartTime.Add(time.Duration(stream.DurationMinutes) * time.Minute)
		if now.Before(deadline) {
			g.armIfAbsent(stream.ID, deadline)
			continue
		}
		g.expire(stream.ID, "sweep")
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (g *DurationGuard) armIfAbsent(streamID string, stopAt time.Time) {
	g.mu.Lock()
	_, exists := g.armed[streamID]
	g.mu.Unlock()
	if !exists {
		g.Arm(streamID, stopAt)
	}
}

func (g *DurationGuard) disarmAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, timer := range g.armed {
		timer.Stop()
		delete(g.armed, id)
	}
}

func (g *DurationGuard) expire(streamID, trigger string) {
	if !g.stopper.IsActive(streamID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.stopTimeout)
	defer cancel()
	g.logger.Info("configured duration elapsed, stopping broadcast", "stream", streamID, "trigger", trigger)
	if err := g.stopper.Stop(ctx, streamID); err != nil {
		g.logger.Error("stop expired broadcast", "stream", streamID, "error", err)
	}
}
