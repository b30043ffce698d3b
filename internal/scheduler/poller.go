// Package scheduler turns persisted schedule state into broadcast starts and
// stops. The poller watches for due work inside a lookahead window and the
// duration guard enforces configured run lengths.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
	"streamcast/internal/supervisor"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultLookahead      = 5 * time.Minute
	DefaultImmediateSlack = 5 * time.Second
	DefaultMissedGrace    = 10 * time.Minute
)

// Starter launches broadcasts. Implemented by supervisor.Supervisor.
type Starter interface {
	Start(ctx context.Context, streamID, instanceID string) (models.Stream, error)
	IsActive(streamID string) bool
}

// Guard receives stop deadlines for streams the poller starts.
type Guard interface {
	Arm(streamID string, stopAt time.Time)
}

// PollerConfig wires a Poller.
type PollerConfig struct {
	Repo    storage.Repository
	Starter Starter
	Guard   Guard
	Logger  *slog.Logger
	Clock   func() time.Time
	// PollInterval is the tick between store scans.
	PollInterval time.Duration
	// Lookahead is how far ahead of now a scan arms timers for upcoming work.
	Lookahead time.Duration
	// ImmediateSlack is the window around now inside which due work starts
	// during the scan itself instead of via a timer.
	ImmediateSlack time.Duration
	// MissedGrace bounds how late a pending occurrence may still start. Work
	// older than this (or past its own duration) is marked failed.
	MissedGrace time.Duration
}

// Poller scans the store for one-off schedule times and pending instances
// falling due, arming a timer for each upcoming occurrence and starting
// anything already due. Scans are the source of truth; timers are an
// optimization, so a lost timer is recovered on the next scan.
type Poller struct {
	repo           storage.Repository
	starter        Starter
	guard          Guard
	logger         *slog.Logger
	clock          func() time.Time
	pollInterval   time.Duration
	lookahead      time.Duration
	immediateSlack time.Duration
	missedGrace    time.Duration

	mu    sync.Mutex
	armed map[string]*time.Timer
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Repo == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Starter == nil {
		return nil, errors.New("starter is required")
	}
	p := &Poller{
		repo:           cfg.Repo,
		starter:        cfg.Starter,
		guard:          cfg.Guard,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		pollInterval:   cfg.PollInterval,
		lookahead:      cfg.Lookahead,
		immediateSlack: cfg.ImmediateSlack,
		missedGrace:    cfg.MissedGrace,
		armed:          make(map[string]*time.Timer),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.clock == nil {
		p.clock = func() time.Time { return time.Now().UTC() }
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	if p.lookahead <= 0 {
		p.lookahead = DefaultLookahead
	}
	if p.immediateSlack <= 0 {
		p.immediateSlack = DefaultImmediateSlack
	}
	if p.missedGrace <= 0 {
		p.missedGrace = DefaultMissedGrace
	}
	return p, nil
}

// Run scans on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	defer p.disarmAll()

	p.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Scan(ctx)
		}
	}
}

// Scan performs one pass over due and upcoming work.
func (p *Poller) Scan(ctx context.Context) {
	now := p.clock()
	horizon := now.Add(p.lookahead)

	for _, stream := range p.repo.ListStreamsDueBetween(now.Add(-p.missedGrace), horizon) {
		stream := stream
		if stream.ScheduleTime == nil {
			continue
		}
		due := *stream.ScheduleTime
		switch {
		case !due.After(now.Add(p.immediateSlack)):
			p.startStream(ctx, stream)
		default:
			p.armTimer("stream:"+stream.ID, due.Sub(now), func() {
				p.fireStream(stream.ID)
			})
		}
	}

	for _, inst := range p.repo.ListPendingInstancesDueBetween(now.Add(-p.missedGrace), horizon) {
		inst := inst
		switch {
		case p.instanceExpired(inst, now):
			p.failMissedInstance(inst)
		case !inst.ScheduledTime.After(now.Add(p.immediateSlack)):
			p.startInstance(ctx, inst)
		default:
			p.armTimer("instance:"+inst.ID, inst.ScheduledTime.Sub(now), func() {
				p.fireInstance(inst.ID)
			})
		}
	}
}

// instanceExpired reports whether the occurrence's whole slot has already
// passed, so starting it now would broadcast outside its window.
func (p *Poller) instanceExpired(inst models.ScheduledInstance, now time.Time) bool {
	slot := p.missedGrace
	if inst.DurationMinutes > 0 {
		slot = time.Duration(inst.DurationMinutes) * time.Minute
	}
	return now.After(inst.ScheduledTime.Add(slot))
}

func (p *Poller) failMissedInstance(inst models.ScheduledInstance) {
	if _, err := p.repo.ClaimInstance(inst.ID, models.InstancePending, models.InstanceFailed); err != nil {
		if !errors.Is(err, storage.ErrInstanceClaimed) {
			p.logger.Error("mark missed occurrence failed", "instance", inst.ID, "error", err)
		}
		return
	}
	p.logger.Warn("missed scheduled occurrence", "instance", inst.ID, "stream", inst.StreamID, "scheduledTime", inst.ScheduledTime)
}

func (p *Poller) armTimer(key string, delay time.Duration, fire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.armed[key]; exists {
		return
	}
	p.armed[key] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.armed, key)
		p.mu.Unlock()
		fire()
	})
}

func (p *Poller) disarmAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, timer := range p.armed {
		timer.Stop()
		delete(p.armed, key)
	}
}

func (p *Poller) fireStream(streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	stream, ok := p.repo.GetStream(streamID)
	if !ok || stream.Status != models.StreamScheduled {
		return
	}
	p.startStream(ctx, stream)
}

func (p *Poller) fireInstance(instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	inst, ok := p.repo.GetInstance(instanceID)
	if !ok || inst.Status != models.InstancePending {
		return
	}
	p.startInstance(ctx, inst)
}

// startStream starts a one-off scheduled stream, materializing an ad hoc
// instance so the run shows up in occurrence history.
func (p *Poller) startStream(ctx context.Context, stream models.Stream) {
	if stream.ScheduleTime == nil || p.starter.IsActive(stream.ID) {
		return
	}
	inst, err := p.repo.CreateInstance(storage.CreateInstanceParams{
		StreamID:        stream.ID,
		UserID:          stream.UserID,
		ScheduledTime:   *stream.ScheduleTime,
		DurationMinutes: stream.DurationMinutes,
	})
	if err != nil {
		p.logger.Error("materialize one-off occurrence", "stream", stream.ID, "error", err)
		return
	}
	p.startInstance(ctx, inst)
}

// startInstance claims a pending occurrence and launches its broadcast. The
// claim is a compare-and-set, so concurrent scans and timers race safely: the
// loser sees the occurrence already claimed and backs off.
func (p *Poller) startInstance(ctx context.Context, inst models.ScheduledInstance) {
	claimed, err := p.repo.ClaimInstance(inst.ID, models.InstancePending, models.InstanceRunning)
	if err != nil {
		if !errors.Is(err, storage.ErrInstanceClaimed) {
			p.logger.Error("claim occurrence", "instance", inst.ID, "error", err)
		}
		return
	}

	stream, err := p.starter.Start(ctx, claimed.StreamID, claimed.ID)
	if err != nil {
		// The claim already moved the occurrence to running, so every start
		// failure must land it in a terminal state. A broadcast that is
		// already live counts: no process carries this occurrence's ID, and
		// leaving it running would block the template's next occurrence.
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			p.logger.Warn("broadcast already live at occurrence time", "stream", claimed.StreamID, "instance", claimed.ID)
		} else {
			p.logger.Error("start scheduled broadcast", "stream", claimed.StreamID, "instance", claimed.ID, "error", err)
		}
		if _, ferr := p.repo.FinishInstance(claimed.ID, models.InstanceFailed); ferr != nil && !errors.Is(ferr, storage.ErrNotFound) {
			p.logger.Error("record failed occurrence", "instance", claimed.ID, "error", ferr)
		}
		return
	}

	p.logger.Info("scheduled broadcast started", "stream", stream.ID, "instance", claimed.ID, "scheduledTime", claimed.ScheduledTime)
	if p.guard != nil && claimed.DurationMinutes > 0 {
		p.guard.Arm(stream.ID, p.clock().Add(time.Duration(claimed.DurationMinutes)*time.Minute))
	}
}
