package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/clock"
)

// Syncer is what the scheduler drives; Engine implements it.
type Syncer interface {
	Sync(ctx context.Context, centerID id.CenterID) (Result, error)
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs one periodic sync loop per center. Loop errors are logged
// and retried on the next tick; they never stop the scheduler.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	group   *errgroup.Group
	loops   map[id.CenterID]*loop
	centers []id.CenterID
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func NewScheduler(syncer Syncer, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		syncer:   syncer,
		interval: interval,
		clock:    clock.Real(),
		logger:   slog.Default(),
		loops:    make(map[id.CenterID]*loop),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a center. Centers added before Run start with it; centers
// added while running start immediately.
func (s *Scheduler) Add(centerID id.CenterID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.centers = append(s.centers, centerID)
	if s.group != nil {
		s.startLocked(centerID)
	}
}

// Run blocks until ctx is done, running every registered center's loop.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	if s.group != nil {
		s.mu.Unlock()
		return errors.New("sync scheduler already running")
	}
	s.ctx, s.group = gctx, g
	for _, centerID := range s.centers {
		s.startLocked(centerID)
	}
	s.mu.Unlock()

	// Keeps the group alive while Restart swaps loops.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()

	s.mu.Lock()
	s.group, s.ctx = nil, nil
	clear(s.loops)
	s.mu.Unlock()
	return err
}

// Restart cancels the center's loop, waits for it to stop at an item
// boundary and starts a fresh one. It is a no-op when the scheduler is not
// running.
func (s *Scheduler) Restart(centerID id.CenterID) {
	s.mu.Lock()
	old := s.loops[centerID]
	delete(s.loops, centerID)
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		return
	}
	if _, running := s.loops[centerID]; !running {
		s.startLocked(centerID)
	}
	s.logger.Info("sync loop restarted", "center_id", centerID)
}

func (s *Scheduler) startLocked(centerID id.CenterID) {
	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	s.loops[centerID] = l
	s.group.Go(func() error {
		defer close(l.done)
		s.loop(ctx, centerID)
		return nil
	})
}

func (s *Scheduler) loop(ctx context.Context, centerID id.CenterID) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.syncOnce(ctx, centerID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx, centerID)
		}
	}
}

func (s *Scheduler) syncOnce(ctx context.Context, centerID id.CenterID) {
	if _, err := s.syncer.Sync(ctx, centerID); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "sync pass failed; retrying next tick", "center_id", centerID, "error", err)
	}
}
