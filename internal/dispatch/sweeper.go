package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// Sweeper defaults.
const (
	DefaultSweepSchedule    = "@every 30s"
	DefaultSweepBatchSize   = 50
	DefaultSweepConcurrency = 4

	// maxDeferredScan bounds how many not-yet-due events one sweep looks
	// past, as a multiple of the batch size.
	maxDeferredScan = 10
)

// EventDispatcher is the slice of *Dispatcher the sweeper needs.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt *schema.Event) (*DispatchResult, error)
}

// SweepConfig configures a Sweeper.
type SweepConfig struct {
	Schedule    string // cron spec or descriptor, e.g. "*/5 * * * *" or "@every 30s"
	BatchSize   int
	Concurrency int
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Fetched    int `json:"fetched"`
	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
}

// Sweeper picks up unprocessed events on a schedule: queued emissions,
// deliveries whose webhook was lost, events left behind by a crash.
type Sweeper struct {
	events     store.EventStore
	dispatcher EventDispatcher
	schedule   cron.Schedule
	cfg        SweepConfig
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // event IDs currently dispatched by this sweeper
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSweeper creates a Sweeper. A nil logger uses slog.Default().
func NewSweeper(events store.EventStore, dispatcher EventDispatcher, cfg SweepConfig, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSweepConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := scheduleParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		events:     events,
		dispatcher: dispatcher,
		schedule:   schedule,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}, nil
}

// Start launches the background sweep loop. The first sweep runs
// immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(sweepCtx, s.done)
	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule, "batch_size", s.cfg.BatchSize)
	return nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.tick(ctx)
	for {
		now := time.Now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	stats, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if stats.Fetched > 0 {
		s.logger.Info("sweep finished",
			"fetched", stats.Fetched,
			"dispatched", stats.Dispatched,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
			"deferred", stats.Deferred,
		)
	}
}

// SweepOnce fetches one batch of due unprocessed events and dispatches them
// with bounded concurrency. Events whose delay_until lies in the future are
// left for a later sweep and the fetch widens past them, so they never hold
// up the events behind them. A failing event is logged and counted; it does
// not abort the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepStats, error) {
	fetched, batch, err := s.fetchDue(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		stats = &SweepStats{Fetched: fetched, Deferred: fetched - len(batch)}
		g     errgroup.Group
	)
	count := func(f func()) {
		mu.Lock()
		defer mu.Unlock()
		f()
	}
	g.SetLimit(s.cfg.Concurrency)

	for _, evt := range batch {
		if ctx.Err() != nil {
			break
		}
		if !s.tryAcquire(evt.ID) {
			count(func() { stats.Skipped++ })
			continue
		}
		g.Go(func() error {
			defer s.release(evt.ID)
			res, err := s.dispatcher.Dispatch(ctx, evt)
			switch {
			case err != nil:
				s.logger.Warn("sweep dispatch failed", "event_id", evt.ID, "type", evt.Type, "error", err)
				count(func() { stats.Failed++ })
			case res.Skipped:
				count(func() { stats.Skipped++ })
			default:
				count(func() { stats.Dispatched++ })
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats, ctx.Err()
}

// fetchDue returns how many unprocessed events were read and the due ones
// among them, at most one batch.
func (s *Sweeper) fetchDue(ctx context.Context) (int, []*schema.Event, error) {
	limit := s.cfg.BatchSize
	maxLimit := s.cfg.BatchSize * maxDeferredScan
	for {
		rows, err := s.events.FetchUnprocessedEvents(ctx, limit)
		if err != nil {
			return 0, nil, fmt.Errorf("fetch unprocessed events: %w", err)
		}
		now := s.now()
		due := make([]*schema.Event, 0, s.cfg.BatchSize)
		deferred := 0
		for _, evt := range rows {
			if until, ok := evt.DelayUntil(); ok && until.After(now) {
				deferred++
				continue
			}
			if len(due) < s.cfg.BatchSize {
				due = append(due, evt)
			}
		}
		if len(due) == s.cfg.BatchSize || len(rows) < limit || limit >= maxLimit {
			return len(due) + deferred, due, nil
		}
		limit = min(s.cfg.BatchSize+deferred, maxLimit)
	}
}

// RecoverBacklog sweeps repeatedly until a batch comes back short, draining
// events left unprocessed while the process was down.
func (s *Sweeper) RecoverBacklog(ctx context.Context) (*SweepStats, error) {
	total := &SweepStats{}
	for {
		stats, err := s.SweepOnce(ctx)
		if err != nil {
			return total, err
		}
		total.Fetched += stats.Fetched
		total.Dispatched += stats.Dispatched
		total.Skipped += stats.Skipped
		total.Failed += stats.Failed
		total.Deferred += stats.Deferred

		// Stop on a short batch, or when nothing moved so failing events
		// cannot keep the loop spinning.
		if stats.Fetched-stats.Deferred < s.cfg.BatchSize || stats.Dispatched == 0 {
			break
		}
	}
	if total.Fetched > 0 {
		s.logger.Info("recovered event backlog", "dispatched", total.Dispatched, "failed", total.Failed)
	}
	return total, nil
}

// Stop cancels the loop and waits for the sweep in progress to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
