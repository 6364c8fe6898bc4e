package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is extra periodic housekeeping run alongside the index sweep.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Sweeper runs Index.Sweep on a fixed interval, plus any registered tasks.
type Sweeper struct {
	cron     *cron.Cron
	index    *Index
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	onSweep  func(SweepResult)

	mu      sync.Mutex
	entries map[string]cron.EntryID // task name → cron entry
}

// NewSweeper creates a sweeper for index. interval must be positive.
func NewSweeper(index *Index, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cron:     cron.New(),
		index:    index,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]cron.EntryID),
	}
}

// OnSweep registers fn to receive the result of every index sweep. It must
// be called before Start.
func (s *Sweeper) OnSweep(fn func(SweepResult)) {
	s.onSweep = fn
}

// Start schedules the index sweep and every task, then starts the cron
// scheduler.
func (s *Sweeper) Start(tasks ...Task) error {
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sweep := Task{Name: "index-sweep", Interval: s.interval, Run: func(context.Context) error {
		res := s.index.Sweep(s.now())
		if s.onSweep != nil {
			s.onSweep(res)
		}
		if len(res.Evicted) > 0 || res.ExpiredReports > 0 || res.PurgedTombstones > 0 {
			s.logger.Info("index sweep",
				"evicted", len(res.Evicted),
				"skipped_emitting", res.SkippedEmitting,
				"skipped_busy", res.SkippedBusy,
				"expired_reports", res.ExpiredReports,
				"purged_tombstones", res.PurgedTombstones,
			)
		}
		return nil
	}}

	for _, t := range append([]Task{sweep}, tasks...) {
		if err := s.add(t); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "interval", s.interval.String(), "tasks", len(s.entries))
	return nil
}

func (s *Sweeper) add(t Task) error {
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	run := t.Run
	name := t.Name
	entryID, err := s.cron.AddFunc("@every "+t.Interval.String(), func() {
		if err := run(context.Background()); err != nil {
			s.logger.Warn("sweeper task failed", "task", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.entries[name] = entryID
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}
