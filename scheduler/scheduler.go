// Package scheduler triggers dataset syncs on their cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pdok/layersync/catalog"
	"github.com/pdok/layersync/lock"
)

// RunFunc syncs one dataset.
type RunFunc func(ctx context.Context, id string) error

type Scheduler struct {
	cron   *cron.Cron
	run    RunFunc
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(run RunFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLogger{logger})),
		run:     run,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add schedules id on a standard cron expression (or a descriptor like @daily).
func (s *Scheduler) Add(id, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return fmt.Errorf("dataset %s is already scheduled", id)
	}
	entryID, err := s.cron.AddFunc(spec, func() { s.job(id) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for dataset %s: %w", spec, id, err)
	}
	s.entries[id] = entryID
	return nil
}

// Schedule adds every dataset that has a schedule and returns how many it added.
func (s *Scheduler) Schedule(datasets []catalog.Dataset) (int, error) {
	n := 0
	for _, d := range datasets {
		if d.Schedule == "" {
			continue
		}
		if err := s.Add(d.ID, d.Schedule); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Scheduler) job(id string) {
	s.logger.Info("scheduled sync", "dataset", id)
	err := s.run(s.ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrLocked):
		s.logger.Info("skipped scheduled sync, dataset still in flight", "dataset", id)
	default:
		// the failure event carries the details
		s.logger.Debug("scheduled sync failed", "dataset", id, "error", err)
	}
}

// Next returns the next activation of id.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(entryID).Next
	return next, !next.IsZero()
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running syncs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// cronLogger sends cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
