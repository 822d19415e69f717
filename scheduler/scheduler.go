// Package scheduler implements the Scheduler (spec §4.7): a single-process
// periodic runner holding a registry of (name, task, interval) entries.
// Grounded on the retry-loop shape of the teacher's watcher engine: one
// ticker and one goroutine per registered entry, coordinated by a shared
// context and WaitGroup.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Entry is one (name, task, interval) registration. Task receives the
// scheduler's context, which is cancelled when Stop is called; overrunning a
// firing does not queue extra firings, the next tick is skipped if the
// previous has not returned.
type Entry struct {
	Name     string
	Interval time.Duration
	Task     func(ctx context.Context) error
}

// Scheduler runs a fixed set of Entries, each on its own ticker.
type Scheduler struct {
	entries []Entry
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler over entries, not yet started.
func New(log *zap.SugaredLogger, entries ...Entry) *Scheduler {
	return &Scheduler{entries: entries, log: log}
}

// Start launches one goroutine per entry.
func (s *Scheduler) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, e := range s.entries {
		s.wg.Add(1)
		go s.run(e)
	}
	s.log.Infow("scheduler started", "entries", len(s.entries))
}

// Stop signals every entry's loop to exit and waits for in-flight firings
// to complete. On shutdown the scheduler stops accepting new firings;
// in-flight tasks run to completion (spec §5).
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(e Entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	var running atomic.Bool

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !running.CompareAndSwap(false, true) {
				s.log.Debugw("skipping firing, previous still running", "task", e.Name)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer running.Store(false)
				s.fire(e)
			}()
		}
	}
}

func (s *Scheduler) fire(e Entry) {
	start := time.Now()
	err := e.Task(s.ctx)
	elapsed := time.Since(start)

	if err != nil {
		s.log.Errorw("task firing failed", "task", e.Name, "elapsed", elapsed, "error", err)
		return
	}
	s.log.Debugw("task firing complete", "task", e.Name, "elapsed", elapsed)
}
