package worker

import (
	"context"
	"sync"
	"time"

	"shipsync/pkg/logger"
)

// Scheduler triggers each job on its own ticker.
type Scheduler struct {
	jobs []*Job
	log  *logger.Logger

	wg sync.WaitGroup
}

func NewScheduler(log *logger.Logger, jobs ...*Job) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		jobs: jobs,
		log:  log.WithComponent("scheduler"),
	}
}

func (s *Scheduler) Jobs() []*Job { return s.jobs }

// Snapshots returns the state of every job in registration order.
func (s *Scheduler) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// Job returns the job registered under name, or nil.
func (s *Scheduler) Job(name string) *Job {
	for _, j := range s.jobs {
		if j.Name() == name {
			return j
		}
	}
	return nil
}

// Run fires every job once, then on each tick, until ctx is done. It returns
// after all in-flight runs have observed the cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	var loops sync.WaitGroup
	for _, j := range s.jobs {
		loops.Add(1)
		go func(j *Job) {
			defer loops.Done()
			s.loop(ctx, j)
		}(j)
	}
	s.log.Infow("scheduler started", "jobs", len(s.jobs))

	loops.Wait()
	s.wg.Wait()
	for _, j := range s.jobs {
		j.Wait()
	}
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j *Job) {
	interval := j.Config().Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.fire(ctx, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, j)
		}
	}
}

// fire triggers j without blocking the ticker, so overlapping ticks reach
// the job and mark it pending.
func (s *Scheduler) fire(ctx context.Context, j *Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		j.Trigger(ctx)
	}()
}
