// Package worker schedules the sync passes as single-flight jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"shipsync/internal/core/apperror"
	appctx "shipsync/internal/core/context"
	"shipsync/pkg/logger"
)

// Body runs one pass. backlog=true asks for an immediate follow-up pass.
type Body func(ctx context.Context) (backlog bool, err error)

// JobConfig describes a periodic job.
type JobConfig struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single pass; keep it below Interval.
	Timeout time.Duration
	// MaxBacklogPasses caps back-to-back passes on a backlog signal.
	MaxBacklogPasses int
	// Grace bounds the wait for a timed-out body to return. A body still
	// running after it holds back the next pass.
	Grace time.Duration
}

// Observer receives job lifecycle notifications.
type Observer interface {
	PassFinished(job string, elapsed time.Duration, err error)
	Deferred(job string, reason string)
}

// Snapshot is the externally visible state of a job.
type Snapshot struct {
	Name        string        `json:"name"`
	Running     bool          `json:"running"`
	Pending     bool          `json:"pending"`
	Runs        int64         `json:"runs"`
	Failures    int64         `json:"failures"`
	LastStart   time.Time     `json:"last_start,omitzero"`
	LastRunID   string        `json:"last_run_id,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	LastElapsed time.Duration `json:"last_elapsed"`
}

// Job is a single-flight periodic task. A trigger while the job runs, or
// while any job it is blocked by runs, only records a pending re-run.
type Job struct {
	cfg  JobConfig
	body Body
	log  *logger.Logger
	obs  Observer

	running atomic.Bool
	pending atomic.Bool

	blockers   []*Job
	dependents []*Job

	// inflight tracks dependent re-triggers spawned by this job.
	inflight sync.WaitGroup

	// straggler is the result channel of a body abandoned after its timeout.
	// Only touched by the goroutine holding running.
	straggler <-chan outcome

	mu   sync.Mutex
	snap Snapshot
}

var errStillRunning = errors.New("previous pass still running")

func NewJob(cfg JobConfig, body Body, log *logger.Logger) *Job {
	if cfg.MaxBacklogPasses <= 0 {
		cfg.MaxBacklogPasses = 5
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Job{
		cfg:  cfg,
		body: body,
		log:  log.WithComponent("job").With("job", cfg.Name),
		snap: Snapshot{Name: cfg.Name},
	}
}

func (j *Job) Name() string { return j.cfg.Name }

func (j *Job) Config() JobConfig { return j.cfg }

// SetObserver installs o. Call before the job is triggered.
func (j *Job) SetObserver(o Observer) { j.obs = o }

// BlockedBy makes j wait for blocker: triggers during a blocker run are
// deferred, and j is re-triggered when the blocker finishes.
func (j *Job) BlockedBy(blocker *Job) {
	j.blockers = append(j.blockers, blocker)
	blocker.dependents = append(blocker.dependents, j)
}

func (j *Job) blocked() bool {
	for _, b := range j.blockers {
		if b.running.Load() {
			return true
		}
	}
	return false
}

func (j *Job) deferRun(reason string) {
	j.pending.Store(true)
	if j.obs != nil {
		j.obs.Deferred(j.cfg.Name, reason)
	}
	j.log.Debugw("run deferred", "reason", reason)
}

// Trigger runs the job in the calling goroutine unless it is already
// running or blocked. Returns whether this call ran the job.
func (j *Job) Trigger(ctx context.Context) bool {
	if j.blocked() {
		j.deferRun("blocked")
		return false
	}
	if !j.running.CompareAndSwap(false, true) {
		j.deferRun("running")
		return false
	}

	for {
		j.pending.Store(false)
		j.runPasses(ctx)
		if ctx.Err() == nil && !j.blocked() && j.pending.Load() {
			continue
		}

		j.running.Store(false)
		// A trigger may have landed between the check and the release.
		if ctx.Err() != nil || j.blocked() || !j.pending.Load() {
			break
		}
		if !j.running.CompareAndSwap(false, true) {
			break
		}
	}

	j.wakeDependents(ctx)
	return true
}

func (j *Job) wakeDependents(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for _, d := range j.dependents {
		if !d.pending.Load() {
			continue
		}
		j.inflight.Add(1)
		go func(d *Job) {
			defer j.inflight.Done()
			d.Trigger(ctx)
		}(d)
	}
}

// Wait blocks until dependent runs spawned by j have returned.
func (j *Job) Wait() { j.inflight.Wait() }

func (j *Job) runPasses(ctx context.Context) {
	for pass := 1; ; pass++ {
		backlog, err := j.runOnce(ctx)
		if err != nil || !backlog || ctx.Err() != nil {
			return
		}
		if pass >= j.cfg.MaxBacklogPasses {
			j.log.Infow("backlog pass cap reached, resuming next tick", "passes", pass)
			return
		}
		j.log.Debugw("backlog detected, running again", "pass", pass)
	}
}

type outcome struct {
	backlog bool
	err     error
}

// awaitStraggler waits up to the grace period for an abandoned body.
func (j *Job) awaitStraggler(ctx context.Context) bool {
	if j.straggler == nil {
		return true
	}
	t := time.NewTimer(j.cfg.Grace)
	defer t.Stop()
	select {
	case <-j.straggler:
		j.straggler = nil
		return true
	case <-ctx.Done():
	case <-t.C:
	}
	return false
}

// runOnce executes the body under the job timeout. On timeout the body gets
// a canceled context and the grace period to return; past that it is
// abandoned, and no further pass starts until it has returned.
func (j *Job) runOnce(ctx context.Context) (bool, error) {
	if !j.awaitStraggler(ctx) {
		j.record(0, errStillRunning)
		j.log.Warnw("pass skipped", "error", errStillRunning)
		return false, errStillRunning
	}

	run := appctx.NewRun(j.cfg.Name)
	runCtx := appctx.WithRun(ctx, run)
	runCtx = logger.WithLogger(runCtx, j.log)

	var cancel context.CancelFunc
	if j.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, j.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	defer cancel()

	start := time.Now()
	j.mu.Lock()
	j.snap.LastStart = start
	j.snap.LastRunID = run.RunID
	j.mu.Unlock()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				j.log.Errorw("job panicked", "run_id", run.RunID, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: apperror.NewInternal(fmt.Errorf("job %s panicked: %v", j.cfg.Name, r))}
			}
		}()
		backlog, err := j.body(runCtx)
		done <- outcome{backlog: backlog, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			res.err = ctx.Err()
		} else {
			res.err = apperror.NewTimeout(j.cfg.Name, j.cfg.Timeout)
		}
		j.straggler = done
		if !j.awaitStraggler(ctx) {
			j.log.Warnw("body ignored cancellation, abandoned", "run_id", run.RunID, "grace", j.cfg.Grace)
		}
	}

	elapsed := time.Since(start)
	j.record(elapsed, res.err)
	if j.obs != nil {
		j.obs.PassFinished(j.cfg.Name, elapsed, res.err)
	}

	switch {
	case res.err == nil:
		j.log.Debugw("pass finished", "run_id", run.RunID, "elapsed", elapsed, "backlog", res.backlog)
	case errors.Is(res.err, context.Canceled):
		j.log.Infow("pass canceled", "run_id", run.RunID)
	default:
		j.log.Errorw("pass failed", "run_id", run.RunID, "elapsed", elapsed, "error", res.err)
	}
	return res.backlog, res.err
}

func (j *Job) record(elapsed time.Duration, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.Runs++
	j.snap.LastElapsed = elapsed
	j.snap.LastError = ""
	if err != nil {
		j.snap.Failures++
		j.snap.LastError = err.Error()
	}
}

// Snapshot returns the current job state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	s := j.snap
	j.mu.Unlock()
	s.Running = j.running.Load()
	s.Pending = j.pending.Load()
	return s
}
