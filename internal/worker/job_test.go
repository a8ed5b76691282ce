package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"shipsync/internal/core/apperror"
	appctx "shipsync/internal/core/context"
	"shipsync/internal/domain/aggregation"
	"shipsync/internal/domain/replication"
	"shipsync/internal/domain/staging"
	"shipsync/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestJob(name string, body Body) *Job {
	return NewJob(JobConfig{Name: name, Timeout: time.Second, MaxBacklogPasses: 3}, body, logger.Nop())
}

// gate blocks a body until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) body(context.Context) (bool, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	<-g.release
	return false, nil
}

func TestJob_SingleFlightWithPendingRerun(t *testing.T) {
	g := newGate()
	j := newTestJob("replicate", g.body)

	done := make(chan bool)
	go func() { done <- j.Trigger(context.Background()) }()
	<-g.started

	assert.False(t, j.Trigger(context.Background()), "overlapping trigger must not start a second run")
	assert.False(t, j.Trigger(context.Background()))
	snap := j.Snapshot()
	assert.True(t, snap.Running)
	assert.True(t, snap.Pending)

	close(g.release)
	assert.True(t, <-done)

	// Two overlapping triggers collapse into one re-run.
	assert.Equal(t, int32(2), g.calls.Load())
	snap = j.Snapshot()
	assert.False(t, snap.Running)
	assert.False(t, snap.Pending)
	assert.Equal(t, int64(2), snap.Runs)
}

func TestJob_BlockedJobRunsAfterBlocker(t *testing.T) {
	g := newGate()
	replicate := newTestJob("replicate", g.body)

	var staged atomic.Int32
	stage := newTestJob("stage", func(context.Context) (bool, error) {
		staged.Add(1)
		return false, nil
	})
	stage.BlockedBy(replicate)

	done := make(chan struct{})
	go func() {
		replicate.Trigger(context.Background())
		close(done)
	}()
	<-g.started

	assert.False(t, stage.Trigger(context.Background()))
	assert.Zero(t, staged.Load())
	assert.True(t, stage.Snapshot().Pending)

	close(g.release)
	<-done
	replicate.Wait()

	assert.Equal(t, int32(1), staged.Load())
	assert.False(t, stage.Snapshot().Pending)
}

func TestJob_UnblockedDependentIsNotWoken(t *testing.T) {
	replicate := newTestJob("replicate", func(context.Context) (bool, error) { return false, nil })
	var staged atomic.Int32
	stage := newTestJob("stage", func(context.Context) (bool, error) {
		staged.Add(1)
		return false, nil
	})
	stage.BlockedBy(replicate)

	replicate.Trigger(context.Background())
	replicate.Wait()
	assert.Zero(t, staged.Load())
}

func TestJob_BacklogLoopIsCapped(t *testing.T) {
	var calls atomic.Int32
	j := newTestJob("replicate", func(context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	})

	require.True(t, j.Trigger(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestJob_BacklogStopsOnError(t *testing.T) {
	var calls atomic.Int32
	j := newTestJob("replicate", func(context.Context) (bool, error) {
		calls.Add(1)
		return true, errors.New("boom")
	})

	j.Trigger(context.Background())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), j.Snapshot().Failures)
}

func TestJob_TimeoutReleasesJob(t *testing.T) {
	exited := make(chan struct{})
	j := NewJob(JobConfig{Name: "aggregate", Timeout: 20 * time.Millisecond}, func(ctx context.Context) (bool, error) {
		defer close(exited)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return false, ctx.Err()
	}, logger.Nop())

	require.True(t, j.Trigger(context.Background()))
	<-exited

	snap := j.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Contains(t, snap.LastError, "timed out")
}

func TestJob_AbandonedBodyHoldsBackNextPass(t *testing.T) {
	release := make(chan struct{})
	var calls, active, overlap atomic.Int32
	j := NewJob(JobConfig{Name: "replicate", Timeout: 20 * time.Millisecond, Grace: 200 * time.Millisecond}, func(context.Context) (bool, error) {
		if active.Add(1) > 1 {
			overlap.Add(1)
		}
		defer active.Add(-1)
		if calls.Add(1) == 1 {
			<-release // ignores cancellation
		}
		return false, nil
	}, logger.Nop())

	require.True(t, j.Trigger(context.Background()))
	assert.False(t, j.Snapshot().Running)
	assert.Contains(t, j.Snapshot().LastError, "timed out")

	require.True(t, j.Trigger(context.Background()))
	assert.Equal(t, int32(1), calls.Load(), "no pass starts while the abandoned body runs")
	assert.Contains(t, j.Snapshot().LastError, "still running")

	close(release)
	require.True(t, j.Trigger(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, overlap.Load())
	assert.Empty(t, j.Snapshot().LastError)
}

func TestJob_PanicIsRecovered(t *testing.T) {
	var calls atomic.Int32
	j := newTestJob("stage", func(context.Context) (bool, error) {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return false, nil
	})

	require.True(t, j.Trigger(context.Background()))
	snap := j.Snapshot()
	assert.Equal(t, int64(1), snap.Failures)
	assert.Contains(t, snap.LastError, "panicked")

	require.True(t, j.Trigger(context.Background()), "job must be runnable after a panic")
	assert.Equal(t, int64(1), j.Snapshot().Failures)
}

func TestJob_RunContextCarriesRunInfo(t *testing.T) {
	var got *appctx.RunInfo
	j := newTestJob("aggregate", func(ctx context.Context) (bool, error) {
		got = appctx.GetRun(ctx)
		return false, nil
	})

	j.Trigger(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "aggregate", got.Job)
	assert.Equal(t, got.RunID, j.Snapshot().LastRunID)
}

func TestJob_ObserverReceivesOutcomes(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	j := newTestJob("aggregate", func(context.Context) (bool, error) {
		return false, apperror.NewTimeout("aggregate", time.Second)
	})
	j.SetObserver(m)

	j.Trigger(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassesTotal.WithLabelValues("aggregate", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PassesTotal.WithLabelValues("aggregate", "success")))
}

type stubReplicator struct{ res replication.PassResult }

func (s stubReplicator) ReplicateAll(context.Context) (replication.PassResult, error) {
	return s.res, nil
}

type stubStager struct{ calls atomic.Int32 }

func (s *stubStager) StageAll(context.Context) (staging.PassResult, error) {
	s.calls.Add(1)
	return staging.PassResult{Events: 4}, nil
}

type stubAggregator struct{ calls atomic.Int32 }

func (a *stubAggregator) RunPendingTodayPass(context.Context) (aggregation.PassResult, error) {
	a.calls.Add(1)
	return aggregation.PassResult{Processed: 2, Keys: 8, Backlog: true, FailedChunks: 1}, nil
}

func TestPipeline_RunsUntilCanceled(t *testing.T) {
	sch := Schedule{
		ReplicateEvery:   10 * time.Millisecond,
		ReplicateTimeout: 5 * time.Millisecond,
		StageEvery:       10 * time.Millisecond,
		StageTimeout:     5 * time.Millisecond,
		AggregateEvery:   10 * time.Millisecond,
		AggregateTimeout: 5 * time.Millisecond,
		MaxBacklogPasses: 2,
	}
	m := NewMetrics(prometheus.NewRegistry())
	st := &stubStager{}
	ag := &stubAggregator{}
	s := NewPipeline(sch, stubReplicator{}, st, ag, m, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return st.calls.Load() > 0 && ag.calls.Load() > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.NotNil(t, s.Job(JobReplicate))
	assert.Nil(t, s.Job("missing"))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.EventsStagedTotal), 4.0)
}

func TestAggregateBody_FailedChunksStopBacklogLoop(t *testing.T) {
	ag := &stubAggregator{}
	backlog, err := AggregateBody(ag, nil)(context.Background())
	require.NoError(t, err)
	assert.False(t, backlog)
}
