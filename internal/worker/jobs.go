package worker

import (
	"context"
	"time"

	"shipsync/internal/domain/aggregation"
	"shipsync/internal/domain/replication"
	"shipsync/internal/domain/staging"
	"shipsync/pkg/logger"
)

const (
	JobReplicate = "replicate"
	JobStage     = "stage"
	JobAggregate = "aggregate"
)

type Replicator interface {
	ReplicateAll(ctx context.Context) (replication.PassResult, error)
}

type Stager interface {
	StageAll(ctx context.Context) (staging.PassResult, error)
}

type Aggregator interface {
	RunPendingTodayPass(ctx context.Context) (aggregation.PassResult, error)
}

// Schedule holds the timing of the three jobs.
type Schedule struct {
	ReplicateEvery   time.Duration
	ReplicateTimeout time.Duration
	StageEvery       time.Duration
	StageTimeout     time.Duration
	AggregateEvery   time.Duration
	AggregateTimeout time.Duration
	MaxBacklogPasses int
}

func DefaultSchedule() Schedule {
	return Schedule{
		ReplicateEvery:   120 * time.Second,
		ReplicateTimeout: 100 * time.Second,
		StageEvery:       120 * time.Second,
		StageTimeout:     100 * time.Second,
		AggregateEvery:   30 * time.Second,
		AggregateTimeout: 25 * time.Second,
		MaxBacklogPasses: 5,
	}
}

// NewPipeline builds the replicate, stage and aggregate jobs. Staging and
// aggregation are blocked while replication runs.
func NewPipeline(sch Schedule, r Replicator, s Stager, a Aggregator, m *Metrics, log *logger.Logger) *Scheduler {
	replicate := NewJob(JobConfig{
		Name:             JobReplicate,
		Interval:         sch.ReplicateEvery,
		Timeout:          sch.ReplicateTimeout,
		MaxBacklogPasses: sch.MaxBacklogPasses,
	}, ReplicateBody(r, m), log)

	stage := NewJob(JobConfig{
		Name:             JobStage,
		Interval:         sch.StageEvery,
		Timeout:          sch.StageTimeout,
		MaxBacklogPasses: sch.MaxBacklogPasses,
	}, StageBody(s, m), log)

	aggregate := NewJob(JobConfig{
		Name:             JobAggregate,
		Interval:         sch.AggregateEvery,
		Timeout:          sch.AggregateTimeout,
		MaxBacklogPasses: sch.MaxBacklogPasses,
	}, AggregateBody(a, m), log)

	stage.BlockedBy(replicate)
	aggregate.BlockedBy(replicate)

	jobs := []*Job{replicate, stage, aggregate}
	if m != nil {
		for _, j := range jobs {
			j.SetObserver(m)
		}
	}
	return NewScheduler(log, jobs...)
}

func ReplicateBody(r Replicator, m *Metrics) Body {
	return func(ctx context.Context) (bool, error) {
		res, err := r.ReplicateAll(ctx)
		if m != nil {
			for kind, n := range res.Totals {
				m.RowsReplicatedTotal.WithLabelValues(string(kind)).Add(float64(n))
			}
			m.TenantFailuresTotal.WithLabelValues(JobReplicate).Add(float64(res.Failed))
		}
		return res.Backlog, err
	}
}

func StageBody(s Stager, m *Metrics) Body {
	return func(ctx context.Context) (bool, error) {
		res, err := s.StageAll(ctx)
		if m != nil {
			m.EventsStagedTotal.Add(float64(res.Events))
			m.TenantFailuresTotal.WithLabelValues(JobStage).Add(float64(res.Failed))
		}
		return res.Backlog, err
	}
}

func AggregateBody(a Aggregator, m *Metrics) Body {
	return func(ctx context.Context) (bool, error) {
		res, err := a.RunPendingTodayPass(ctx)
		if m != nil {
			m.EventsProcessed.Add(float64(res.Processed))
			m.IndexKeysApplied.Add(float64(res.Keys))
			m.FailedChunksTotal.Add(float64(res.FailedChunks))
		}
		// Failed chunks leave events pending; let the next tick retry them.
		return res.Backlog && res.FailedChunks == 0, err
	}
}
