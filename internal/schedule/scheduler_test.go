package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/pharmrag/internal/metrics"
)

type blockingJob struct {
	name    string
	runs    atomic.Int32
	release chan struct{}
	started chan struct{}
	err     error
}

func (j *blockingJob) Name() string { return j.name }

func (j *blockingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.started != nil {
		close(j.started)
	}
	if j.release != nil {
		<-j.release
	}
	return j.err
}

func TestAddJobRejectsBadSpec(t *testing.T) {
	s := NewCronScheduler()
	require.Error(t, s.AddJob(&blockingJob{name: "bad"}, "not a spec"))
	require.NoError(t, s.AddJob(&blockingJob{name: "ok"}, "0 3 * * *"))
	require.NoError(t, s.AddJob(&blockingJob{name: "ok"}, "0 4 * * *"))
	require.Len(t, s.cron.Entries(), 1)
}

func TestWrapSkipsOverlappingRuns(t *testing.T) {
	s := NewCronScheduler()
	job := &blockingJob{name: "overlap", release: make(chan struct{}), started: make(chan struct{})}
	run := s.wrap(job)

	done := make(chan struct{})
	go func() {
		run()
		close(done)
	}()
	<-job.started
	run()
	close(job.release)
	<-done

	require.Equal(t, int32(1), job.runs.Load())
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRuns.WithLabelValues("overlap", "skipped")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRuns.WithLabelValues("overlap", "ok")))
}

func TestWrapCountsFailures(t *testing.T) {
	s := NewCronScheduler()
	s.Start(context.Background())
	defer s.Stop()
	job := &blockingJob{name: "failing", err: errors.New("db down")}
	s.wrap(job)()
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRuns.WithLabelValues("failing", "error")))
}
