package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/lease"
	testingpkg "github.com/aristath/nextaction/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingJob struct {
	started chan struct{}
	release chan struct{}
	runs    atomic.Int32
}

func newBlockingJob() *blockingJob {
	return &blockingJob{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (j *blockingJob) Name() string { return "blocking" }

func (j *blockingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	j.started <- struct{}{}
	<-j.release
	return nil
}

type failingJob struct{}

func (failingJob) Name() string                  { return "failing" }
func (failingJob) Run(ctx context.Context) error { return errors.New("boom") }

func TestScheduler_OverlappingTickIsSkipped(t *testing.T) {
	s := New(lease.NewLocalGuard(), nil, zerolog.Nop())
	job := newBlockingJob()
	require.NoError(t, s.AddJob("@every 1h", job))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "blocking") }()
	<-job.started

	err := s.RunNow(context.Background(), "blocking")
	assert.True(t, errors.Is(err, domain.ErrTickInProgress))

	status := s.Status()
	require.Len(t, status.Jobs, 1)
	assert.True(t, status.Jobs[0].Processing)
	assert.Equal(t, 1, status.Jobs[0].Skipped)

	close(job.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), job.runs.Load())

	status = s.Status()
	assert.False(t, status.Jobs[0].Processing)
	assert.NotNil(t, status.Jobs[0].LastRun)
}

func TestScheduler_TickOutlivingLeaseTTLStillExcludesOverlap(t *testing.T) {
	db := testingpkg.NewCoreDB(t)
	s := New(lease.NewSQLiteGuard(db.Conn(), time.Second, zerolog.Nop()), nil, zerolog.Nop())
	job := newBlockingJob()
	require.NoError(t, s.AddJob("@every 1h", job))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "blocking") }()
	<-job.started

	time.Sleep(2100 * time.Millisecond)

	err := s.RunNow(context.Background(), "blocking")
	assert.True(t, errors.Is(err, domain.ErrTickInProgress))

	time.Sleep(900 * time.Millisecond)
	close(job.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), job.runs.Load())
	assert.Equal(t, 1, s.Status().Jobs[0].Skipped)
}

func TestScheduler_RecordsLastError(t *testing.T) {
	s := New(nil, nil, zerolog.Nop())
	require.NoError(t, s.AddJob("@every 1h", failingJob{}))

	err := s.RunNow(context.Background(), "failing")
	assert.EqualError(t, err, "boom")
	assert.Equal(t, "boom", s.Status().Jobs[0].LastError)
}

func TestScheduler_AddJobValidation(t *testing.T) {
	s := New(nil, nil, zerolog.Nop())
	require.NoError(t, s.AddJob("0 */5 * * * *", failingJob{}))

	assert.Error(t, s.AddJob("@every 1m", failingJob{}), "duplicate name")
	assert.Error(t, s.AddJob("not a schedule", newBlockingJob()))
	assert.Error(t, s.RunNow(context.Background(), "missing"))
	assert.Error(t, s.TriggerManually("missing"))
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(nil, nil, zerolog.Nop())
	require.NoError(t, s.AddJob("@every 1h", failingJob{}))

	s.Start()
	s.Start()
	status := s.Status()
	assert.True(t, status.Running)
	require.Len(t, status.Jobs, 1)
	assert.NotNil(t, status.Jobs[0].NextRun)

	s.Stop()
	s.Stop()
	assert.False(t, s.Status().Running)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
