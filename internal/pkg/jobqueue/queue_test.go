package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, workers int) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueueWithClient(client, workers), mr
}

// TestNewQueue tests the queue constructor
func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue, _ := newTestQueue(t, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
		})
	}
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_stats", JobStatsKey)

	assert.Equal(t, 3, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

func TestEnqueueJobStoresPayload(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	job, err := q.EnqueueJob(ctx, JobTypeBillingTask, map[string]interface{}{"kind": "sale", "order_id": 12})
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobTypeBillingTask, stored.Type)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Equal(t, "sale", stored.Payload["kind"])
	// JSON numbers come back as float64.
	assert.Equal(t, float64(12), stored.Payload["order_id"])

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusPending])
}

func TestProcessJobSuccessRemovesJob(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	var calls int32
	q.RegisterHandler(JobTypeBillingTask, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	_, err := q.EnqueueJob(ctx, JobTypeBillingTask, map[string]interface{}{"kind": "sale"})
	require.NoError(t, err)

	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	_, err = q.GetJob(ctx, job.ID)
	assert.True(t, errors.Is(err, redis.Nil))

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
}

func TestProcessJobFailureSchedulesRetry(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	q.retryDelay = time.Hour
	ctx := context.Background()

	q.RegisterHandler(JobTypeBillingTask, func(ctx context.Context, job *Job) error {
		return fmt.Errorf("smtp down")
	})

	_, err := q.EnqueueJob(ctx, JobTypeBillingTask, nil)
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)

	q.processJob(ctx, job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "smtp down", stored.ErrorMsg)
}

func TestProcessJobPermanentFailure(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	_, err := q.EnqueueJob(ctx, JobType("unregistered"), nil)
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)

	q.processJob(ctx, job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.False(t, stored.IsRetryable())
}

func TestRecoverStuck(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	_, err := q.EnqueueJob(ctx, JobTypeBillingTask, nil)
	require.NoError(t, err)
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	assert.Equal(t, 0, q.recoverStuck(ctx, time.Hour, time.Now()))
	assert.Equal(t, 1, q.recoverStuck(ctx, time.Hour, time.Now().Add(2*time.Hour)))

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestWorkersDrainQueue(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx := context.Background()

	var calls int32
	q.RegisterHandler(JobTypeBillingTask, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	for i := 0; i < 5; i++ {
		_, err := q.EnqueueJob(ctx, JobTypeBillingTask, map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	q.Start()
	defer q.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 5
	}, 5*time.Second, 20*time.Millisecond)
}
