package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
	"github.com/sapientpants/doctrans-sub001/internal/retry"
	badgerstorage "github.com/sapientpants/doctrans-sub001/internal/storage/badger"
)

func newTestStorage(t *testing.T) interfaces.JobStorage {
	t.Helper()
	logger := arbor.NewLogger()
	manager, err := badgerstorage.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager.JobStorage()
}

func newTestManager(t *testing.T, storage interfaces.JobStorage) *Manager {
	t.Helper()
	return NewManager(storage, Options{
		Concurrency: map[string]int{
			models.QueueExtract:     4,
			models.QueueLLM:         2,
			models.QueueMaintenance: 1,
		},
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  3,
		RetryBase:    10 * time.Millisecond,
		RetryMax:     50 * time.Millisecond,
	}, arbor.NewLogger())
}

// funcExecutor adapts a function to the Executor interface, optionally with a
// discard callback.
type funcExecutor struct {
	execute   func(ctx context.Context, job *models.Job) error
	onDiscard func(job *models.Job, cause error)
}

func (e *funcExecutor) Execute(ctx context.Context, job *models.Job) error {
	return e.execute(ctx, job)
}

func (e *funcExecutor) OnDiscard(ctx context.Context, job *models.Job, cause error) {
	if e.onDiscard != nil {
		e.onDiscard(job, cause)
	}
}

func TestEnqueueAndExecute(t *testing.T) {
	storage := newTestStorage(t)
	m := newTestManager(t, storage)

	var executed atomic.Int32
	m.RegisterExecutor("noop", &funcExecutor{
		execute: func(ctx context.Context, job *models.Job) error {
			executed.Add(1)
			return nil
		},
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	job, err := m.Enqueue(context.Background(), models.QueueExtract, "noop", map[string]string{"k": "v"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := storage.GetJob(job.ID)
		return err == nil && stored.State == models.JobStateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), executed.Load())

	stored, err := storage.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempt)
	assert.Empty(t, stored.LastError)
}

func TestEnqueueWithUnitIDPreventsDuplicates(t *testing.T) {
	storage := newTestStorage(t)
	m := newTestManager(t, storage)
	// The manager is deliberately not started so jobs stay in the available
	// state while uniqueness is asserted.

	first, err := m.Enqueue(context.Background(), models.QueueLLM, "process",
		map[string]string{"page": "page_1"}, WithUnitID("page_1"))
	require.NoError(t, err)

	// A second enqueue for the same unit returns the live job unchanged.
	dup, err := m.Enqueue(context.Background(), models.QueueLLM, "process",
		map[string]string{"page": "page_1"}, WithUnitID("page_1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)

	// A different unit, or the same unit under a different kind, is its own job.
	other, err := m.Enqueue(context.Background(), models.QueueLLM, "process",
		map[string]string{"page": "page_2"}, WithUnitID("page_2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	otherKind, err := m.Enqueue(context.Background(), models.QueueLLM, "reindex",
		map[string]string{"page": "page_1"}, WithUnitID("page_1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, otherKind.ID)

	// The executing state still blocks duplicates.
	first.State = models.JobStateExecuting
	require.NoError(t, storage.SaveJob(first))
	dup, err = m.Enqueue(context.Background(), models.QueueLLM, "process",
		map[string]string{"page": "page_1"}, WithUnitID("page_1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)

	// Once the live job finishes, the unit may be enqueued again.
	first.State = models.JobStateCompleted
	require.NoError(t, storage.SaveJob(first))
	next, err := m.Enqueue(context.Background(), models.QueueLLM, "process",
		map[string]string{"page": "page_1"}, WithUnitID("page_1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)

	// No unit id, no constraint.
	a, err := m.Enqueue(context.Background(), models.QueueLLM, "process", nil)
	require.NoError(t, err)
	b, err := m.Enqueue(context.Background(), models.QueueLLM, "process", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	m := newTestManager(t, newTestStorage(t))
	_, err := m.Enqueue(context.Background(), "nonexistent", "noop", nil)
	assert.Error(t, err)
}

func TestTransientFailureRetriesUntilExhausted(t *testing.T) {
	storage := newTestStorage(t)
	m := newTestManager(t, storage)

	var attempts atomic.Int32
	var discarded atomic.Bool
	m.RegisterExecutor("flaky", &funcExecutor{
		execute: func(ctx context.Context, job *models.Job) error {
			attempts.Add(1)
			return errors.New("upstream timeout")
		},
		onDiscard: func(job *models.Job, cause error) {
			discarded.Store(true)
		},
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	job, err := m.Enqueue(context.Background(), models.QueueLLM, "flaky", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := storage.GetJob(job.ID)
		return err == nil && stored.State == models.JobStateDiscarded
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())
	assert.True(t, discarded.Load())

	stored, err := storage.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Attempt)
	assert.Contains(t, stored.LastError, "upstream timeout")
}

func TestTransientFailureThenSuccess(t *testing.T) {
	storage := newTestStorage(t)
	m := newTestManager(t, storage)

	var attempts atomic.Int32
	m.RegisterExecutor("recovers", &funcExecutor{
		execute: func(ctx context.Context, job *models.Job) error {
			if attempts.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		},
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	job, err := m.Enqueue(context.Background(), models.QueueLLM, "recovers", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := storage.GetJob(job.ID)
		return err == nil && stored.State == models.JobStateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())
}

func TestPermanentFailureDiscardsImmediately(t *testing.T) {
	storage := newTestStorage(t)
	m := newTestManager(t, storage)

	var attempts atomic.Int32
	var discardCause error
	var mu sync.Mutex
	m.RegisterExecutor("doomed", &funcExecutor{
		execute: func(ctx context.Context, job *models.Job) error {
			attempts.Add(1)
			return retry.MarkPermanent(errors.New("unsupported format"))
		},
		onDiscard: func(job *models.Job, cause error) {
			mu.Lock()
			discardCause = cause
			mu.Unlock()
		},
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	job, err := m.Enqueue(context.Background(), models.QueueExtract, "doomed", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := storage.GetJob(job.ID)
		return err == nil && stored.State == models.JobStateDiscarded
	}, 3*time.Second, 10*time.Millisecond)

	// No retries on a permanent failure.
	assert.Equal(t, int32(1), attempts.Load())
	mu.Lock()
	assert.ErrorContains(t, discardCause, "unsupported format")
	mu.Unlock()
}

func TestPanicDiscardsWithoutRetryStorm(t *testing.T) {
	storage := newTestStorage(t)
	m := newTestManager(t, storage)

	var attempts atomic.Int32
	m.RegisterExecutor("panics", &funcExecutor{
		execute: func(ctx context.Context, job *models.Job) error {
			attempts.Add(1)
			panic("nil map write")
		},
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	job, err := m.Enqueue(context.Background(), models.QueueExtract, "panics", nil)
	require.NoError(t, err)

	// A panicking executor counts as a transient failure and is retried up
	// to the attempt ceiling, then discarded. The dispatcher survives.
	require.Eventually(t, func() bool {
		stored, err := storage.GetJob(job.ID)
		return err == nil && stored.State == models.JobStateDiscarded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())

	// The queue still processes subsequent jobs.
	var ran atomic.Bool
	m.RegisterExecutor("after", &funcExecutor{
		execute: func(ctx context.Context, job *models.Job) error {
			ran.Store(true)
			return nil
		},
	})
	_, err = m.Enqueue(context.Background(), models.QueueExtract, "after", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ran.Load() }, 3*time.Second, 10*time.Millisecond)
}

func TestDelayedJobNotEligibleEarly(t *testing.T) {
	storage := newTestStorage(t)
	m := newTestManager(t, storage)

	var executedAt atomic.Value
	m.RegisterExecutor("delayed", &funcExecutor{
		execute: func(ctx context.Context, job *models.Job) error {
			executedAt.Store(time.Now())
			return nil
		},
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	enqueuedAt := time.Now()
	job, err := m.Enqueue(context.Background(), models.QueueExtract, "delayed", nil,
		WithDelay(200*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := storage.GetJob(job.ID)
		return err == nil && stored.State == models.JobStateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	ran := executedAt.Load().(time.Time)
	assert.GreaterOrEqual(t, ran.Sub(enqueuedAt), 200*time.Millisecond)
}

func TestConcurrencyBound(t *testing.T) {
	storage := newTestStorage(t)
	m := newTestManager(t, storage)

	var inFlight atomic.Int32
	var peak atomic.Int32
	m.RegisterExecutor("slow", &funcExecutor{
		execute: func(ctx context.Context, job *models.Job) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	// The llm queue has 2 slots; 6 jobs must never run more than 2 wide.
	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		job, err := m.Enqueue(context.Background(), models.QueueLLM, "slow", nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			stored, err := storage.GetJob(id)
			if err != nil || stored.State != models.JobStateCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestStartRequeuesStrandedJobs(t *testing.T) {
	storage := newTestStorage(t)

	// Simulate a crash: a job persisted in the executing state with no
	// process running it.
	stranded := &models.Job{
		ID:          common.NewJobID(),
		Queue:       models.QueueExtract,
		Kind:        "noop",
		State:       models.JobStateExecuting,
		Attempt:     1,
		MaxAttempts: 3,
		ScheduledAt: time.Now().Add(-time.Minute),
		CreatedAt:   time.Now().Add(-time.Minute),
	}
	require.NoError(t, storage.SaveJob(stranded))

	m := newTestManager(t, storage)
	var executed atomic.Bool
	m.RegisterExecutor("noop", &funcExecutor{
		execute: func(ctx context.Context, job *models.Job) error {
			executed.Store(true)
			return nil
		},
	})

	require.NoError(t, m.Start())
	defer m.Stop()

	require.Eventually(t, func() bool {
		stored, err := storage.GetJob(stranded.ID)
		return err == nil && stored.State == models.JobStateCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, executed.Load())
}

func TestPrune(t *testing.T) {
	storage := newTestStorage(t)
	m := newTestManager(t, storage)

	finished := &models.Job{
		ID:    common.NewJobID(),
		Queue: models.QueueMaintenance,
		Kind:  "old",
		State: models.JobStateCompleted,
	}
	require.NoError(t, storage.SaveJob(finished))

	active := &models.Job{
		ID:    common.NewJobID(),
		Queue: models.QueueMaintenance,
		Kind:  "live",
		State: models.JobStateAvailable,
	}
	require.NoError(t, storage.SaveJob(active))

	// Zero retention makes everything finished before now eligible.
	time.Sleep(10 * time.Millisecond)
	deleted, err := m.Prune(0)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = storage.GetJob(finished.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = storage.GetJob(active.ID)
	assert.NoError(t, err)
}
