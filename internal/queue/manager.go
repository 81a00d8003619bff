// Package queue implements the durable job queue: persisted job records
// dispatched to bounded-concurrency worker slots, with retry/backoff on
// transient failures and immediate discard on permanent ones.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
	"github.com/sapientpants/doctrans-sub001/internal/retry"
)

// Executor runs one kind of job.
type Executor interface {
	Execute(ctx context.Context, job *models.Job) error
}

// DiscardHandler is optionally implemented by executors that need to surface
// a terminal error to the status field tracking their unit of work.
type DiscardHandler interface {
	OnDiscard(ctx context.Context, job *models.Job, cause error)
}

// Options configures the queue manager.
type Options struct {
	// Concurrency maps queue name to worker slot count.
	Concurrency map[string]int
	// PollInterval is the dispatcher poll cadence per queue.
	PollInterval time.Duration
	// MaxAttempts is the default attempt ceiling for enqueued jobs.
	MaxAttempts int
	// RetryBase and RetryMax bound the exponential retry backoff.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// OptionsFromConfig builds queue options from the application config.
func OptionsFromConfig(cfg *common.QueueConfig) Options {
	return Options{
		Concurrency: map[string]int{
			models.QueueExtract:     cfg.ExtractConcurrency,
			models.QueueLLM:         cfg.LLMConcurrency,
			models.QueueMaintenance: 1,
		},
		PollInterval: cfg.PollIntervalDuration(),
		MaxAttempts:  cfg.MaxAttempts,
		RetryBase:    cfg.RetryBaseDuration(),
		RetryMax:     cfg.RetryMaxDuration(),
	}
}

// Manager persists, schedules and executes jobs.
type Manager struct {
	storage   interfaces.JobStorage
	opts      Options
	executors map[string]Executor
	slots     map[string]chan struct{}
	logger    arbor.ILogger

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a queue manager over the given job storage.
func NewManager(storage interfaces.JobStorage, opts Options, logger arbor.ILogger) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 5 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	slots := make(map[string]chan struct{}, len(opts.Concurrency))
	for queueName, n := range opts.Concurrency {
		if n <= 0 {
			n = 1
		}
		slots[queueName] = make(chan struct{}, n)
	}

	return &Manager{
		storage:   storage,
		opts:      opts,
		executors: make(map[string]Executor),
		slots:     slots,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterExecutor registers an executor for a job kind.
func (m *Manager) RegisterExecutor(kind string, executor Executor) {
	m.mu.Lock()
	m.executors[kind] = executor
	m.mu.Unlock()

	m.logger.Info().
		Str("job_kind", kind).
		Msg("Executor registered")
}

// EnqueueOption customizes a single enqueue call.
type EnqueueOption func(*models.Job)

// WithMaxAttempts overrides the default attempt ceiling.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *models.Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithDelay schedules the job for the future instead of immediately.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *models.Job) {
		if d > 0 {
			j.ScheduledAt = j.ScheduledAt.Add(d)
		}
	}
}

// WithUnitID constrains the job to at most one live instance per (kind,
// unit). Enqueueing while a job for the same unit is available or executing
// returns the live job instead of creating a duplicate.
func WithUnitID(id string) EnqueueOption {
	return func(j *models.Job) {
		j.UnitID = id
	}
}

// Enqueue persists a job record and returns immediately. The record survives
// process restarts; a dispatcher picks it up once a worker slot is free.
func (m *Manager) Enqueue(ctx context.Context, queueName, kind string, payload interface{}, opts ...EnqueueOption) (*models.Job, error) {
	if _, ok := m.slots[queueName]; !ok {
		return nil, fmt.Errorf("unknown queue: %s", queueName)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	now := time.Now()
	job := &models.Job{
		ID:          common.NewJobID(),
		Queue:       queueName,
		Kind:        kind,
		Payload:     data,
		MaxAttempts: m.opts.MaxAttempts,
		State:       models.JobStateAvailable,
		ScheduledAt: now,
		CreatedAt:   now,
	}
	for _, opt := range opts {
		opt(job)
	}

	if job.UnitID != "" {
		existing, err := m.storage.FindActiveJob(job.Kind, job.UnitID)
		if err != nil {
			return nil, fmt.Errorf("failed to check for duplicate job: %w", err)
		}
		if existing != nil {
			m.logger.Debug().
				Str("job_id", existing.ID).
				Str("job_kind", job.Kind).
				Str("unit_id", job.UnitID).
				Msg("Job for this unit already pending, reusing")
			return existing, nil
		}
	}

	if err := m.storage.SaveJob(job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	m.logger.Debug().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("job_kind", job.Kind).
		Msg("Job enqueued")

	return job, nil
}

// Start recovers stranded jobs and launches one dispatcher per queue.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("queue manager already started")
	}
	m.started = true
	m.mu.Unlock()

	recovered, err := m.storage.RequeueExecuting()
	if err != nil {
		return fmt.Errorf("failed to recover executing jobs: %w", err)
	}
	if recovered > 0 {
		m.logger.Warn().
			Int("count", recovered).
			Msg("Requeued jobs stranded by previous process")
	}

	for queueName := range m.slots {
		name := queueName
		m.wg.Add(1)
		go m.dispatch(name)
	}

	m.logger.Info().
		Int("queues", len(m.slots)).
		Msg("Queue manager started")
	return nil
}

// Stop stops the dispatchers and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Queue manager stopped")
}

// dispatch is the per-queue scheduler loop: it assigns available job records
// to idle worker slots, respecting the queue's concurrency bound and strict
// FIFO-by-availability-time ordering.
func (m *Manager) dispatch(queueName string) {
	defer m.wg.Done()

	sem := m.slots[queueName]
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			free := cap(sem) - len(sem)
			if free <= 0 {
				continue
			}

			jobs, err := m.storage.NextAvailable(queueName, time.Now(), free)
			if err != nil {
				m.logger.Error().
					Err(err).
					Str("queue", queueName).
					Msg("Failed to fetch available jobs")
				continue
			}

			for _, job := range jobs {
				job.State = models.JobStateExecuting
				job.Attempt++
				if err := m.storage.SaveJob(job); err != nil {
					m.logger.Error().
						Err(err).
						Str("job_id", job.ID).
						Msg("Failed to claim job")
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-m.ctx.Done():
					return
				}

				claimed := job
				m.wg.Add(1)
				go func() {
					defer m.wg.Done()
					defer func() { <-sem }()
					m.run(claimed)
				}()
			}
		}
	}
}

// run executes one claimed job and records the outcome: completed, retried
// with a backoff delay, or discarded.
func (m *Manager) run(job *models.Job) {
	m.mu.RLock()
	executor, ok := m.executors[job.Kind]
	m.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("no executor registered for job kind: %s", job.Kind)
		m.logger.Error().
			Str("job_id", job.ID).
			Str("job_kind", job.Kind).
			Msg(err.Error())
		m.discard(job, nil, err)
		return
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("job_kind", job.Kind).
		Int("attempt", job.Attempt).
		Msg("Processing job")

	err := m.safeExecute(executor, job)
	if err == nil {
		job.State = models.JobStateCompleted
		job.LastError = ""
		if saveErr := m.storage.SaveJob(job); saveErr != nil {
			m.logger.Error().Err(saveErr).Str("job_id", job.ID).Msg("Failed to mark job completed")
		}
		m.logger.Info().
			Str("job_id", job.ID).
			Str("job_kind", job.Kind).
			Msg("Job completed")
		return
	}

	if retry.Classify(err) == retry.Permanent || job.Attempt >= job.MaxAttempts {
		m.discard(job, executor, err)
		return
	}

	// Transient failure under the attempt ceiling: compute a retry delay and
	// return the job to the available state.
	delay := retry.Backoff(job.Attempt-1, m.opts.RetryBase, m.opts.RetryMax)
	job.State = models.JobStateAvailable
	job.LastError = err.Error()
	job.ScheduledAt = time.Now().Add(delay)
	if saveErr := m.storage.SaveJob(job); saveErr != nil {
		m.logger.Error().Err(saveErr).Str("job_id", job.ID).Msg("Failed to reschedule job")
		return
	}

	m.logger.Warn().
		Str("event", "retry_attempted").
		Str("job_id", job.ID).
		Str("job_kind", job.Kind).
		Int("attempt", job.Attempt).
		Dur("delay", delay).
		Err(err).
		Msg("Job failed, retry scheduled")
}

// safeExecute runs the executor, converting a panic into a returned error so
// a crashing job never takes down its worker slot.
func (m *Manager) safeExecute(executor Executor, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			m.logger.Error().
				Str("job_id", job.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Msg("Recovered from panic in job executor")
			err = fmt.Errorf("job executor panicked: %v", r)
		}
	}()

	return executor.Execute(m.ctx, job)
}

// discard marks the job terminally failed and notifies the executor so the
// upstream status field can record the error.
func (m *Manager) discard(job *models.Job, executor Executor, cause error) {
	job.State = models.JobStateDiscarded
	job.LastError = cause.Error()
	if err := m.storage.SaveJob(job); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job discarded")
	}

	m.logger.Error().
		Str("event", "retry_exhausted").
		Str("job_id", job.ID).
		Str("job_kind", job.Kind).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Err(cause).
		Msg("Job discarded")

	if handler, ok := executor.(DiscardHandler); ok {
		handler.OnDiscard(m.ctx, job, cause)
	}
}

// Prune removes completed/discarded job records older than the retention
// window.
func (m *Manager) Prune(retention time.Duration) (int, error) {
	deleted, err := m.storage.DeleteFinishedBefore(time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info().
			Int("count", deleted).
			Msg("Pruned finished job records")
	}
	return deleted, nil
}
