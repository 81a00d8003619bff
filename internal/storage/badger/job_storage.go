package badger

import (
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
)

// JobStorage implements the JobStorage interface for Badger. Job records are
// the durable backing of the queue manager: they survive process restarts.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// NextAvailable returns up to limit eligible jobs for the queue, strictly
// FIFO by availability time. Jobs scheduled in the future are skipped.
func (s *JobStorage) NextAvailable(queue string, now time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var jobs []models.Job
	query := badgerhold.Where("Queue").Eq(queue).And("State").Eq(models.JobStateAvailable)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query available jobs: %w", err)
	}

	eligible := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		if !jobs[i].ScheduledAt.After(now) {
			eligible = append(eligible, &jobs[i])
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].ScheduledAt.Equal(eligible[j].ScheduledAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

// FindActiveJob returns the available-or-executing job for the kind and unit
// of work, or nil when none exists. Backs the queue's per-unit uniqueness
// guarantee.
func (s *JobStorage) FindActiveJob(kind, unitID string) (*models.Job, error) {
	if unitID == "" {
		return nil, nil
	}

	var jobs []models.Job
	query := badgerhold.Where("Kind").Eq(kind).
		And("UnitID").Eq(unitID).
		And("State").In(models.JobStateAvailable, models.JobStateExecuting)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query active jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// RequeueExecuting returns jobs stranded in the executing state to available.
// Called once at startup: a crashed process cannot report outcomes for jobs
// it was running, so they are redelivered (at-least-once semantics).
func (s *JobStorage) RequeueExecuting() (int, error) {
	var jobs []models.Job
	query := badgerhold.Where("State").Eq(models.JobStateExecuting)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return 0, fmt.Errorf("failed to query executing jobs: %w", err)
	}

	recovered := 0
	for i := range jobs {
		job := jobs[i]
		job.State = models.JobStateAvailable
		job.ScheduledAt = time.Now()
		if err := s.SaveJob(&job); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// DeleteFinishedBefore prunes terminal job records last updated before cutoff.
func (s *JobStorage) DeleteFinishedBefore(cutoff time.Time) (int, error) {
	var jobs []models.Job
	query := badgerhold.Where("State").In(
		models.JobStateCompleted, models.JobStateDiscarded, models.JobStateCancelled)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return 0, fmt.Errorf("failed to query finished jobs: %w", err)
	}

	deleted := 0
	for i := range jobs {
		if jobs[i].UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.db.Store().Delete(jobs[i].ID, &models.Job{}); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return deleted, fmt.Errorf("failed to delete job %s: %w", jobs[i].ID, err)
		}
		deleted++
	}
	return deleted, nil
}
