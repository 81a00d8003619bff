// Package scheduler drives the recurring maintenance activities: health
// probes, job record pruning and orphan directory sweeps.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/models"
	"github.com/sapientpants/doctrans-sub001/internal/queue"
	"github.com/sapientpants/doctrans-sub001/internal/services/sweeper"
)

// Scheduler registers cron entries for the periodic background work. The
// health check rides the maintenance queue so it shares the queue's crash
// isolation and audit trail; prune and sweep run inline since they touch no
// external dependency worth isolating.
type Scheduler struct {
	queue   *queue.Manager
	sweeper *sweeper.Sweeper
	cfg     *common.Config
	cron    *cron.Cron
	logger  arbor.ILogger
}

// NewScheduler creates the maintenance scheduler.
func NewScheduler(queueManager *queue.Manager, orphanSweeper *sweeper.Sweeper, cfg *common.Config, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		queue:   queueManager,
		sweeper: orphanSweeper,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  logger,
	}
}

// Start registers the cron entries and starts the scheduler.
func (s *Scheduler) Start() error {
	healthSchedule := s.cfg.Scheduler.HealthSchedule
	if healthSchedule == "" {
		healthSchedule = "* * * * *"
	}
	if _, err := s.cron.AddFunc(healthSchedule, s.enqueueHealthCheck); err != nil {
		return err
	}

	pruneSchedule := s.cfg.Scheduler.PruneSchedule
	if pruneSchedule == "" {
		pruneSchedule = "0 * * * *"
	}
	if _, err := s.cron.AddFunc(pruneSchedule, s.pruneJobs); err != nil {
		return err
	}

	sweepSchedule := s.cfg.Scheduler.SweepSchedule
	if sweepSchedule == "" {
		sweepSchedule = "0 */6 * * *"
	}
	if _, err := s.cron.AddFunc(sweepSchedule, s.sweepOrphans); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("health_schedule", healthSchedule).
		Str("prune_schedule", pruneSchedule).
		Str("sweep_schedule", sweepSchedule).
		Msg("Maintenance scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running entry to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Timed out waiting for scheduled entries to finish")
	}
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

func (s *Scheduler) enqueueHealthCheck() {
	// One unit for all health checks: a slow probe must not pile up behind
	// the minutely cron tick.
	_, err := s.queue.Enqueue(context.Background(), models.QueueMaintenance, models.JobKindHealthCheck, struct{}{},
		queue.WithUnitID("health"))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to enqueue health check job")
	}
}

func (s *Scheduler) pruneJobs() {
	retention := time.Duration(s.cfg.Queue.RetentionHours) * time.Hour
	if _, err := s.queue.Prune(retention); err != nil {
		s.logger.Error().Err(err).Msg("Failed to prune finished job records")
	}
}

func (s *Scheduler) sweepOrphans() {
	_, err := s.sweeper.Sweep(sweeper.Options{GracePeriod: s.cfg.Sweeper.GracePeriod()})
	if err != nil {
		s.logger.Error().Err(err).Msg("Orphan sweep failed")
	}
}
