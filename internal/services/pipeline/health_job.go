package pipeline

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/breaker"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
)

// HealthCheckExecutor probes the external AI dependencies and reports their
// reachability alongside the current breaker modes. The result is advisory:
// the job itself always succeeds, so a dead dependency never builds up a
// backlog of failed health jobs.
type HealthCheckExecutor struct {
	ai       interfaces.AIService
	breakers *breaker.Registry
	logger   arbor.ILogger
}

// NewHealthCheckExecutor creates the health-check executor.
func NewHealthCheckExecutor(aiService interfaces.AIService, breakers *breaker.Registry, logger arbor.ILogger) *HealthCheckExecutor {
	return &HealthCheckExecutor{
		ai:       aiService,
		breakers: breakers,
		logger:   logger,
	}
}

// Execute probes each dependency. Never returns an error.
func (e *HealthCheckExecutor) Execute(ctx context.Context, job *models.Job) error {
	start := time.Now()

	dependencies := []string{
		interfaces.DependencyVision,
		interfaces.DependencyTranslation,
		interfaces.DependencyEmbedding,
	}

	healthy := 0
	for _, dep := range dependencies {
		reachable := e.ai.Available(ctx, dep)
		if reachable {
			healthy++
		}

		event := e.logger.Info()
		if !reachable {
			event = e.logger.Warn()
		}
		event.
			Str("dependency", dep).
			Bool("reachable", reachable).
			Str("breaker", string(e.breakers.ModeOf(dep))).
			Msg("Dependency health probe")
	}

	e.logger.Info().
		Int("healthy", healthy).
		Int("total", len(dependencies)).
		Dur("elapsed", time.Since(start)).
		Msg("Health check completed")
	return nil
}
