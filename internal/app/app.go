// Package app wires the services together and owns the process lifecycle.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/breaker"
	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
	"github.com/sapientpants/doctrans-sub001/internal/queue"
	badgerstorage "github.com/sapientpants/doctrans-sub001/internal/storage/badger"

	"github.com/sapientpants/doctrans-sub001/internal/services/ai"
	"github.com/sapientpants/doctrans-sub001/internal/services/documents"
	"github.com/sapientpants/doctrans-sub001/internal/services/embeddings"
	"github.com/sapientpants/doctrans-sub001/internal/services/pdf"
	"github.com/sapientpants/doctrans-sub001/internal/services/pipeline"
	"github.com/sapientpants/doctrans-sub001/internal/services/scheduler"
	"github.com/sapientpants/doctrans-sub001/internal/services/sweeper"
)

// App holds the wired application.
type App struct {
	Config    *common.Config
	Storage   interfaces.StorageManager
	Breakers  *breaker.Registry
	AI        interfaces.AIService
	Queue     *queue.Manager
	Embedder  *embeddings.Supervisor
	Documents *documents.Service
	Sweeper   *sweeper.Sweeper
	Scheduler *scheduler.Scheduler

	logger        arbor.ILogger
	cancelRefresh context.CancelFunc
}

// New constructs the full service graph from configuration. Nothing starts
// running until Start is called.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	if err := os.MkdirAll(cfg.Storage.Filesystem.DocumentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}

	storageManager, err := badgerstorage.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	breakers := breaker.NewRegistry(logger)
	breakers.Configure(interfaces.DependencyVision, breaker.Settings{
		FailureThreshold: cfg.Breakers.Vision.FailureThreshold,
		ResetAfter:       cfg.Breakers.Vision.ResetAfterDuration(),
	})
	breakers.Configure(interfaces.DependencyTranslation, breaker.Settings{
		FailureThreshold: cfg.Breakers.Translation.FailureThreshold,
		ResetAfter:       cfg.Breakers.Translation.ResetAfterDuration(),
	})
	breakers.Configure(interfaces.DependencyEmbedding, breaker.Settings{
		FailureThreshold: cfg.Breakers.Embedding.FailureThreshold,
		ResetAfter:       cfg.Breakers.Embedding.ResetAfterDuration(),
	})

	aiService, err := ai.NewService(cfg, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize AI service: %w", err)
	}

	queueManager := queue.NewManager(storageManager.JobStorage(), queue.OptionsFromConfig(&cfg.Queue), logger)

	supervisor := embeddings.NewSupervisor(
		storageManager.PageStorage(), aiService, breakers,
		embeddings.OptionsFromConfig(cfg), logger)

	pdfService := pdf.NewService(logger)
	docsRoot := cfg.Storage.Filesystem.DocumentsDir

	queueManager.RegisterExecutor(models.JobKindDocumentExtraction,
		pipeline.NewDocumentExtractionExecutor(
			storageManager.DocumentStorage(), storageManager.PageStorage(),
			queueManager, pdfService, docsRoot, logger))
	queueManager.RegisterExecutor(models.JobKindPageProcessing,
		pipeline.NewPageProcessingExecutor(
			storageManager.DocumentStorage(), storageManager.PageStorage(),
			aiService, breakers, supervisor,
			cfg.LLM.GenerativeTimeoutDuration(), logger))
	queueManager.RegisterExecutor(models.JobKindHealthCheck,
		pipeline.NewHealthCheckExecutor(aiService, breakers, logger))

	documentService := documents.NewService(
		storageManager.DocumentStorage(), storageManager.PageStorage(),
		queueManager, docsRoot, logger)

	orphanSweeper := sweeper.NewSweeper(storageManager.DocumentStorage(), docsRoot, logger)

	return &App{
		Config:    cfg,
		Storage:   storageManager,
		Breakers:  breakers,
		AI:        aiService,
		Queue:     queueManager,
		Embedder:  supervisor,
		Documents: documentService,
		Sweeper:   orphanSweeper,
		Scheduler: scheduler.NewScheduler(queueManager, orphanSweeper, cfg, logger),
		logger:    logger,
	}, nil
}

// Start brings the background machinery up: embedding supervisor, queue
// dispatchers (which first recover jobs stranded by a previous process),
// breaker refresh and the maintenance scheduler.
func (a *App) Start() error {
	a.Embedder.Start()

	if err := a.Queue.Start(); err != nil {
		return fmt.Errorf("failed to start queue manager: %w", err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	a.cancelRefresh = cancel
	a.Breakers.StartRefresh(refreshCtx, a.Config.Breakers.RefreshTickDuration())

	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.logger.Info().
		Str("mode", string(a.AI.Mode())).
		Str("documents_dir", a.Config.Storage.Filesystem.DocumentsDir).
		Msg("Application started")
	return nil
}

// Stop shuts everything down in reverse dependency order and waits for
// in-flight work to drain.
func (a *App) Stop() {
	a.Scheduler.Stop()
	if a.cancelRefresh != nil {
		a.cancelRefresh()
	}
	a.Queue.Stop()
	a.Embedder.Stop()

	if err := a.AI.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Error closing AI service")
	}
	if err := a.Storage.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Error closing storage")
	}

	a.logger.Info().Msg("Application stopped")
}
