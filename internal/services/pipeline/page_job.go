package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/breaker"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
	"github.com/sapientpants/doctrans-sub001/internal/retry"
)

// EmbeddingSubmitter hands off embedding work to the async supervisor.
type EmbeddingSubmitter interface {
	Submit(pageID string) error
}

// PageProcessingExecutor runs the LLM stages for a single page: vision text
// extraction, then translation, then a hand-off to the embedding supervisor.
// Stage statuses are persisted after each step so re-execution resumes from
// the first incomplete stage.
type PageProcessingExecutor struct {
	documents  interfaces.DocumentStorage
	pages      interfaces.PageStorage
	ai         interfaces.AIService
	breakers   *breaker.Registry
	embeddings EmbeddingSubmitter
	timeout    time.Duration
	logger     arbor.ILogger
}

// NewPageProcessingExecutor creates the page-processing executor.
func NewPageProcessingExecutor(
	documents interfaces.DocumentStorage,
	pages interfaces.PageStorage,
	aiService interfaces.AIService,
	breakers *breaker.Registry,
	embeddings EmbeddingSubmitter,
	timeout time.Duration,
	logger arbor.ILogger,
) *PageProcessingExecutor {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &PageProcessingExecutor{
		documents:  documents,
		pages:      pages,
		ai:         aiService,
		breakers:   breakers,
		embeddings: embeddings,
		timeout:    timeout,
		logger:     logger,
	}
}

// Execute runs one page-processing job.
func (e *PageProcessingExecutor) Execute(ctx context.Context, job *models.Job) error {
	var payload models.PageProcessingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retry.MarkPermanent(fmt.Errorf("invalid page-processing payload: %w", err))
	}

	page, err := e.pages.GetPage(payload.PageID)
	if err != nil {
		return err
	}

	doc, err := e.documents.GetDocument(page.DocumentID)
	if err != nil {
		return err
	}

	if page.ExtractionStatus != models.StageStatusCompleted {
		if err := e.extract(ctx, page); err != nil {
			return err
		}
	}

	if page.TranslationStatus != models.StageStatusCompleted {
		if err := e.translate(ctx, page, doc); err != nil {
			return err
		}
	}

	// Embedding happens off the LLM queue so a slow embedding backend never
	// occupies a translation worker slot.
	if page.EmbeddingStatus != models.StageStatusCompleted {
		if err := e.embeddings.Submit(page.ID); err != nil {
			return err
		}
	}

	e.logger.Info().
		Str("page_id", page.ID).
		Str("document_id", page.DocumentID).
		Int("page_number", page.PageNumber).
		Msg("Page LLM stages completed, embedding handed off")
	return nil
}

func (e *PageProcessingExecutor) extract(ctx context.Context, page *models.Page) error {
	page.ExtractionStatus = models.StageStatusProcessing
	page.UpdatedAt = time.Now()
	if err := e.pages.SavePage(page); err != nil {
		return err
	}

	var text string
	err := e.breakers.Call(interfaces.DependencyVision, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		extracted, extractErr := e.ai.ExtractText(callCtx, page.ImagePath)
		if extractErr != nil {
			return extractErr
		}
		text = extracted
		return nil
	})
	if err != nil {
		return fmt.Errorf("text extraction failed for page %s: %w", page.ID, err)
	}

	page.ExtractedText = text
	page.ExtractionStatus = models.StageStatusCompleted
	page.UpdatedAt = time.Now()
	return e.pages.SavePage(page)
}

func (e *PageProcessingExecutor) translate(ctx context.Context, page *models.Page, doc *models.Document) error {
	// A blank page extracts to empty text. The translation backend rejects
	// empty input and retrying cannot change the page, so complete the stage
	// with an empty translation instead of calling out.
	if strings.TrimSpace(page.ExtractedText) == "" {
		e.logger.Debug().
			Str("page_id", page.ID).
			Int("page_number", page.PageNumber).
			Msg("Page extracted no text, translation completed as empty")
		page.TranslatedText = ""
		page.TranslationStatus = models.StageStatusCompleted
		page.UpdatedAt = time.Now()
		return e.pages.SavePage(page)
	}

	if doc.SourceLang != "" && doc.SourceLang == doc.TargetLang {
		page.TranslatedText = page.ExtractedText
		page.TranslationStatus = models.StageStatusCompleted
		page.UpdatedAt = time.Now()
		return e.pages.SavePage(page)
	}

	page.TranslationStatus = models.StageStatusProcessing
	page.UpdatedAt = time.Now()
	if err := e.pages.SavePage(page); err != nil {
		return err
	}

	var translated string
	err := e.breakers.Call(interfaces.DependencyTranslation, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		result, translateErr := e.ai.Translate(callCtx, page.ExtractedText, doc.SourceLang, doc.TargetLang)
		if translateErr != nil {
			return translateErr
		}
		translated = result
		return nil
	})
	if err != nil {
		return fmt.Errorf("translation failed for page %s: %w", page.ID, err)
	}

	page.TranslatedText = translated
	page.TranslationStatus = models.StageStatusCompleted
	page.UpdatedAt = time.Now()
	return e.pages.SavePage(page)
}

// OnDiscard records the terminal failure on the stage that was in flight.
// Statuses stay at processing while retries are pending; only exhaustion or
// a permanent error lands here.
func (e *PageProcessingExecutor) OnDiscard(ctx context.Context, job *models.Job, cause error) {
	var payload models.PageProcessingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return
	}

	page, err := e.pages.GetPage(payload.PageID)
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("page_id", payload.PageID).
			Msg("Cannot record page failure, page missing")
		return
	}

	// Attribute the failure to the first stage that did not complete; with
	// both LLM stages done the job can only have failed handing off to the
	// embedding supervisor.
	var stage models.Stage
	switch {
	case page.ExtractionStatus != models.StageStatusCompleted:
		stage = models.StageExtraction
	case page.TranslationStatus != models.StageStatusCompleted:
		stage = models.StageTranslation
	default:
		stage = models.StageEmbedding
	}
	_ = page.SetStatusFor(stage, models.StageStatusError)
	page.ErrorMsg = cause.Error()
	page.UpdatedAt = time.Now()
	if err := e.pages.SavePage(page); err != nil {
		e.logger.Error().
			Err(err).
			Str("page_id", page.ID).
			Msg("Failed to record page failure")
	}

	e.logger.Error().
		Str("page_id", page.ID).
		Str("document_id", page.DocumentID).
		Str("stage", string(stage)).
		Err(cause).
		Msg("Page stage failed permanently")
}
