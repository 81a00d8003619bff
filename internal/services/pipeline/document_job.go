// Package pipeline contains the queue executors that move documents and
// pages through extraction, translation and embedding.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
	"github.com/sapientpants/doctrans-sub001/internal/queue"
	"github.com/sapientpants/doctrans-sub001/internal/retry"
	"github.com/sapientpants/doctrans-sub001/internal/services/pdf"
)

// DocumentExtractionExecutor splits an uploaded document into per-page PDFs,
// creates the page records, and fans out one page-processing job per page.
type DocumentExtractionExecutor struct {
	documents interfaces.DocumentStorage
	pages     interfaces.PageStorage
	queue     *queue.Manager
	pdf       *pdf.Service
	docsRoot  string
	logger    arbor.ILogger
}

// NewDocumentExtractionExecutor creates the document-extraction executor.
func NewDocumentExtractionExecutor(
	documents interfaces.DocumentStorage,
	pages interfaces.PageStorage,
	queueManager *queue.Manager,
	pdfService *pdf.Service,
	docsRoot string,
	logger arbor.ILogger,
) *DocumentExtractionExecutor {
	return &DocumentExtractionExecutor{
		documents: documents,
		pages:     pages,
		queue:     queueManager,
		pdf:       pdfService,
		docsRoot:  docsRoot,
		logger:    logger,
	}
}

// Execute runs one document-extraction job. Re-execution after a crash is
// safe: pages already created for the document are reused, not duplicated.
func (e *DocumentExtractionExecutor) Execute(ctx context.Context, job *models.Job) error {
	var payload models.DocumentExtractionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retry.MarkPermanent(fmt.Errorf("invalid document-extraction payload: %w", err))
	}

	doc, err := e.documents.GetDocument(payload.DocumentID)
	if err != nil {
		return err
	}
	if doc.Status.IsTerminal() {
		e.logger.Warn().
			Str("document_id", doc.ID).
			Str("status", string(doc.Status)).
			Msg("Skipping extraction for document already in a terminal status")
		return nil
	}

	doc.Status = models.DocumentStatusExtracting
	doc.UpdatedAt = time.Now()
	if err := e.documents.SaveDocument(doc); err != nil {
		return err
	}

	sourcePath, err := e.locateSource(doc, payload.FilePath)
	if err != nil {
		return err
	}

	pdfPath, err := e.pdf.EnsurePDF(sourcePath)
	if err != nil {
		return err
	}

	existing, err := e.pages.ListPagesByDocument(doc.ID)
	if err != nil {
		return err
	}

	pageCount, err := e.pdf.PageCount(pdfPath)
	if err != nil {
		return err
	}

	// Reconcile by page number against the PDF itself rather than trusting
	// whatever records exist: a crash mid-batch must not shrink the document.
	docPages := existing
	if len(existing) != pageCount {
		docPages, err = e.reconcilePages(doc, pdfPath, existing)
		if err != nil {
			return err
		}
	} else if len(existing) > 0 {
		e.logger.Warn().
			Str("document_id", doc.ID).
			Int("pages", len(existing)).
			Msg("Reusing pages from a previous extraction attempt")
	}

	doc.PageCount = len(docPages)
	doc.Status = models.DocumentStatusProcessing
	doc.UpdatedAt = time.Now()
	if err := e.documents.SaveDocument(doc); err != nil {
		return err
	}

	enqueued := 0
	for _, page := range docPages {
		if page.FullyProcessed() {
			continue
		}
		_, err := e.queue.Enqueue(ctx, models.QueueLLM, models.JobKindPageProcessing,
			models.PageProcessingPayload{PageID: page.ID}, queue.WithUnitID(page.ID))
		if err != nil {
			return err
		}
		enqueued++
	}

	e.logger.Info().
		Str("document_id", doc.ID).
		Int("page_count", doc.PageCount).
		Int("jobs_enqueued", enqueued).
		Msg("Document split into pages")
	return nil
}

// reconcilePages splits the PDF and creates records for any page numbers
// that do not have one yet. The batch write is atomic, so re-execution
// always converges on the full page set. Existing records keep their stage
// progress.
func (e *DocumentExtractionExecutor) reconcilePages(doc *models.Document, pdfPath string, existing []*models.Page) ([]*models.Page, error) {
	imagePaths, err := e.pdf.SplitPages(pdfPath, filepath.Dir(pdfPath))
	if err != nil {
		return nil, err
	}

	byNumber := make(map[int]*models.Page, len(existing))
	for _, page := range existing {
		byNumber[page.PageNumber] = page
	}

	now := time.Now()
	docPages := make([]*models.Page, 0, len(imagePaths))
	missing := make([]*models.Page, 0, len(imagePaths))
	for i, imagePath := range imagePaths {
		if page, ok := byNumber[i+1]; ok {
			docPages = append(docPages, page)
			continue
		}
		page := &models.Page{
			ID:                common.NewPageID(),
			DocumentID:        doc.ID,
			PageNumber:        i + 1,
			ImagePath:         imagePath,
			ExtractionStatus:  models.StageStatusPending,
			TranslationStatus: models.StageStatusPending,
			EmbeddingStatus:   models.StageStatusPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		docPages = append(docPages, page)
		missing = append(missing, page)
	}

	if len(missing) > 0 {
		if len(existing) > 0 {
			e.logger.Warn().
				Str("document_id", doc.ID).
				Int("existing", len(existing)).
				Int("created", len(missing)).
				Msg("Completing partial page set from an interrupted extraction")
		}
		if err := e.pages.SavePages(missing); err != nil {
			return nil, err
		}
	}
	return docPages, nil
}

// locateSource resolves the uploaded file for the document. The explicit
// payload path wins; otherwise the conventional names inside the document's
// artifact directory are tried.
func (e *DocumentExtractionExecutor) locateSource(doc *models.Document, explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		e.logger.Warn().
			Str("document_id", doc.ID).
			Str("file_path", explicit).
			Msg("Payload file path missing, falling back to artifact directory")
	}

	docDir := filepath.Join(e.docsRoot, doc.ID)

	candidate := filepath.Join(docDir, "original.pdf")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}

	if ext := strings.ToLower(filepath.Ext(doc.Filename)); ext != "" && ext != ".pdf" {
		candidate = filepath.Join(docDir, "original"+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", models.NewValidationError("file_path",
		fmt.Sprintf("no source file found for document %s under %s", doc.ID, docDir))
}

// OnDiscard records the terminal failure on the document record.
func (e *DocumentExtractionExecutor) OnDiscard(ctx context.Context, job *models.Job, cause error) {
	var payload models.DocumentExtractionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return
	}

	doc, err := e.documents.GetDocument(payload.DocumentID)
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("document_id", payload.DocumentID).
			Msg("Cannot record extraction failure, document missing")
		return
	}

	doc.Status = models.DocumentStatusError
	doc.ErrorMsg = cause.Error()
	doc.UpdatedAt = time.Now()
	if err := e.documents.SaveDocument(doc); err != nil {
		e.logger.Error().
			Err(err).
			Str("document_id", doc.ID).
			Msg("Failed to record extraction failure")
	}
}
