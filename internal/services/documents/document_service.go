// Package documents implements the document lifecycle: upload, status
// aggregation, stage re-runs and cascading deletion.
package documents

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
	"github.com/sapientpants/doctrans-sub001/internal/queue"
)

// UploadRequest describes a new document upload.
type UploadRequest struct {
	Title      string
	Filename   string
	SourceLang string
	TargetLang string
	Content    io.Reader
}

// Service owns document records and their artifact directories.
type Service struct {
	documents interfaces.DocumentStorage
	pages     interfaces.PageStorage
	queue     *queue.Manager
	docsRoot  string
	logger    arbor.ILogger
}

// NewService creates the document service.
func NewService(
	documents interfaces.DocumentStorage,
	pages interfaces.PageStorage,
	queueManager *queue.Manager,
	docsRoot string,
	logger arbor.ILogger,
) *Service {
	return &Service{
		documents: documents,
		pages:     pages,
		queue:     queueManager,
		docsRoot:  docsRoot,
		logger:    logger,
	}
}

// Upload stores the uploaded file under the document's artifact directory and
// enqueues the extraction job. The record is visible in the uploading status
// while bytes are being written, so a crash mid-upload leaves an inspectable
// record rather than a bare orphan directory.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	if req.Filename == "" {
		return nil, models.NewValidationError("filename", "filename is required")
	}
	if req.Content == nil {
		return nil, models.NewValidationError("content", "upload content is required")
	}
	if req.TargetLang == "" {
		return nil, models.NewValidationError("target_lang", "target language is required")
	}

	now := time.Now()
	doc := &models.Document{
		ID:         common.NewDocumentID(),
		Title:      req.Title,
		Filename:   filepath.Base(req.Filename),
		SourceLang: req.SourceLang,
		TargetLang: req.TargetLang,
		Status:     models.DocumentStatusUploading,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(doc.Filename, filepath.Ext(doc.Filename))
	}
	if err := s.documents.SaveDocument(doc); err != nil {
		return nil, err
	}

	sourcePath, err := s.writeOriginal(doc, req.Content)
	if err != nil {
		doc.Status = models.DocumentStatusError
		doc.ErrorMsg = err.Error()
		doc.UpdatedAt = time.Now()
		if saveErr := s.documents.SaveDocument(doc); saveErr != nil {
			s.logger.Error().Err(saveErr).Str("document_id", doc.ID).Msg("Failed to record upload failure")
		}
		return nil, fmt.Errorf("failed to store upload for %s: %w", doc.ID, err)
	}

	doc.Status = models.DocumentStatusQueued
	doc.UpdatedAt = time.Now()
	if err := s.documents.SaveDocument(doc); err != nil {
		return nil, err
	}

	_, err = s.queue.Enqueue(ctx, models.QueueExtract, models.JobKindDocumentExtraction,
		models.DocumentExtractionPayload{DocumentID: doc.ID, FilePath: sourcePath},
		queue.WithUnitID(doc.ID))
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("document_id", doc.ID).
		Str("filename", doc.Filename).
		Str("target_lang", doc.TargetLang).
		Msg("Document uploaded and queued for extraction")
	return doc, nil
}

func (s *Service) writeOriginal(doc *models.Document, content io.Reader) (string, error) {
	docDir := filepath.Join(s.docsRoot, doc.ID)
	if err := os.MkdirAll(docDir, 0o755); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(doc.Filename))
	if ext == "" {
		ext = ".pdf"
	}
	path := filepath.Join(docDir, "original"+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// Get returns the document with its status derived from the page aggregates.
func (s *Service) Get(id string) (*models.Document, error) {
	doc, err := s.documents.GetDocument(id)
	if err != nil {
		return nil, err
	}

	pages, err := s.pages.ListPagesByDocument(id)
	if err != nil {
		return nil, err
	}

	derived := models.DeriveDocumentStatus(doc, pages)
	if derived != doc.Status {
		doc.Status = derived
		doc.UpdatedAt = time.Now()
		if err := s.documents.SaveDocument(doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// List returns all documents with derived statuses.
func (s *Service) List() ([]*models.Document, error) {
	docs, err := s.documents.ListDocuments()
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if doc.Status != models.DocumentStatusProcessing {
			continue
		}
		pages, err := s.pages.ListPagesByDocument(doc.ID)
		if err != nil {
			return nil, err
		}
		doc.Status = models.DeriveDocumentStatus(doc, pages)
	}
	return docs, nil
}

// Pages returns the document's pages in page-number order.
func (s *Service) Pages(documentID string) ([]*models.Page, error) {
	if _, err := s.documents.GetDocument(documentID); err != nil {
		return nil, err
	}
	return s.pages.ListPagesByDocument(documentID)
}

// Delete removes the document record, its pages and its artifact directory.
// The record goes first so a crash mid-delete leaves an orphan directory for
// the sweeper instead of a record pointing at missing files.
func (s *Service) Delete(id string) error {
	if _, err := s.documents.GetDocument(id); err != nil {
		return err
	}

	if err := s.documents.DeleteDocument(id); err != nil {
		return err
	}
	if err := s.pages.DeletePagesByDocument(id); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.docsRoot, id)); err != nil {
		return err
	}

	s.logger.Info().
		Str("document_id", id).
		Msg("Document deleted")
	return nil
}

// RerunStage resets one stage of one page back to pending and enqueues a
// fresh processing job. Downstream stages are reset too, since their inputs
// are about to change.
func (s *Service) RerunStage(ctx context.Context, pageID string, stage models.Stage) error {
	page, err := s.pages.GetPage(pageID)
	if err != nil {
		return err
	}

	switch stage {
	case models.StageExtraction:
		page.ExtractionStatus = models.StageStatusPending
		page.TranslationStatus = models.StageStatusPending
		page.EmbeddingStatus = models.StageStatusPending
		page.ExtractedText = ""
		page.TranslatedText = ""
		page.Embedding = nil
	case models.StageTranslation:
		page.TranslationStatus = models.StageStatusPending
		page.EmbeddingStatus = models.StageStatusPending
		page.TranslatedText = ""
		page.Embedding = nil
	case models.StageEmbedding:
		page.EmbeddingStatus = models.StageStatusPending
		page.Embedding = nil
	default:
		return models.NewValidationError("stage", fmt.Sprintf("unknown stage: %s", stage))
	}
	page.ErrorMsg = ""
	page.UpdatedAt = time.Now()
	if err := s.pages.SavePage(page); err != nil {
		return err
	}

	// A document that aggregated to error goes back to processing so the
	// derived status can resolve again once the re-run lands.
	doc, err := s.documents.GetDocument(page.DocumentID)
	if err != nil {
		return err
	}
	if doc.Status == models.DocumentStatusError || doc.Status == models.DocumentStatusCompleted {
		doc.Status = models.DocumentStatusProcessing
		doc.ErrorMsg = ""
		doc.UpdatedAt = time.Now()
		if err := s.documents.SaveDocument(doc); err != nil {
			return err
		}
	}

	_, err = s.queue.Enqueue(ctx, models.QueueLLM, models.JobKindPageProcessing,
		models.PageProcessingPayload{PageID: page.ID}, queue.WithUnitID(page.ID))
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("page_id", page.ID).
		Str("document_id", page.DocumentID).
		Str("stage", string(stage)).
		Msg("Page stage reset and requeued")
	return nil
}
