package models

import (
	"time"
)

// DocumentStatus tracks a document through the processing pipeline.
type DocumentStatus string

const (
	DocumentStatusUploading  DocumentStatus = "uploading"
	DocumentStatusQueued     DocumentStatus = "queued"
	DocumentStatusExtracting DocumentStatus = "extracting"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusError      DocumentStatus = "error"
)

// IsTerminal reports whether no further automatic transitions occur from this status.
func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusCompleted || s == DocumentStatusError
}

// Document represents an uploaded multi-page document moving through
// extraction, translation and embedding.
type Document struct {
	// Identity
	ID       string `json:"id"` // doc_{uuid}
	Title    string `json:"title"`
	Filename string `json:"filename"` // original upload filename

	// Pipeline
	PageCount  int            `json:"page_count"`
	SourceLang string         `json:"source_lang"`
	TargetLang string         `json:"target_lang"`
	Status     DocumentStatus `json:"status"`
	ErrorMsg   string         `json:"error_msg,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeriveDocumentStatus computes the displayed status of a document from its
// own status field plus the aggregate of its pages' per-stage statuses.
// Pre-processing statuses (uploading, queued, extracting) and terminal
// statuses are authoritative on their own; once the document is processing,
// the page aggregates decide whether it is still processing, completed, or
// failed.
func DeriveDocumentStatus(doc *Document, pages []*Page) DocumentStatus {
	if doc.Status != DocumentStatusProcessing {
		return doc.Status
	}

	if len(pages) == 0 {
		return DocumentStatusProcessing
	}

	allDone := true
	for _, p := range pages {
		if p.ExtractionStatus == StageStatusError ||
			p.TranslationStatus == StageStatusError ||
			p.EmbeddingStatus == StageStatusError {
			return DocumentStatusError
		}
		if p.ExtractionStatus != StageStatusCompleted ||
			p.TranslationStatus != StageStatusCompleted ||
			p.EmbeddingStatus != StageStatusCompleted {
			allDone = false
		}
	}

	if allDone {
		return DocumentStatusCompleted
	}
	return DocumentStatusProcessing
}
