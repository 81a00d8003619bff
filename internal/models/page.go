package models

import (
	"fmt"
	"time"
)

// StageStatus is the per-stage state machine for a page:
// pending -> processing -> {completed | error}. Error is terminal for the
// stage; only an explicit re-run request resets it to pending.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusError      StageStatus = "error"
)

// Stage identifies one of the per-page pipeline stages.
type Stage string

const (
	StageExtraction  Stage = "extraction"
	StageTranslation Stage = "translation"
	StageEmbedding   Stage = "embedding"
)

// Page is one page of a document. Created in a batch by the
// document-extraction stage, mutated in place by each stage job, and never
// deleted independently of its document.
type Page struct {
	ID         string `json:"id"` // page_{uuid}
	DocumentID string `json:"document_id"`
	PageNumber int    `json:"page_number"` // 1-based, dense per document

	ImagePath      string `json:"image_path"`
	ExtractedText  string `json:"extracted_text,omitempty"`
	TranslatedText string `json:"translated_text,omitempty"`

	ExtractionStatus  StageStatus `json:"extraction_status"`
	TranslationStatus StageStatus `json:"translation_status"`
	EmbeddingStatus   StageStatus `json:"embedding_status"`

	Embedding []float32 `json:"embedding,omitempty"`
	ErrorMsg  string    `json:"error_msg,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusFor returns the status field for the given stage.
func (p *Page) StatusFor(stage Stage) (StageStatus, error) {
	switch stage {
	case StageExtraction:
		return p.ExtractionStatus, nil
	case StageTranslation:
		return p.TranslationStatus, nil
	case StageEmbedding:
		return p.EmbeddingStatus, nil
	default:
		return "", fmt.Errorf("unknown stage: %s", stage)
	}
}

// SetStatusFor updates the status field for the given stage.
func (p *Page) SetStatusFor(stage Stage, status StageStatus) error {
	switch stage {
	case StageExtraction:
		p.ExtractionStatus = status
	case StageTranslation:
		p.TranslationStatus = status
	case StageEmbedding:
		p.EmbeddingStatus = status
	default:
		return fmt.Errorf("unknown stage: %s", stage)
	}
	return nil
}

// FullyProcessed reports whether all three stages completed for this page.
func (p *Page) FullyProcessed() bool {
	return p.ExtractionStatus == StageStatusCompleted &&
		p.TranslationStatus == StageStatusCompleted &&
		p.EmbeddingStatus == StageStatusCompleted
}
