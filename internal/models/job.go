package models

import (
	"time"
)

// JobState is the lifecycle of a durable job record.
type JobState string

const (
	JobStateAvailable JobState = "available"
	JobStateExecuting JobState = "executing"
	JobStateCompleted JobState = "completed"
	JobStateDiscarded JobState = "discarded"
	JobStateCancelled JobState = "cancelled"
)

// Queue names. Each queue has its own concurrency budget: page splitting is
// CPU-bound and wide, LLM calls are narrow to avoid overwhelming a single
// external service, maintenance work is strictly serial.
const (
	QueueExtract     = "extract"
	QueueLLM         = "llm"
	QueueMaintenance = "maintenance"
)

// Job kinds dispatched by the queue manager.
const (
	JobKindDocumentExtraction = "document_extraction"
	JobKindPageProcessing     = "page_processing"
	JobKindHealthCheck        = "health_check"
)

// Job is a persisted unit of work. It survives process restarts; delivery is
// at-least-once with idempotent re-execution.
type Job struct {
	ID    string `json:"id"` // job_{uuid}
	Queue string `json:"queue"`
	Kind  string `json:"kind"`

	// UnitID names the unit of work the job operates on (a document or page
	// id). At most one available-or-executing job may exist per (kind,
	// unit); enqueueing a duplicate returns the live job instead. Empty
	// means no uniqueness constraint.
	UnitID string `json:"unit_id,omitempty"`

	Payload []byte `json:"payload"`

	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"max_attempts"`
	State       JobState `json:"state"`
	LastError   string   `json:"last_error,omitempty"`

	// ScheduledAt is the time the job becomes eligible for dispatch.
	// Retries push it into the future by the computed backoff delay.
	ScheduledAt time.Time `json:"scheduled_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished reports whether the job reached a terminal state.
func (j *Job) IsFinished() bool {
	return j.State == JobStateCompleted || j.State == JobStateDiscarded || j.State == JobStateCancelled
}

// DocumentExtractionPayload is the argument payload for document-extraction jobs.
type DocumentExtractionPayload struct {
	DocumentID string `json:"document_id"`
	// FilePath optionally names the source file explicitly. When empty the
	// executor falls back to the conventional original.<ext> name inside the
	// document's artifact directory.
	FilePath string `json:"file_path,omitempty"`
}

// PageProcessingPayload is the argument payload for page LLM-processing jobs.
type PageProcessingPayload struct {
	PageID string `json:"page_id"`
}
