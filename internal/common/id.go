package common

import "github.com/google/uuid"

// NewDocumentID generates a document ID (doc_{uuid})
func NewDocumentID() string {
	return "doc_" + uuid.New().String()
}

// NewPageID generates a page ID (page_{uuid})
func NewPageID() string {
	return "page_" + uuid.New().String()
}

// NewJobID generates a job ID (job_{uuid})
func NewJobID() string {
	return "job_" + uuid.New().String()
}
