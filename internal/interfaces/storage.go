package interfaces

import (
	"time"

	"github.com/sapientpants/doctrans-sub001/internal/models"
)

// DocumentStorage provides CRUD operations for document records.
type DocumentStorage interface {
	SaveDocument(doc *models.Document) error
	GetDocument(id string) (*models.Document, error)
	ListDocuments() ([]*models.Document, error)
	DeleteDocument(id string) error
}

// PageStorage provides CRUD operations for page records.
type PageStorage interface {
	SavePage(page *models.Page) error
	SavePages(pages []*models.Page) error
	GetPage(id string) (*models.Page, error)
	ListPagesByDocument(documentID string) ([]*models.Page, error)
	DeletePagesByDocument(documentID string) error
}

// JobStorage persists durable job records for the queue manager.
type JobStorage interface {
	SaveJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)

	// NextAvailable returns up to limit jobs on the queue that are in the
	// available state with a scheduled time at or before now, ordered FIFO
	// by availability time.
	NextAvailable(queue string, now time.Time, limit int) ([]*models.Job, error)

	// FindActiveJob returns the available-or-executing job for the given
	// kind and unit of work, or nil when none exists.
	FindActiveJob(kind, unitID string) (*models.Job, error)

	// RequeueExecuting returns jobs stranded in the executing state (by a
	// crashed process) to available, and reports how many were recovered.
	RequeueExecuting() (int, error)

	// DeleteFinishedBefore prunes completed/discarded/cancelled records last
	// updated before the cutoff.
	DeleteFinishedBefore(cutoff time.Time) (int, error)
}

// StorageManager bundles the per-entity storages behind one lifecycle.
type StorageManager interface {
	DocumentStorage() DocumentStorage
	PageStorage() PageStorage
	JobStorage() JobStorage
	Close() error
}
