package badger

import (
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
)

// PageStorage implements the PageStorage interface for Badger
type PageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPageStorage creates a new PageStorage instance
func NewPageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PageStorage {
	return &PageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PageStorage) SavePage(page *models.Page) error {
	if page.ID == "" {
		return fmt.Errorf("page ID is required")
	}
	if page.DocumentID == "" {
		return fmt.Errorf("page document ID is required")
	}

	now := time.Now()
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = now

	if err := s.db.Store().Upsert(page.ID, page); err != nil {
		return fmt.Errorf("failed to save page: %w", err)
	}
	return nil
}

// SavePages writes the batch atomically: either every page record lands or
// none do, so a crash mid-batch never leaves a partial page set behind.
func (s *PageStorage) SavePages(pages []*models.Page) error {
	now := time.Now()
	for _, page := range pages {
		if page.ID == "" {
			return fmt.Errorf("page ID is required")
		}
		if page.DocumentID == "" {
			return fmt.Errorf("page document ID is required")
		}
		if page.CreatedAt.IsZero() {
			page.CreatedAt = now
		}
		page.UpdatedAt = now
	}

	err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
		for _, page := range pages {
			if err := s.db.Store().TxUpsert(tx, page.ID, page); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save page batch: %w", err)
	}
	return nil
}

func (s *PageStorage) GetPage(id string) (*models.Page, error) {
	var page models.Page
	if err := s.db.Store().Get(id, &page); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("page not found: %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	return &page, nil
}

func (s *PageStorage) ListPagesByDocument(documentID string) ([]*models.Page, error) {
	var pages []models.Page
	query := badgerhold.Where("DocumentID").Eq(documentID).SortBy("PageNumber")
	if err := s.db.Store().Find(&pages, query); err != nil {
		return nil, fmt.Errorf("failed to list pages for document %s: %w", documentID, err)
	}

	result := make([]*models.Page, len(pages))
	for i := range pages {
		result[i] = &pages[i]
	}
	return result, nil
}

func (s *PageStorage) DeletePagesByDocument(documentID string) error {
	query := badgerhold.Where("DocumentID").Eq(documentID)
	if err := s.db.Store().DeleteMatching(&models.Page{}, query); err != nil {
		return fmt.Errorf("failed to delete pages for document %s: %w", documentID, err)
	}
	return nil
}
