// Package sweeper reconciles the on-disk document artifact directories
// against the database, removing directories whose document record no longer
// exists.
package sweeper

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
)

// Options configures a sweep.
type Options struct {
	// GracePeriod protects recently modified directories from removal; an
	// upload in progress has a directory before its record is visible. Zero
	// means every orphan is immediately eligible.
	GracePeriod time.Duration
	// DryRun reports what would be removed without removing anything.
	DryRun bool
}

// Result summarizes one sweep.
type Result struct {
	Scanned  int
	Orphans  int
	Removed  int
	Deferred int // orphans still inside the grace period
}

// Sweeper removes orphaned artifact directories under the documents root.
type Sweeper struct {
	documents interfaces.DocumentStorage
	docsRoot  string
	logger    arbor.ILogger
}

// NewSweeper creates a sweeper over the documents root.
func NewSweeper(documents interfaces.DocumentStorage, docsRoot string, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		documents: documents,
		docsRoot:  docsRoot,
		logger:    logger,
	}
}

// scanResult is one pass over the documents root.
type scanResult struct {
	scanned  int
	deferred int
	eligible []string // orphan directory paths past the grace period
}

// scan walks the documents root once. Directories are orphans when no
// document record with the directory's name exists; subdirectory contents
// are never inspected, the directory is the unit of removal.
func (s *Sweeper) scan(gracePeriod time.Duration) (*scanResult, error) {
	result := &scanResult{}

	entries, err := os.ReadDir(s.docsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing uploaded yet.
			return result, nil
		}
		return nil, err
	}

	known, err := s.knownDocumentIDs()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-gracePeriod)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		result.scanned++

		if _, ok := known[entry.Name()]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("dir", entry.Name()).
				Msg("Cannot stat orphan directory, skipping")
			continue
		}

		if gracePeriod > 0 && info.ModTime().After(cutoff) {
			result.deferred++
			s.logger.Debug().
				Str("dir", entry.Name()).
				Str("modified", info.ModTime().Format(time.RFC3339)).
				Msg("Orphan directory inside grace period, deferred")
			continue
		}

		result.eligible = append(result.eligible, filepath.Join(s.docsRoot, entry.Name()))
	}
	return result, nil
}

// FindOrphanedDirectories returns the artifact directories with no backing
// document record that are past the grace period, without removing anything.
func (s *Sweeper) FindOrphanedDirectories(gracePeriod time.Duration) ([]string, error) {
	scan, err := s.scan(gracePeriod)
	if err != nil {
		return nil, err
	}
	return scan.eligible, nil
}

// Sweep removes the orphaned directories found by one scan. With DryRun set
// it only reports what would be removed.
func (s *Sweeper) Sweep(opts Options) (*Result, error) {
	scan, err := s.scan(opts.GracePeriod)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Scanned:  scan.scanned,
		Orphans:  len(scan.eligible) + scan.deferred,
		Deferred: scan.deferred,
	}

	for _, path := range scan.eligible {
		if opts.DryRun {
			result.Removed++
			s.logger.Info().
				Str("dir", path).
				Msg("Dry run: would remove orphan directory")
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			s.logger.Error().
				Err(err).
				Str("dir", path).
				Msg("Failed to remove orphan directory")
			continue
		}
		result.Removed++
		s.logger.Info().
			Str("dir", path).
			Msg("Removed orphan directory")
	}

	s.logger.Info().
		Int("scanned", result.Scanned).
		Int("orphans", result.Orphans).
		Int("removed", result.Removed).
		Int("deferred", result.Deferred).
		Bool("dry_run", opts.DryRun).
		Msg("Orphan sweep completed")
	return result, nil
}

func (s *Sweeper) knownDocumentIDs() (map[string]struct{}, error) {
	docs, err := s.documents.ListDocuments()
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		known[doc.ID] = struct{}{}
	}
	return known, nil
}
