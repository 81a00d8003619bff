// Package pdf prepares uploaded documents for page-level processing:
// converting non-PDF uploads into a PDF container and splitting a PDF into
// one single-page file per page.
package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/models"
)

// Service implements the PDF preparation operations.
type Service struct {
	logger arbor.ILogger
}

// NewService creates a new PDF service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		logger: logger,
	}
}

var imageExtensions = map[string]string{
	".png":  "PNG",
	".jpg":  "JPG",
	".jpeg": "JPG",
}

// EnsurePDF returns a PDF path for the given source file. PDF inputs are
// returned unchanged; supported image formats are wrapped into a single-page
// PDF written next to the source as original.pdf.
func (s *Service) EnsurePDF(sourcePath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(sourcePath))
	if ext == ".pdf" {
		return sourcePath, nil
	}

	imageType, ok := imageExtensions[ext]
	if !ok {
		return "", models.NewValidationError("file", fmt.Sprintf("unsupported source format: %s", ext))
	}

	target := filepath.Join(filepath.Dir(sourcePath), "original.pdf")

	doc := fpdf.New("P", "mm", "A4", "")
	doc.AddPage()
	doc.ImageOptions(sourcePath, 10, 10, 190, 0, false,
		fpdf.ImageOptions{ImageType: imageType, ReadDpi: true}, 0, "")
	if err := doc.OutputFileAndClose(target); err != nil {
		return "", fmt.Errorf("failed to convert %s to PDF: %w", sourcePath, err)
	}

	s.logger.Debug().
		Str("source", sourcePath).
		Str("target", target).
		Msg("Converted upload to PDF container")

	return target, nil
}

// SplitPages splits a PDF into one single-page PDF per page inside outDir,
// named page_0001.pdf, page_0002.pdf, ... in page order. Returns the page
// file paths. Splitting is idempotent: existing page files are overwritten.
func (s *Service) SplitPages(pdfPath, outDir string) ([]string, error) {
	count, err := api.PageCountFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read page count of %s: %w", pdfPath, err)
	}
	if count == 0 {
		return nil, models.NewValidationError("file", "document has no pages")
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create page directory: %w", err)
	}

	if err := api.SplitFile(pdfPath, outDir, 1, nil); err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", pdfPath, err)
	}

	// pdfcpu names split output <base>_<n>.pdf; normalize to a stable,
	// zero-padded convention.
	base := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	paths := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		src := filepath.Join(outDir, fmt.Sprintf("%s_%d.pdf", base, i))
		dst := filepath.Join(outDir, fmt.Sprintf("page_%04d.pdf", i))
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("failed to rename page file %s: %w", src, err)
		}
		paths = append(paths, dst)
	}

	s.logger.Info().
		Str("pdf", pdfPath).
		Int("pages", count).
		Msg("Split document into page files")

	return paths, nil
}

// PageCount returns the number of pages in a PDF.
func (s *Service) PageCount(pdfPath string) (int, error) {
	count, err := api.PageCountFile(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read page count of %s: %w", pdfPath, err)
	}
	return count, nil
}
