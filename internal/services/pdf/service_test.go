package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/models"
)

func writePDF(t *testing.T, path string, pages int) {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Helvetica", "", 12)
	for i := 1; i <= pages; i++ {
		doc.AddPage()
		doc.Cell(40, 10, fmt.Sprintf("Page %d", i))
	}
	require.NoError(t, doc.OutputFileAndClose(path))
}

func TestEnsurePDFPassthrough(t *testing.T) {
	s := NewService(arbor.NewLogger())
	path := filepath.Join(t.TempDir(), "original.pdf")
	writePDF(t, path, 1)

	got, err := s.EnsurePDF(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestEnsurePDFRejectsUnsupportedFormat(t *testing.T) {
	s := NewService(arbor.NewLogger())
	path := filepath.Join(t.TempDir(), "original.docx")
	require.NoError(t, os.WriteFile(path, []byte("not a real docx"), 0o644))

	_, err := s.EnsurePDF(path)
	var validation *models.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestSplitPages(t *testing.T) {
	s := NewService(arbor.NewLogger())
	dir := t.TempDir()
	source := filepath.Join(dir, "original.pdf")
	writePDF(t, source, 3)

	paths, err := s.SplitPages(source, dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)

	for i, p := range paths {
		assert.Equal(t, filepath.Join(dir, fmt.Sprintf("page_%04d.pdf", i+1)), p)
		assert.FileExists(t, p)

		count, err := s.PageCount(p)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}
}

func TestSplitPagesSinglePage(t *testing.T) {
	s := NewService(arbor.NewLogger())
	dir := t.TempDir()
	source := filepath.Join(dir, "original.pdf")
	writePDF(t, source, 1)

	paths, err := s.SplitPages(source, dir)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.FileExists(t, paths[0])
}

func TestPageCount(t *testing.T) {
	s := NewService(arbor.NewLogger())
	path := filepath.Join(t.TempDir(), "doc.pdf")
	writePDF(t, path, 5)

	count, err := s.PageCount(path)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}
