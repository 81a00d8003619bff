package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func pageWith(extraction, translation, embedding StageStatus) *Page {
	return &Page{
		ExtractionStatus:  extraction,
		TranslationStatus: translation,
		EmbeddingStatus:   embedding,
	}
}

func TestDeriveDocumentStatus(t *testing.T) {
	tests := []struct {
		name   string
		status DocumentStatus
		pages  []*Page
		want   DocumentStatus
	}{
		{
			name:   "uploading is authoritative",
			status: DocumentStatusUploading,
			want:   DocumentStatusUploading,
		},
		{
			name:   "queued is authoritative",
			status: DocumentStatusQueued,
			want:   DocumentStatusQueued,
		},
		{
			name:   "extracting ignores pages",
			status: DocumentStatusExtracting,
			pages:  []*Page{pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusCompleted)},
			want:   DocumentStatusExtracting,
		},
		{
			name:   "terminal error sticks",
			status: DocumentStatusError,
			pages:  []*Page{pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusCompleted)},
			want:   DocumentStatusError,
		},
		{
			name:   "processing with no pages stays processing",
			status: DocumentStatusProcessing,
			want:   DocumentStatusProcessing,
		},
		{
			name:   "all stages complete on all pages",
			status: DocumentStatusProcessing,
			pages: []*Page{
				pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusCompleted),
				pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusCompleted),
			},
			want: DocumentStatusCompleted,
		},
		{
			name:   "one pending stage holds processing",
			status: DocumentStatusProcessing,
			pages: []*Page{
				pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusCompleted),
				pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusPending),
			},
			want: DocumentStatusProcessing,
		},
		{
			name:   "any stage error wins over progress",
			status: DocumentStatusProcessing,
			pages: []*Page{
				pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusCompleted),
				pageWith(StageStatusCompleted, StageStatusError, StageStatusPending),
			},
			want: DocumentStatusError,
		},
		{
			name:   "embedding error alone fails the document",
			status: DocumentStatusProcessing,
			pages: []*Page{
				pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusError),
			},
			want: DocumentStatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &Document{Status: tt.status}
			assert.Equal(t, tt.want, DeriveDocumentStatus(doc, tt.pages))
		})
	}
}

func TestStatusForAndSetStatusFor(t *testing.T) {
	p := pageWith(StageStatusPending, StageStatusPending, StageStatusPending)

	for _, stage := range []Stage{StageExtraction, StageTranslation, StageEmbedding} {
		got, err := p.StatusFor(stage)
		assert.NoError(t, err)
		assert.Equal(t, StageStatusPending, got)

		assert.NoError(t, p.SetStatusFor(stage, StageStatusCompleted))
		got, err = p.StatusFor(stage)
		assert.NoError(t, err)
		assert.Equal(t, StageStatusCompleted, got)
	}

	_, err := p.StatusFor(Stage("summarization"))
	assert.Error(t, err)
	assert.Error(t, p.SetStatusFor(Stage("summarization"), StageStatusError))
}

func TestFullyProcessed(t *testing.T) {
	assert.True(t, pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusCompleted).FullyProcessed())
	assert.False(t, pageWith(StageStatusCompleted, StageStatusCompleted, StageStatusProcessing).FullyProcessed())
	assert.False(t, pageWith(StageStatusError, StageStatusCompleted, StageStatusCompleted).FullyProcessed())
}

func TestDocumentStatusIsTerminal(t *testing.T) {
	assert.True(t, DocumentStatusCompleted.IsTerminal())
	assert.True(t, DocumentStatusError.IsTerminal())
	assert.False(t, DocumentStatusProcessing.IsTerminal())
	assert.False(t, DocumentStatusUploading.IsTerminal())
}
