package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
)

func newOffline(t *testing.T, dim int) *OfflineService {
	t.Helper()
	cfg := &common.LLMConfig{Mode: "offline", EmbedDimension: dim}
	return NewOfflineService(cfg, arbor.NewLogger())
}

func TestOfflineExtractText(t *testing.T) {
	s := newOffline(t, 64)
	text, err := s.ExtractText(context.Background(), "/data/doc_1/page_0002.pdf")
	require.NoError(t, err)
	assert.Equal(t, "Extracted text from page_0002.pdf.", text)
}

func TestOfflineTranslate(t *testing.T) {
	s := newOffline(t, 64)
	got, err := s.Translate(context.Background(), "hello", "en", "fr")
	require.NoError(t, err)
	assert.Equal(t, "[fr] hello", got)

	_, err = s.Translate(context.Background(), "   ", "en", "fr")
	assert.Error(t, err)
}

func TestOfflineEmbedIsDeterministic(t *testing.T) {
	s := newOffline(t, 128)

	a, err := s.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := s.Embed(context.Background(), "same text")
	require.NoError(t, err)
	c, err := s.Embed(context.Background(), "different text")
	require.NoError(t, err)

	assert.Len(t, a, 128)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 3, s.EmbedCallCount())
}

func TestOfflineEmbedRejectsEmptyText(t *testing.T) {
	s := newOffline(t, 64)
	_, err := s.Embed(context.Background(), "")
	assert.Error(t, err)
}

func TestOfflineMode(t *testing.T) {
	s := newOffline(t, 64)
	assert.Equal(t, interfaces.AIModeOffline, s.Mode())
	assert.True(t, s.Available(context.Background(), interfaces.DependencyVision))
	assert.NoError(t, s.Close())
}

func TestProviderSelectsImplementation(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.LLM.Mode = "offline"

	svc, err := NewService(cfg, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, interfaces.AIModeOffline, svc.Mode())

	cfg.LLM.Mode = "carrier-pigeon"
	_, err = NewService(cfg, arbor.NewLogger())
	assert.Error(t, err)
}
