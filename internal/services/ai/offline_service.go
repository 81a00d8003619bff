package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
)

// OfflineService is a deterministic AIService fake for tests and offline
// development. The same input always yields the same output, and no network
// calls are made.
type OfflineService struct {
	config *common.LLMConfig
	logger arbor.ILogger

	mu sync.Mutex
	// Failure injection hooks for tests. When set, the matching call
	// returns the configured error (or panics, for crash-isolation tests).
	ExtractErr   error
	TranslateErr error
	EmbedErr     error
	EmbedPanic   bool
	EmbedCalls   int
	// EmbedGate, when set, blocks Embed until the channel is closed. Lets
	// tests hold an embedding call in flight.
	EmbedGate chan struct{}
}

// NewOfflineService creates the deterministic offline AI service.
func NewOfflineService(config *common.LLMConfig, logger arbor.ILogger) *OfflineService {
	return &OfflineService{
		config: config,
		logger: logger,
	}
}

// SetExtractErr injects a failure into ExtractText calls.
func (s *OfflineService) SetExtractErr(err error) {
	s.mu.Lock()
	s.ExtractErr = err
	s.mu.Unlock()
}

// SetTranslateErr injects a failure into Translate calls.
func (s *OfflineService) SetTranslateErr(err error) {
	s.mu.Lock()
	s.TranslateErr = err
	s.mu.Unlock()
}

// SetEmbedErr injects a failure into Embed calls.
func (s *OfflineService) SetEmbedErr(err error) {
	s.mu.Lock()
	s.EmbedErr = err
	s.mu.Unlock()
}

// SetEmbedPanic makes Embed panic, for crash-isolation tests.
func (s *OfflineService) SetEmbedPanic(v bool) {
	s.mu.Lock()
	s.EmbedPanic = v
	s.mu.Unlock()
}

// SetEmbedGate makes Embed block until the channel is closed.
func (s *OfflineService) SetEmbedGate(ch chan struct{}) {
	s.mu.Lock()
	s.EmbedGate = ch
	s.mu.Unlock()
}

// EmbedCallCount returns how many times Embed was invoked.
func (s *OfflineService) EmbedCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EmbedCalls
}

func (s *OfflineService) ExtractText(ctx context.Context, imagePath string) (string, error) {
	s.mu.Lock()
	err := s.ExtractErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	base := filepath.Base(imagePath)
	return fmt.Sprintf("Extracted text from %s.", base), nil
}

func (s *OfflineService) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	s.mu.Lock()
	err := s.TranslateErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text cannot be empty")
	}
	return fmt.Sprintf("[%s] %s", targetLang, text), nil
}

func (s *OfflineService) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	s.EmbedCalls++
	err := s.EmbedErr
	panics := s.EmbedPanic
	gate := s.EmbedGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if panics {
		panic("injected embedding crash")
	}
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	// Stable pseudo-embedding derived from the text hash.
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	dim := s.config.EmbedDimension
	if dim <= 0 {
		dim = 1024
	}
	vector := make([]float32, dim)
	state := seed
	for i := range vector {
		state = state*6364136223846793005 + 1442695040888963407
		vector[i] = float32(int64(state>>33))/float32(1<<31) - 0.5
	}
	return vector, nil
}

func (s *OfflineService) Available(ctx context.Context, dependency string) bool {
	switch dependency {
	case interfaces.DependencyVision, interfaces.DependencyTranslation, interfaces.DependencyEmbedding:
		return true
	default:
		return false
	}
}

func (s *OfflineService) Mode() interfaces.AIMode {
	return interfaces.AIModeOffline
}

func (s *OfflineService) Close() error {
	return nil
}
