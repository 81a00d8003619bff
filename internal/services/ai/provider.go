// Package ai provides the external AI service clients: Gemini for vision
// extraction and embeddings, Claude for translation, and a deterministic
// offline implementation for tests and development.
package ai

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
)

// NewService creates the AI service implementation selected by config.
// The choice is injected at construction, not via a global switch, so tests
// can run against the deterministic offline variant.
func NewService(config *common.Config, logger arbor.ILogger) (interfaces.AIService, error) {
	switch config.LLM.Mode {
	case "offline":
		return NewOfflineService(&config.LLM, logger), nil
	case "", "cloud":
		return NewCloudService(&config.LLM, logger)
	default:
		return nil, fmt.Errorf("unknown llm mode: %s (expected \"cloud\" or \"offline\")", config.LLM.Mode)
	}
}
