package interfaces

import (
	"context"
)

// AIMode indicates which AI service implementation is active.
type AIMode string

const (
	AIModeCloud   AIMode = "cloud"
	AIModeOffline AIMode = "offline"
)

// Dependency names used to key circuit breakers and health probes.
const (
	DependencyVision      = "vision"
	DependencyTranslation = "translation"
	DependencyEmbedding   = "embedding"
)

// AIService is the external AI collaborator contract. The pipeline only
// depends on this error-or-value surface; every call site wraps it with the
// circuit breaker for the respective dependency name.
type AIService interface {
	// ExtractText performs vision-model text extraction on a page image.
	ExtractText(ctx context.Context, imagePath string) (string, error)

	// Translate translates text from sourceLang to targetLang.
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)

	// Embed computes a semantic embedding vector for text. The vector has
	// the configured fixed dimensionality.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Available probes whether the named dependency is reachable.
	Available(ctx context.Context, dependency string) bool

	// Mode returns the active implementation mode.
	Mode() AIMode

	// Close releases client resources.
	Close() error
}
