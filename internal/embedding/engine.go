// Package embedding provides vector embedding generation for semantic search.
// Supports multiple backends: Ollama (local), Google GenAI (cloud) and a
// deterministic engine for tests.
package embedding

import (
	"context"
	"fmt"
	"math"

	"knowflow/internal/config"
	"knowflow/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	log := logging.Get(logging.CategoryEmbedding)
	log.Infow("creating embedding engine", "provider", cfg.Provider)

	var engine Engine
	var err error
	switch cfg.Provider {
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Dimensions)
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	case "deterministic":
		engine = NewDeterministicEngine(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai' or 'deterministic')", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	log.Infow("embedding engine ready", "name", engine.Name(), "dimensions", engine.Dimensions())
	return engine, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value in [-1, 1]; mismatched dimensions yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
