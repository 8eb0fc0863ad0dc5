package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DeterministicEngine produces stable embeddings from token hashes. Similar
// texts share tokens and therefore direction, which is enough for tests and
// for running without any embedding backend.
type DeterministicEngine struct {
	dimensions int
}

// NewDeterministicEngine creates a deterministic engine with the given
// dimensionality (minimum 8).
func NewDeterministicEngine(dimensions int) *DeterministicEngine {
	if dimensions < 8 {
		dimensions = 64
	}
	return &DeterministicEngine{dimensions: dimensions}
}

// Embed hashes each token into a bucket and L2-normalizes the result.
func (e *DeterministicEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := int(sum) % e.dimensions
		if bucket < 0 {
			bucket += e.dimensions
		}
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *DeterministicEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (e *DeterministicEngine) Dimensions() int { return e.dimensions }

// Name returns the engine name.
func (e *DeterministicEngine) Name() string { return "deterministic" }
