package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/config"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestDeterministicEngineStable(t *testing.T) {
	e := NewDeterministicEngine(64)
	ctx := context.Background()

	a1, err := e.Embed(ctx, "the scheduler coordinates retries")
	require.NoError(t, err)
	a2, err := e.Embed(ctx, "the scheduler coordinates retries")
	require.NoError(t, err)
	assert.Equal(t, a1, a2, "same text must embed identically")

	// Normalized output.
	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	// Overlapping text should be closer than unrelated text.
	b, err := e.Embed(ctx, "scheduler retries and backpressure")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "quarterly revenue of the bakery")
	require.NoError(t, err)
	assert.Greater(t, CosineSimilarity(a1, b), CosineSimilarity(a1, c))
}

func TestDeterministicEngineBatch(t *testing.T) {
	e := NewDeterministicEngine(32)
	out, err := e.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Len(t, out[0], 32)
}

func TestNewEngineFromConfig(t *testing.T) {
	engine, err := NewEngine(config.EmbeddingConfig{Provider: "deterministic", Dimensions: 48})
	require.NoError(t, err)
	assert.Equal(t, 48, engine.Dimensions())
	assert.Equal(t, "deterministic", engine.Name())

	_, err = NewEngine(config.EmbeddingConfig{Provider: "bogus"})
	assert.Error(t, err)
}
