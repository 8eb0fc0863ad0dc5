package splitter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmpty(t *testing.T) {
	assert.Nil(t, Split("", InvertedChunkSize, DefaultOverlap))
	assert.Nil(t, Split("   \n\n  ", InvertedChunkSize, DefaultOverlap))
}

func TestSplitShortTextIsOneChunk(t *testing.T) {
	chunks := Split("a short paragraph", InvertedChunkSize, DefaultOverlap)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "a short paragraph", chunks[0].Content)
}

func TestSplitGroupsParagraphs(t *testing.T) {
	text := "first paragraph.\n\nsecond paragraph.\n\nthird paragraph."
	chunks := Split(text, InvertedChunkSize, DefaultOverlap)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "first paragraph.")
	assert.Contains(t, chunks[0].Content, "third paragraph.")
}

func TestSplitRespectsSize(t *testing.T) {
	sentence := "The quick brown fox jumps over the lazy dog. "
	text := strings.Repeat(sentence, 100)
	chunks := Split(text, 200, 50)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Content), 200)
		assert.NotEmpty(t, c.Content)
	}
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestSplitPrefersSentenceBoundary(t *testing.T) {
	sentence := "The quick brown fox jumps over the lazy dog. "
	text := strings.Repeat(sentence, 50)
	chunks := Split(text, 200, 0)
	require.Greater(t, len(chunks), 1)
	// Sentence terminators sit inside the boundary window, so every chunk
	// but possibly the last ends on one.
	for _, c := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(c.Content, "."), "chunk should end at a sentence: %q", c.Content)
	}
}

func TestSplitFallsBackToWordBoundary(t *testing.T) {
	text := strings.Repeat("word ", 200)
	chunks := Split(text, 100, 20)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.False(t, strings.HasPrefix(c.Content, "ord"), "chunk should not start mid-word: %q", c.Content)
	}
}

func TestSplitHardCutsUnbrokenText(t *testing.T) {
	text := strings.Repeat("x", 500)
	chunks := Split(text, 100, 20)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Content), 100)
	}
}

func TestSplitOverlap(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta ", 50)
	chunks := Split(text, 120, 40)
	require.Greater(t, len(chunks), 1)
	// With overlap, the tail of chunk i reappears at the head of chunk i+1.
	tail := chunks[0].Content[len(chunks[0].Content)-10:]
	assert.Contains(t, chunks[1].Content, strings.TrimSpace(tail))
}
