// Package splitter cuts document text into overlapping chunks for indexing.
// The cut points prefer natural boundaries: paragraph breaks first, then a
// sentence terminator near the end of the window, then a word boundary, and
// only as a last resort a hard cut.
package splitter

import (
	"strings"
	"unicode/utf8"
)

// Defaults for the two index families.
const (
	VectorChunkSize   = 512
	InvertedChunkSize = 1024
	DefaultOverlap    = 128

	// A sentence terminator only counts as a boundary when it falls within
	// this many characters of the target size.
	sentenceWindow = 50
)

var sentenceTerminators = []rune{'.', '!', '?', '。', '！', '？', ';', '；', '\n'}

// Chunk is one piece of split text.
type Chunk struct {
	Index   int
	Content string
}

// Split cuts text into chunks of at most size characters with the given
// overlap between adjacent chunks. Character counts are in runes so CJK text
// splits the same way as ASCII.
func Split(text string, size, overlap int) []Chunk {
	if size <= 0 {
		size = InvertedChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []Chunk
	for _, para := range splitParagraphs(text, size) {
		chunks = appendWindowed(chunks, para, size, overlap)
	}
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// splitParagraphs groups paragraphs so each group fits within size where
// possible; oversized paragraphs pass through for window splitting.
func splitParagraphs(text string, size int) []string {
	paras := strings.Split(text, "\n\n")
	var groups []string
	var current strings.Builder
	currentLen := 0
	flush := func() {
		if currentLen > 0 {
			groups = append(groups, current.String())
			current.Reset()
			currentLen = 0
		}
	}
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		plen := utf8.RuneCountInString(p)
		if plen >= size {
			flush()
			groups = append(groups, p)
			continue
		}
		// +2 for the paragraph separator we re-insert.
		if currentLen > 0 && currentLen+2+plen > size {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(p)
		currentLen += plen
	}
	flush()
	return groups
}

// appendWindowed splits one text block into overlapping windows.
func appendWindowed(chunks []Chunk, text string, size, overlap int) []Chunk {
	runes := []rune(text)
	if len(runes) <= size {
		return append(chunks, Chunk{Content: text})
	}
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, Chunk{Content: strings.TrimSpace(string(runes[start:]))})
			break
		}
		cut := findCut(runes, start, end)
		chunks = append(chunks, Chunk{Content: strings.TrimSpace(string(runes[start:cut]))})
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	// Windowing can produce an empty trailing chunk from trimmed whitespace.
	out := chunks[:0]
	for _, c := range chunks {
		if c.Content != "" {
			out = append(out, c)
		}
	}
	return out
}

// findCut picks the best boundary at or before end: a sentence terminator in
// the last sentenceWindow characters, else the last word boundary, else end.
func findCut(runes []rune, start, end int) int {
	lo := end - sentenceWindow
	if lo < start+1 {
		lo = start + 1
	}
	for i := end - 1; i >= lo; i-- {
		if isTerminator(runes[i]) {
			return i + 1
		}
	}
	for i := end - 1; i > start; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return end
}

func isTerminator(r rune) bool {
	for _, t := range sentenceTerminators {
		if r == t {
			return true
		}
	}
	return false
}
