package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"knowflow/internal/logging"
)

// ExtractJSON pulls a JSON document out of a model reply. Models often wrap
// JSON in Markdown code fences or prepend prose; this finds the outermost
// object or array.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if fenced := stripFence(s); fenced != "" {
		s = fenced
	}
	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')
	start := objStart
	var open, close byte = '{', '}'
	if start == -1 || (arrStart != -1 && arrStart < objStart) {
		start = arrStart
		open, close = '[', ']'
	}
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func stripFence(s string) string {
	idx := strings.Index(s, "```")
	if idx == -1 {
		return ""
	}
	rest := s[idx+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		// Skip the language tag line ("json", "JSON", or empty).
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end != -1 {
		return strings.TrimSpace(rest[:end])
	}
	return strings.TrimSpace(rest)
}

// RequestJSON asks the model for JSON and decodes it into out. On a parse
// failure it retries exactly once with an explicit format reminder; if that
// also fails the caller applies its documented default payload.
func RequestJSON(ctx context.Context, c Client, systemPrompt, userPrompt string, out any) error {
	reply, err := c.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	if err != nil {
		return err
	}
	if err := decodeJSON(reply, out); err == nil {
		return nil
	}
	logging.Get(logging.CategoryLLM).Debugw("JSON parse failed, retrying once", "model", c.Model())

	retryPrompt := userPrompt + "\n\nYour previous reply was not valid JSON. Respond with only a valid JSON document and nothing else."
	reply, err = c.CompleteWithSystem(ctx, systemPrompt, retryPrompt)
	if err != nil {
		return err
	}
	if err := decodeJSON(reply, out); err != nil {
		return fmt.Errorf("model did not return valid JSON after retry: %w", err)
	}
	return nil
}

func decodeJSON(reply string, out any) error {
	doc := ExtractJSON(reply)
	if doc == "" {
		return fmt.Errorf("no JSON document found in reply")
	}
	return json.Unmarshal([]byte(doc), out)
}
