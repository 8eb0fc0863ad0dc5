package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays canned replies in order. Pipeline tests use it to
// script multi-step agent conversations without a live model.
type ScriptedClient struct {
	mu      sync.Mutex
	replies []string
	calls   int
	// OnCall, when set, overrides the scripted replies entirely.
	OnCall func(call int, systemPrompt, userPrompt string) (string, error)
	// Prompts records every prompt the client received.
	Prompts []string
}

// NewScriptedClient creates a client that returns the given replies in order.
func NewScriptedClient(replies ...string) *ScriptedClient {
	return &ScriptedClient{replies: replies}
}

// Model returns a fixed test model name.
func (m *ScriptedClient) Model() string { return "scripted" }

// Complete returns the next scripted reply.
func (m *ScriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem returns the next scripted reply.
func (m *ScriptedClient) CompleteWithSystem(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.calls
	m.calls++
	m.Prompts = append(m.Prompts, userPrompt)
	if m.OnCall != nil {
		return m.OnCall(call, systemPrompt, userPrompt)
	}
	if call >= len(m.replies) {
		return "", fmt.Errorf("scripted client exhausted after %d replies", len(m.replies))
	}
	return m.replies[call], nil
}

// Calls reports how many completions were requested.
func (m *ScriptedClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
