package stream

import (
	"context"
	"fmt"
	"sync"

	"knowflow/internal/types"
)

// History is the slice of the conversation service the accumulator needs.
type History interface {
	AppendTurns(ctx context.Context, sessionID string, turns ...types.Turn) error
	RewriteLastTurn(ctx context.Context, sessionID string, turn types.Turn) error
}

// Accumulator persists a streaming response into the session history:
// one user turn plus an assistant turn that is rewritten in place after
// every chunk, so a reader mid-stream sees the partial reply.
type Accumulator struct {
	history   History
	sessionID string

	mu       sync.Mutex
	items    []types.ContentItem
	began    bool
	finished bool
}

// NewAccumulator creates an accumulator bound to one session.
func NewAccumulator(history History, sessionID string) *Accumulator {
	return &Accumulator{history: history, sessionID: sessionID}
}

// Begin appends the user's turn and an empty assistant turn. It must run
// before the first pipeline chunk.
func (a *Accumulator) Begin(ctx context.Context, userText string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.began {
		return fmt.Errorf("accumulator already started")
	}
	a.began = true
	return a.history.AppendTurns(ctx, a.sessionID,
		types.Turn{Role: types.RoleUser, Content: []types.ContentItem{{Type: types.ContentText, Content: userText}}},
		types.Turn{Role: types.RoleAssistant, Content: []types.ContentItem{}},
	)
}

// OnChunk folds one chunk into the assistant turn and rewrites it.
// Heartbeats never reach the history.
func (a *Accumulator) OnChunk(ctx context.Context, c types.Chunk) error {
	if c.IsHeartbeat() || len(c.Choices) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.began || a.finished {
		return nil
	}

	delta := c.Choices[0].Delta
	if delta.Content != "" || delta.Type != types.ContentText {
		// Adjacent text deltas concatenate into one item; other types keep
		// their own slot in arrival order.
		n := len(a.items)
		if delta.Type == types.ContentText && n > 0 && a.items[n-1].Type == types.ContentText {
			a.items[n-1].Content += delta.Content
		} else {
			a.items = append(a.items, types.ContentItem{Type: delta.Type, Content: delta.Content})
		}
	}
	return a.rewriteLocked(ctx)
}

// Finish writes the final accumulated list once. Safe to call after an error
// or disconnect; whatever accumulated is persisted.
func (a *Accumulator) Finish(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.began || a.finished {
		return nil
	}
	a.finished = true
	return a.rewriteLocked(ctx)
}

// Items returns a copy of the accumulated content list.
func (a *Accumulator) Items() []types.ContentItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.ContentItem, len(a.items))
	copy(out, a.items)
	return out
}

func (a *Accumulator) rewriteLocked(ctx context.Context) error {
	items := make([]types.ContentItem, len(a.items))
	copy(items, a.items)
	return a.history.RewriteLastTurn(ctx, a.sessionID, types.Turn{Role: types.RoleAssistant, Content: items})
}
