package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"knowflow/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memoryHistory is a History kept in memory for tests.
type memoryHistory struct {
	mu    sync.Mutex
	turns map[string][]types.Turn
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{turns: make(map[string][]types.Turn)}
}

func (h *memoryHistory) AppendTurns(_ context.Context, sessionID string, turns ...types.Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns[sessionID] = append(h.turns[sessionID], turns...)
	return nil
}

func (h *memoryHistory) RewriteLastTurn(_ context.Context, sessionID string, turn types.Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.turns[sessionID]
	if len(list) == 0 {
		return errors.New("no turns")
	}
	list[len(list)-1] = turn
	return nil
}

func (h *memoryHistory) last(sessionID string) types.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.turns[sessionID]
	return list[len(list)-1]
}

func TestSourceHandsOffInOrder(t *testing.T) {
	src := NewSource()
	ctx := context.Background()

	go func() {
		for _, text := range []string{"a", "b", "c"} {
			_ = src.Emit(ctx, types.NewChunk("r1", "m", types.ContentText, text))
		}
		src.Close()
	}()

	var got []string
	for {
		c, ok, err := src.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, c.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSourceFailSurfacesError(t *testing.T) {
	src := NewSource()
	src.Fail(errors.New("pipeline exploded"))

	_, ok, err := src.Next(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline exploded")
}

func TestEmitAfterConsumerGone(t *testing.T) {
	src := NewSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := src.Emit(ctx, types.NewChunk("r1", "m", types.ContentText, "x"))
	assert.Error(t, err)
}

func TestPumpInjectsHeartbeats(t *testing.T) {
	src := NewSource()
	ctx := context.Background()

	go func() {
		_ = src.Emit(ctx, types.NewChunk("r1", "m", types.ContentText, "hello"))
		time.Sleep(80 * time.Millisecond)
		_ = src.Emit(ctx, types.NewChunk("r1", "m", types.ContentText, "world"))
		src.Close()
	}()

	var real, heartbeats int
	err := Pump(ctx, src, "r1", 20*time.Millisecond, func(c types.Chunk) error {
		if c.IsHeartbeat() {
			heartbeats++
		} else {
			real++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, real)
	assert.GreaterOrEqual(t, heartbeats, 2, "silence spanning several intervals yields several heartbeats")
}

func TestPumpHeartbeatBeforeFirstChunkKeepsResponseID(t *testing.T) {
	src := NewSource()
	ctx := context.Background()

	go func() {
		// Stall past several heartbeat intervals before the first token.
		time.Sleep(70 * time.Millisecond)
		_ = src.Emit(ctx, types.NewChunk("r1", "m", types.ContentText, "late"))
		src.Close()
	}()

	var ids []string
	err := Pump(ctx, src, "r1", 20*time.Millisecond, func(c types.Chunk) error {
		ids = append(ids, c.ID)
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ids), 2)
	for _, id := range ids {
		assert.Equal(t, "r1", id)
	}
}

func TestPumpStopsOnHandlerError(t *testing.T) {
	src := NewSource()
	ctx := context.Background()

	go func() {
		_ = src.Emit(ctx, types.NewChunk("r1", "m", types.ContentText, "x"))
		src.Close()
	}()

	sentinel := errors.New("client gone")
	err := Pump(ctx, src, "r1", time.Second, func(types.Chunk) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestWriteSSEFraming(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteSSE(&b, types.NewChunk("r1", "m", types.ContentText, "hi")))
	out := b.String()
	assert.True(t, strings.HasPrefix(out, "data: {"))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
	assert.Contains(t, out, `"object":"chat.completion.chunk"`)

	b.Reset()
	require.NoError(t, WriteDone(&b))
	assert.Equal(t, "data: [DONE]\n\n", b.String())
}

func TestAccumulatorMergesAdjacentText(t *testing.T) {
	h := newMemoryHistory()
	a := NewAccumulator(h, "s1")
	ctx := context.Background()

	require.NoError(t, a.Begin(ctx, "what is up"))
	require.NoError(t, a.OnChunk(ctx, types.NewChunk("r1", "m", types.ContentText, "Hello ")))
	require.NoError(t, a.OnChunk(ctx, types.NewChunk("r1", "m", types.ContentText, "world")))
	require.NoError(t, a.OnChunk(ctx, types.NewChunk("r1", "m", types.ContentECharts, "option={}")))
	require.NoError(t, a.OnChunk(ctx, types.NewChunk("r1", "m", types.ContentText, "!")))
	require.NoError(t, a.Finish(ctx))

	turn := h.last("s1")
	require.Equal(t, types.RoleAssistant, turn.Role)
	require.Len(t, turn.Content, 3)
	assert.Equal(t, types.ContentItem{Type: types.ContentText, Content: "Hello world"}, turn.Content[0])
	assert.Equal(t, types.ContentECharts, turn.Content[1].Type)
	assert.Equal(t, types.ContentItem{Type: types.ContentText, Content: "!"}, turn.Content[2])
}

func TestAccumulatorSkipsHeartbeats(t *testing.T) {
	h := newMemoryHistory()
	a := NewAccumulator(h, "s1")
	ctx := context.Background()

	require.NoError(t, a.Begin(ctx, "q"))
	require.NoError(t, a.OnChunk(ctx, types.NewChunk("r1", "m", types.ContentHeartbeat, "")))
	require.NoError(t, a.OnChunk(ctx, types.NewChunk("r1", "m", types.ContentText, "answer")))
	require.NoError(t, a.Finish(ctx))

	turn := h.last("s1")
	require.Len(t, turn.Content, 1)
	assert.Equal(t, "answer", turn.Content[0].Content)
}

func TestAccumulatorPersistsPartialOnError(t *testing.T) {
	h := newMemoryHistory()
	a := NewAccumulator(h, "s1")
	ctx := context.Background()

	require.NoError(t, a.Begin(ctx, "q"))
	require.NoError(t, a.OnChunk(ctx, types.NewChunk("r1", "m", types.ContentText, "partial ans")))
	// The pipeline dies here; Finish still persists what accumulated.
	require.NoError(t, a.Finish(ctx))
	require.NoError(t, a.Finish(ctx)) // idempotent

	turn := h.last("s1")
	require.Len(t, turn.Content, 1)
	assert.Equal(t, "partial ans", turn.Content[0].Content)
}

func TestServeSSEWritesDoneAfterFailure(t *testing.T) {
	h := newMemoryHistory()
	a := NewAccumulator(h, "s1")
	ctx := context.Background()
	require.NoError(t, a.Begin(ctx, "q"))

	src := NewSource()
	go func() {
		_ = src.Emit(ctx, types.NewChunk("r1", "m", types.ContentText, "par"))
		src.Fail(errors.New("upstream died"))
	}()

	var b strings.Builder
	err := ServeSSE(ctx, &b, src, a, "r1")
	require.Error(t, err)
	assert.Contains(t, b.String(), "data: [DONE]\n\n")
	turn := h.last("s1")
	require.Len(t, turn.Content, 1)
	assert.Equal(t, "par", turn.Content[0].Content)
}

func TestRegistrySingleStreamPerSession(t *testing.T) {
	r := NewRegistry()

	release, err := r.Acquire("s1")
	require.NoError(t, err)

	_, err = r.Acquire("s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	release2, err := r.Acquire("s2")
	require.NoError(t, err)
	release2()

	release()
	release() // double release is harmless
	_, err = r.Acquire("s1")
	assert.NoError(t, err)
}
