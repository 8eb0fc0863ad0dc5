package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"knowflow/internal/logging"
	"knowflow/internal/types"
)

// HeartbeatInterval is how long the wire may stay silent before a keepalive
// chunk goes out.
const HeartbeatInterval = 3 * time.Second

// Handler consumes one chunk from a pump.
type Handler func(types.Chunk) error

// Pump pulls chunks from src and hands them to h, injecting a heartbeat
// chunk whenever no real chunk arrived for heartbeatEvery. Heartbeats carry
// respID so a stream that stalls before its first token still keeps one id
// across the whole response. It returns the source's terminal error, or the
// handler's error if delivery failed.
func Pump(ctx context.Context, src *Source, respID string, heartbeatEvery time.Duration, h Handler) error {
	if heartbeatEvery <= 0 {
		heartbeatEvery = HeartbeatInterval
	}
	if respID == "" {
		respID = uuid.NewString()
	}
	type pulled struct {
		chunk types.Chunk
		ok    bool
		err   error
	}
	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	res := make(chan pulled)
	go func() {
		for {
			c, ok, err := src.Next(pullCtx)
			select {
			case res <- pulled{c, ok, err}:
			case <-pullCtx.Done():
				return
			}
			if !ok {
				return
			}
		}
	}()

	timer := time.NewTimer(heartbeatEvery)
	defer timer.Stop()

	lastID, lastModel := respID, ""
	for {
		select {
		case p := <-res:
			if !p.ok {
				return p.err
			}
			lastID, lastModel = p.chunk.ID, p.chunk.Model
			if err := h(p.chunk); err != nil {
				return err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(heartbeatEvery)
		case <-timer.C:
			if err := h(types.NewChunk(lastID, lastModel, types.ContentHeartbeat, "")); err != nil {
				return err
			}
			timer.Reset(heartbeatEvery)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WriteSSE frames one chunk as a server-sent event.
func WriteSSE(w io.Writer, c types.Chunk) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// WriteDone writes the stream terminator.
func WriteDone(w io.Writer) error {
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// ServeSSE pumps src onto an SSE response, persisting through acc when it is
// non-nil. The terminator goes out even when the pipeline failed, and the
// accumulated content is persisted either way.
func ServeSSE(ctx context.Context, w io.Writer, src *Source, acc *Accumulator, respID string) error {
	log := logging.Get(logging.CategoryStream)

	pumpErr := Pump(ctx, src, respID, HeartbeatInterval, func(c types.Chunk) error {
		if acc != nil && !c.IsHeartbeat() {
			if err := acc.OnChunk(ctx, c); err != nil {
				log.Warnw("history write failed mid-stream", "error", err)
			}
		}
		return WriteSSE(w, c)
	})
	if acc != nil {
		if err := acc.Finish(context.WithoutCancel(ctx)); err != nil {
			log.Warnw("final history write failed", "error", err)
		}
	}
	if err := WriteDone(w); err != nil {
		return err
	}
	return pumpErr
}
