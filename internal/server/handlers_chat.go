package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"knowflow/internal/logging"
	"knowflow/internal/retrieval"
	"knowflow/internal/sqlflow"
	"knowflow/internal/stream"
	"knowflow/internal/tableflow"
	"knowflow/internal/types"
)

// historyTurns caps how much conversation history feeds back into prompts.
const historyTurns = 10

const chatSystemPrompt = `You are a helpful assistant. Answer the user's question directly and concisely.`

const ragSystemPrompt = `You are a helpful assistant. Answer the user's question using the
retrieved passages below. Cite the passage titles you rely on. If the passages do not
contain the answer, say so instead of guessing.`

const discussionSystemPrompt = `You are moderating a structured discussion. Weigh the points
raised so far, take a clear position, and explain the trade-offs before concluding.`

type queryRequest struct {
	credentials
	KBID  string `json:"kb_id" form:"kb_id"`
	Query string `json:"query" form:"query"`
	TopK  int    `json:"top_k" form:"top_k"`
}

func (s *Server) queryVectors(c echo.Context) error {
	return s.runQuery(c, []types.SearchEngine{types.EngineMilvus, types.EngineElasticsearch},
		func(resp *retrieval.Response) map[string]any {
			return map[string]any{"vector": resp.Vector, "inverted": resp.Inverted}
		})
}

func (s *Server) queryGraph(c echo.Context) error {
	return s.runQuery(c, []types.SearchEngine{types.EngineGraph},
		func(resp *retrieval.Response) map[string]any {
			return map[string]any{"graph": resp.Graph}
		})
}

func (s *Server) runQuery(c echo.Context, engines []types.SearchEngine, shape func(*retrieval.Response) map[string]any) error {
	var req queryRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	resp, err := s.deps.Retrieval.Search(c.Request().Context(), retrieval.Request{
		Query:       req.Query,
		KnowledgeID: req.KBID,
		UserName:    userName,
		TopK:        req.TopK,
		Engines:     engines,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, shape(resp))
}

type executeRequest struct {
	credentials
	SQLID     string `json:"sql_id" form:"sql_id"`
	SessionID string `json:"session_id" form:"session_id"`
	KBID      string `json:"kb_id" form:"kb_id"`
	Query     string `json:"query" form:"query"`
}

// executeQuery runs the NL-to-SQL pipeline synchronously and returns the
// final result as one JSON document.
func (s *Server) executeQuery(c echo.Context) error {
	var req executeRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if _, err := s.requireSQLOwner(userName, req.SQLID); err != nil {
		return fail(c, err)
	}
	result, err := s.deps.SQLFlow.Run(c.Request().Context(), sqlflow.Request{SQLID: req.SQLID, Query: req.Query}, nil)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]any{"result": result})
}

// executeStreamChat streams a conversational answer, retrieval-augmented when
// a knowledge base is named.
func (s *Server) executeStreamChat(c echo.Context) error {
	var req executeRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return fail(c, fmt.Errorf("%w: query is required", types.ErrValidation))
	}
	transcript, err := s.sessionTranscript(c, userName, req.SessionID)
	if err != nil {
		return fail(c, err)
	}
	if req.KBID != "" {
		return s.streamResponse(c, req.SessionID, req.Query, func(ctx context.Context, src *stream.Source, respID string) {
			s.runRAGChat(ctx, src, respID, userName, req.KBID, transcript, req.Query)
		})
	}
	return s.streamResponse(c, req.SessionID, req.Query, func(ctx context.Context, src *stream.Source, respID string) {
		s.runPlainChat(ctx, src, respID, chatSystemPrompt, transcript, req.Query)
	})
}

// chat is the central dispatcher: an uploaded table file goes to the analysis
// pipeline, a sql_id to the NL-to-SQL pipeline, a kb_id to retrieval-augmented
// chat, the choice flag to discussion mode, anything else to plain chat.
func (s *Server) chat(c echo.Context) error {
	userName, err := s.authenticate(c)
	if err != nil {
		return fail(c, err)
	}
	sessionID := c.FormValue("session_id")
	query := c.FormValue("query")
	sqlID := c.FormValue("sql_id")
	kbID := c.FormValue("kb_id")
	choice := c.FormValue("choice")

	if strings.TrimSpace(query) == "" && !hasUpload(c) {
		return fail(c, fmt.Errorf("%w: query is required", types.ErrValidation))
	}
	if sessionID != "" {
		if _, err := s.requireSessionOwner(c, userName, sessionID); err != nil {
			return fail(c, err)
		}
	}

	switch {
	case hasUpload(c):
		header, err := c.FormFile("file")
		if err != nil {
			return fail(c, fmt.Errorf("%w: %v", types.ErrValidation, err))
		}
		f, err := header.Open()
		if err != nil {
			return fail(c, fmt.Errorf("failed to open upload: %w", err))
		}
		data, readErr := io.ReadAll(f)
		f.Close()
		if readErr != nil {
			return fail(c, fmt.Errorf("failed to read upload: %w", readErr))
		}
		return s.streamResponse(c, sessionID, query, func(ctx context.Context, src *stream.Source, respID string) {
			s.runTableFlow(ctx, src, respID, header.Filename, data, query)
		})

	case sqlID != "":
		if _, err := s.requireSQLOwner(userName, sqlID); err != nil {
			return fail(c, err)
		}
		return s.streamResponse(c, sessionID, query, func(ctx context.Context, src *stream.Source, respID string) {
			s.runSQLFlow(ctx, src, respID, sqlID, query)
		})

	case kbID != "":
		transcript, err := s.sessionTranscript(c, userName, sessionID)
		if err != nil {
			return fail(c, err)
		}
		return s.streamResponse(c, sessionID, query, func(ctx context.Context, src *stream.Source, respID string) {
			s.runRAGChat(ctx, src, respID, userName, kbID, transcript, query)
		})

	case isTruthy(choice):
		if sessionID == "" {
			return fail(c, fmt.Errorf("%w: discussion mode needs a session_id", types.ErrValidation))
		}
		if _, err := s.deps.Conversations.RegisterDiscussion(c.Request().Context(), sessionID, c.FormValue("discussion_id")); err != nil {
			return fail(c, err)
		}
		transcript, err := s.sessionTranscript(c, userName, sessionID)
		if err != nil {
			return fail(c, err)
		}
		return s.streamResponse(c, sessionID, query, func(ctx context.Context, src *stream.Source, respID string) {
			s.runPlainChat(ctx, src, respID, discussionSystemPrompt, transcript, query)
		})

	default:
		transcript, err := s.sessionTranscript(c, userName, sessionID)
		if err != nil {
			return fail(c, err)
		}
		return s.streamResponse(c, sessionID, query, func(ctx context.Context, src *stream.Source, respID string) {
			s.runPlainChat(ctx, src, respID, chatSystemPrompt, transcript, query)
		})
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// sessionTranscript renders the session's recent history for prompt context.
// It must run before the stream begins, because streaming appends the current
// exchange to the same list.
func (s *Server) sessionTranscript(c echo.Context, userName, sessionID string) (string, error) {
	if sessionID == "" {
		return "", nil
	}
	if _, err := s.requireSessionOwner(c, userName, sessionID); err != nil {
		return "", err
	}
	turns, err := s.deps.Conversations.Messages(c.Request().Context(), sessionID)
	if err != nil {
		return "", err
	}
	if len(turns) > historyTurns {
		turns = turns[len(turns)-historyTurns:]
	}
	var b strings.Builder
	for _, turn := range turns {
		for _, item := range turn.Content {
			if item.Type == types.ContentText && item.Content != "" {
				fmt.Fprintf(&b, "%s: %s\n", turn.Role, item.Content)
			}
		}
	}
	return b.String(), nil
}

// streamResponse owns the SSE lifecycle: one stream per session, the standard
// headers, history accumulation, and the trailing [DONE]. run must finish the
// source with Close or Fail.
func (s *Server) streamResponse(c echo.Context, sessionID, userText string, run func(context.Context, *stream.Source, string)) error {
	ctx := c.Request().Context()

	if sessionID != "" {
		release, err := s.registry.Acquire(sessionID)
		if err != nil {
			return fail(c, err)
		}
		defer release()
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	var acc *stream.Accumulator
	if sessionID != "" {
		acc = stream.NewAccumulator(s.deps.Conversations, sessionID)
		if err := acc.Begin(ctx, userText); err != nil {
			logging.Get(logging.CategoryServer).Warnw("history begin failed", "session_id", sessionID, "error", err)
			acc = nil
		}
	}

	src := stream.NewSource()
	respID := uuid.NewString()
	go run(ctx, src, respID)

	if err := stream.ServeSSE(ctx, c.Response(), src, acc, respID); err != nil {
		logging.Get(logging.CategoryServer).Debugw("stream ended with error", "session_id", sessionID, "error", err)
	}
	return nil
}

func (s *Server) model() string { return s.deps.Client.Model() }

// emitStepEvent serialises one pipeline step event as a text chunk.
func emitStepEvent(ctx context.Context, src *stream.Source, respID, model string, ev types.StepEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return src.Emit(ctx, types.NewChunk(respID, model, types.ContentText, string(payload)))
}

// finishWithError turns a pipeline failure into a terminal chunk; the client
// sees the error text in the last delta and then [DONE].
func finishWithError(ctx context.Context, src *stream.Source, respID, model string, err error) {
	if emitErr := src.Emit(ctx, types.NewFinalChunk(respID, model, types.ContentText, err.Error())); emitErr != nil {
		logging.Get(logging.CategoryServer).Debugw("error chunk dropped", "error", emitErr)
	}
	src.Close()
}

func (s *Server) runSQLFlow(ctx context.Context, src *stream.Source, respID, sqlID, query string) {
	model := s.model()
	emit := func(ev types.StepEvent) error {
		return emitStepEvent(ctx, src, respID, model, ev)
	}
	result, err := s.deps.SQLFlow.Run(ctx, sqlflow.Request{SQLID: sqlID, Query: query}, emit)
	if err != nil {
		finishWithError(ctx, src, respID, model, err)
		return
	}
	if result.DirectAnswer != "" {
		_ = src.Emit(ctx, types.NewFinalChunk(respID, model, types.ContentToolDirectAnswer, result.DirectAnswer))
		src.Close()
		return
	}
	if result.Execution != nil {
		_ = src.Emit(ctx, types.NewChunk(respID, model, types.ContentHTMLTable, renderHTMLTable(result.Execution)))
	}
	summary, err := json.Marshal(map[string]any{"sql": result.SQL, "verification": result.Verification})
	if err != nil {
		finishWithError(ctx, src, respID, model, err)
		return
	}
	_ = src.Emit(ctx, types.NewFinalChunk(respID, model, types.ContentText, string(summary)))
	src.Close()
}

func (s *Server) runTableFlow(ctx context.Context, src *stream.Source, respID, fileName string, data []byte, query string) {
	model := s.model()
	sink := tableflow.Sink{
		Step: func(ev types.StepEvent) error {
			return emitStepEvent(ctx, src, respID, model, ev)
		},
		Chart: func(_ tableflow.Chart, encoded string) error {
			return src.Emit(ctx, types.NewChunk(respID, model, types.ContentECharts, encoded))
		},
	}
	result, err := s.deps.TableFlow.Run(ctx, fileName, bytes.NewReader(data), query, sink)
	if err != nil {
		finishWithError(ctx, src, respID, model, err)
		return
	}
	_ = src.Emit(ctx, types.NewFinalChunk(respID, model, types.ContentText, result.Report))
	src.Close()
}

func (s *Server) runRAGChat(ctx context.Context, src *stream.Source, respID, userName, kbID, transcript, query string) {
	model := s.model()
	resp, err := s.deps.Retrieval.Search(ctx, retrieval.Request{
		Query:       query,
		KnowledgeID: kbID,
		UserName:    userName,
		TopK:        5,
	})
	if err != nil {
		finishWithError(ctx, src, respID, model, err)
		return
	}
	prompt := buildRAGPrompt(resp, transcript, query)
	answer, err := s.deps.Client.CompleteWithSystem(ctx, ragSystemPrompt, prompt)
	if err != nil {
		finishWithError(ctx, src, respID, model, err)
		return
	}
	_ = src.Emit(ctx, types.NewChunk(respID, model, types.ContentText, answer))
	_ = src.Emit(ctx, types.NewFinalChunk(respID, model, types.ContentText, ""))
	src.Close()
}

func (s *Server) runPlainChat(ctx context.Context, src *stream.Source, respID, systemPrompt, transcript, query string) {
	model := s.model()
	prompt := query
	if transcript != "" {
		prompt = "Conversation so far:\n" + transcript + "\nuser: " + query
	}
	answer, err := s.deps.Client.CompleteWithSystem(ctx, systemPrompt, prompt)
	if err != nil {
		finishWithError(ctx, src, respID, model, err)
		return
	}
	_ = src.Emit(ctx, types.NewChunk(respID, model, types.ContentText, answer))
	_ = src.Emit(ctx, types.NewFinalChunk(respID, model, types.ContentText, ""))
	src.Close()
}

// buildRAGPrompt folds the per-engine result lists into one prompt block.
func buildRAGPrompt(resp *retrieval.Response, transcript, query string) string {
	var b strings.Builder
	b.WriteString("Retrieved passages:\n")
	n := 0
	for _, list := range [][]types.SearchResult{resp.Vector, resp.Inverted, resp.Graph} {
		for _, r := range list {
			n++
			fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", n, r.Title, r.SearchEngine, r.Content)
		}
	}
	if n == 0 {
		b.WriteString("(none)\n\n")
	}
	if transcript != "" {
		b.WriteString("Conversation so far:\n" + transcript + "\n")
	}
	b.WriteString("Question: " + query)
	return b.String()
}

// renderHTMLTable renders a query result as an escaped HTML table for the
// html_table content type.
func renderHTMLTable(exec *sqlflow.ExecResult) string {
	var b strings.Builder
	b.WriteString("<table><thead><tr>")
	for _, col := range exec.Columns {
		b.WriteString("<th>" + html.EscapeString(col) + "</th>")
	}
	b.WriteString("</tr></thead><tbody>")
	for _, row := range exec.Data {
		b.WriteString("<tr>")
		for _, cell := range row {
			b.WriteString("<td>" + html.EscapeString(fmt.Sprint(cell)) + "</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String()
}
