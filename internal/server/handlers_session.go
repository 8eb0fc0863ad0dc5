package server

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"knowflow/internal/catalog"
	"knowflow/internal/types"
)

type sessionRequest struct {
	credentials
	SessionID   string `json:"session_id" form:"session_id"`
	SessionName string `json:"session_name" form:"session_name"`
	KBName      string `json:"kb_name" form:"kb_name"`
}

func (s *Server) createSession(c echo.Context) error {
	var req sessionRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	session, err := s.deps.Conversations.CreateSession(c.Request().Context(), userName, req.SessionName, req.KBName)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]any{"session": sessionJSON(*session)})
}

func (s *Server) listSessions(c echo.Context) error {
	userName, err := s.authenticate(c)
	if err != nil {
		return fail(c, err)
	}
	sessions, err := s.deps.Conversations.ListSessions(c.Request().Context(), userName)
	if err != nil {
		return fail(c, err)
	}
	list := make([]map[string]any, 0, len(sessions))
	for _, session := range sessions {
		list = append(list, sessionJSON(session))
	}
	return ok(c, map[string]any{"sessions": list})
}

func (s *Server) sessionMessages(c echo.Context) error {
	var req sessionRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	session, err := s.requireSessionOwner(c, userName, req.SessionID)
	if err != nil {
		return fail(c, err)
	}
	turns, err := s.deps.Conversations.Messages(c.Request().Context(), req.SessionID)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]any{"session": sessionJSON(*session), "messages": turns})
}

func (s *Server) deleteSession(c echo.Context) error {
	var req sessionRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if _, err := s.requireSessionOwner(c, userName, req.SessionID); err != nil {
		return fail(c, err)
	}
	if err := s.deps.Conversations.DeleteSession(c.Request().Context(), req.SessionID); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

func (s *Server) clearChatHistory(c echo.Context) error {
	var req sessionRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if _, err := s.requireSessionOwner(c, userName, req.SessionID); err != nil {
		return fail(c, err)
	}
	if err := s.deps.Conversations.ClearHistory(c.Request().Context(), req.SessionID); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

func (s *Server) requireSessionOwner(c echo.Context, userName, sessionID string) (*catalog.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", types.ErrValidation)
	}
	session, err := s.deps.Conversations.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserName != userName {
		return nil, fmt.Errorf("%w: %s does not own session %s", types.ErrUnauthorized, userName, sessionID)
	}
	return session, nil
}

func sessionJSON(s catalog.Session) map[string]any {
	return map[string]any{
		"session_id":   s.SessionID,
		"session_name": s.SessionName,
		"kb_name":      s.KBName,
		"created_at":   s.CreatedAt,
		"updated_at":   s.UpdatedAt,
	}
}
