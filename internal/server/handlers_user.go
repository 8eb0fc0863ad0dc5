package server

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"

	"knowflow/internal/logging"
	"knowflow/internal/types"
)

func (s *Server) register(c echo.Context) error {
	var creds credentials
	if err := bindBody(c, &creds); err != nil {
		return fail(c, fmt.Errorf("%w: %v", types.ErrValidation, err))
	}
	if creds.UserName == "" {
		creds.UserName = c.FormValue("user_name")
		creds.Password = c.FormValue("password")
	}
	if err := s.deps.Catalog.InsertUser(creds.UserName, creds.Password); err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]any{"user_name": creds.UserName})
}

func (s *Server) userLogin(c echo.Context) error {
	userName, err := s.authenticate(c)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]any{"user_name": userName})
}

// userLogout exists for the frontend's symmetry; credentials travel with every
// request, so there is no server-side login state to tear down.
func (s *Server) userLogout(c echo.Context) error {
	if _, err := s.authenticate(c); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

// deleteUser removes the account and everything it owns: every session,
// every SQL descriptor with its schema graph, and every knowledge base.
func (s *Server) deleteUser(c echo.Context) error {
	userName, err := s.authenticate(c)
	if err != nil {
		return fail(c, err)
	}
	ctx := c.Request().Context()
	if err := s.deleteUserSessions(ctx, userName); err != nil {
		return fail(c, err)
	}
	if err := s.deleteUserSQLDatabases(ctx, userName); err != nil {
		return fail(c, err)
	}
	if err := s.deps.Ingest.DeleteUserData(ctx, userName); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

// deleteAllData clears everything a user owns but keeps the account: every
// knowledge base with its indexed files, every SQL descriptor with its schema
// graph, and every session.
func (s *Server) deleteAllData(c echo.Context) error {
	userName, err := s.authenticate(c)
	if err != nil {
		return fail(c, err)
	}
	ctx := c.Request().Context()

	if err := s.deleteUserSessions(ctx, userName); err != nil {
		return fail(c, err)
	}
	kbs, err := s.deps.Catalog.ListKnowledgeBases(userName)
	if err != nil {
		return fail(c, err)
	}
	for _, kb := range kbs {
		if err := s.deps.Ingest.DeleteKnowledgeBase(ctx, kb.KBID); err != nil {
			return fail(c, err)
		}
	}
	if err := s.deleteUserSQLDatabases(ctx, userName); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

// deleteUserSQLDatabases drops every SQL descriptor the user owns along with
// its schema graph. A graph drop failure leaves orphaned nodes behind but
// never blocks the descriptor delete.
func (s *Server) deleteUserSQLDatabases(ctx context.Context, userName string) error {
	dbs, err := s.deps.Catalog.ListSQLDatabases(userName)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if err := s.deps.SchemaBuilder.DropForDatabase(ctx, db.SQLID); err != nil {
			logging.Get(logging.CategoryServer).Warnw("schema graph drop failed",
				"sql_id", db.SQLID, "error", err)
		}
		if err := s.deps.Catalog.DeleteSQLDatabase(db.SQLID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) deleteUserSessions(ctx context.Context, userName string) error {
	sessionIDs, err := s.deps.Catalog.ListSessionIDs(userName)
	if err != nil {
		return err
	}
	for _, id := range sessionIDs {
		if err := s.deps.Conversations.DeleteSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
