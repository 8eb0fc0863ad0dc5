// Package server is the HTTP surface: JSON endpoints with a
// {success, message} envelope and the SSE streaming chat entrypoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"knowflow/internal/catalog"
	"knowflow/internal/config"
	"knowflow/internal/conversation"
	"knowflow/internal/ingest"
	"knowflow/internal/inverted"
	"knowflow/internal/llm"
	"knowflow/internal/logging"
	"knowflow/internal/retrieval"
	"knowflow/internal/schemagraph"
	"knowflow/internal/sqlflow"
	"knowflow/internal/stream"
	"knowflow/internal/tableflow"
	"knowflow/internal/types"
)

// Deps are the services the handlers dispatch into.
type Deps struct {
	Catalog       *catalog.Catalog
	Inverted      *inverted.Index
	Ingest        *ingest.Service
	Retrieval     *retrieval.Orchestrator
	SQLFlow       *sqlflow.Flow
	TableFlow     *tableflow.Pipeline
	Conversations *conversation.Service
	SchemaBuilder *schemagraph.Builder
	Client        llm.Client
}

// Server owns the echo instance and the per-session stream registry.
type Server struct {
	echo     *echo.Echo
	cfg      config.ServerConfig
	paths    config.PathsConfig
	deps     Deps
	registry *stream.Registry
}

// New builds the server with middleware and all routes registered.
func New(cfg config.ServerConfig, paths config.PathsConfig, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, cfg: cfg, paths: paths, deps: deps, registry: stream.NewRegistry()}

	e.Use(middleware.Recover())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc:  allowOrigin(cfg.AllowedOrigins),
		AllowCredentials: true,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(requestLogger())

	s.routes()
	return s
}

// allowOrigin admits the configured origins plus any http host on the dev
// frontend port.
func allowOrigin(configured []string) func(string) (bool, error) {
	return func(origin string) (bool, error) {
		for _, allowed := range configured {
			if origin == allowed {
				return true, nil
			}
		}
		if strings.HasPrefix(origin, "http://") && strings.HasSuffix(origin, ":5173") {
			return true, nil
		}
		return false, nil
	}
}

func requestLogger() echo.MiddlewareFunc {
	log := logging.Get(logging.CategoryServer)
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI: true, LogStatus: true, LogMethod: true, LogError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debugw("request", "method", v.Method, "uri", v.URI, "status", v.Status, "error", v.Error)
			return nil
		},
	})
}

func (s *Server) routes() {
	e := s.echo

	e.POST("/register", s.register)
	e.POST("/user_login", s.userLogin)
	e.POST("/user_logout", s.userLogout)
	e.POST("/delete_user", s.deleteUser)
	e.POST("/delete_all_data", s.deleteAllData)

	e.POST("/create_knowledge_base", s.createKnowledgeBase)
	e.POST("/delete_knowledge_base", s.deleteKnowledgeBase)
	e.POST("/get_knowledge_base", s.getKnowledgeBases)
	e.POST("/add_file", s.addFile)
	e.POST("/delete_file", s.deleteFile)
	e.POST("/get_knowledge_base_file_list", s.listFiles)
	e.GET("/get_file_content", s.getFileContent)
	e.GET("/get_local_file_content", s.getLocalFileContent)
	e.POST("/get_local_file_content", s.getLocalFileContent)

	e.POST("/query_milvus", s.queryVectors)
	e.POST("/query_graph_neo4j", s.queryGraph)
	e.POST("/execute_query", s.executeQuery)
	e.POST("/execute_stream_chat", s.executeStreamChat)
	e.POST("/chat", s.chat)

	e.POST("/create_session", s.createSession)
	e.POST("/get_user_session_messages", s.listSessions)
	e.POST("/get_sessions_by_id", s.sessionMessages)
	e.POST("/delete_sessions_by_session_id", s.deleteSession)
	e.POST("/clear_chat_history", s.clearChatHistory)

	e.POST("/insert_sql_info", s.insertSQLInfo)
	e.POST("/update_sql_info", s.updateSQLInfo)
	e.POST("/delete_sql_info", s.deleteSQLInfo)
	e.POST("/get_sql_info_list", s.listSQLInfo)
	e.POST("/get_table_info", s.getTableInfo)
	e.POST("/insert_sql_rel", s.insertSQLRelation)
	e.POST("/delete_sql_rel", s.deleteSQLRelation)
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	if d, err := time.ParseDuration(s.cfg.IdleTimeout); err == nil && d > 0 {
		s.echo.Server.IdleTimeout = d
	}
	logging.Get(logging.CategoryServer).Infow("http server starting", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// ok writes the success envelope with extra fields merged in.
func ok(c echo.Context, fields map[string]any) error {
	body := map[string]any{"success": true, "message": "ok"}
	for k, v := range fields {
		body[k] = v
	}
	return c.JSON(http.StatusOK, body)
}

// fail maps the error taxonomy onto HTTP statuses, always with the same
// envelope shape.
func fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrUpstreamUnavailable):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{"success": false, "message": err.Error()})
}

// credentials are carried in every request body; register/login are the only
// routes that skip the equality check.
type credentials struct {
	UserName string `json:"user_name" form:"user_name"`
	Password string `json:"password" form:"password"`
}

// authenticate binds the credentials out of the body and verifies them. Only
// handlers without further body fields may use it; everything else binds its
// own request struct once and calls verify, because a JSON body reads once.
func (s *Server) authenticate(c echo.Context) (string, error) {
	var creds credentials
	_ = bindBody(c, &creds)
	return s.verify(c, creds)
}

// verify checks already-bound credentials, falling back to query parameters
// for GET routes.
func (s *Server) verify(c echo.Context, creds credentials) (string, error) {
	if creds.UserName == "" {
		creds.UserName = c.QueryParam("user_name")
		creds.Password = c.QueryParam("password")
	}
	if creds.UserName == "" || creds.Password == "" {
		return "", fmt.Errorf("%w: user_name and password are required", types.ErrValidation)
	}
	if err := s.deps.Catalog.CheckCredentials(creds.UserName, creds.Password); err != nil {
		return "", err
	}
	return creds.UserName, nil
}

// bindBody decodes JSON, form, and multipart bodies alike.
func bindBody(c echo.Context, out any) error {
	return (&echo.DefaultBinder{}).BindBody(c, out)
}
