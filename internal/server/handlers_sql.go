package server

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"knowflow/internal/catalog"
	"knowflow/internal/logging"
	"knowflow/internal/types"
)

type sqlColumnSpec struct {
	ColName string `json:"col_name" form:"col_name"`
	ColType string `json:"col_type" form:"col_type"`
	Comment string `json:"comment" form:"comment"`
	AnaType string `json:"ana_type" form:"ana_type"`
}

type sqlTableSpec struct {
	TableName   string          `json:"table_name" form:"table_name"`
	Description string          `json:"description" form:"description"`
	Columns     []sqlColumnSpec `json:"columns" form:"columns"`
}

type sqlInfoRequest struct {
	credentials
	SQLID       string         `json:"sql_id" form:"sql_id"`
	Host        string         `json:"host" form:"host"`
	Port        int            `json:"port" form:"port"`
	Dialect     string         `json:"dialect" form:"dialect"`
	DBName      string         `json:"db_name" form:"db_name"`
	DBUser      string         `json:"db_user" form:"db_user"`
	DBPassword  string         `json:"db_password" form:"db_password"`
	Description string         `json:"description" form:"description"`
	Tables      []sqlTableSpec `json:"tables"`
}

// insertSQLInfo registers a SQL database descriptor with its table and column
// metadata, then builds the schema graph over it.
func (s *Server) insertSQLInfo(c echo.Context) error {
	var req sqlInfoRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if req.Dialect == "" || req.DBName == "" {
		return fail(c, fmt.Errorf("%w: dialect and db_name are required", types.ErrValidation))
	}

	sqlID := uuid.NewString()
	if err := s.deps.Catalog.InsertSQLDatabase(catalog.SQLDatabase{
		SQLID:       sqlID,
		UserName:    userName,
		Host:        req.Host,
		Port:        req.Port,
		Dialect:     req.Dialect,
		DBName:      req.DBName,
		DBUser:      req.DBUser,
		DBPassword:  req.DBPassword,
		Description: req.Description,
	}); err != nil {
		return fail(c, err)
	}
	for _, table := range req.Tables {
		if err := s.insertTableSpec(sqlID, table); err != nil {
			return fail(c, err)
		}
	}
	s.rebuildSchemaGraph(c, sqlID, len(req.Tables) > 0)
	return ok(c, map[string]any{"sql_id": sqlID})
}

func (s *Server) insertTableSpec(sqlID string, spec sqlTableSpec) error {
	tableID := uuid.NewString()
	if err := s.deps.Catalog.InsertSQLTable(catalog.SQLTable{
		TableID:     tableID,
		SQLID:       sqlID,
		TableName:   spec.TableName,
		Description: spec.Description,
	}); err != nil {
		return err
	}
	for _, col := range spec.Columns {
		if err := s.deps.Catalog.InsertSQLColumn(catalog.SQLColumn{
			ColID:   uuid.NewString(),
			TableID: tableID,
			ColName: col.ColName,
			ColType: col.ColType,
			Info: catalog.ColumnInfo{
				Comment: col.Comment,
				AnaType: types.AnaType(col.AnaType),
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// rebuildSchemaGraph refreshes the schema graph after metadata changes. A
// build failure degrades NL-to-SQL candidate recall but never fails the
// metadata write, so it is logged and swallowed.
func (s *Server) rebuildSchemaGraph(c echo.Context, sqlID string, hasTables bool) {
	if !hasTables || s.deps.SchemaBuilder == nil {
		return
	}
	if err := s.deps.SchemaBuilder.BuildForDatabase(c.Request().Context(), sqlID); err != nil {
		logging.Get(logging.CategoryServer).Warnw("schema graph build failed", "sql_id", sqlID, "error", err)
	}
}

func (s *Server) updateSQLInfo(c echo.Context) error {
	var req sqlInfoRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	existing, err := s.requireSQLOwner(userName, req.SQLID)
	if err != nil {
		return fail(c, err)
	}
	updated := *existing
	if req.Host != "" {
		updated.Host = req.Host
	}
	if req.Port != 0 {
		updated.Port = req.Port
	}
	if req.Dialect != "" {
		updated.Dialect = req.Dialect
	}
	if req.DBName != "" {
		updated.DBName = req.DBName
	}
	if req.DBUser != "" {
		updated.DBUser = req.DBUser
	}
	if req.DBPassword != "" {
		updated.DBPassword = req.DBPassword
	}
	if req.Description != "" {
		updated.Description = req.Description
	}
	if err := s.deps.Catalog.UpdateSQLDatabase(updated); err != nil {
		return fail(c, err)
	}
	for _, table := range req.Tables {
		if err := s.insertTableSpec(req.SQLID, table); err != nil {
			return fail(c, err)
		}
	}
	s.rebuildSchemaGraph(c, req.SQLID, len(req.Tables) > 0)
	return ok(c, nil)
}

func (s *Server) deleteSQLInfo(c echo.Context) error {
	var req sqlInfoRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if _, err := s.requireSQLOwner(userName, req.SQLID); err != nil {
		return fail(c, err)
	}
	if s.deps.SchemaBuilder != nil {
		if err := s.deps.SchemaBuilder.DropForDatabase(c.Request().Context(), req.SQLID); err != nil {
			logging.Get(logging.CategoryServer).Warnw("schema graph drop failed", "sql_id", req.SQLID, "error", err)
		}
	}
	if err := s.deps.Catalog.DeleteSQLDatabase(req.SQLID); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

func (s *Server) listSQLInfo(c echo.Context) error {
	userName, err := s.authenticate(c)
	if err != nil {
		return fail(c, err)
	}
	dbs, err := s.deps.Catalog.ListSQLDatabases(userName)
	if err != nil {
		return fail(c, err)
	}
	list := make([]map[string]any, 0, len(dbs))
	for _, db := range dbs {
		// Connection secrets stay server-side.
		list = append(list, map[string]any{
			"sql_id":      db.SQLID,
			"host":        db.Host,
			"port":        db.Port,
			"dialect":     db.Dialect,
			"db_name":     db.DBName,
			"description": db.Description,
		})
	}
	return ok(c, map[string]any{"databases": list})
}

func (s *Server) getTableInfo(c echo.Context) error {
	var req sqlInfoRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if _, err := s.requireSQLOwner(userName, req.SQLID); err != nil {
		return fail(c, err)
	}
	tables, err := s.deps.Catalog.ListSQLTables(req.SQLID)
	if err != nil {
		return fail(c, err)
	}
	list := make([]map[string]any, 0, len(tables))
	for _, table := range tables {
		columns, err := s.deps.Catalog.ListSQLColumns(table.TableID)
		if err != nil {
			return fail(c, err)
		}
		cols := make([]map[string]any, 0, len(columns))
		for _, col := range columns {
			cols = append(cols, map[string]any{
				"col_id":   col.ColID,
				"col_name": col.ColName,
				"col_type": col.ColType,
				"comment":  col.Info.Comment,
				"ana_type": col.Info.AnaType,
			})
		}
		list = append(list, map[string]any{
			"table_id":    table.TableID,
			"table_name":  table.TableName,
			"description": table.Description,
			"columns":     cols,
		})
	}
	return ok(c, map[string]any{"tables": list})
}

type sqlRelRequest struct {
	credentials
	SQLID     string `json:"sql_id" form:"sql_id"`
	RelID     string `json:"rel_id" form:"rel_id"`
	FromTable string `json:"from_table" form:"from_table"`
	FromCol   string `json:"from_col" form:"from_col"`
	ToTable   string `json:"to_table" form:"to_table"`
	ToCol     string `json:"to_col" form:"to_col"`
}

func (s *Server) insertSQLRelation(c echo.Context) error {
	var req sqlRelRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if _, err := s.requireSQLOwner(userName, req.SQLID); err != nil {
		return fail(c, err)
	}
	rel := catalog.SQLRelation{
		RelID:     uuid.NewString(),
		SQLID:     req.SQLID,
		FromTable: req.FromTable,
		FromCol:   req.FromCol,
		ToTable:   req.ToTable,
		ToCol:     req.ToCol,
	}
	if err := s.deps.Catalog.InsertSQLRelation(rel); err != nil {
		return fail(c, err)
	}
	// Declared relations feed the schema graph's foreign-key edges.
	s.rebuildSchemaGraph(c, req.SQLID, true)
	return ok(c, map[string]any{"rel_id": rel.RelID})
}

func (s *Server) deleteSQLRelation(c echo.Context) error {
	var req sqlRelRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if _, err := s.requireSQLOwner(userName, req.SQLID); err != nil {
		return fail(c, err)
	}
	if req.RelID == "" {
		return fail(c, fmt.Errorf("%w: rel_id is required", types.ErrValidation))
	}
	if err := s.deps.Catalog.DeleteSQLRelation(req.RelID); err != nil {
		return fail(c, err)
	}
	s.rebuildSchemaGraph(c, req.SQLID, true)
	return ok(c, nil)
}

func (s *Server) requireSQLOwner(userName, sqlID string) (*catalog.SQLDatabase, error) {
	if sqlID == "" {
		return nil, fmt.Errorf("%w: sql_id is required", types.ErrValidation)
	}
	db, err := s.deps.Catalog.GetSQLDatabase(sqlID)
	if err != nil {
		return nil, err
	}
	if db.UserName != userName {
		return nil, fmt.Errorf("%w: %s does not own SQL database %s", types.ErrUnauthorized, userName, sqlID)
	}
	return db, nil
}
