package sqlflow

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"knowflow/internal/catalog"
)

// Executor runs read-only queries against a registered SQL database.
type Executor interface {
	Execute(ctx context.Context, query string) (*ExecResult, error)
	Close() error
}

// ExecutorFactory opens an Executor for a database descriptor. The pipeline
// takes a factory so tests can point a descriptor at an in-memory database.
type ExecutorFactory func(db catalog.SQLDatabase) (Executor, error)

// OpenExecutor is the default factory: sqlite descriptors open the file in
// DBName, mysql descriptors dial host/port with the stored credentials.
func OpenExecutor(desc catalog.SQLDatabase) (Executor, error) {
	switch desc.Dialect {
	case "sqlite", "sqlite3":
		db, err := sql.Open("sqlite3", desc.DBName)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return &dbExecutor{db: db}, nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			desc.DBUser, desc.DBPassword, desc.Host, desc.Port, desc.DBName)
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql database: %w", err)
		}
		return &dbExecutor{db: db}, nil
	default:
		return nil, fmt.Errorf("unsupported SQL dialect %q", desc.Dialect)
	}
}

// dbExecutor runs queries over database/sql.
type dbExecutor struct {
	db *sql.DB
}

// NewDBExecutor wraps an existing handle; the caller keeps ownership.
func NewDBExecutor(db *sql.DB) Executor {
	return &dbExecutor{db: db}
}

func (e *dbExecutor) Execute(ctx context.Context, query string) (*ExecResult, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &ExecResult{Columns: cols, Data: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Data = append(result.Data, values)
	}
	return result, rows.Err()
}

func (e *dbExecutor) Close() error { return e.db.Close() }
