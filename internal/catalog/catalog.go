// Package catalog implements the metadata catalog: the single-writer SQLite
// store holding users, knowledge bases, files, sessions, SQL-schema metadata
// and schema-analysis results. The catalog is the source of truth; the vector,
// inverted and graph indexes are derived and compensated by their owners.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"knowflow/internal/logging"
)

// Catalog wraps the sqlite database. Reads take the read lock; writes are
// serialised through the write lock and a single connection.
type Catalog struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the catalog database at the given path. ":memory:" is
// supported for tests.
func Open(path string) (*Catalog, error) {
	timer := logging.StartTimer(logging.CategoryCatalog, "Open")
	defer timer.Stop()

	log := logging.Get(logging.CategoryCatalog)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debugw("failed to set busy_timeout", "error", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debugw("failed to set journal_mode=WAL", "error", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debugw("failed to set synchronous=NORMAL", "error", err)
	}

	c := &Catalog{db: db, dbPath: path}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	log.Infow("catalog opened", "path", path)
	return c, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// DB exposes the underlying handle for integration tests.
func (c *Catalog) DB() *sql.DB { return c.db }

// now returns the current time in ISO-8601, the catalog's timestamp format.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (c *Catalog) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS user_info (
			user_name TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_base (
			kb_id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL,
			kb_name TEXT NOT NULL,
			description TEXT,
			valid_from TEXT,
			valid_until TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_basic_info (
			file_id TEXT PRIMARY KEY,
			kb_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			file_name TEXT NOT NULL,
			visibility TEXT NOT NULL DEFAULT 'private',
			source_url TEXT,
			local_path TEXT,
			size_bytes INTEGER DEFAULT 0,
			uploaded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_detail_info (
			file_id TEXT PRIMARY KEY,
			title TEXT,
			summary TEXT,
			authors TEXT,
			category TEXT,
			toc TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS graph_chunk (
			chunk_id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			kb_id TEXT NOT NULL,
			content TEXT,
			chunk_index INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS graph_node (
			node_id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			kb_id TEXT NOT NULL,
			name TEXT,
			node_type TEXT,
			description TEXT,
			visibility TEXT NOT NULL DEFAULT 'private'
		)`,
		`CREATE TABLE IF NOT EXISTS graph_relation (
			relation_id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id TEXT NOT NULL,
			kb_id TEXT NOT NULL,
			from_node TEXT NOT NULL,
			rel_type TEXT NOT NULL,
			to_node TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS image_file (
			image_id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			path TEXT,
			caption TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS table_data (
			table_id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			content TEXT,
			caption TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS session (
			session_id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL,
			session_name TEXT,
			kb_name TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS discussion_task_record (
			discussion_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS base_sql (
			sql_id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL,
			host TEXT,
			port INTEGER,
			dialect TEXT,
			db_name TEXT,
			db_user TEXT,
			db_password TEXT,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS table_sql (
			table_id TEXT PRIMARY KEY,
			sql_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS col_sql (
			col_id TEXT PRIMARY KEY,
			table_id TEXT NOT NULL,
			col_name TEXT NOT NULL,
			col_type TEXT,
			col_info TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS rel_sql (
			rel_id TEXT PRIMARY KEY,
			sql_id TEXT NOT NULL,
			from_table TEXT NOT NULL,
			from_col TEXT NOT NULL,
			to_table TEXT NOT NULL,
			to_col TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sql_des (
			sql_id TEXT PRIMARY KEY,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS schema_analysis_result (
			sql_id TEXT NOT NULL,
			table_id TEXT NOT NULL,
			analysis TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (sql_id, table_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_kb ON file_basic_info(kb_id)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_user ON knowledge_base(user_name)`,
		`CREATE INDEX IF NOT EXISTS idx_session_user ON session(user_name)`,
		`CREATE INDEX IF NOT EXISTS idx_table_sql ON table_sql(sql_id)`,
		`CREATE INDEX IF NOT EXISTS idx_col_table ON col_sql(table_id)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_node_file ON graph_node(file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_discussion_session ON discussion_task_record(session_id)`,
	}
	for _, stmt := range schema {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
