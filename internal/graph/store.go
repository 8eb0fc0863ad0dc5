// Package graph implements the property graph holding document entity graphs
// and SQL schema graphs. Nodes are idempotent on their id; relations carry a
// typed label plus identifying properties.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"knowflow/internal/logging"
	"knowflow/internal/types"
)

// Node is one graph node. Document-graph nodes carry knowledge/file ids and a
// source chunk id; schema-graph nodes carry the SQL-database id instead.
type Node struct {
	ID          string
	Label       string // entity kind, e.g. "Entity", "Attribute", or an extracted entity type
	Name        string
	Description string
	SourceID    string // chunk ids this node was extracted from, comma separated
	KnowledgeID string
	FileID      string
	SQLID       string
	Visibility  types.Visibility
}

// Relation is one typed edge between two nodes.
type Relation struct {
	FromID      string
	ToID        string
	Type        types.RelationType
	Description string
	KnowledgeID string
	FileID      string
	SQLID       string
	Visibility  types.Visibility
	// Foreign-key relations identify their endpoints down to the column.
	FromTableID string
	ToTableID   string
	FromColumn  string
	ToColumn    string
}

// Direction of a neighbourhood edge relative to the start node.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// Neighbor is one 1-hop expansion result.
type Neighbor struct {
	Relation  Relation
	Direction Direction
	Node      Node
}

// Store is the graph store.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	enabled bool
}

// Open initializes the graph store at path; enabled=false yields a no-op
// capability.
func Open(path string, enabled bool) (*Store, error) {
	if !enabled {
		return &Store{enabled: false}, nil
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create graph store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryGraph).Debugw("pragma failed", "pragma", pragma, "error", err)
		}
	}

	s := &Store{db: db, enabled: true}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryGraph).Infow("graph store opened", "path", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			name TEXT,
			description TEXT,
			source_id TEXT,
			knowledge_id TEXT,
			file_id TEXT,
			sql_id TEXT,
			visibility TEXT NOT NULL DEFAULT 'private'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_sql ON nodes(sql_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_knowledge ON nodes(knowledge_id)`,
		`CREATE TABLE IF NOT EXISTS relations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			rel_type TEXT NOT NULL,
			description TEXT,
			knowledge_id TEXT,
			file_id TEXT,
			sql_id TEXT,
			visibility TEXT NOT NULL DEFAULT 'private',
			from_table_id TEXT,
			to_table_id TEXT,
			from_column TEXT,
			to_column TEXT,
			UNIQUE (from_id, to_id, rel_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("graph schema statement failed: %w", err)
		}
	}
	return nil
}

// Enabled reports whether the backend is active.
func (s *Store) Enabled() bool { return s != nil && s.enabled }

// Close closes the underlying database.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// CreateNode writes a node. Creation is idempotent on the node id; a second
// create refreshes the node's fields.
func (s *Store) CreateNode(ctx context.Context, n Node) error {
	if !s.Enabled() {
		return nil
	}
	if n.ID == "" || n.Label == "" {
		return fmt.Errorf("graph node requires id and label")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO nodes
		(node_id, label, name, description, source_id, knowledge_id, file_id, sql_id, visibility)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			label = excluded.label,
			name = excluded.name,
			description = excluded.description,
			source_id = excluded.source_id,
			knowledge_id = excluded.knowledge_id,
			file_id = excluded.file_id,
			sql_id = excluded.sql_id,
			visibility = excluded.visibility`,
		n.ID, n.Label, n.Name, n.Description, n.SourceID, n.KnowledgeID, n.FileID, n.SQLID, string(n.Visibility))
	return err
}

// CreateRelation writes a typed edge. A duplicate (from, to, type) triple
// refreshes the edge's properties.
func (s *Store) CreateRelation(ctx context.Context, r Relation) error {
	if !s.Enabled() {
		return nil
	}
	if r.FromID == "" || r.ToID == "" || r.Type == "" {
		return fmt.Errorf("graph relation requires from, to, and type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO relations
		(from_id, to_id, rel_type, description, knowledge_id, file_id, sql_id, visibility,
		 from_table_id, to_table_id, from_column, to_column)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, rel_type) DO UPDATE SET
			description = excluded.description,
			knowledge_id = excluded.knowledge_id,
			file_id = excluded.file_id,
			sql_id = excluded.sql_id,
			visibility = excluded.visibility,
			from_table_id = excluded.from_table_id,
			to_table_id = excluded.to_table_id,
			from_column = excluded.from_column,
			to_column = excluded.to_column`,
		r.FromID, r.ToID, string(r.Type), r.Description, r.KnowledgeID, r.FileID, r.SQLID,
		string(r.Visibility), r.FromTableID, r.ToTableID, r.FromColumn, r.ToColumn)
	return err
}

// GetNode fetches a node by id; nil when absent.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	if !s.Enabled() {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getNode(ctx, id)
}

func (s *Store) getNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT node_id, label, COALESCE(name,''), COALESCE(description,''),
		COALESCE(source_id,''), COALESCE(knowledge_id,''), COALESCE(file_id,''), COALESCE(sql_id,''), visibility
		FROM nodes WHERE node_id = ?`, id)
	return scanNode(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var vis string
	err := row.Scan(&n.ID, &n.Label, &n.Name, &n.Description, &n.SourceID,
		&n.KnowledgeID, &n.FileID, &n.SQLID, &vis)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.Visibility = types.Visibility(vis)
	return &n, nil
}

// MatchNodesByName finds nodes whose name matches any of the given terms
// (case-insensitive substring match).
func (s *Store) MatchNodesByName(ctx context.Context, knowledgeID string, terms []string, publicOnly bool) ([]Node, error) {
	if !s.Enabled() || len(terms) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT node_id, label, COALESCE(name,''), COALESCE(description,''),
		COALESCE(source_id,''), COALESCE(knowledge_id,''), COALESCE(file_id,''), COALESCE(sql_id,''), visibility
		FROM nodes WHERE knowledge_id = ? AND (`
	args := []any{knowledgeID}
	for i, term := range terms {
		if i > 0 {
			q += " OR "
		}
		q += "LOWER(name) LIKE ?"
		args = append(args, "%"+strings.ToLower(term)+"%")
	}
	q += ")"
	if publicOnly {
		q += " AND visibility = ?"
		args = append(args, string(types.VisibilityPublic))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// Neighborhood expands one hop from a node in both directions, filtering
// private neighbours out for unpermissioned callers.
func (s *Store) Neighborhood(ctx context.Context, nodeID string, publicOnly bool) ([]Neighbor, error) {
	if !s.Enabled() {
		return nil, nil
	}
	timer := logging.StartTimer(logging.CategoryGraph, "Neighborhood")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT from_id, to_id, rel_type, COALESCE(description,''),
		COALESCE(knowledge_id,''), COALESCE(file_id,''), COALESCE(sql_id,''), visibility,
		COALESCE(from_table_id,''), COALESCE(to_table_id,''), COALESCE(from_column,''), COALESCE(to_column,'')
		FROM relations WHERE from_id = ? OR to_id = ?`, nodeID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relation
	for rows.Next() {
		var r Relation
		var relType, vis string
		if err := rows.Scan(&r.FromID, &r.ToID, &relType, &r.Description, &r.KnowledgeID,
			&r.FileID, &r.SQLID, &vis, &r.FromTableID, &r.ToTableID, &r.FromColumn, &r.ToColumn); err != nil {
			return nil, err
		}
		r.Type = types.RelationType(relType)
		r.Visibility = types.Visibility(vis)
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var neighbors []Neighbor
	for _, r := range rels {
		otherID := r.ToID
		dir := DirectionOut
		if r.ToID == nodeID && r.FromID != nodeID {
			otherID = r.FromID
			dir = DirectionIn
		}
		node, err := s.getNode(ctx, otherID)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		if publicOnly && node.Visibility != types.VisibilityPublic {
			continue
		}
		neighbors = append(neighbors, Neighbor{Relation: r, Direction: dir, Node: *node})
	}
	return neighbors, nil
}

// DeleteBySourceContains drops every node whose source_id contains the chunk
// id, along with incident relations.
func (s *Store) DeleteBySourceContains(ctx context.Context, chunkID string) error {
	if !s.Enabled() || chunkID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := "%" + chunkID + "%"
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relations WHERE from_id IN
		(SELECT node_id FROM nodes WHERE source_id LIKE ?) OR to_id IN
		(SELECT node_id FROM nodes WHERE source_id LIKE ?)`, pattern, pattern); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM nodes WHERE source_id LIKE ?", pattern)
	return err
}

// DeleteBySQLID drops a SQL database's schema graph: its nodes and their
// incident relations.
func (s *Store) DeleteBySQLID(ctx context.Context, sqlID string) error {
	if !s.Enabled() || sqlID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM relations WHERE sql_id = ? OR from_id IN
		(SELECT node_id FROM nodes WHERE sql_id = ?) OR to_id IN
		(SELECT node_id FROM nodes WHERE sql_id = ?)`, sqlID, sqlID, sqlID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM nodes WHERE sql_id = ?", sqlID)
	return err
}

// CountNodes counts nodes, optionally scoped to one SQL database.
func (s *Store) CountNodes(ctx context.Context, sqlID string) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	var err error
	if sqlID == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes WHERE sql_id = ?", sqlID).Scan(&n)
	}
	return n, err
}
