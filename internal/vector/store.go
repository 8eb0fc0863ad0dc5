// Package vector implements the dense-vector index: per-knowledge-base
// collections with per-file partitions for document chunks, and a dedicated
// schema-graph-node collection partitioned by SQL-database id with dual
// embeddings. Storage is sqlite; similarity is cosine (IP-equivalent on
// normalized vectors), with sqlite-vec acceleration when the extension is
// compiled in.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"knowflow/internal/embedding"
	"knowflow/internal/logging"
	"knowflow/internal/types"
)

// insertBatchSize caps rows per insert statement; flush is deferred to the
// end of a batched ingestion.
const insertBatchSize = 50

// Store is the vector index.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	enabled bool
	vec     bool // sqlite-vec extension compiled in
}

// Hit is one vector search result.
type Hit struct {
	Score     float64
	Partition string // file id
	Title     string
	Content   string
}

// Record is one document-chunk row to index.
type Record struct {
	Title      string
	Content    string
	Visibility types.Visibility
	Embedding  []float32
}

// Open initializes the vector store at path; pass enabled=false to run the
// store as a disabled capability (all operations become no-ops).
func Open(path string, enabled bool) (*Store, error) {
	if !enabled {
		return &Store{enabled: false}, nil
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create vector store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryVector).Debugw("pragma failed", "pragma", pragma, "error", err)
		}
	}

	s := &Store{db: db, enabled: true}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err == nil {
		s.vec = true
		logging.Get(logging.CategoryVector).Infow("sqlite-vec extension active", "version", vecVersion)
	}
	logging.Get(logging.CategoryVector).Infow("vector store opened", "path", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS doc_vectors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			partition TEXT NOT NULL,
			title TEXT,
			content TEXT,
			visibility TEXT NOT NULL DEFAULT 'private',
			embedding TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_doc_vectors_collection ON doc_vectors(collection)`,
		`CREATE INDEX IF NOT EXISTS idx_doc_vectors_partition ON doc_vectors(partition)`,
		`CREATE TABLE IF NOT EXISTS schema_nodes (
			partition TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			node_name TEXT,
			node_description TEXT,
			col_name TEXT,
			table_name TEXT,
			table_id TEXT,
			content TEXT,
			name_embedding TEXT NOT NULL,
			description_embedding TEXT NOT NULL,
			PRIMARY KEY (partition, node_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("vector schema statement failed: %w", err)
		}
	}
	return nil
}

// Enabled reports whether the backend is active. Disabled stores answer
// every search with an empty set so pipelines continue with reduced evidence.
func (s *Store) Enabled() bool { return s != nil && s.enabled }

// Close closes the underlying database.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// InsertBatch writes document-chunk records into collection (= KB id) under
// partition (= file id), at most insertBatchSize rows per statement.
func (s *Store) InsertBatch(ctx context.Context, collection, partition string, records []Record) error {
	if !s.Enabled() || len(records) == 0 {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryVector, "InsertBatch")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO doc_vectors (collection, partition, title, content, visibility, embedding) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for start := 0; start < len(records); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(records) {
			end = len(records)
		}
		for _, r := range records[start:end] {
			emb, err := json.Marshal(r.Embedding)
			if err != nil {
				return fmt.Errorf("failed to serialize embedding: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, collection, partition, r.Title, r.Content, string(r.Visibility), string(emb)); err != nil {
				return fmt.Errorf("vector insert failed: %w", err)
			}
		}
	}
	return tx.Commit()
}

// Search returns up to topK hits from a collection ordered by cosine score.
// When publicOnly is set, private partitions are invisible.
func (s *Store) Search(ctx context.Context, collection string, query []float32, topK int, publicOnly bool) ([]Hit, error) {
	if !s.Enabled() {
		return nil, nil
	}
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.Stop()

	if topK <= 0 {
		topK = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vec {
		return s.searchVec(ctx, collection, query, topK, publicOnly)
	}

	q := `SELECT partition, COALESCE(title,''), COALESCE(content,''), embedding FROM doc_vectors WHERE collection = ?`
	args := []any{collection}
	if publicOnly {
		q += ` AND visibility = ?`
		args = append(args, string(types.VisibilityPublic))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var embJSON string
		if err := rows.Scan(&h.Partition, &h.Title, &h.Content, &embJSON); err != nil {
			return nil, err
		}
		var emb []float32
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			logging.Get(logging.CategoryVector).Warnw("corrupt embedding row skipped", "partition", h.Partition)
			continue
		}
		h.Score = embedding.CosineSimilarity(query, emb)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// searchVec scores rows inside sqlite with the sqlite-vec cosine distance
// function. Embeddings are stored as JSON arrays, which sqlite-vec accepts
// directly, so the on-disk format is the same for both search paths.
func (s *Store) searchVec(ctx context.Context, collection string, query []float32, topK int, publicOnly bool) ([]Hit, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query embedding: %w", err)
	}
	q := `SELECT partition, COALESCE(title,''), COALESCE(content,''),
		1.0 - vec_distance_cosine(embedding, ?) AS score
		FROM doc_vectors WHERE collection = ?`
	args := []any{string(queryJSON), collection}
	if publicOnly {
		q += ` AND visibility = ?`
		args = append(args, string(types.VisibilityPublic))
	}
	q += ` ORDER BY score DESC LIMIT ?`
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Partition, &h.Title, &h.Content, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// DropPartition removes every record of a file's partition.
func (s *Store) DropPartition(ctx context.Context, collection, partition string) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM doc_vectors WHERE collection = ? AND partition = ?", collection, partition)
	return err
}

// DropCollection removes a whole KB collection.
func (s *Store) DropCollection(ctx context.Context, collection string) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM doc_vectors WHERE collection = ?", collection)
	return err
}

// CountPartition counts records in a file's partition.
func (s *Store) CountPartition(ctx context.Context, collection, partition string) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM doc_vectors WHERE collection = ? AND partition = ?", collection, partition).Scan(&n)
	return n, err
}
