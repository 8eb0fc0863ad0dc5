// Package inverted implements the full-text index over document chunks:
// parent documents carry the whole file text and summary, child documents
// carry overlapping chunks with dual dense vectors. Text search runs on
// sqlite FTS5, vector search on the stored embeddings, and the two are fused
// with reciprocal rank fusion.
package inverted

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"knowflow/internal/logging"
	"knowflow/internal/types"
)

const (
	// DocTypeParent marks the one whole-file document per ingested file.
	DocTypeParent = "parent"
	// DocTypeChild marks an overlapping chunk of a parent.
	DocTypeChild = "child"

	insertBatchSize = 50
)

// Document is one indexed row, parent or child.
type Document struct {
	DocID         string
	KnowledgeID   string
	FileID        string
	UserID        string
	Permission    types.Visibility
	DocType       string
	ParentID      string
	ChunkIndex    int
	TotalChunks   int
	Title         string
	Content       string
	Summary       string
	TitleVector   []float32
	ContentVector []float32
}

// ParentDocID builds the deterministic parent document id for a file.
func ParentDocID(knowledgeID, fileID string) string {
	return fmt.Sprintf("%s_%s", knowledgeID, fileID)
}

// ChildDocID builds the deterministic child document id for a chunk.
func ChildDocID(parentID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", parentID, index)
}

// Index is the inverted index.
type Index struct {
	db      *sql.DB
	mu      sync.RWMutex
	enabled bool
}

// Open initializes the index at path with the given FTS5 tokenizer
// ("unicode61" unless configured otherwise). enabled=false yields a no-op
// capability.
func Open(path, tokenizer string, enabled bool) (*Index, error) {
	if !enabled {
		return &Index{enabled: false}, nil
	}
	if tokenizer == "" {
		tokenizer = "unicode61"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create inverted index directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open inverted index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryInverted).Debugw("pragma failed", "pragma", pragma, "error", err)
		}
	}

	idx := &Index{db: db, enabled: true}
	if err := idx.initialize(tokenizer); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryInverted).Infow("inverted index opened", "path", path, "tokenizer", tokenizer)
	return idx, nil
}

func (x *Index) initialize(tokenizer string) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS docs (
			doc_id TEXT PRIMARY KEY,
			knowledge_id TEXT NOT NULL,
			file_id TEXT NOT NULL,
			user_id TEXT,
			permission_level TEXT NOT NULL DEFAULT 'private',
			doc_type TEXT NOT NULL,
			parent_id TEXT,
			chunk_index INTEGER NOT NULL DEFAULT 0,
			total_chunks INTEGER NOT NULL DEFAULT 0,
			title TEXT,
			content TEXT,
			summary TEXT,
			title_vector TEXT,
			content_vector TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_docs_knowledge ON docs(knowledge_id)`,
		`CREATE INDEX IF NOT EXISTS idx_docs_file ON docs(file_id)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS docs_fts USING fts5(
			title, content, summary, doc_id UNINDEXED, tokenize = '%s')`, tokenizer),
	}
	for _, stmt := range schema {
		if _, err := x.db.Exec(stmt); err != nil {
			return fmt.Errorf("inverted schema statement failed: %w", err)
		}
	}
	return nil
}

// Enabled reports whether the backend is active.
func (x *Index) Enabled() bool { return x != nil && x.enabled }

// Close closes the underlying database.
func (x *Index) Close() error {
	if !x.Enabled() {
		return nil
	}
	return x.db.Close()
}

// InsertParentWithChildren writes the parent document and its children. The
// parent goes in first; if any child write fails the parent is deleted again
// so a file is never half-indexed.
func (x *Index) InsertParentWithChildren(ctx context.Context, parent Document, children []Document) error {
	if !x.Enabled() {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryInverted, "InsertParentWithChildren")
	defer timer.Stop()

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.insertDocs(ctx, []Document{parent}); err != nil {
		return fmt.Errorf("parent insert failed: %w", err)
	}
	if err := x.insertDocs(ctx, children); err != nil {
		if delErr := x.deleteDocIDs(ctx, []string{parent.DocID}); delErr != nil {
			logging.Get(logging.CategoryInverted).Errorw("orphan parent cleanup failed",
				"doc_id", parent.DocID, "error", delErr)
		}
		return fmt.Errorf("children insert failed: %w", err)
	}
	return nil
}

func (x *Index) insertDocs(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	docStmt, err := tx.Prepare(`INSERT OR REPLACE INTO docs
		(doc_id, knowledge_id, file_id, user_id, permission_level, doc_type, parent_id,
		 chunk_index, total_chunks, title, content, summary, title_vector, content_vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer docStmt.Close()

	ftsStmt, err := tx.Prepare(`INSERT INTO docs_fts (title, content, summary, doc_id) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer ftsStmt.Close()

	for start := 0; start < len(docs); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		for _, d := range docs[start:end] {
			titleVec, err := json.Marshal(d.TitleVector)
			if err != nil {
				return err
			}
			contentVec, err := json.Marshal(d.ContentVector)
			if err != nil {
				return err
			}
			if _, err := docStmt.ExecContext(ctx, d.DocID, d.KnowledgeID, d.FileID, d.UserID,
				string(d.Permission), d.DocType, d.ParentID, d.ChunkIndex, d.TotalChunks,
				d.Title, d.Content, d.Summary, string(titleVec), string(contentVec)); err != nil {
				return fmt.Errorf("doc insert failed: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM docs_fts WHERE doc_id = ?", d.DocID); err != nil {
				return err
			}
			if _, err := ftsStmt.ExecContext(ctx, d.Title, d.Content, d.Summary, d.DocID); err != nil {
				return fmt.Errorf("fts insert failed: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (x *Index) deleteDocIDs(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := x.db.ExecContext(ctx, "DELETE FROM docs WHERE doc_id = ?", id); err != nil {
			return err
		}
		if _, err := x.db.ExecContext(ctx, "DELETE FROM docs_fts WHERE doc_id = ?", id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByFileID removes every document of a file, parents included.
func (x *Index) DeleteByFileID(ctx context.Context, fileID string) error {
	if !x.Enabled() {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.deleteWhere(ctx, "file_id = ?", fileID)
}

// DeleteByKnowledgeID removes every document of a knowledge base.
func (x *Index) DeleteByKnowledgeID(ctx context.Context, knowledgeID string) error {
	if !x.Enabled() {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.deleteWhere(ctx, "knowledge_id = ?", knowledgeID)
}

// deleteWhere mirrors the query-then-delete-per-hit contract so the FTS
// shadow rows always go with their base rows.
func (x *Index) deleteWhere(ctx context.Context, where string, arg any) error {
	rows, err := x.db.QueryContext(ctx, "SELECT doc_id FROM docs WHERE "+where, arg)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	return x.deleteDocIDs(ctx, ids)
}

// CountByFileID counts a file's indexed documents.
func (x *Index) CountByFileID(ctx context.Context, fileID string) (int, error) {
	if !x.Enabled() {
		return 0, nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	var n int
	err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM docs WHERE file_id = ?", fileID).Scan(&n)
	return n, err
}

// GetDocument fetches one document by id; returns nil when absent.
func (x *Index) GetDocument(ctx context.Context, docID string) (*Document, error) {
	if !x.Enabled() {
		return nil, nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.getDocument(ctx, docID)
}

func (x *Index) getDocument(ctx context.Context, docID string) (*Document, error) {
	row := x.db.QueryRowContext(ctx, `SELECT doc_id, knowledge_id, file_id, COALESCE(user_id,''),
		permission_level, doc_type, COALESCE(parent_id,''), chunk_index, total_chunks,
		COALESCE(title,''), COALESCE(content,''), COALESCE(summary,'')
		FROM docs WHERE doc_id = ?`, docID)
	var d Document
	var perm string
	err := row.Scan(&d.DocID, &d.KnowledgeID, &d.FileID, &d.UserID, &perm, &d.DocType,
		&d.ParentID, &d.ChunkIndex, &d.TotalChunks, &d.Title, &d.Content, &d.Summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Permission = types.Visibility(perm)
	return &d, nil
}
