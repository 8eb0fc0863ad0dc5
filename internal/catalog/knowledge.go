package catalog

import (
	"database/sql"
	"fmt"

	"knowflow/internal/logging"
	"knowflow/internal/types"
)

// KnowledgeBase is a row of knowledge_base.
type KnowledgeBase struct {
	KBID        string
	UserName    string
	KBName      string
	Description string
	ValidFrom   string
	ValidUntil  string
	CreatedAt   string
}

// FileBasic is a row of file_basic_info.
type FileBasic struct {
	FileID     string
	KBID       string
	UserName   string
	FileName   string
	Visibility types.Visibility
	SourceURL  string
	LocalPath  string
	SizeBytes  int64
	UploadedAt string
}

// InsertKnowledgeBase creates a KB owned by exactly one user.
func (c *Catalog) InsertKnowledgeBase(kb KnowledgeBase) error {
	if kb.KBID == "" || kb.UserName == "" || kb.KBName == "" {
		return fmt.Errorf("%w: kb id, owner and name required", types.ErrValidation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		`INSERT INTO knowledge_base (kb_id, user_name, kb_name, description, valid_from, valid_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		kb.KBID, kb.UserName, kb.KBName, kb.Description, kb.ValidFrom, kb.ValidUntil, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	logging.Get(logging.CategoryCatalog).Infow("knowledge base created", "kb", kb.KBID, "owner", kb.UserName)
	return nil
}

// GetKnowledgeBase fetches a KB by id.
func (c *Catalog) GetKnowledgeBase(kbID string) (*KnowledgeBase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var kb KnowledgeBase
	err := c.db.QueryRow(
		`SELECT kb_id, user_name, kb_name, COALESCE(description,''), COALESCE(valid_from,''), COALESCE(valid_until,''), created_at
		 FROM knowledge_base WHERE kb_id = ?`, kbID,
	).Scan(&kb.KBID, &kb.UserName, &kb.KBName, &kb.Description, &kb.ValidFrom, &kb.ValidUntil, &kb.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: knowledge base %q", types.ErrNotFound, kbID)
	}
	if err != nil {
		return nil, err
	}
	return &kb, nil
}

// FindKnowledgeBaseByName resolves a KB by owner and name.
func (c *Catalog) FindKnowledgeBaseByName(userName, kbName string) (*KnowledgeBase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var kb KnowledgeBase
	err := c.db.QueryRow(
		`SELECT kb_id, user_name, kb_name, COALESCE(description,''), COALESCE(valid_from,''), COALESCE(valid_until,''), created_at
		 FROM knowledge_base WHERE user_name = ? AND kb_name = ?`, userName, kbName,
	).Scan(&kb.KBID, &kb.UserName, &kb.KBName, &kb.Description, &kb.ValidFrom, &kb.ValidUntil, &kb.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: knowledge base %q for user %q", types.ErrNotFound, kbName, userName)
	}
	if err != nil {
		return nil, err
	}
	return &kb, nil
}

// ListKnowledgeBases returns all KBs owned by a user.
func (c *Catalog) ListKnowledgeBases(userName string) ([]KnowledgeBase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT kb_id, user_name, kb_name, COALESCE(description,''), COALESCE(valid_from,''), COALESCE(valid_until,''), created_at
		 FROM knowledge_base WHERE user_name = ? ORDER BY created_at`, userName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnowledgeBase
	for rows.Next() {
		var kb KnowledgeBase
		if err := rows.Scan(&kb.KBID, &kb.UserName, &kb.KBName, &kb.Description, &kb.ValidFrom, &kb.ValidUntil, &kb.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

// DeleteKnowledgeBase removes the KB row. Files must already be deleted by the
// cascade driver.
func (c *Catalog) DeleteKnowledgeBase(kbID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec("DELETE FROM knowledge_base WHERE kb_id = ?", kbID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: knowledge base %q", types.ErrNotFound, kbID)
	}
	return nil
}

// IsOwner reports whether userName owns the KB.
func (c *Catalog) IsOwner(userName, kbID string) (bool, error) {
	kb, err := c.GetKnowledgeBase(kbID)
	if err != nil {
		return false, err
	}
	return kb.UserName == userName, nil
}

// InsertFile records a file's basic info. Files are immutable after ingestion.
func (c *Catalog) InsertFile(f FileBasic) error {
	if f.FileID == "" || f.KBID == "" {
		return fmt.Errorf("%w: file id and kb id required", types.ErrValidation)
	}
	if f.Visibility == "" {
		f.Visibility = types.VisibilityPrivate
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		`INSERT INTO file_basic_info (file_id, kb_id, user_name, file_name, visibility, source_url, local_path, size_bytes, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FileID, f.KBID, f.UserName, f.FileName, string(f.Visibility), f.SourceURL, f.LocalPath, f.SizeBytes, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// GetFile fetches a file's basic info.
func (c *Catalog) GetFile(fileID string) (*FileBasic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var f FileBasic
	var vis string
	err := c.db.QueryRow(
		`SELECT file_id, kb_id, user_name, file_name, visibility, COALESCE(source_url,''), COALESCE(local_path,''), size_bytes, uploaded_at
		 FROM file_basic_info WHERE file_id = ?`, fileID,
	).Scan(&f.FileID, &f.KBID, &f.UserName, &f.FileName, &vis, &f.SourceURL, &f.LocalPath, &f.SizeBytes, &f.UploadedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: file %q", types.ErrNotFound, fileID)
	}
	if err != nil {
		return nil, err
	}
	f.Visibility = types.Visibility(vis)
	return &f, nil
}

// ListFiles returns all files in a KB.
func (c *Catalog) ListFiles(kbID string) ([]FileBasic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT file_id, kb_id, user_name, file_name, visibility, COALESCE(source_url,''), COALESCE(local_path,''), size_bytes, uploaded_at
		 FROM file_basic_info WHERE kb_id = ? ORDER BY uploaded_at`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileBasic
	for rows.Next() {
		var f FileBasic
		var vis string
		if err := rows.Scan(&f.FileID, &f.KBID, &f.UserName, &f.FileName, &vis, &f.SourceURL, &f.LocalPath, &f.SizeBytes, &f.UploadedAt); err != nil {
			return nil, err
		}
		f.Visibility = types.Visibility(vis)
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFiles counts files in a KB, optionally restricted to a visibility.
func (c *Catalog) CountFiles(kbID string, visibility types.Visibility) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int
	var err error
	if visibility == "" {
		err = c.db.QueryRow("SELECT COUNT(*) FROM file_basic_info WHERE kb_id = ?", kbID).Scan(&n)
	} else {
		err = c.db.QueryRow("SELECT COUNT(*) FROM file_basic_info WHERE kb_id = ? AND visibility = ?", kbID, string(visibility)).Scan(&n)
	}
	return n, err
}

// UpsertFileDetail stores parsed title/summary/authors/category/toc.
func (c *Catalog) UpsertFileDetail(d types.FileDetail) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO file_detail_info (file_id, title, summary, authors, category, toc)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.FileID, d.Title, d.Summary, d.Authors, d.Category, d.TOC,
	)
	return err
}

// GetFileDetail fetches parsed file metadata; returns nil when absent.
func (c *Catalog) GetFileDetail(fileID string) (*types.FileDetail, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var d types.FileDetail
	err := c.db.QueryRow(
		`SELECT file_id, COALESCE(title,''), COALESCE(summary,''), COALESCE(authors,''), COALESCE(category,''), COALESCE(toc,'')
		 FROM file_detail_info WHERE file_id = ?`, fileID,
	).Scan(&d.FileID, &d.Title, &d.Summary, &d.Authors, &d.Category, &d.TOC)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteFileRecords removes a file's catalog rows: basic info, detail info,
// graph chunks/nodes/relations sourced from it, and the image/table
// side-tables. The caller drives compensation in the index stores.
func (c *Catalog) DeleteFileRecords(fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmts := []struct {
		query string
		args  []any
	}{
		{"DELETE FROM file_basic_info WHERE file_id = ?", []any{fileID}},
		{"DELETE FROM file_detail_info WHERE file_id = ?", []any{fileID}},
		{"DELETE FROM graph_chunk WHERE file_id = ?", []any{fileID}},
		{"DELETE FROM graph_node WHERE file_id = ?", []any{fileID}},
		{"DELETE FROM graph_relation WHERE file_id = ?", []any{fileID}},
		{"DELETE FROM image_file WHERE file_id = ?", []any{fileID}},
		{"DELETE FROM table_data WHERE file_id = ?", []any{fileID}},
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s.query, s.args...); err != nil {
			return fmt.Errorf("file record delete failed: %w", err)
		}
	}
	logging.Get(logging.CategoryCatalog).Infow("file records deleted", "file", fileID)
	return nil
}

// InsertGraphChunk records a chunk used for document-graph extraction.
func (c *Catalog) InsertGraphChunk(chunkID, fileID, kbID, content string, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO graph_chunk (chunk_id, file_id, kb_id, content, chunk_index)
		 VALUES (?, ?, ?, ?, ?)`,
		chunkID, fileID, kbID, content, index,
	)
	return err
}

// GetGraphChunk fetches a graph chunk's content by id.
func (c *Catalog) GetGraphChunk(chunkID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var content string
	err := c.db.QueryRow("SELECT COALESCE(content,'') FROM graph_chunk WHERE chunk_id = ?", chunkID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: graph chunk %q", types.ErrNotFound, chunkID)
	}
	return content, err
}

// CountGraphNodes counts catalog graph-node rows for a file.
func (c *Catalog) CountGraphNodes(fileID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int
	err := c.db.QueryRow("SELECT COUNT(*) FROM graph_node WHERE file_id = ?", fileID).Scan(&n)
	return n, err
}
