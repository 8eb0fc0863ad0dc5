// Package ingest fans an already-extracted text file out across the three
// indexes: chunk embeddings into the vector store's file partition, a parent
// document with overlapping children into the inverted index, and an optional
// LLM-extracted entity graph. Deletion runs the compensating sequence in
// reverse.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"knowflow/internal/catalog"
	"knowflow/internal/embedding"
	"knowflow/internal/graph"
	"knowflow/internal/inverted"
	"knowflow/internal/llm"
	"knowflow/internal/logging"
	"knowflow/internal/splitter"
	"knowflow/internal/types"
	"knowflow/internal/vector"
)

// summaryRunes is how much of the text becomes the file summary when no
// summary is supplied.
const summaryRunes = 200

// Service ingests and deletes files.
type Service struct {
	catalog  *catalog.Catalog
	vectors  *vector.Store
	inverted *inverted.Index
	graph    *graph.Store
	embedder embedding.Engine
	// client drives document-graph extraction; nil disables it.
	client llm.Client

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// New wires the ingestion service.
func New(cat *catalog.Catalog, v *vector.Store, inv *inverted.Index, g *graph.Store, e embedding.Engine, c llm.Client) *Service {
	return &Service{
		catalog:  cat,
		vectors:  v,
		inverted: inv,
		graph:    g,
		embedder: e,
		client:   c,
		locks:    map[string]*semaphore.Weighted{},
	}
}

// fileLock returns the per-file semaphore: one ingestion or deletion per
// file id at a time, other files proceed in parallel.
func (s *Service) fileLock(fileID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[fileID]; ok {
		return l
	}
	l := semaphore.NewWeighted(1)
	s.locks[fileID] = l
	return l
}

// Request describes one file to ingest. Text is the extracted plain text;
// parsing binary formats happens upstream.
type Request struct {
	KBID       string
	UserName   string
	FileID     string
	FileName   string
	Visibility types.Visibility
	Text       string
	SourceURL  string
	LocalPath  string
}

// IngestFile indexes one file into the enabled backends. It returns the file
// id, generated when the request carries none.
func (s *Service) IngestFile(ctx context.Context, req Request) (string, error) {
	timer := logging.StartTimer(logging.CategoryIngest, "IngestFile")
	defer timer.Stop()
	log := logging.Get(logging.CategoryIngest)

	if req.KBID == "" || req.UserName == "" || req.FileName == "" {
		return "", fmt.Errorf("%w: knowledge base, user, and file name are required", types.ErrValidation)
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", fmt.Errorf("%w: file %q has no extractable text", types.ErrValidation, req.FileName)
	}
	if _, err := s.catalog.GetKnowledgeBase(req.KBID); err != nil {
		return "", err
	}
	if req.FileID == "" {
		req.FileID = uuid.NewString()
	}
	if req.Visibility == "" {
		req.Visibility = types.VisibilityPrivate
	}

	lock := s.fileLock(req.FileID)
	if err := lock.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer lock.Release(1)

	if err := s.catalog.InsertFile(catalog.FileBasic{
		FileID:     req.FileID,
		KBID:       req.KBID,
		UserName:   req.UserName,
		FileName:   req.FileName,
		Visibility: req.Visibility,
		SourceURL:  req.SourceURL,
		LocalPath:  req.LocalPath,
		SizeBytes:  int64(len(req.Text)),
	}); err != nil {
		return "", err
	}

	if err := s.indexVectors(ctx, req); err != nil {
		s.compensate(ctx, req.KBID, req.FileID)
		return "", err
	}
	if err := s.indexInverted(ctx, req); err != nil {
		s.compensate(ctx, req.KBID, req.FileID)
		return "", err
	}
	if err := s.catalog.UpsertFileDetail(types.FileDetail{
		FileID:  req.FileID,
		Title:   req.FileName,
		Summary: summarize(req.Text),
	}); err != nil {
		s.compensate(ctx, req.KBID, req.FileID)
		return "", err
	}

	// Graph extraction is best-effort enrichment; its failure never rolls
	// back the searchable indexes.
	if s.client != nil && s.graph.Enabled() {
		if err := s.extractGraph(ctx, req); err != nil {
			log.Warnw("document graph extraction failed", "file_id", req.FileID, "error", err)
		}
	}

	log.Infow("file ingested", "file_id", req.FileID, "kb_id", req.KBID, "bytes", len(req.Text))
	return req.FileID, nil
}

func (s *Service) indexVectors(ctx context.Context, req Request) error {
	if !s.vectors.Enabled() {
		return nil
	}
	chunks := splitter.Split(req.Text, splitter.VectorChunkSize, splitter.DefaultOverlap)
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed vector chunks: %w", err)
	}
	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			Title:      req.FileName,
			Content:    c.Content,
			Visibility: req.Visibility,
			Embedding:  embeddings[i],
		}
	}
	return s.vectors.InsertBatch(ctx, req.KBID, req.FileID, records)
}

func (s *Service) indexInverted(ctx context.Context, req Request) error {
	if !s.inverted.Enabled() {
		return nil
	}
	parentID := inverted.ParentDocID(req.KBID, req.FileID)
	summary := summarize(req.Text)

	titleVec, err := s.embedder.Embed(ctx, req.FileName)
	if err != nil {
		return fmt.Errorf("failed to embed title: %w", err)
	}

	chunks := splitter.Split(req.Text, splitter.InvertedChunkSize, splitter.DefaultOverlap)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	contentVecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed inverted chunks: %w", err)
	}

	parent := inverted.Document{
		DocID:       parentID,
		KnowledgeID: req.KBID,
		FileID:      req.FileID,
		UserID:      req.UserName,
		Permission:  req.Visibility,
		DocType:     inverted.DocTypeParent,
		TotalChunks: len(chunks),
		Title:       req.FileName,
		Content:     req.Text,
		Summary:     summary,
		TitleVector: titleVec,
	}
	children := make([]inverted.Document, len(chunks))
	for i, c := range chunks {
		children[i] = inverted.Document{
			DocID:         inverted.ChildDocID(parentID, c.Index),
			KnowledgeID:   req.KBID,
			FileID:        req.FileID,
			UserID:        req.UserName,
			Permission:    req.Visibility,
			DocType:       inverted.DocTypeChild,
			ParentID:      parentID,
			ChunkIndex:    c.Index,
			TotalChunks:   len(chunks),
			Title:         req.FileName,
			Content:       c.Content,
			TitleVector:   titleVec,
			ContentVector: contentVecs[i],
		}
	}
	return s.inverted.InsertParentWithChildren(ctx, parent, children)
}

// compensate clears whatever the failed ingestion already wrote.
func (s *Service) compensate(ctx context.Context, kbID, fileID string) {
	log := logging.Get(logging.CategoryIngest)
	if err := s.vectors.DropPartition(ctx, kbID, fileID); err != nil {
		log.Warnw("compensation: vector partition drop failed", "file_id", fileID, "error", err)
	}
	if err := s.inverted.DeleteByFileID(ctx, fileID); err != nil {
		log.Warnw("compensation: inverted delete failed", "file_id", fileID, "error", err)
	}
	if err := s.catalog.DeleteFileRecords(fileID); err != nil {
		log.Warnw("compensation: catalog delete failed", "file_id", fileID, "error", err)
	}
}

// DeleteFile removes a file from every backend: vector partition, inverted
// documents, graph nodes extracted from its chunks, then the catalog rows.
func (s *Service) DeleteFile(ctx context.Context, fileID string) error {
	timer := logging.StartTimer(logging.CategoryIngest, "DeleteFile")
	defer timer.Stop()

	file, err := s.catalog.GetFile(fileID)
	if err != nil {
		return err
	}
	lock := s.fileLock(fileID)
	if err := lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer lock.Release(1)

	if err := s.vectors.DropPartition(ctx, file.KBID, fileID); err != nil {
		return fmt.Errorf("failed to drop vector partition: %w", err)
	}
	if err := s.inverted.DeleteByFileID(ctx, fileID); err != nil {
		return fmt.Errorf("failed to delete inverted documents: %w", err)
	}
	// Graph node source ids embed the chunk id, which embeds the file id.
	if err := s.graph.DeleteBySourceContains(ctx, fileID); err != nil {
		return fmt.Errorf("failed to delete graph nodes: %w", err)
	}
	return s.catalog.DeleteFileRecords(fileID)
}

// DeleteKnowledgeBase removes a KB and every file it holds.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, kbID string) error {
	files, err := s.catalog.ListFiles(kbID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.DeleteFile(ctx, f.FileID); err != nil {
			return fmt.Errorf("failed to delete file %s: %w", f.FileID, err)
		}
	}
	if err := s.vectors.DropCollection(ctx, kbID); err != nil {
		return fmt.Errorf("failed to drop vector collection: %w", err)
	}
	if err := s.inverted.DeleteByKnowledgeID(ctx, kbID); err != nil {
		return fmt.Errorf("failed to delete inverted documents: %w", err)
	}
	return s.catalog.DeleteKnowledgeBase(kbID)
}

// DeleteUserData removes every KB a user owns, then the user row.
func (s *Service) DeleteUserData(ctx context.Context, userName string) error {
	kbs, err := s.catalog.ListKnowledgeBases(userName)
	if err != nil {
		return err
	}
	for _, kb := range kbs {
		if err := s.DeleteKnowledgeBase(ctx, kb.KBID); err != nil {
			return err
		}
	}
	return s.catalog.DeleteUser(userName)
}

func summarize(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= summaryRunes {
		return string(runes)
	}
	return string(runes[:summaryRunes])
}
