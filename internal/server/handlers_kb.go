package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"knowflow/internal/catalog"
	"knowflow/internal/ingest"
	"knowflow/internal/inverted"
	"knowflow/internal/types"
)

// fetchClient downloads URL-sourced files.
var fetchClient = &http.Client{Timeout: 60 * time.Second}

type kbRequest struct {
	credentials
	KBID        string `json:"kb_id" form:"kb_id"`
	KBName      string `json:"kb_name" form:"kb_name"`
	Description string `json:"description" form:"description"`
}

func (s *Server) createKnowledgeBase(c echo.Context) error {
	var req kbRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if req.KBName == "" {
		return fail(c, fmt.Errorf("%w: kb_name is required", types.ErrValidation))
	}
	if existing, err := s.deps.Catalog.FindKnowledgeBaseByName(userName, req.KBName); err == nil && existing != nil {
		return fail(c, fmt.Errorf("%w: knowledge base %q already exists", types.ErrValidation, req.KBName))
	}
	kb := catalog.KnowledgeBase{
		KBID:        uuid.NewString(),
		UserName:    userName,
		KBName:      req.KBName,
		Description: req.Description,
	}
	if err := s.deps.Catalog.InsertKnowledgeBase(kb); err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]any{"kb_id": kb.KBID, "kb_name": kb.KBName})
}

func (s *Server) deleteKnowledgeBase(c echo.Context) error {
	var req kbRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if err := s.requireKBOwner(userName, req.KBID); err != nil {
		return fail(c, err)
	}
	if err := s.deps.Ingest.DeleteKnowledgeBase(c.Request().Context(), req.KBID); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

func (s *Server) getKnowledgeBases(c echo.Context) error {
	userName, err := s.authenticate(c)
	if err != nil {
		return fail(c, err)
	}
	kbs, err := s.deps.Catalog.ListKnowledgeBases(userName)
	if err != nil {
		return fail(c, err)
	}
	list := make([]map[string]any, 0, len(kbs))
	for _, kb := range kbs {
		count, err := s.deps.Catalog.CountFiles(kb.KBID, "")
		if err != nil {
			return fail(c, err)
		}
		list = append(list, map[string]any{
			"kb_id":       kb.KBID,
			"kb_name":     kb.KBName,
			"description": kb.Description,
			"file_count":  count,
			"created_at":  kb.CreatedAt,
		})
	}
	return ok(c, map[string]any{"knowledge_bases": list})
}

type addFileRequest struct {
	credentials
	KBID       string `json:"kb_id" form:"kb_id"`
	FileName   string `json:"file_name" form:"file_name"`
	URL        string `json:"url" form:"url"`
	Visibility string `json:"visibility" form:"visibility"`
}

// addFile ingests one file, either uploaded as multipart form data or pulled
// from a URL named in a JSON body.
func (s *Server) addFile(c echo.Context) error {
	var req addFileRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if err := s.requireKBOwner(userName, req.KBID); err != nil {
		return fail(c, err)
	}

	var text string
	switch {
	case hasUpload(c):
		header, err := c.FormFile("file")
		if err != nil {
			return fail(c, fmt.Errorf("%w: %v", types.ErrValidation, err))
		}
		if req.FileName == "" {
			req.FileName = header.Filename
		}
		f, err := header.Open()
		if err != nil {
			return fail(c, fmt.Errorf("failed to open upload: %w", err))
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return fail(c, fmt.Errorf("failed to read upload: %w", err))
		}
		text = string(data)
	case req.URL != "":
		text, err = fetchURL(req.URL)
		if err != nil {
			return fail(c, err)
		}
		if req.FileName == "" {
			req.FileName = filepath.Base(req.URL)
		}
	default:
		return fail(c, fmt.Errorf("%w: either a file upload or a url is required", types.ErrValidation))
	}
	if !utf8.ValidString(text) {
		return fail(c, fmt.Errorf("%w: file %q is not text", types.ErrValidation, req.FileName))
	}

	fileID := uuid.NewString()
	localPath, err := s.saveOriginal(fileID, req.FileName, text)
	if err != nil {
		return fail(c, err)
	}
	fileID, err = s.deps.Ingest.IngestFile(c.Request().Context(), ingest.Request{
		KBID:       req.KBID,
		UserName:   userName,
		FileID:     fileID,
		FileName:   req.FileName,
		Visibility: types.Visibility(req.Visibility),
		Text:       text,
		SourceURL:  req.URL,
		LocalPath:  localPath,
	})
	if err != nil {
		if localPath != "" {
			os.RemoveAll(filepath.Dir(localPath))
		}
		return fail(c, err)
	}
	return ok(c, map[string]any{"file_id": fileID, "file_name": req.FileName})
}

func hasUpload(c echo.Context) bool {
	_, err := c.FormFile("file")
	return err == nil
}

func fetchURL(url string) (string, error) {
	resp, err := fetchClient.Get(url)
	if err != nil {
		return "", fmt.Errorf("%w: fetch of %s failed: %v", types.ErrUpstreamUnavailable, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetch of %s returned %d", types.ErrUpstreamUnavailable, url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read of %s failed: %v", types.ErrUpstreamUnavailable, url, err)
	}
	return string(data), nil
}

// saveOriginal keeps the raw upload under the file tree so it can be served
// back verbatim. An empty file tree path disables retention.
func (s *Server) saveOriginal(fileID, fileName, text string) (string, error) {
	if s.paths.FileTree == "" {
		return "", nil
	}
	dir := filepath.Join(s.paths.FileTree, fileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create file tree entry: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(fileName))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("failed to store original file: %w", err)
	}
	return path, nil
}

func (s *Server) deleteFile(c echo.Context) error {
	var req struct {
		credentials
		FileID string `json:"file_id" form:"file_id"`
	}
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	file, err := s.requireFileOwner(userName, req.FileID)
	if err != nil {
		return fail(c, err)
	}
	if err := s.deps.Ingest.DeleteFile(c.Request().Context(), req.FileID); err != nil {
		return fail(c, err)
	}
	if file.LocalPath != "" {
		os.RemoveAll(filepath.Dir(file.LocalPath))
	}
	return ok(c, nil)
}

func (s *Server) listFiles(c echo.Context) error {
	var req kbRequest
	_ = bindBody(c, &req)
	userName, err := s.verify(c, req.credentials)
	if err != nil {
		return fail(c, err)
	}
	if err := s.requireKBOwner(userName, req.KBID); err != nil {
		return fail(c, err)
	}
	files, err := s.deps.Catalog.ListFiles(req.KBID)
	if err != nil {
		return fail(c, err)
	}
	list := make([]map[string]any, 0, len(files))
	for _, f := range files {
		list = append(list, map[string]any{
			"file_id":     f.FileID,
			"file_name":   f.FileName,
			"visibility":  f.Visibility,
			"size_bytes":  f.SizeBytes,
			"uploaded_at": f.UploadedAt,
		})
	}
	return ok(c, map[string]any{"files": list})
}

// getFileContent serves the indexed text of a file: the parent document from
// the inverted index, falling back to the retained original on disk.
func (s *Server) getFileContent(c echo.Context) error {
	userName, err := s.authenticate(c)
	if err != nil {
		return fail(c, err)
	}
	fileID := c.QueryParam("file_id")
	file, err := s.requireFileAccess(userName, fileID)
	if err != nil {
		return fail(c, err)
	}

	content := ""
	if s.deps.Inverted.Enabled() {
		doc, err := s.deps.Inverted.GetDocument(c.Request().Context(), inverted.ParentDocID(file.KBID, fileID))
		if err != nil {
			return fail(c, err)
		}
		if doc != nil {
			content = doc.Content
		}
	}
	if content == "" && file.LocalPath != "" {
		data, err := os.ReadFile(file.LocalPath)
		if err == nil {
			content = string(data)
		}
	}
	detail, err := s.deps.Catalog.GetFileDetail(fileID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fail(c, err)
	}
	return ok(c, map[string]any{
		"file_id":   fileID,
		"file_name": file.FileName,
		"content":   content,
		"detail":    detail,
	})
}

// getLocalFileContent serves the retained original from the file tree.
func (s *Server) getLocalFileContent(c echo.Context) error {
	userName, err := s.authenticate(c)
	if err != nil {
		return fail(c, err)
	}
	fileID := firstNonEmpty(c.QueryParam("file_id"), c.FormValue("file_id"))
	file, err := s.requireFileAccess(userName, fileID)
	if err != nil {
		return fail(c, err)
	}
	if file.LocalPath == "" {
		return fail(c, fmt.Errorf("%w: file %s has no local copy", types.ErrNotFound, fileID))
	}
	// The path must stay inside the file tree even if the catalog row was
	// tampered with.
	root, err := filepath.Abs(s.paths.FileTree)
	if err != nil {
		return fail(c, err)
	}
	path, err := filepath.Abs(file.LocalPath)
	if err != nil {
		return fail(c, err)
	}
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return fail(c, fmt.Errorf("%w: file %s is outside the file tree", types.ErrNotFound, fileID))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(c, fmt.Errorf("%w: local copy of %s is missing", types.ErrNotFound, fileID))
	}
	return ok(c, map[string]any{"file_id": fileID, "file_name": file.FileName, "content": string(data)})
}

func (s *Server) requireKBOwner(userName, kbID string) error {
	if kbID == "" {
		return fmt.Errorf("%w: kb_id is required", types.ErrValidation)
	}
	if _, err := s.deps.Catalog.GetKnowledgeBase(kbID); err != nil {
		return err
	}
	owner, err := s.deps.Catalog.IsOwner(userName, kbID)
	if err != nil {
		return err
	}
	if !owner {
		return fmt.Errorf("%w: %s does not own knowledge base %s", types.ErrUnauthorized, userName, kbID)
	}
	return nil
}

func (s *Server) requireFileOwner(userName, fileID string) (*catalog.FileBasic, error) {
	if fileID == "" {
		return nil, fmt.Errorf("%w: file_id is required", types.ErrValidation)
	}
	file, err := s.deps.Catalog.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	if file.UserName != userName {
		return nil, fmt.Errorf("%w: %s does not own file %s", types.ErrUnauthorized, userName, fileID)
	}
	return file, nil
}

// requireFileAccess admits the owner and, for public files, everyone else.
func (s *Server) requireFileAccess(userName, fileID string) (*catalog.FileBasic, error) {
	if fileID == "" {
		return nil, fmt.Errorf("%w: file_id is required", types.ErrValidation)
	}
	file, err := s.deps.Catalog.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	if file.UserName != userName && file.Visibility != types.VisibilityPublic {
		return nil, fmt.Errorf("%w: file %s is private", types.ErrUnauthorized, fileID)
	}
	return file, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
