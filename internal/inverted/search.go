package inverted

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"knowflow/internal/embedding"
	"knowflow/internal/logging"
	"knowflow/internal/types"
)

// rrfK dampens the contribution of lower ranks in reciprocal rank fusion.
const rrfK = 60

// SearchRequest describes one hybrid search.
type SearchRequest struct {
	KnowledgeID string
	Query       string
	// QueryEmbedding drives both vector sub-queries; the caller embeds once.
	QueryEmbedding []float32
	Size           int
	// Owner widens the permission filter to private documents.
	Owner bool
}

// SearchHit is one fused search result.
type SearchHit struct {
	Document          Document
	Score             float64
	IsParentDoc       bool
	ParentTitle       string
	ParentSummary     string
	FullContentLength int
}

// Search runs the hybrid query: an OR full-text match over title/content/
// summary (weights 3/2/1) plus one kNN ranking per stored vector, fused with
// RRF. Child documents are searched first; parents top up a short result and
// enrich every child hit.
func (x *Index) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if !x.Enabled() {
		return nil, nil
	}
	timer := logging.StartTimer(logging.CategoryInverted, "Search")
	defer timer.Stop()

	size := req.Size
	if size <= 0 {
		size = 10
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits, err := x.searchDocType(ctx, req, DocTypeChild, size)
	if err != nil {
		return nil, err
	}
	if len(hits) < size {
		parents, err := x.searchDocType(ctx, req, DocTypeParent, size-len(hits))
		if err != nil {
			return nil, err
		}
		for i := range parents {
			parents[i].IsParentDoc = true
		}
		hits = append(hits, parents...)
	}

	for i := range hits {
		if hits[i].IsParentDoc || hits[i].Document.ParentID == "" {
			continue
		}
		parent, err := x.getDocument(ctx, hits[i].Document.ParentID)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			hits[i].ParentTitle = parent.Title
			hits[i].ParentSummary = parent.Summary
			hits[i].FullContentLength = utf8.RuneCountInString(parent.Content)
		}
	}
	return hits, nil
}

// searchDocType fuses the text ranking and the two vector rankings for one
// doc_type under the base permission filter.
func (x *Index) searchDocType(ctx context.Context, req SearchRequest, docType string, size int) ([]SearchHit, error) {
	textRank, err := x.textRanking(ctx, req, docType, 4*size)
	if err != nil {
		return nil, err
	}
	titleRank, contentRank, err := x.vectorRankings(ctx, req, docType, 2*size)
	if err != nil {
		return nil, err
	}

	scores := map[string]float64{}
	for _, ranking := range [][]string{textRank, titleRank, contentRank} {
		for rank, id := range ranking {
			scores[id] += 1.0 / float64(rrfK+rank+1)
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}

	type scored struct {
		id    string
		score float64
	}
	fused := make([]scored, 0, len(scores))
	for id, s := range scores {
		fused = append(fused, scored{id, s})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].id < fused[j].id
	})
	if len(fused) > size {
		fused = fused[:size]
	}

	hits := make([]SearchHit, 0, len(fused))
	for _, f := range fused {
		doc, err := x.getDocument(ctx, f.id)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		hits = append(hits, SearchHit{Document: *doc, Score: f.score})
	}
	return hits, nil
}

func (x *Index) permissionClause(owner bool) (string, []any) {
	if owner {
		return "permission_level IN (?, ?)", []any{string(types.VisibilityPublic), string(types.VisibilityPrivate)}
	}
	return "permission_level = ?", []any{string(types.VisibilityPublic)}
}

// textRanking returns doc ids ordered by weighted BM25 over title^3,
// content^2, summary.
func (x *Index) textRanking(ctx context.Context, req SearchRequest, docType string, limit int) ([]string, error) {
	match := buildMatchQuery(req.Query)
	if match == "" {
		return nil, nil
	}
	permClause, permArgs := x.permissionClause(req.Owner)
	q := `SELECT f.doc_id FROM docs_fts f
		JOIN docs d ON d.doc_id = f.doc_id
		WHERE docs_fts MATCH ? AND d.knowledge_id = ? AND d.doc_type = ? AND d.` + permClause + `
		ORDER BY bm25(docs_fts, 3.0, 2.0, 1.0, 0.0) LIMIT ?`
	args := append([]any{match, req.KnowledgeID, docType}, permArgs...)
	args = append(args, limit)

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// vectorRankings scans the filtered documents once and produces the two kNN
// rankings (title vector and content vector), each of length ≤ k.
func (x *Index) vectorRankings(ctx context.Context, req SearchRequest, docType string, k int) (titleRank, contentRank []string, err error) {
	if len(req.QueryEmbedding) == 0 {
		return nil, nil, nil
	}
	permClause, permArgs := x.permissionClause(req.Owner)
	q := `SELECT doc_id, title_vector, content_vector FROM docs
		WHERE knowledge_id = ? AND doc_type = ? AND ` + permClause
	args := append([]any{req.KnowledgeID, docType}, permArgs...)

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type scored struct {
		id    string
		score float64
	}
	var byTitle, byContent []scored
	for rows.Next() {
		var id, titleJSON, contentJSON string
		if err := rows.Scan(&id, &titleJSON, &contentJSON); err != nil {
			return nil, nil, err
		}
		var titleVec, contentVec []float32
		if json.Unmarshal([]byte(titleJSON), &titleVec) == nil && len(titleVec) > 0 {
			byTitle = append(byTitle, scored{id, embedding.CosineSimilarity(req.QueryEmbedding, titleVec)})
		}
		if json.Unmarshal([]byte(contentJSON), &contentVec) == nil && len(contentVec) > 0 {
			byContent = append(byContent, scored{id, embedding.CosineSimilarity(req.QueryEmbedding, contentVec)})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	top := func(list []scored) []string {
		sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
		if len(list) > k {
			list = list[:k]
		}
		ids := make([]string, len(list))
		for i, s := range list {
			ids[i] = s.id
		}
		return ids
	}
	return top(byTitle), top(byContent), nil
}

// buildMatchQuery converts free text into an OR-of-terms FTS5 expression,
// quoting each term so user input cannot inject FTS syntax.
func buildMatchQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}
