package inverted

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/config"
	"knowflow/internal/embedding"
	"knowflow/internal/types"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(":memory:", "", true)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func newTestEngine(t *testing.T) embedding.Engine {
	t.Helper()
	eng, err := embedding.NewEngine(config.EmbeddingConfig{Provider: "deterministic", Dimensions: 64})
	require.NoError(t, err)
	return eng
}

func embedText(t *testing.T, eng embedding.Engine, text string) []float32 {
	t.Helper()
	v, err := eng.Embed(context.Background(), text)
	require.NoError(t, err)
	return v
}

// indexFile builds a parent with children from short contents and inserts it.
func indexFile(t *testing.T, idx *Index, eng embedding.Engine, kb, file, userID string, perm types.Visibility, title string, contents []string) {
	t.Helper()
	parentID := ParentDocID(kb, file)
	full := ""
	for _, c := range contents {
		full += c + " "
	}
	parent := Document{
		DocID: parentID, KnowledgeID: kb, FileID: file, UserID: userID,
		Permission: perm, DocType: DocTypeParent, Title: title,
		Content: full, Summary: "summary of " + title,
		TitleVector:   embedText(t, eng, title),
		ContentVector: embedText(t, eng, full),
	}
	children := make([]Document, len(contents))
	for i, c := range contents {
		children[i] = Document{
			DocID: ChildDocID(parentID, i), KnowledgeID: kb, FileID: file, UserID: userID,
			Permission: perm, DocType: DocTypeChild, ParentID: parentID,
			ChunkIndex: i, TotalChunks: len(contents),
			Title: title, Content: c,
			TitleVector:   embedText(t, eng, title),
			ContentVector: embedText(t, eng, c),
		}
	}
	require.NoError(t, idx.InsertParentWithChildren(context.Background(), parent, children))
}

func TestDisabledIndexIsNoOp(t *testing.T) {
	idx, err := Open("", "", false)
	require.NoError(t, err)
	assert.False(t, idx.Enabled())

	ctx := context.Background()
	require.NoError(t, idx.InsertParentWithChildren(ctx, Document{DocID: "p"}, nil))
	hits, err := idx.Search(ctx, SearchRequest{KnowledgeID: "kb", Query: "x"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDocIDHelpers(t *testing.T) {
	assert.Equal(t, "kb1_f1", ParentDocID("kb1", "f1"))
	assert.Equal(t, "kb1_f1_chunk_3", ChildDocID("kb1_f1", 3))
}

func TestHybridSearchFindsTextMatch(t *testing.T) {
	idx := newTestIndex(t)
	eng := newTestEngine(t)
	ctx := context.Background()

	indexFile(t, idx, eng, "kb1", "f1", "u1", types.VisibilityPublic, "billing guide",
		[]string{"invoices are generated on the first of the month", "late payment incurs a surcharge"})
	indexFile(t, idx, eng, "kb1", "f2", "u1", types.VisibilityPublic, "onboarding",
		[]string{"new employees get a laptop", "orientation happens on Mondays"})

	hits, err := idx.Search(ctx, SearchRequest{
		KnowledgeID:    "kb1",
		Query:          "invoice surcharge payment",
		QueryEmbedding: embedText(t, eng, "invoice surcharge payment"),
		Size:           2,
		Owner:          true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "f1", hits[0].Document.FileID)
	assert.Equal(t, DocTypeChild, hits[0].Document.DocType)

	// Child hits carry their parent's enrichment.
	assert.Equal(t, "billing guide", hits[0].ParentTitle)
	assert.Equal(t, "summary of billing guide", hits[0].ParentSummary)
	assert.Greater(t, hits[0].FullContentLength, 0)
}

func TestSearchPermissionFilter(t *testing.T) {
	idx := newTestIndex(t)
	eng := newTestEngine(t)
	ctx := context.Background()

	indexFile(t, idx, eng, "kb1", "fpub", "u1", types.VisibilityPublic, "public notes",
		[]string{"shared roadmap for the quarter"})
	indexFile(t, idx, eng, "kb1", "fpriv", "u1", types.VisibilityPrivate, "private notes",
		[]string{"confidential roadmap for the quarter"})

	req := SearchRequest{
		KnowledgeID:    "kb1",
		Query:          "roadmap quarter",
		QueryEmbedding: embedText(t, eng, "roadmap quarter"),
		Size:           10,
	}

	hits, err := idx.Search(ctx, req)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, types.VisibilityPublic, h.Document.Permission)
	}

	req.Owner = true
	hits, err = idx.Search(ctx, req)
	require.NoError(t, err)
	files := map[string]bool{}
	for _, h := range hits {
		files[h.Document.FileID] = true
	}
	assert.True(t, files["fpub"])
	assert.True(t, files["fpriv"])
}

func TestSearchTopsUpWithParents(t *testing.T) {
	idx := newTestIndex(t)
	eng := newTestEngine(t)
	ctx := context.Background()

	// One child only; asking for more results pulls the parent in as filler.
	indexFile(t, idx, eng, "kb1", "f1", "u1", types.VisibilityPublic, "metrics handbook",
		[]string{"revenue is tracked weekly in the metrics handbook"})

	hits, err := idx.Search(ctx, SearchRequest{
		KnowledgeID:    "kb1",
		Query:          "metrics handbook revenue",
		QueryEmbedding: embedText(t, eng, "metrics handbook revenue"),
		Size:           5,
		Owner:          true,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, DocTypeChild, hits[0].Document.DocType)
	assert.False(t, hits[0].IsParentDoc)
	assert.Equal(t, DocTypeParent, hits[1].Document.DocType)
	assert.True(t, hits[1].IsParentDoc)
}

func TestReindexReplacesDocuments(t *testing.T) {
	idx := newTestIndex(t)
	eng := newTestEngine(t)
	ctx := context.Background()

	indexFile(t, idx, eng, "kb1", "f1", "u1", types.VisibilityPublic, "draft", []string{"old wording"})
	indexFile(t, idx, eng, "kb1", "f1", "u1", types.VisibilityPublic, "draft", []string{"new wording"})

	n, err := idx.CountByFileID(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, n) // parent + one child, not duplicated

	hits, err := idx.Search(ctx, SearchRequest{KnowledgeID: "kb1", Query: "old wording", Size: 5, Owner: true})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotContains(t, h.Document.Content, "old wording")
	}
}

func TestDeleteByFileAndKnowledge(t *testing.T) {
	idx := newTestIndex(t)
	eng := newTestEngine(t)
	ctx := context.Background()

	indexFile(t, idx, eng, "kb1", "f1", "u1", types.VisibilityPublic, "doc one", []string{"alpha content"})
	indexFile(t, idx, eng, "kb1", "f2", "u1", types.VisibilityPublic, "doc two", []string{"beta content"})

	require.NoError(t, idx.DeleteByFileID(ctx, "f1"))
	n, err := idx.CountByFileID(ctx, "f1")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = idx.CountByFileID(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, 2, n) // parent + child

	// FTS shadow rows go with their docs.
	hits, err := idx.Search(ctx, SearchRequest{KnowledgeID: "kb1", Query: "alpha", Size: 5, Owner: true})
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.DeleteByKnowledgeID(ctx, "kb1"))
	n, err = idx.CountByFileID(ctx, "f2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBuildMatchQuery(t *testing.T) {
	assert.Equal(t, `"invoice" OR "totals"`, buildMatchQuery("invoice totals"))
	assert.Equal(t, `"a" OR "MATCH" OR "b"`, buildMatchQuery(`a "MATCH" -b`))
	assert.Equal(t, "", buildMatchQuery("!!!"))
}

func TestLargeBatchInsert(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	parentID := ParentDocID("kb1", "big")
	parent := Document{DocID: parentID, KnowledgeID: "kb1", FileID: "big", DocType: DocTypeParent, Permission: types.VisibilityPublic}
	children := make([]Document, insertBatchSize+13)
	for i := range children {
		children[i] = Document{
			DocID: ChildDocID(parentID, i), KnowledgeID: "kb1", FileID: "big",
			DocType: DocTypeChild, ParentID: parentID, ChunkIndex: i,
			TotalChunks: len(children), Content: fmt.Sprintf("chunk %d", i),
			Permission: types.VisibilityPublic,
		}
	}
	require.NoError(t, idx.InsertParentWithChildren(ctx, parent, children))
	n, err := idx.CountByFileID(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, len(children)+1, n)
}
