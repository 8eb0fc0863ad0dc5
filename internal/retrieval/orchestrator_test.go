package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/catalog"
	"knowflow/internal/config"
	"knowflow/internal/embedding"
	"knowflow/internal/graph"
	"knowflow/internal/inverted"
	"knowflow/internal/llm"
	"knowflow/internal/types"
	"knowflow/internal/vector"
)

type fixture struct {
	catalog  *catalog.Catalog
	vectors  *vector.Store
	inverted *inverted.Index
	graph    *graph.Store
	engine   embedding.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	v, err := vector.Open(":memory:", true)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	inv, err := inverted.Open(":memory:", "", true)
	require.NoError(t, err)
	t.Cleanup(func() { inv.Close() })

	g, err := graph.Open(":memory:", true)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	eng, err := embedding.NewEngine(config.EmbeddingConfig{Provider: "deterministic", Dimensions: 32})
	require.NoError(t, err)

	return &fixture{catalog: cat, vectors: v, inverted: inv, graph: g, engine: eng}
}

func (f *fixture) orchestrator(client llm.Client) *Orchestrator {
	return NewOrchestrator(f.catalog, f.vectors, f.inverted, f.graph, f.engine, client)
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.catalog.InsertUser("alice", "pw"))
	require.NoError(t, f.catalog.InsertKnowledgeBase(catalog.KnowledgeBase{KBID: "kb1", UserName: "alice", KBName: "docs"}))

	embed := func(text string) []float32 {
		v, err := f.engine.Embed(ctx, text)
		require.NoError(t, err)
		return v
	}

	require.NoError(t, f.vectors.InsertBatch(ctx, "kb1", "f1", []vector.Record{
		{Title: "billing", Content: "invoices are sent monthly", Visibility: types.VisibilityPublic, Embedding: embed("invoices are sent monthly")},
	}))
	require.NoError(t, f.vectors.InsertBatch(ctx, "kb1", "f2", []vector.Record{
		{Title: "salaries", Content: "salary bands are confidential", Visibility: types.VisibilityPrivate, Embedding: embed("salary bands are confidential")},
	}))

	parentID := inverted.ParentDocID("kb1", "f1")
	parent := inverted.Document{
		DocID: parentID, KnowledgeID: "kb1", FileID: "f1", DocType: inverted.DocTypeParent,
		Permission: types.VisibilityPublic, Title: "billing", Content: "invoices are sent monthly",
		Summary: "billing summary",
	}
	child := inverted.Document{
		DocID: inverted.ChildDocID(parentID, 0), KnowledgeID: "kb1", FileID: "f1",
		DocType: inverted.DocTypeChild, ParentID: parentID, TotalChunks: 1,
		Permission: types.VisibilityPublic, Title: "billing", Content: "invoices are sent monthly",
		TitleVector: embed("billing"), ContentVector: embed("invoices are sent monthly"),
	}
	require.NoError(t, f.inverted.InsertParentWithChildren(ctx, parent, []inverted.Document{child}))

	require.NoError(t, f.catalog.InsertGraphChunk("kb1_f1_chunk_0", "f1", "kb1", "invoices are sent monthly by the billing team", 0))
	require.NoError(t, f.graph.CreateNode(ctx, graph.Node{
		ID: "node_billing", Label: "team", Name: "billing team",
		Description: "the team that sends invoices", SourceID: "kb1_f1_chunk_0",
		KnowledgeID: "kb1", FileID: "f1", Visibility: types.VisibilityPublic,
	}))
	require.NoError(t, f.graph.CreateNode(ctx, graph.Node{
		ID: "node_invoice", Label: "artifact", Name: "invoice",
		Description: "a bill for services", SourceID: "kb1_f1_chunk_0",
		KnowledgeID: "kb1", FileID: "f1", Visibility: types.VisibilityPublic,
	}))
	require.NoError(t, f.graph.CreateRelation(ctx, graph.Relation{
		FromID: "node_billing", ToID: "node_invoice", Type: "PRODUCES", KnowledgeID: "kb1",
	}))
}

func TestSearchAllEnginesAsOwner(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	client := llm.NewScriptedClient(`{"entities": ["billing team"], "keywords": ["invoices"]}`)
	o := f.orchestrator(client)

	resp, err := o.Search(context.Background(), Request{
		Query: "who sends invoices", KnowledgeID: "kb1", UserName: "alice", TopK: 5,
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Vector)
	assert.Equal(t, types.EngineMilvus, resp.Vector[0].SearchEngine)
	// The owner sees private partitions too.
	sources := map[string]bool{}
	for _, r := range resp.Vector {
		sources[r.Source] = true
	}
	assert.True(t, sources["f2"])

	require.NotEmpty(t, resp.Inverted)
	assert.Equal(t, types.EngineElasticsearch, resp.Inverted[0].SearchEngine)

	require.NotEmpty(t, resp.Graph)
	assert.Equal(t, types.EngineGraph, resp.Graph[0].SearchEngine)
	// Source chunks enrich node content.
	foundChunk := false
	for _, r := range resp.Graph {
		if r.Content == "invoices are sent monthly by the billing team" {
			foundChunk = true
		}
	}
	assert.True(t, foundChunk)
}

func TestSearchNonOwnerIsPublicOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	client := llm.NewScriptedClient(`{"keywords": ["salary"]}`)
	o := f.orchestrator(client)

	resp, err := o.Search(context.Background(), Request{
		Query: "salary bands", KnowledgeID: "kb1", UserName: "mallory", TopK: 5,
	})
	require.NoError(t, err)
	for _, r := range resp.Vector {
		assert.NotEqual(t, "f2", r.Source, "private partition leaked to non-owner")
	}
}

func TestSearchEngineSubset(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	o := f.orchestrator(llm.NewScriptedClient())
	resp, err := o.Search(context.Background(), Request{
		Query: "invoices", KnowledgeID: "kb1", UserName: "alice", TopK: 5,
		Engines: []types.SearchEngine{types.EngineMilvus},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Vector)
	assert.Empty(t, resp.Inverted)
	assert.Empty(t, resp.Graph)
}

func TestSearchEmptyQueryFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	o := f.orchestrator(llm.NewScriptedClient())
	_, err := o.Search(context.Background(), Request{KnowledgeID: "kb1", UserName: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestGraphSearchFallsBackToWordSplit(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	// The extraction agent never returns JSON; words become keywords.
	client := llm.NewScriptedClient("not json", "still not json")
	o := f.orchestrator(client)

	resp, err := o.Search(context.Background(), Request{
		Query: "billing invoices", KnowledgeID: "kb1", UserName: "alice", TopK: 5,
		Engines: []types.SearchEngine{types.EngineGraph},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Graph)
}

func TestDisabledEnginesAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	disabledGraph, err := graph.Open("", false)
	require.NoError(t, err)
	o := NewOrchestrator(f.catalog, f.vectors, f.inverted, disabledGraph, f.engine, llm.NewScriptedClient())

	resp, err := o.Search(context.Background(), Request{
		Query: "invoices", KnowledgeID: "kb1", UserName: "alice", TopK: 5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Vector)
	assert.Empty(t, resp.Graph)
}
