// Package retrieval is the unified search surface over the vector index, the
// inverted index, and the graph store. The caller picks a subset of engines;
// results come back as one ranked list per engine, never merged.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"knowflow/internal/catalog"
	"knowflow/internal/embedding"
	"knowflow/internal/graph"
	"knowflow/internal/inverted"
	"knowflow/internal/llm"
	"knowflow/internal/logging"
	"knowflow/internal/types"
	"knowflow/internal/vector"
)

// Request is one retrieval call.
type Request struct {
	Query       string
	KnowledgeID string
	UserName    string
	TopK        int
	// Engines selects which indexes to consult; empty means all enabled.
	Engines []types.SearchEngine
}

// Response carries one result list per consulted engine.
type Response struct {
	Vector   []types.SearchResult
	Inverted []types.SearchResult
	Graph    []types.SearchResult
}

// Orchestrator fans a query out to the enabled backends.
type Orchestrator struct {
	catalog  *catalog.Catalog
	vectors  *vector.Store
	inverted *inverted.Index
	graph    *graph.Store
	embedder embedding.Engine
	client   llm.Client
}

// NewOrchestrator wires the orchestrator's dependencies.
func NewOrchestrator(cat *catalog.Catalog, v *vector.Store, inv *inverted.Index, g *graph.Store, e embedding.Engine, c llm.Client) *Orchestrator {
	return &Orchestrator{catalog: cat, vectors: v, inverted: inv, graph: g, embedder: e, client: c}
}

// Search embeds the query once, computes the caller's permission flag, and
// queries the selected engines in parallel.
func (o *Orchestrator) Search(ctx context.Context, req Request) (*Response, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	if req.Query == "" {
		return nil, fmt.Errorf("%w: query must not be empty", types.ErrValidation)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	owner, err := o.catalog.IsOwner(req.UserName, req.KnowledgeID)
	if err != nil {
		return nil, fmt.Errorf("permission check failed: %w", err)
	}
	publicOnly := !owner

	queryEmb, err := o.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	wants := func(e types.SearchEngine) bool {
		if len(req.Engines) == 0 {
			return true
		}
		for _, want := range req.Engines {
			if want == e {
				return true
			}
		}
		return false
	}

	resp := &Response{}
	g, gctx := errgroup.WithContext(ctx)

	if wants(types.EngineMilvus) && o.vectors.Enabled() {
		g.Go(func() error {
			hits, err := o.vectors.Search(gctx, req.KnowledgeID, queryEmb, topK, publicOnly)
			if err != nil {
				return fmt.Errorf("vector search failed: %w", err)
			}
			resp.Vector = o.vectorResults(hits)
			return nil
		})
	}
	if wants(types.EngineElasticsearch) && o.inverted.Enabled() {
		g.Go(func() error {
			hits, err := o.inverted.Search(gctx, inverted.SearchRequest{
				KnowledgeID:    req.KnowledgeID,
				Query:          req.Query,
				QueryEmbedding: queryEmb,
				Size:           topK,
				Owner:          owner,
			})
			if err != nil {
				return fmt.Errorf("inverted search failed: %w", err)
			}
			resp.Inverted = o.invertedResults(hits)
			return nil
		})
	}
	if wants(types.EngineGraph) && o.graph.Enabled() {
		g.Go(func() error {
			results, err := o.graphSearch(gctx, req, publicOnly, topK)
			if err != nil {
				return fmt.Errorf("graph search failed: %w", err)
			}
			resp.Graph = results
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) vectorResults(hits []vector.Hit) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(hits))
	for _, h := range hits {
		r := types.SearchResult{
			Title:        h.Title,
			Content:      h.Content,
			Score:        h.Score,
			Source:       h.Partition,
			SearchEngine: types.EngineMilvus,
		}
		if detail, err := o.catalog.GetFileDetail(h.Partition); err == nil && detail != nil {
			r.FileDetail = detail
		}
		out = append(out, r)
	}
	return out
}

func (o *Orchestrator) invertedResults(hits []inverted.SearchHit) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(hits))
	for _, h := range hits {
		r := types.SearchResult{
			Title:        h.Document.Title,
			Content:      h.Document.Content,
			Score:        h.Score,
			Source:       h.Document.FileID,
			SearchEngine: types.EngineElasticsearch,
			Metadata: map[string]any{
				"doc_id":      h.Document.DocID,
				"doc_type":    h.Document.DocType,
				"chunk_index": h.Document.ChunkIndex,
			},
		}
		if h.IsParentDoc {
			r.Metadata["is_parent_doc"] = true
		}
		if h.ParentTitle != "" {
			r.Metadata["parent_title"] = h.ParentTitle
			r.Metadata["parent_summary"] = h.ParentSummary
			r.Metadata["full_content_length"] = h.FullContentLength
		}
		if detail, err := o.catalog.GetFileDetail(h.Document.FileID); err == nil && detail != nil {
			r.FileDetail = detail
		}
		out = append(out, r)
	}
	return out
}

// termOverlapScore scores a graph result by how many query terms appear in
// its text.
func termOverlapScore(query, text string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
