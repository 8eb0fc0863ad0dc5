package retrieval

import (
	"context"
	"sort"
	"strings"

	"knowflow/internal/llm"
	"knowflow/internal/logging"
	"knowflow/internal/types"
)

const extractSystemPrompt = `You extract search terms from a user question.
Respond with only a JSON object: {"entities": ["..."], "keywords": ["..."]}.
Entities are named things (people, products, organisations, tables); keywords
are the remaining content-bearing terms.`

// queryTerms is the extraction agent's reply.
type queryTerms struct {
	Entities []string `json:"entities"`
	Keywords []string `json:"keywords"`
}

// extractTerms asks the model for entities and keywords; when the model
// cannot produce JSON, the fallback treats every word of length > 1 as a
// keyword.
func (o *Orchestrator) extractTerms(ctx context.Context, query string) queryTerms {
	var terms queryTerms
	err := llm.RequestJSON(ctx, o.client, extractSystemPrompt, query, &terms)
	if err == nil && (len(terms.Entities) > 0 || len(terms.Keywords) > 0) {
		return terms
	}
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Debugw("term extraction fell back to word split", "error", err)
	}
	for _, w := range strings.Fields(query) {
		if len([]rune(w)) > 1 {
			terms.Keywords = append(terms.Keywords, w)
		}
	}
	return terms
}

// graphSearch matches extracted terms against graph nodes by name, expands
// one hop around every match, and scores results by term overlap.
func (o *Orchestrator) graphSearch(ctx context.Context, req Request, publicOnly bool, topK int) ([]types.SearchResult, error) {
	terms := o.extractTerms(ctx, req.Query)
	searchTerms := append(append([]string{}, terms.Entities...), terms.Keywords...)
	if len(searchTerms) == 0 {
		return nil, nil
	}

	nodes, err := o.graph.MatchNodesByName(ctx, req.KnowledgeID, searchTerms, publicOnly)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var results []types.SearchResult
	addNode := func(id, name, label, description, sourceID string) {
		if seen[id] {
			return
		}
		seen[id] = true
		content := description
		// A node's source chunks give the surrounding document text.
		for _, chunkID := range strings.Split(sourceID, ",") {
			chunkID = strings.TrimSpace(chunkID)
			if chunkID == "" {
				continue
			}
			if chunk, err := o.catalog.GetGraphChunk(chunkID); err == nil && chunk != "" {
				content = chunk
				break
			}
		}
		results = append(results, types.SearchResult{
			Title:        name,
			Content:      content,
			Score:        termOverlapScore(req.Query, name+" "+description+" "+content),
			Source:       id,
			SearchEngine: types.EngineGraph,
			Metadata:     map[string]any{"label": label},
		})
	}

	for _, n := range nodes {
		addNode(n.ID, n.Name, n.Label, n.Description, n.SourceID)
		neighbors, err := o.graph.Neighborhood(ctx, n.ID, publicOnly)
		if err != nil {
			return nil, err
		}
		for _, nb := range neighbors {
			addNode(nb.Node.ID, nb.Node.Name, nb.Node.Label, nb.Node.Description, nb.Node.SourceID)
			if i := len(results) - 1; i >= 0 && results[i].Source == nb.Node.ID {
				results[i].Metadata["relation"] = string(nb.Relation.Type)
				results[i].Metadata["via"] = n.ID
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
