package ingest

import (
	"context"
	"fmt"
	"strings"

	"knowflow/internal/graph"
	"knowflow/internal/llm"
	"knowflow/internal/logging"
	"knowflow/internal/splitter"
	"knowflow/internal/types"
)

const extractSystemPrompt = `You extract a knowledge graph from a text passage.
Respond with only JSON:
{"entities": [{"name": "...", "type": "...", "description": "..."}],
 "relations": [{"source": "...", "target": "...", "type": "...", "description": "..."}]}
Entity types are short nouns like Person, Organization, Concept. Relation types are
short upper-case verbs like PRODUCES, LOCATED_IN. Only extract what the passage states.`

type extraction struct {
	Entities []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"entities"`
	Relations []struct {
		Source      string `json:"source"`
		Target      string `json:"target"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"relations"`
}

// graphChunkID builds the chunk id recorded as graph node provenance; it
// embeds the file id so file deletion can match on it.
func graphChunkID(fileID string, index int) string {
	return fmt.Sprintf("%s_graph_%d", fileID, index)
}

// nodeID derives a stable graph node id from the entity name, scoped to the
// knowledge base so equal names in different KBs stay distinct.
func nodeID(kbID, name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Join(strings.Fields(slug), "_")
	return kbID + "_" + slug
}

// extractGraph splits the file into extraction chunks, records each chunk in
// the catalog for later source lookup, and merges the extracted entities and
// relations into the graph store.
func (s *Service) extractGraph(ctx context.Context, req Request) error {
	log := logging.Get(logging.CategoryIngest)
	chunks := splitter.Split(req.Text, splitter.InvertedChunkSize, splitter.DefaultOverlap)

	for _, chunk := range chunks {
		chunkID := graphChunkID(req.FileID, chunk.Index)
		if err := s.catalog.InsertGraphChunk(chunkID, req.FileID, req.KBID, chunk.Content, chunk.Index); err != nil {
			return fmt.Errorf("failed to record graph chunk: %w", err)
		}

		var ex extraction
		if err := llm.RequestJSON(ctx, s.client, extractSystemPrompt, chunk.Content, &ex); err != nil {
			// One bad chunk should not lose the rest of the file's graph.
			log.Warnw("chunk extraction failed", "chunk_id", chunkID, "error", err)
			continue
		}

		for _, e := range ex.Entities {
			if strings.TrimSpace(e.Name) == "" {
				continue
			}
			err := s.graph.CreateNode(ctx, graph.Node{
				ID:          nodeID(req.KBID, e.Name),
				Label:       e.Type,
				Name:        e.Name,
				Description: e.Description,
				SourceID:    chunkID,
				KnowledgeID: req.KBID,
				FileID:      req.FileID,
				Visibility:  req.Visibility,
			})
			if err != nil {
				return fmt.Errorf("failed to create node %q: %w", e.Name, err)
			}
		}
		for _, r := range ex.Relations {
			if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Target) == "" {
				continue
			}
			relType := strings.ToUpper(strings.Join(strings.Fields(strings.TrimSpace(r.Type)), "_"))
			if relType == "" {
				relType = "RELATED_TO"
			}
			err := s.graph.CreateRelation(ctx, graph.Relation{
				FromID:      nodeID(req.KBID, r.Source),
				ToID:        nodeID(req.KBID, r.Target),
				Type:        types.RelationType(relType),
				Description: r.Description,
				KnowledgeID: req.KBID,
				FileID:      req.FileID,
				Visibility:  req.Visibility,
			})
			if err != nil {
				// Relations referencing entities the model never declared
				// are dropped, not fatal.
				log.Debugw("relation skipped", "from", r.Source, "to", r.Target, "error", err)
			}
		}
	}
	return nil
}
