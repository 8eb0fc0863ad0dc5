package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"knowflow/internal/embedding"
	"knowflow/internal/logging"
	"knowflow/internal/types"
)

// SchemaNodeCollection is the shared collection holding schema-graph nodes
// for every registered SQL database.
const SchemaNodeCollection = "sql_graph_nodes_default"

// Hybrid fusion weights: matches on the node name count less than matches on
// the node description.
const (
	nameWeight        = 0.4
	descriptionWeight = 0.6
)

// SchemaNode is one schema-graph node with dual embeddings: one over the
// node name, one over its description.
type SchemaNode struct {
	NodeID        string
	NodeType      types.NodeType
	Name          string
	Description   string
	ColName       string
	TableName     string
	TableID       string
	Content       string
	NameEmbedding []float32
	DescEmbedding []float32
}

// SchemaHit is one hybrid search result over schema nodes.
type SchemaHit struct {
	Node  SchemaNode
	SQLID string
	Score float64
}

// UpsertSchemaNodes writes schema nodes under the SQL database's partition,
// keyed by (partition, node_id) so re-analysis replaces rather than
// duplicates. Rows are written in batches of at most insertBatchSize.
func (s *Store) UpsertSchemaNodes(ctx context.Context, sqlID string, nodes []SchemaNode) error {
	if !s.Enabled() || len(nodes) == 0 {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryVector, "UpsertSchemaNodes")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO schema_nodes
		(partition, node_id, node_type, node_name, node_description, col_name, table_name, table_id, content, name_embedding, description_embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition, node_id) DO UPDATE SET
			node_type = excluded.node_type,
			node_name = excluded.node_name,
			node_description = excluded.node_description,
			col_name = excluded.col_name,
			table_name = excluded.table_name,
			table_id = excluded.table_id,
			content = excluded.content,
			name_embedding = excluded.name_embedding,
			description_embedding = excluded.description_embedding`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for start := 0; start < len(nodes); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		for _, n := range nodes[start:end] {
			nameEmb, err := json.Marshal(n.NameEmbedding)
			if err != nil {
				return fmt.Errorf("failed to serialize name embedding: %w", err)
			}
			descEmb, err := json.Marshal(n.DescEmbedding)
			if err != nil {
				return fmt.Errorf("failed to serialize description embedding: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, sqlID, n.NodeID, string(n.NodeType), n.Name, n.Description,
				n.ColName, n.TableName, n.TableID, n.Content, string(nameEmb), string(descEmb)); err != nil {
				return fmt.Errorf("schema node upsert failed: %w", err)
			}
		}
	}
	return tx.Commit()
}

// SchemaNodeFilter narrows a hybrid search.
type SchemaNodeFilter struct {
	SQLID     string
	NodeTypes []types.NodeType
	TableIDs  []string
}

// SearchSchemaNodes runs the dual-vector hybrid search: each node is scored
// as 0.4 * cosine(query, name embedding) + 0.6 * cosine(query, description
// embedding), and the top topK nodes are returned.
func (s *Store) SearchSchemaNodes(ctx context.Context, query []float32, topK int, filter SchemaNodeFilter) ([]SchemaHit, error) {
	if !s.Enabled() {
		return nil, nil
	}
	timer := logging.StartTimer(logging.CategoryVector, "SearchSchemaNodes")
	defer timer.Stop()

	if topK <= 0 {
		topK = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT partition, node_id, node_type, COALESCE(node_name,''), COALESCE(node_description,''),
		COALESCE(col_name,''), COALESCE(table_name,''), COALESCE(table_id,''), COALESCE(content,''),
		name_embedding, description_embedding FROM schema_nodes WHERE 1=1`
	var args []any
	if filter.SQLID != "" {
		q += ` AND partition = ?`
		args = append(args, filter.SQLID)
	}
	if len(filter.NodeTypes) > 0 {
		q += ` AND node_type IN (?` + strings.Repeat(",?", len(filter.NodeTypes)-1) + `)`
		for _, nt := range filter.NodeTypes {
			args = append(args, string(nt))
		}
	}
	if len(filter.TableIDs) > 0 {
		q += ` AND table_id IN (?` + strings.Repeat(",?", len(filter.TableIDs)-1) + `)`
		for _, id := range filter.TableIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SchemaHit
	for rows.Next() {
		var h SchemaHit
		var nodeType, nameEmbJSON, descEmbJSON string
		if err := rows.Scan(&h.SQLID, &h.Node.NodeID, &nodeType, &h.Node.Name, &h.Node.Description,
			&h.Node.ColName, &h.Node.TableName, &h.Node.TableID, &h.Node.Content, &nameEmbJSON, &descEmbJSON); err != nil {
			return nil, err
		}
		h.Node.NodeType = types.NodeType(nodeType)
		var nameEmb, descEmb []float32
		if err := json.Unmarshal([]byte(nameEmbJSON), &nameEmb); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(descEmbJSON), &descEmb); err != nil {
			continue
		}
		h.Score = nameWeight*embedding.CosineSimilarity(query, nameEmb) +
			descriptionWeight*embedding.CosineSimilarity(query, descEmb)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DropSchemaPartition removes every schema node of a SQL database.
func (s *Store) DropSchemaPartition(ctx context.Context, sqlID string) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM schema_nodes WHERE partition = ?", sqlID)
	return err
}

// CountSchemaNodes counts schema nodes in a SQL database's partition.
func (s *Store) CountSchemaNodes(ctx context.Context, sqlID string) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_nodes WHERE partition = ?", sqlID).Scan(&n)
	return n, err
}
