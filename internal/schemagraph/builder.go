package schemagraph

import (
	"context"
	"errors"
	"fmt"

	"knowflow/internal/catalog"
	"knowflow/internal/embedding"
	"knowflow/internal/graph"
	"knowflow/internal/logging"
	"knowflow/internal/types"
	"knowflow/internal/vector"
)

// Builder constructs the schema graph for a SQL database and mirrors every
// node into the vector store's schema-node collection.
type Builder struct {
	catalog  *catalog.Catalog
	graph    *graph.Store
	vectors  *vector.Store
	embedder embedding.Engine
	analyzer *Analyzer
}

// NewBuilder wires the builder's dependencies.
func NewBuilder(cat *catalog.Catalog, g *graph.Store, v *vector.Store, e embedding.Engine, a *Analyzer) *Builder {
	return &Builder{catalog: cat, graph: g, vectors: v, embedder: e, analyzer: a}
}

// EntityNodeID builds the graph id of a table's entity node.
func EntityNodeID(tableID, entityName string) string {
	return fmt.Sprintf("%s_%s", tableID, entityName)
}

// ColumnNodeID builds the graph id of a column node.
func ColumnNodeID(tableID, colName string) string {
	return fmt.Sprintf("%s_%s", tableID, colName)
}

// BuildForDatabase analyzes every table of a SQL database and rebuilds its
// schema graph from scratch. Prior graph and vector content for the database
// is dropped first so removed columns do not linger.
func (b *Builder) BuildForDatabase(ctx context.Context, sqlID string) error {
	timer := logging.StartTimer(logging.CategoryGraph, "BuildForDatabase")
	defer timer.Stop()
	log := logging.Get(logging.CategoryGraph)

	tables, err := b.catalog.ListSQLTables(sqlID)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	if len(tables) == 0 {
		return fmt.Errorf("%w: SQL database %s has no tables", types.ErrNotFound, sqlID)
	}

	if err := b.graph.DeleteBySQLID(ctx, sqlID); err != nil {
		return fmt.Errorf("failed to clear prior schema graph: %w", err)
	}
	if err := b.vectors.DropSchemaPartition(ctx, sqlID); err != nil {
		return fmt.Errorf("failed to clear prior schema vectors: %w", err)
	}

	analyses := make([]types.SchemaAnalysis, 0, len(tables))
	for _, table := range tables {
		columns, err := b.catalog.ListSQLColumns(table.TableID)
		if err != nil {
			return fmt.Errorf("failed to list columns of %s: %w", table.TableName, err)
		}
		analysis, err := b.analyzer.AnalyzeTable(ctx, table, columns)
		if err != nil {
			return fmt.Errorf("analysis of %s failed: %w", table.TableName, err)
		}
		if err := b.catalog.UpsertSchemaAnalysis(analysis); err != nil {
			return fmt.Errorf("failed to persist analysis of %s: %w", table.TableName, err)
		}
		analyses = append(analyses, analysis)
	}

	var vectorNodes []vector.SchemaNode
	for _, analysis := range analyses {
		nodes, err := b.buildTableNodes(ctx, analysis)
		if err != nil {
			return err
		}
		vectorNodes = append(vectorNodes, nodes...)
	}

	// Declared relations from the catalog join the inferred foreign keys.
	declared, err := b.catalog.ListSQLRelations(sqlID)
	if err != nil {
		return fmt.Errorf("failed to list declared relations: %w", err)
	}
	for _, rel := range declared {
		for i := range analyses {
			if analyses[i].TableName == rel.FromTable {
				analyses[i].ForeignKeys = append(analyses[i].ForeignKeys, types.SchemaForeignKey{
					FromColumn: rel.FromCol,
					ToTable:    rel.ToTable,
					ToColumn:   rel.ToCol,
				})
			}
		}
	}

	// Foreign keys need every table's entity in place, so they go in last.
	for _, analysis := range analyses {
		if err := b.buildForeignKeys(ctx, analysis, analyses); err != nil {
			return err
		}
	}

	if err := b.vectors.UpsertSchemaNodes(ctx, sqlID, vectorNodes); err != nil {
		return fmt.Errorf("failed to push schema nodes to vector store: %w", err)
	}
	log.Infow("schema graph built", "sql_id", sqlID, "tables", len(tables), "nodes", len(vectorNodes))
	return nil
}

// buildTableNodes creates one table's entity and column nodes plus the
// structural edges, and collects the matching vector records.
func (b *Builder) buildTableNodes(ctx context.Context, analysis types.SchemaAnalysis) ([]vector.SchemaNode, error) {
	entityID := EntityNodeID(analysis.TableID, analysis.Entity.Name)
	if err := b.graph.CreateNode(ctx, graph.Node{
		ID:          entityID,
		Label:       string(types.NodeEntity),
		Name:        analysis.Entity.Name,
		Description: analysis.Entity.Description,
		SQLID:       analysis.SQLID,
	}); err != nil {
		return nil, err
	}

	var nodes []vector.SchemaNode
	appendVectorNode := func(nodeID string, nodeType types.NodeType, name, description, colName string) error {
		nameEmb, err := b.embedder.Embed(ctx, name)
		if err != nil {
			return fmt.Errorf("name embedding failed for %s: %w", nodeID, err)
		}
		descText := description
		if descText == "" {
			descText = name
		}
		descEmb, err := b.embedder.Embed(ctx, descText)
		if err != nil {
			return fmt.Errorf("description embedding failed for %s: %w", nodeID, err)
		}
		nodes = append(nodes, vector.SchemaNode{
			NodeID:        nodeID,
			NodeType:      nodeType,
			Name:          name,
			Description:   description,
			ColName:       colName,
			TableName:     analysis.TableName,
			TableID:       analysis.TableID,
			Content:       fmt.Sprintf("%s: %s", name, description),
			NameEmbedding: nameEmb,
			DescEmbedding: descEmb,
		})
		return nil
	}

	if err := appendVectorNode(entityID, types.NodeEntity, analysis.Entity.Name, analysis.Entity.Description, ""); err != nil {
		return nil, err
	}

	type columnRole struct {
		nodeType    types.NodeType
		relType     types.RelationType
		name        string
		description string
		colName     string
	}
	var roles []columnRole
	for _, a := range analysis.Attributes {
		roles = append(roles, columnRole{types.NodeAttribute, types.RelHasAttribute, a.Name, a.Description, a.ColumnName})
	}
	for _, id := range analysis.Identifiers {
		roles = append(roles, columnRole{types.NodeUniqueIdentifier, types.RelHasIdentifier, id.Name, id.Description, id.ColumnName})
	}
	for _, m := range analysis.Metrics {
		roles = append(roles, columnRole{types.NodeMetric, types.RelHasMetric, m.Name, m.Description, m.ColumnName})
	}

	for _, role := range roles {
		colName := role.colName
		if colName == "" {
			colName = role.name
		}
		nodeID := ColumnNodeID(analysis.TableID, colName)
		if err := b.graph.CreateNode(ctx, graph.Node{
			ID:          nodeID,
			Label:       string(role.nodeType),
			Name:        role.name,
			Description: role.description,
			SQLID:       analysis.SQLID,
		}); err != nil {
			return nil, err
		}
		if err := b.graph.CreateRelation(ctx, graph.Relation{
			FromID: entityID,
			ToID:   nodeID,
			Type:   role.relType,
			SQLID:  analysis.SQLID,
		}); err != nil {
			return nil, err
		}
		if err := appendVectorNode(nodeID, role.nodeType, role.name, role.description, colName); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// buildForeignKeys wires REFERENCES between entities and REFERENCED_BY
// between the endpoint column nodes. A foreign key whose endpoints are not
// both present in the graph is skipped.
func (b *Builder) buildForeignKeys(ctx context.Context, analysis types.SchemaAnalysis, all []types.SchemaAnalysis) error {
	log := logging.Get(logging.CategoryGraph)
	byTableName := make(map[string]types.SchemaAnalysis, len(all))
	for _, a := range all {
		byTableName[a.TableName] = a
	}

	for _, fk := range analysis.ForeignKeys {
		target, ok := byTableName[fk.ToTable]
		if !ok {
			// Table names from the model may differ in case from the catalog.
			t, err := b.catalog.GetSQLTableByName(analysis.SQLID, fk.ToTable)
			if err != nil {
				if errors.Is(err, types.ErrNotFound) {
					log.Debugw("foreign key target table not found", "from", analysis.TableName, "to", fk.ToTable)
					continue
				}
				return err
			}
			for _, a := range all {
				if a.TableID == t.TableID {
					target = a
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}

		fromAttrID := ColumnNodeID(analysis.TableID, fk.FromColumn)
		toAttrID := ColumnNodeID(target.TableID, fk.ToColumn)
		fromNode, err := b.graph.GetNode(ctx, fromAttrID)
		if err != nil {
			return err
		}
		toNode, err := b.graph.GetNode(ctx, toAttrID)
		if err != nil {
			return err
		}
		if fromNode == nil || toNode == nil {
			log.Debugw("foreign key endpoint column missing", "from", fromAttrID, "to", toAttrID)
			continue
		}

		rel := graph.Relation{
			Type:        types.RelReferences,
			Description: fk.Description,
			SQLID:       analysis.SQLID,
			FromTableID: analysis.TableID,
			ToTableID:   target.TableID,
			FromColumn:  fk.FromColumn,
			ToColumn:    fk.ToColumn,
		}
		rel.FromID = EntityNodeID(analysis.TableID, analysis.Entity.Name)
		rel.ToID = EntityNodeID(target.TableID, target.Entity.Name)
		if err := b.graph.CreateRelation(ctx, rel); err != nil {
			return err
		}

		rel.Type = types.RelReferencedBy
		rel.FromID = toAttrID
		rel.ToID = fromAttrID
		if err := b.graph.CreateRelation(ctx, rel); err != nil {
			return err
		}
	}
	return nil
}

// DropForDatabase removes a SQL database's schema graph and vectors.
func (b *Builder) DropForDatabase(ctx context.Context, sqlID string) error {
	if err := b.graph.DeleteBySQLID(ctx, sqlID); err != nil {
		return err
	}
	return b.vectors.DropSchemaPartition(ctx, sqlID)
}
