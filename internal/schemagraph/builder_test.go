package schemagraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/catalog"
	"knowflow/internal/config"
	"knowflow/internal/embedding"
	"knowflow/internal/graph"
	"knowflow/internal/llm"
	"knowflow/internal/types"
	"knowflow/internal/vector"
)

type fixture struct {
	catalog *catalog.Catalog
	graph   *graph.Store
	vectors *vector.Store
	engine  embedding.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	g, err := graph.Open(":memory:", true)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	v, err := vector.Open(":memory:", true)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	eng, err := embedding.NewEngine(config.EmbeddingConfig{Provider: "deterministic", Dimensions: 32})
	require.NoError(t, err)

	return &fixture{catalog: cat, graph: g, vectors: v, engine: eng}
}

func (f *fixture) seedOrdersSchema(t *testing.T) {
	t.Helper()
	require.NoError(t, f.catalog.InsertSQLDatabase(catalog.SQLDatabase{SQLID: "d1", UserName: "alice", Dialect: "sqlite"}))
	require.NoError(t, f.catalog.InsertSQLTable(catalog.SQLTable{TableID: "t1", SQLID: "d1", TableName: "orders", Description: "customer orders"}))
	require.NoError(t, f.catalog.InsertSQLColumn(catalog.SQLColumn{ColID: "c1", TableID: "t1", ColName: "order_id", ColType: "integer"}))
	require.NoError(t, f.catalog.InsertSQLColumn(catalog.SQLColumn{ColID: "c2", TableID: "t1", ColName: "amount", ColType: "decimal",
		Info: catalog.ColumnInfo{AnaType: types.AnaNumeric, Comment: "order amount"}}))
	require.NoError(t, f.catalog.InsertSQLColumn(catalog.SQLColumn{ColID: "c3", TableID: "t1", ColName: "customer_id", ColType: "integer"}))
	require.NoError(t, f.catalog.InsertSQLTable(catalog.SQLTable{TableID: "t2", SQLID: "d1", TableName: "customers", Description: "customer master data"}))
	require.NoError(t, f.catalog.InsertSQLColumn(catalog.SQLColumn{ColID: "c4", TableID: "t2", ColName: "id", ColType: "integer"}))
	require.NoError(t, f.catalog.InsertSQLColumn(catalog.SQLColumn{ColID: "c5", TableID: "t2", ColName: "name", ColType: "text"}))
}

const ordersAnalysisJSON = `{
	"entity": {"name": "order", "description": "a customer order"},
	"identifiers": [{"name": "order_id", "description": "order key", "column_name": "order_id"}],
	"attributes": [{"name": "customer_id", "description": "owning customer", "column_name": "customer_id"}],
	"metrics": [{"name": "amount", "description": "order amount", "column_name": "amount"}],
	"foreign_keys": [{"from_column": "customer_id", "to_table": "customers", "to_column": "id"}]
}`

const customersAnalysisJSON = `{
	"entity": {"name": "customer", "description": "a customer"},
	"identifiers": [{"name": "id", "description": "customer key", "column_name": "id"}],
	"attributes": [{"name": "name", "description": "customer name", "column_name": "name"}]
}`

func TestBuildForDatabase(t *testing.T) {
	f := newFixture(t)
	f.seedOrdersSchema(t)
	ctx := context.Background()

	client := llm.NewScriptedClient(customersAnalysisJSON, ordersAnalysisJSON)
	b := NewBuilder(f.catalog, f.graph, f.vectors, f.engine, NewAnalyzer(client))
	require.NoError(t, b.BuildForDatabase(ctx, "d1"))

	// Entity and column nodes exist under the deterministic id scheme.
	entity, err := f.graph.GetNode(ctx, "t1_order")
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, string(types.NodeEntity), entity.Label)

	neighbors, err := f.graph.Neighborhood(ctx, "t1_order", false)
	require.NoError(t, err)
	relTypes := map[types.RelationType]int{}
	for _, n := range neighbors {
		relTypes[n.Relation.Type]++
	}
	assert.Equal(t, 1, relTypes[types.RelHasIdentifier])
	assert.Equal(t, 1, relTypes[types.RelHasAttribute])
	assert.Equal(t, 1, relTypes[types.RelHasMetric])
	assert.Equal(t, 1, relTypes[types.RelReferences], "orders entity references customers entity")

	// REFERENCED_BY runs attribute-to-attribute, target first.
	colNeighbors, err := f.graph.Neighborhood(ctx, "t2_id", false)
	require.NoError(t, err)
	found := false
	for _, n := range colNeighbors {
		if n.Relation.Type == types.RelReferencedBy && n.Direction == graph.DirectionOut {
			found = true
			assert.Equal(t, "t1_customer_id", n.Node.ID)
			assert.Equal(t, "t1", n.Relation.FromTableID)
			assert.Equal(t, "t2", n.Relation.ToTableID)
		}
	}
	assert.True(t, found)

	// Every node was mirrored into the vector collection.
	n, err := f.vectors.CountSchemaNodes(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 7, n) // 2 entities + 5 columns

	// Analyses were persisted.
	a, err := f.catalog.GetSchemaAnalysis("d1", "t1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "order", a.Entity.Name)
}

func TestBuildIsRepeatable(t *testing.T) {
	f := newFixture(t)
	f.seedOrdersSchema(t)
	ctx := context.Background()

	client := llm.NewScriptedClient(customersAnalysisJSON, ordersAnalysisJSON, customersAnalysisJSON, ordersAnalysisJSON)
	b := NewBuilder(f.catalog, f.graph, f.vectors, f.engine, NewAnalyzer(client))
	require.NoError(t, b.BuildForDatabase(ctx, "d1"))
	require.NoError(t, b.BuildForDatabase(ctx, "d1"))

	count, err := f.graph.CountNodes(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	n, err := f.vectors.CountSchemaNodes(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestBuildFallsBackToRules(t *testing.T) {
	f := newFixture(t)
	f.seedOrdersSchema(t)
	ctx := context.Background()

	// The model never produces JSON; both tables classify by rules.
	client := llm.NewScriptedClient("nope", "still nope", "no", "not json")
	b := NewBuilder(f.catalog, f.graph, f.vectors, f.engine, NewAnalyzer(client))
	require.NoError(t, b.BuildForDatabase(ctx, "d1"))

	a, err := f.catalog.GetSchemaAnalysis("d1", "t1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "orders", a.Entity.Name)
	// order_id and customer_id look like keys; amount is numeric.
	assert.Len(t, a.Identifiers, 2)
	assert.Len(t, a.Metrics, 1)
}

func TestBuildEmptyDatabaseFails(t *testing.T) {
	f := newFixture(t)
	b := NewBuilder(f.catalog, f.graph, f.vectors, f.engine, NewAnalyzer(llm.NewScriptedClient()))
	err := b.BuildForDatabase(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeclaredRelationsJoinForeignKeys(t *testing.T) {
	f := newFixture(t)
	f.seedOrdersSchema(t)
	ctx := context.Background()

	require.NoError(t, f.catalog.InsertSQLRelation(catalog.SQLRelation{
		RelID: "r1", SQLID: "d1", FromTable: "orders", FromCol: "customer_id", ToTable: "customers", ToCol: "id",
	}))

	// The model's analyses declare no foreign keys of their own.
	noFK := `{"entity": {"name": "order"}, "attributes": [{"name": "customer_id", "column_name": "customer_id"}]}`
	noFK2 := `{"entity": {"name": "customer"}, "identifiers": [{"name": "id", "column_name": "id"}]}`
	client := llm.NewScriptedClient(noFK2, noFK)
	b := NewBuilder(f.catalog, f.graph, f.vectors, f.engine, NewAnalyzer(client))
	require.NoError(t, b.BuildForDatabase(ctx, "d1"))

	neighbors, err := f.graph.Neighborhood(ctx, "t1_order", false)
	require.NoError(t, err)
	found := false
	for _, n := range neighbors {
		if n.Relation.Type == types.RelReferences {
			found = true
			assert.Equal(t, "t2_customer", n.Node.ID)
		}
	}
	assert.True(t, found)
}
