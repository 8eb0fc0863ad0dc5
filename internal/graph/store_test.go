package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", true)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDisabledStoreIsNoOp(t *testing.T) {
	s, err := Open("", false)
	require.NoError(t, err)
	assert.False(t, s.Enabled())

	ctx := context.Background()
	require.NoError(t, s.CreateNode(ctx, Node{ID: "n1", Label: "Entity"}))
	nodes, err := s.MatchNodesByName(ctx, "kb1", []string{"x"}, false)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestCreateNodeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := Node{ID: "tbl1_orders", Label: "Entity", Name: "orders", Description: "order records", SQLID: "sql1"}
	require.NoError(t, s.CreateNode(ctx, n))
	n.Description = "order records, one row per order"
	require.NoError(t, s.CreateNode(ctx, n))

	count, err := s.CountNodes(ctx, "sql1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := s.GetNode(ctx, "tbl1_orders")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "order records, one row per order", got.Description)
}

func TestCreateNodeValidation(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.CreateNode(context.Background(), Node{Label: "Entity"}))
	assert.Error(t, s.CreateNode(context.Background(), Node{ID: "n1"}))
	assert.Error(t, s.CreateRelation(context.Background(), Relation{FromID: "a", ToID: "b"}))
}

func TestNeighborhoodExpansion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, Node{ID: "t1_orders", Label: "Entity", Name: "orders", SQLID: "sql1", Visibility: types.VisibilityPublic}))
	require.NoError(t, s.CreateNode(ctx, Node{ID: "t1_total", Label: "Metric", Name: "total", SQLID: "sql1", Visibility: types.VisibilityPublic}))
	require.NoError(t, s.CreateNode(ctx, Node{ID: "t2_users", Label: "Entity", Name: "users", SQLID: "sql1", Visibility: types.VisibilityPrivate}))

	require.NoError(t, s.CreateRelation(ctx, Relation{FromID: "t1_orders", ToID: "t1_total", Type: types.RelHasMetric, SQLID: "sql1"}))
	require.NoError(t, s.CreateRelation(ctx, Relation{FromID: "t2_users", ToID: "t1_orders", Type: types.RelReferences, SQLID: "sql1"}))

	neighbors, err := s.Neighborhood(ctx, "t1_orders", false)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)

	byID := map[string]Neighbor{}
	for _, n := range neighbors {
		byID[n.Node.ID] = n
	}
	assert.Equal(t, DirectionOut, byID["t1_total"].Direction)
	assert.Equal(t, types.RelHasMetric, byID["t1_total"].Relation.Type)
	assert.Equal(t, DirectionIn, byID["t2_users"].Direction)

	// Unpermissioned callers do not see private neighbours.
	neighbors, err = s.Neighborhood(ctx, "t1_orders", true)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, "t1_total", neighbors[0].Node.ID)
}

func TestMatchNodesByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, Node{ID: "n1", Label: "person", Name: "Ada Lovelace", KnowledgeID: "kb1", Visibility: types.VisibilityPublic}))
	require.NoError(t, s.CreateNode(ctx, Node{ID: "n2", Label: "person", Name: "Grace Hopper", KnowledgeID: "kb1", Visibility: types.VisibilityPrivate}))
	require.NoError(t, s.CreateNode(ctx, Node{ID: "n3", Label: "person", Name: "Ada Lovelace", KnowledgeID: "kb2", Visibility: types.VisibilityPublic}))

	nodes, err := s.MatchNodesByName(ctx, "kb1", []string{"ada", "grace"}, false)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	nodes, err = s.MatchNodesByName(ctx, "kb1", []string{"lovelace"}, true)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].ID)
}

func TestDeleteBySourceContains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, Node{ID: "n1", Label: "person", SourceID: "kb1_f1_chunk_0,kb1_f1_chunk_1", KnowledgeID: "kb1"}))
	require.NoError(t, s.CreateNode(ctx, Node{ID: "n2", Label: "person", SourceID: "kb1_f2_chunk_0", KnowledgeID: "kb1"}))
	require.NoError(t, s.CreateRelation(ctx, Relation{FromID: "n1", ToID: "n2", Type: types.RelReferences}))

	require.NoError(t, s.DeleteBySourceContains(ctx, "kb1_f1_chunk_0"))

	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s.GetNode(ctx, "n2")
	require.NoError(t, err)
	assert.NotNil(t, got)

	// The incident relation went with the node.
	neighbors, err := s.Neighborhood(ctx, "n2", false)
	require.NoError(t, err)
	assert.Empty(t, neighbors)
}

func TestDeleteBySQLID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, Node{ID: "a1", Label: "Entity", SQLID: "sql1"}))
	require.NoError(t, s.CreateNode(ctx, Node{ID: "a2", Label: "Attribute", SQLID: "sql1"}))
	require.NoError(t, s.CreateNode(ctx, Node{ID: "b1", Label: "Entity", SQLID: "sql2"}))
	require.NoError(t, s.CreateRelation(ctx, Relation{FromID: "a1", ToID: "a2", Type: types.RelHasAttribute, SQLID: "sql1"}))

	require.NoError(t, s.DeleteBySQLID(ctx, "sql1"))

	n, err := s.CountNodes(ctx, "sql1")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.CountNodes(ctx, "sql2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
