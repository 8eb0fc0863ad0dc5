package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/types"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUserLifecycle(t *testing.T) {
	c := newTestCatalog(t)

	require.NoError(t, c.InsertUser("alice", "pw"))
	require.NoError(t, c.CheckCredentials("alice", "pw"))

	err := c.CheckCredentials("alice", "wrong")
	assert.True(t, errors.Is(err, types.ErrUnauthorized))

	err = c.CheckCredentials("bob", "pw")
	assert.True(t, errors.Is(err, types.ErrUnauthorized))

	exists, err := c.UserExists("alice")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.DeleteUser("alice"))
	err = c.DeleteUser("alice")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestKnowledgeBaseAndFiles(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.InsertUser("alice", "pw"))
	require.NoError(t, c.InsertKnowledgeBase(KnowledgeBase{KBID: "kb1", UserName: "alice", KBName: "docs"}))

	kb, err := c.GetKnowledgeBase("kb1")
	require.NoError(t, err)
	assert.Equal(t, "docs", kb.KBName)

	byName, err := c.FindKnowledgeBaseByName("alice", "docs")
	require.NoError(t, err)
	assert.Equal(t, "kb1", byName.KBID)

	owner, err := c.IsOwner("alice", "kb1")
	require.NoError(t, err)
	assert.True(t, owner)

	require.NoError(t, c.InsertFile(FileBasic{FileID: "f1", KBID: "kb1", UserName: "alice", FileName: "intro.txt", Visibility: types.VisibilityPublic}))
	require.NoError(t, c.InsertFile(FileBasic{FileID: "f2", KBID: "kb1", UserName: "alice", FileName: "notes.txt"}))

	files, err := c.ListFiles("kb1")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	// Default visibility is private.
	assert.Equal(t, types.VisibilityPrivate, files[1].Visibility)

	total, err := c.CountFiles("kb1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	public, err := c.CountFiles("kb1", types.VisibilityPublic)
	require.NoError(t, err)
	assert.Equal(t, 1, public)

	require.NoError(t, c.UpsertFileDetail(types.FileDetail{FileID: "f1", Title: "Intro", Summary: "summary"}))
	detail, err := c.GetFileDetail("f1")
	require.NoError(t, err)
	assert.Equal(t, "Intro", detail.Title)

	require.NoError(t, c.DeleteFileRecords("f1"))
	_, err = c.GetFile("f1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	detail, err = c.GetFileDetail("f1")
	require.NoError(t, err)
	assert.Nil(t, detail)
}

func TestSessionAndDiscussionTasks(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.InsertSession(Session{SessionID: "s1", UserName: "alice", SessionName: "chat"}))

	s, err := c.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "chat", s.SessionName)

	require.NoError(t, c.UpsertDiscussionTask(DiscussionTask{DiscussionID: "d1", SessionID: "s1"}))
	require.NoError(t, c.UpsertDiscussionTask(DiscussionTask{DiscussionID: "d1", SessionID: "s1", Status: types.DiscussionCompleted}))

	tasks, err := c.ListDiscussionTasks("s1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.DiscussionCompleted, tasks[0].Status)

	require.NoError(t, c.DeleteSession("s1"))
	tasks, err = c.ListDiscussionTasks("s1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSQLMetadataAndSearch(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.InsertSQLDatabase(SQLDatabase{SQLID: "d1", UserName: "alice", Dialect: "sqlite", Description: "orders warehouse"}))
	require.NoError(t, c.InsertSQLTable(SQLTable{TableID: "t1", SQLID: "d1", TableName: "orders", Description: "customer orders and amounts"}))
	require.NoError(t, c.InsertSQLColumn(SQLColumn{ColID: "c1", TableID: "t1", ColName: "amount", ColType: "decimal",
		Info: ColumnInfo{Comment: "order amount", AnaType: types.AnaNumeric}}))
	require.NoError(t, c.InsertSQLColumn(SQLColumn{ColID: "c2", TableID: "t1", ColName: "created_at", ColType: "datetime",
		Info: ColumnInfo{Comment: "creation time", AnaType: types.AnaDatetime}}))

	tbl, err := c.GetSQLTableByName("d1", "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, "t1", tbl.TableID)

	cols, err := c.ListSQLColumns("t1")
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, types.AnaNumeric, cols[0].Info.AnaType)

	tables, err := c.SearchTablesByDescription("d1", "orders")
	require.NoError(t, err)
	assert.Len(t, tables, 1)

	tableIDs, err := c.SearchColumnsByDescription("d1", "amount")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tableIDs)

	require.NoError(t, c.InsertSQLRelation(SQLRelation{RelID: "r1", SQLID: "d1", FromTable: "orders", FromCol: "customer_id", ToTable: "customers", ToCol: "id"}))
	rels, err := c.ListSQLRelations("d1")
	require.NoError(t, err)
	assert.Len(t, rels, 1)

	require.NoError(t, c.DeleteSQLDatabase("d1"))
	_, err = c.GetSQLDatabase("d1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	tablesAfter, err := c.ListSQLTables("d1")
	require.NoError(t, err)
	assert.Empty(t, tablesAfter)
}

func TestSchemaAnalysisUpsertIdempotent(t *testing.T) {
	c := newTestCatalog(t)
	analysis := types.SchemaAnalysis{
		SQLID:   "d1",
		TableID: "t1",
		Entity:  types.SchemaEntity{Name: "order", Description: "an order"},
		Metrics: []types.SchemaMetric{{Name: "amount", ColumnName: "amount"}},
	}
	require.NoError(t, c.UpsertSchemaAnalysis(analysis))
	require.NoError(t, c.UpsertSchemaAnalysis(analysis))

	n, err := c.CountSchemaAnalyses("d1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := c.GetSchemaAnalysis("d1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "order", got.Entity.Name)
	require.Len(t, got.Metrics, 1)
}
