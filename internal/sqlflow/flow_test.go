package sqlflow

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/catalog"
	"knowflow/internal/config"
	"knowflow/internal/embedding"
	"knowflow/internal/llm"
	"knowflow/internal/types"
	"knowflow/internal/vector"
)

type flowFixture struct {
	catalog *catalog.Catalog
	vectors *vector.Store
	engine  embedding.Engine
	execDB  *sql.DB
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	v, err := vector.Open(":memory:", true)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	eng, err := embedding.NewEngine(config.EmbeddingConfig{Provider: "deterministic", Dimensions: 32})
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE orders (order_id INTEGER, amount REAL, customer_id INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO orders VALUES (1, 19.5, 10), (2, 42.0, 11)`)
	require.NoError(t, err)

	return &flowFixture{catalog: cat, vectors: v, engine: eng, execDB: db}
}

func (f *flowFixture) seedMetadata(t *testing.T) {
	t.Helper()
	require.NoError(t, f.catalog.InsertSQLDatabase(catalog.SQLDatabase{SQLID: "d1", UserName: "alice", Dialect: "sqlite"}))
	require.NoError(t, f.catalog.InsertSQLTable(catalog.SQLTable{TableID: "t1", SQLID: "d1", TableName: "orders", Description: "customer orders"}))
	require.NoError(t, f.catalog.InsertSQLColumn(catalog.SQLColumn{ColID: "c1", TableID: "t1", ColName: "order_id", ColType: "integer"}))
	require.NoError(t, f.catalog.InsertSQLColumn(catalog.SQLColumn{ColID: "c2", TableID: "t1", ColName: "amount", ColType: "real",
		Info: catalog.ColumnInfo{AnaType: types.AnaNumeric, Comment: "order amount"}}))
	require.NoError(t, f.catalog.InsertSQLColumn(catalog.SQLColumn{ColID: "c3", TableID: "t1", ColName: "customer_id", ColType: "integer"}))
	require.NoError(t, f.catalog.InsertSQLTable(catalog.SQLTable{TableID: "t2", SQLID: "d1", TableName: "customers", Description: "customer master data"}))
	require.NoError(t, f.catalog.InsertSQLColumn(catalog.SQLColumn{ColID: "c4", TableID: "t2", ColName: "id", ColType: "integer"}))
}

func (f *flowFixture) newFlow(client llm.Client) *Flow {
	factory := func(catalog.SQLDatabase) (Executor, error) {
		return noCloseExecutor{NewDBExecutor(f.execDB)}, nil
	}
	return NewFlow(f.catalog, f.vectors, f.engine, client, factory)
}

// noCloseExecutor keeps the fixture's shared handle open across runs.
type noCloseExecutor struct {
	Executor
}

func (noCloseExecutor) Close() error { return nil }

func collectEvents(events *[]types.StepEvent) Emit {
	return func(e types.StepEvent) error {
		*events = append(*events, e)
		return nil
	}
}

func lastStatus(events []types.StepEvent, step string) types.StepStatus {
	var status types.StepStatus
	for _, e := range events {
		if e.Step == step {
			status = e.Status
		}
	}
	return status
}

const (
	noShortcutJSON = `{"kind": "none"}`
	decomposeJSON  = `{"entities": ["order"], "metrics": ["amount"]}`
	intentJSON     = `{"primary_entities": ["order"], "entity_metrics": ["amount"], "relevant_tables": ["orders"]}`
	verifyGoodJSON = `{"is_satisfied": true, "satisfaction_score": 0.9}`
	goodGenJSON    = `{"sql": "SELECT amount FROM orders LIMIT 10", "columns": [{"table": "orders", "column": "amount"}]}`
	keepSQLJSON    = `{"sql": "SELECT amount FROM orders LIMIT 10", "reason": ""}`
)

func TestRunHappyPath(t *testing.T) {
	f := newFlowFixture(t)
	f.seedMetadata(t)

	client := llm.NewScriptedClient(
		noShortcutJSON, decomposeJSON, intentJSON, goodGenJSON, keepSQLJSON, verifyGoodJSON,
	)
	flow := f.newFlow(client)

	var events []types.StepEvent
	result, err := flow.Run(context.Background(), Request{SQLID: "d1", Query: "total order amount"}, collectEvents(&events))
	require.NoError(t, err)

	assert.Equal(t, "SELECT amount FROM orders LIMIT 10", result.SQL)
	require.NotNil(t, result.Execution)
	assert.Equal(t, []string{"orders.amount"}, result.Execution.Columns)
	assert.Len(t, result.Execution.Data, 2)
	assert.True(t, result.Verification.IsSatisfied)
	assert.InDelta(t, 0.9, result.Verification.SatisfactionScore, 1e-9)

	assert.Equal(t, types.StepSkipped, lastStatus(events, StepShortcut))
	assert.Equal(t, types.StepCompleted, lastStatus(events, StepGeneration))
	assert.Equal(t, types.StepSkipped, lastStatus(events, StepCorrection))
	assert.Equal(t, types.StepSkipped, lastStatus(events, StepRecheck))
	assert.Equal(t, types.StepCompleted, lastStatus(events, StepVerification))
}

func TestRunFiltersTablesByDecomposition(t *testing.T) {
	f := newFlowFixture(t)
	f.seedMetadata(t)

	client := llm.NewScriptedClient(
		noShortcutJSON, decomposeJSON, intentJSON, goodGenJSON, keepSQLJSON, verifyGoodJSON,
	)
	flow := f.newFlow(client)

	var events []types.StepEvent
	_, err := flow.Run(context.Background(), Request{SQLID: "d1", Query: "total order amount"}, collectEvents(&events))
	require.NoError(t, err)

	// "order" LIKE-matches only the orders description; customers stays out.
	for _, e := range events {
		if e.Step == StepFilterTables && e.Status == types.StepCompleted {
			assert.Equal(t, []string{"orders"}, e.Payload)
			return
		}
	}
	t.Fatal("no filter_tables completion event")
}

func TestRunMetadataShortcut(t *testing.T) {
	f := newFlowFixture(t)
	f.seedMetadata(t)

	client := llm.NewScriptedClient(`{"kind": "list_tables"}`)
	flow := f.newFlow(client)

	result, err := flow.Run(context.Background(), Request{SQLID: "d1", Query: "what tables are there?"}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.DirectAnswer, "orders")
	assert.Contains(t, result.DirectAnswer, "customers")
	assert.Empty(t, result.SQL)
	assert.Equal(t, 1, client.Calls())
}

func TestRunShortcutUnknownTable(t *testing.T) {
	f := newFlowFixture(t)
	f.seedMetadata(t)

	client := llm.NewScriptedClient(`{"kind": "describe_table", "table": "payments"}`)
	flow := f.newFlow(client)

	_, err := flow.Run(context.Background(), Request{SQLID: "d1", Query: "describe table payments"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
	// The error names the tables that do exist instead of falling through.
	assert.Contains(t, err.Error(), "orders")
	assert.Contains(t, err.Error(), "customers")
}

func TestRunCorrectionRecovers(t *testing.T) {
	f := newFlowFixture(t)
	f.seedMetadata(t)

	badGen := `{"sql": "SELEC amount FROM orders", "columns": [{"table": "orders", "column": "amount"}]}`
	corrected := `{"sql": "SELECT amount FROM orders LIMIT 5"}`
	keepCorrected := `{"sql": "SELECT amount FROM orders LIMIT 5", "reason": ""}`
	client := llm.NewScriptedClient(
		noShortcutJSON, decomposeJSON, intentJSON, badGen, corrected, keepCorrected, verifyGoodJSON,
	)
	flow := f.newFlow(client)

	var events []types.StepEvent
	result, err := flow.Run(context.Background(), Request{SQLID: "d1", Query: "total order amount"}, collectEvents(&events))
	require.NoError(t, err)
	assert.Equal(t, "SELECT amount FROM orders LIMIT 5", result.SQL)
	assert.Equal(t, types.StepFailed, lastStatus(events, StepCheck))
	assert.Equal(t, types.StepCompleted, lastStatus(events, StepCorrection))
}

func TestRunCorrectionFixedPointFails(t *testing.T) {
	f := newFlowFixture(t)
	f.seedMetadata(t)

	badGen := `{"sql": "DELETE FROM orders", "columns": []}`
	sameBad := `{"sql": "DELETE FROM orders"}`
	client := llm.NewScriptedClient(
		noShortcutJSON, decomposeJSON, intentJSON, badGen, sameBad,
	)
	flow := f.newFlow(client)

	_, err := flow.Run(context.Background(), Request{SQLID: "d1", Query: "remove all orders"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRetryExhausted)
	// The corrector was consulted exactly once before the fixed-point exit.
	assert.Equal(t, 5, client.Calls())
}

func TestRunOptimizerRollback(t *testing.T) {
	f := newFlowFixture(t)
	f.seedMetadata(t)

	brokenOpt := `{"sql": "SELECT amount FROM no_such_table", "reason": "smaller scan"}`
	client := llm.NewScriptedClient(
		noShortcutJSON, decomposeJSON, intentJSON, goodGenJSON, brokenOpt, verifyGoodJSON,
	)
	flow := f.newFlow(client)

	var events []types.StepEvent
	result, err := flow.Run(context.Background(), Request{SQLID: "d1", Query: "total order amount"}, collectEvents(&events))
	require.NoError(t, err)

	// Recheck failed, so the pre-optimization query and result survive.
	assert.Equal(t, "SELECT amount FROM orders LIMIT 10", result.SQL)
	require.NotNil(t, result.Execution)
	assert.Len(t, result.Execution.Data, 2)
	assert.Equal(t, types.StepFailed, lastStatus(events, StepRecheck))
}

func TestRunEmptyDecompositionIsFatal(t *testing.T) {
	f := newFlowFixture(t)
	f.seedMetadata(t)

	client := llm.NewScriptedClient(noShortcutJSON, `{}`)
	flow := f.newFlow(client)

	_, err := flow.Run(context.Background(), Request{SQLID: "d1", Query: "hm"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPipelineFatal)
}

func TestRunUnknownDatabase(t *testing.T) {
	f := newFlowFixture(t)

	flow := f.newFlow(llm.NewScriptedClient())
	_, err := flow.Run(context.Background(), Request{SQLID: "nope", Query: "anything"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRunDatabaseWithoutTables(t *testing.T) {
	f := newFlowFixture(t)
	require.NoError(t, f.catalog.InsertSQLDatabase(catalog.SQLDatabase{SQLID: "d2", UserName: "alice", Dialect: "sqlite"}))

	flow := f.newFlow(llm.NewScriptedClient())
	_, err := flow.Run(context.Background(), Request{SQLID: "d2", Query: "anything"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestShapeResult(t *testing.T) {
	exec := &ExecResult{
		Columns: []string{"Amount", "order_id", "other"},
		Data:    [][]any{{1.0, 1, "x"}},
	}
	shaped := shapeResult(exec, []ColumnRef{
		{Table: "orders", Column: "amount"},
		{Table: "orders", Column: "ORDER_ID"},
	})
	assert.Equal(t, []string{"orders.amount", "orders.ORDER_ID", "other"}, shaped.Columns)
	assert.Nil(t, shapeResult(nil, nil))
}

func TestCheckStatic(t *testing.T) {
	cases := []struct {
		name  string
		sql   string
		valid bool
		safe  bool
	}{
		{"plain select", "SELECT 1", true, true},
		{"with cte", "WITH t AS (SELECT 1) SELECT * FROM t", true, true},
		{"empty", "  ", false, false},
		{"multiple statements", "SELECT 1; SELECT 2", false, false},
		{"not a select", "UPDATE orders SET amount = 0", false, false},
		{"forbidden keyword inside", "SELECT 1 WHERE x IN (DELETE FROM t)", true, false},
		{"keyword in string literal", "SELECT 'please DROP this' FROM orders", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			valid, safe, _, _ := CheckStatic(tc.sql)
			assert.Equal(t, tc.valid, valid, "valid")
			assert.Equal(t, tc.safe, safe, "safe")
		})
	}
}
