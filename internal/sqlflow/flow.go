package sqlflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"knowflow/internal/catalog"
	"knowflow/internal/embedding"
	"knowflow/internal/llm"
	"knowflow/internal/logging"
	"knowflow/internal/types"
	"knowflow/internal/vector"
)

// Step names are stable; clients key progress displays off them. The
// generation sub-flow keeps its own numbering.
const (
	StepLoadMetadata   = "sql_flow_step_load_metadata"
	StepShortcut       = "sql_flow_step_metadata_shortcut"
	StepCandidates     = "sql_flow_step_candidate_tables"
	StepDecomposition  = "sql_flow_step_decomposition"
	StepFilterTables   = "sql_flow_step_filter_tables"
	StepIntent         = "sql_flow_step_intent"
	StepGeneration     = "sql_flow_step_1_generation"
	StepCheck          = "sql_flow_step_2_check"
	StepCorrection     = "sql_flow_step_3_correction"
	StepOptimization   = "sql_flow_step_4_optimization"
	StepRecheck        = "sql_flow_step_5_recheck"
	StepVerification   = "sql_flow_step_6_verification"
	StepResultShaping  = "sql_flow_step_result_shaping"
	defaultMaxRetries  = 3
	candidateTableTopK = 10
)

// Emit delivers one step event to the transport. A nil Emit discards events.
type Emit func(types.StepEvent) error

// Request is one pipeline run.
type Request struct {
	SQLID string
	Query string
}

// Flow is the NL-to-SQL pipeline.
type Flow struct {
	catalog      *catalog.Catalog
	vectors      *vector.Store
	embedder     embedding.Engine
	client       llm.Client
	openExecutor ExecutorFactory
	maxRetries   int
}

// NewFlow wires the pipeline. factory may be nil, in which case the default
// dialect-based executor opens the target database.
func NewFlow(cat *catalog.Catalog, v *vector.Store, e embedding.Engine, c llm.Client, factory ExecutorFactory) *Flow {
	if factory == nil {
		factory = OpenExecutor
	}
	return &Flow{
		catalog:      cat,
		vectors:      v,
		embedder:     e,
		client:       c,
		openExecutor: factory,
		maxRetries:   defaultMaxRetries,
	}
}

// SetMaxRetries overrides the correction loop budget.
func (f *Flow) SetMaxRetries(n int) {
	if n > 0 {
		f.maxRetries = n
	}
}

func emitStep(emit Emit, step string, status types.StepStatus, payload any) {
	if emit == nil {
		return
	}
	if err := emit(types.StepEvent{Step: step, Status: status, Payload: payload}); err != nil {
		logging.Get(logging.CategorySQLFlow).Debugw("step event dropped", "step", step, "error", err)
	}
}

// Run executes the pipeline for one query.
func (f *Flow) Run(ctx context.Context, req Request, emit Emit) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySQLFlow, "Run")
	defer timer.Stop()
	log := logging.Get(logging.CategorySQLFlow)

	// Load metadata.
	emitStep(emit, StepLoadMetadata, types.StepStart, nil)
	desc, allTables, err := f.loadMetadata(ctx, req.SQLID)
	if err != nil {
		emitStep(emit, StepLoadMetadata, types.StepFailed, err.Error())
		return nil, err
	}
	emitStep(emit, StepLoadMetadata, types.StepCompleted, map[string]int{"tables": len(allTables)})

	// Metadata shortcut.
	emitStep(emit, StepShortcut, types.StepStart, nil)
	shortcut := f.classifyShortcut(ctx, req.Query)
	if shortcut.Kind != shortcutNone {
		answer, err := f.answerShortcut(shortcut, allTables)
		if err != nil {
			emitStep(emit, StepShortcut, types.StepFailed, err.Error())
			return nil, err
		}
		emitStep(emit, StepShortcut, types.StepCompleted, string(shortcut.Kind))
		return &Result{DirectAnswer: answer}, nil
	}
	emitStep(emit, StepShortcut, types.StepSkipped, nil)

	// Vector-search candidate tables.
	emitStep(emit, StepCandidates, types.StepStart, nil)
	candidates, err := f.candidateTables(ctx, req, allTables)
	if err != nil {
		// Candidates are an enrichment; the LIKE filter still runs.
		log.Warnw("candidate table search failed", "error", err)
		candidates = nil
	}
	emitStep(emit, StepCandidates, types.StepCompleted, tableNames(candidates))

	// Decomposition.
	emitStep(emit, StepDecomposition, types.StepStart, nil)
	decomposition, err := f.decompose(ctx, req.Query)
	if err != nil {
		err = fmt.Errorf("%w: %v", types.ErrPipelineFatal, err)
		emitStep(emit, StepDecomposition, types.StepFailed, err.Error())
		return nil, err
	}
	emitStep(emit, StepDecomposition, types.StepCompleted, decomposition)

	// Filter relevant tables.
	emitStep(emit, StepFilterTables, types.StepStart, nil)
	filtered, err := f.filterTables(req.SQLID, decomposition, allTables, candidates)
	if err != nil {
		emitStep(emit, StepFilterTables, types.StepFailed, err.Error())
		return nil, err
	}
	emitStep(emit, StepFilterTables, types.StepCompleted, tableNames(filtered))

	// Intent recognition.
	emitStep(emit, StepIntent, types.StepStart, nil)
	intent := f.recogniseIntent(ctx, req.Query, decomposition, filtered)
	emitStep(emit, StepIntent, types.StepCompleted, intent)

	// Generation sub-flow.
	executor, err := f.openExecutor(*desc)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot reach target database: %v", types.ErrUpstreamUnavailable, err)
	}
	defer executor.Close()

	generation, check, err := f.generateAndRepair(ctx, executor, desc.Dialect, req.Query, intent, filtered, emit)
	if err != nil {
		return nil, err
	}

	sql := generation.SQL
	if check.Executed {
		sql, check = f.optimizeAndRecheck(ctx, executor, sql, check, emit)
	} else {
		emitStep(emit, StepOptimization, types.StepSkipped, nil)
		emitStep(emit, StepRecheck, types.StepSkipped, nil)
	}

	// Verification is advisory; the verdict is surfaced, never looped on.
	emitStep(emit, StepVerification, types.StepStart, nil)
	verification := f.verify(ctx, req.Query, sql, check.Result)
	emitStep(emit, StepVerification, types.StepCompleted, verification)

	emitStep(emit, StepResultShaping, types.StepStart, nil)
	shaped := shapeResult(check.Result, generation.Columns)
	emitStep(emit, StepResultShaping, types.StepCompleted, nil)

	return &Result{SQL: sql, Execution: shaped, Verification: verification}, nil
}

func (f *Flow) loadMetadata(ctx context.Context, sqlID string) (*catalog.SQLDatabase, []tableContext, error) {
	desc, err := f.catalog.GetSQLDatabase(sqlID)
	if err != nil {
		return nil, nil, err
	}
	tables, err := f.catalog.ListSQLTables(sqlID)
	if err != nil {
		return nil, nil, err
	}
	if len(tables) == 0 {
		return nil, nil, fmt.Errorf("%w: SQL database %s has no registered tables", types.ErrNotFound, sqlID)
	}
	out := make([]tableContext, 0, len(tables))
	for _, t := range tables {
		cols, err := f.catalog.ListSQLColumns(t.TableID)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, tableContext{Table: t, Columns: cols})
	}
	return desc, out, nil
}

// answerShortcut resolves metadata questions directly. A wrong table name
// surfaces the available names instead of falling through to generation.
func (f *Flow) answerShortcut(c shortcutClassification, tables []tableContext) (string, error) {
	find := func(name string) *tableContext {
		for i := range tables {
			if strings.EqualFold(tables[i].Table.TableName, name) {
				return &tables[i]
			}
		}
		return nil
	}
	available := func() string {
		names := make([]string, len(tables))
		for i, t := range tables {
			names[i] = t.Table.TableName
		}
		return strings.Join(names, ", ")
	}

	switch c.Kind {
	case shortcutListTables:
		var b strings.Builder
		for _, t := range tables {
			fmt.Fprintf(&b, "- %s: %s\n", t.Table.TableName, t.Table.Description)
		}
		return b.String(), nil
	case shortcutDescribeTable:
		t := find(c.Table)
		if t == nil {
			return "", fmt.Errorf("%w: table %q not found; available tables: %s", types.ErrNotFound, c.Table, available())
		}
		return fmt.Sprintf("%s: %s (%d columns)", t.Table.TableName, t.Table.Description, len(t.Columns)), nil
	case shortcutListColumns:
		t := find(c.Table)
		if t == nil {
			return "", fmt.Errorf("%w: table %q not found; available tables: %s", types.ErrNotFound, c.Table, available())
		}
		var b strings.Builder
		for _, col := range t.Columns {
			fmt.Fprintf(&b, "- %s (%s) %s\n", col.ColName, col.ColType, col.Info.Comment)
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unknown shortcut kind %q", c.Kind)
	}
}

// candidateTables queries the schema-node collection and deduplicates hits by
// table id.
func (f *Flow) candidateTables(ctx context.Context, req Request, all []tableContext) ([]tableContext, error) {
	if !f.vectors.Enabled() {
		return nil, nil
	}
	queryEmb, err := f.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	hits, err := f.vectors.SearchSchemaNodes(ctx, queryEmb, candidateTableTopK, vector.SchemaNodeFilter{SQLID: req.SQLID})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []tableContext
	for _, h := range hits {
		if h.Node.TableID == "" || seen[h.Node.TableID] {
			continue
		}
		seen[h.Node.TableID] = true
		for _, t := range all {
			if t.Table.TableID == h.Node.TableID {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// filterTables LIKE-searches table descriptions by entity and column
// descriptions by metric, unioning the results with the vector candidates.
// An empty union falls back to every table.
func (f *Flow) filterTables(sqlID string, d Decomposition, all []tableContext, candidates []tableContext) ([]tableContext, error) {
	keep := map[string]bool{}
	for _, c := range candidates {
		keep[c.Table.TableID] = true
	}
	for _, entity := range d.Entities {
		tables, err := f.catalog.SearchTablesByDescription(sqlID, entity)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			keep[t.TableID] = true
		}
	}
	for _, metric := range d.Metrics {
		tableIDs, err := f.catalog.SearchColumnsByDescription(sqlID, metric)
		if err != nil {
			return nil, err
		}
		for _, id := range tableIDs {
			keep[id] = true
		}
	}

	var out []tableContext
	for _, t := range all {
		if keep[t.Table.TableID] {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return all, nil
	}
	return out, nil
}

// checkAndRun validates statically then executes.
func checkAndRun(ctx context.Context, executor Executor, sql string) CheckResult {
	valid, safe, warnings, err := CheckStatic(sql)
	check := CheckResult{IsValid: valid, IsSafe: safe, Warnings: warnings}
	if err != nil {
		check.Error = err.Error()
	}
	if !valid || !safe {
		return check
	}
	result, execErr := executor.Execute(ctx, sql)
	if execErr != nil {
		check.Error = execErr.Error()
		return check
	}
	check.Executed = true
	check.Result = result
	return check
}

// generateAndRepair runs generation, check+run, and the correction loop.
func (f *Flow) generateAndRepair(ctx context.Context, executor Executor, dialect, query string, intent Intent, tables []tableContext, emit Emit) (Generation, CheckResult, error) {
	log := logging.Get(logging.CategorySQLFlow)

	emitStep(emit, StepGeneration, types.StepStart, nil)
	generation, err := f.generate(ctx, dialect, query, intent, tables)
	if err != nil {
		err = fmt.Errorf("%w: %v", types.ErrPipelineFatal, err)
		emitStep(emit, StepGeneration, types.StepFailed, err.Error())
		return Generation{}, CheckResult{}, err
	}
	emitStep(emit, StepGeneration, types.StepCompleted, generation)

	emitStep(emit, StepCheck, types.StepStart, nil)
	check := checkAndRun(ctx, executor, generation.SQL)
	if check.OK() {
		emitStep(emit, StepCheck, types.StepCompleted, check)
		emitStep(emit, StepCorrection, types.StepSkipped, nil)
		return generation, check, nil
	}
	emitStep(emit, StepCheck, types.StepFailed, check)

	emitStep(emit, StepCorrection, types.StepStart, nil)
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		corrected, corrErr := f.correct(ctx, generation.SQL, check)
		if corrErr != nil {
			log.Warnw("corrector failed", "attempt", attempt, "error", corrErr)
			break
		}
		if strings.TrimSpace(corrected) == strings.TrimSpace(generation.SQL) {
			// Fixed point: the corrector has nothing more to offer.
			break
		}
		generation.SQL = corrected
		check = checkAndRun(ctx, executor, generation.SQL)
		if check.OK() {
			emitStep(emit, StepCorrection, types.StepCompleted, map[string]any{"attempts": attempt})
			return generation, check, nil
		}
	}

	if !check.IsValid || !check.IsSafe {
		err := fmt.Errorf("%w: SQL still invalid after correction: %s", types.ErrRetryExhausted, check.Error)
		emitStep(emit, StepCorrection, types.StepFailed, check)
		return Generation{}, CheckResult{}, err
	}
	// Valid and safe but not executable: exhaustion is reported, not retried.
	emitStep(emit, StepCorrection, types.StepFailed, check)
	return generation, check, nil
}

// optimizeAndRecheck applies the optimizer with a rollback point.
func (f *Flow) optimizeAndRecheck(ctx context.Context, executor Executor, sql string, check CheckResult, emit Emit) (string, CheckResult) {
	emitStep(emit, StepOptimization, types.StepStart, nil)
	rollbackSQL, rollbackCheck := sql, check

	optimized, reason := f.optimize(ctx, sql, check.Result)
	if strings.TrimSpace(optimized) == strings.TrimSpace(sql) {
		emitStep(emit, StepOptimization, types.StepCompleted, map[string]string{"change": "none"})
		emitStep(emit, StepRecheck, types.StepSkipped, nil)
		return sql, check
	}
	emitStep(emit, StepOptimization, types.StepCompleted, map[string]string{"reason": reason})

	emitStep(emit, StepRecheck, types.StepStart, nil)
	recheck := checkAndRun(ctx, executor, optimized)
	if !recheck.OK() {
		emitStep(emit, StepRecheck, types.StepFailed, recheck)
		return rollbackSQL, rollbackCheck
	}
	emitStep(emit, StepRecheck, types.StepCompleted, recheck)
	return optimized, recheck
}

// shapeResult rewrites result column names to table.col form using the
// generator's column list, matching case-insensitively.
func shapeResult(exec *ExecResult, columns []ColumnRef) *ExecResult {
	if exec == nil {
		return nil
	}
	shaped := &ExecResult{Columns: make([]string, len(exec.Columns)), Data: exec.Data}
	for i, name := range exec.Columns {
		shaped.Columns[i] = name
		for _, ref := range columns {
			if strings.EqualFold(ref.Column, name) && ref.Table != "" {
				shaped.Columns[i] = ref.Table + "." + ref.Column
				break
			}
		}
	}
	return shaped
}

func tableNames(tables []tableContext) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Table.TableName
	}
	return names
}

// IsFatal reports whether a pipeline error is unrecoverable for the caller.
func IsFatal(err error) bool {
	return errors.Is(err, types.ErrPipelineFatal) || errors.Is(err, types.ErrNotFound)
}
