package sqlflow

import (
	"context"
	"fmt"
	"strings"

	"knowflow/internal/catalog"
	"knowflow/internal/llm"
	"knowflow/internal/logging"
)

// shortcutKind classifies metadata questions that bypass SQL generation.
type shortcutKind string

const (
	shortcutNone          shortcutKind = "none"
	shortcutListTables    shortcutKind = "list_tables"
	shortcutDescribeTable shortcutKind = "describe_table"
	shortcutListColumns   shortcutKind = "list_columns"
)

type shortcutClassification struct {
	Kind  shortcutKind `json:"kind"`
	Table string       `json:"table,omitempty"`
}

const classifySystemPrompt = `Classify whether the user's question is a database metadata question.
Respond with only JSON: {"kind": "none" | "list_tables" | "describe_table" | "list_columns", "table": "<table name if any>"}.
"list_tables" asks what tables exist; "describe_table" asks what a table is about;
"list_columns" asks what columns a table has. Anything needing actual data is "none".`

func (f *Flow) classifyShortcut(ctx context.Context, query string) shortcutClassification {
	var c shortcutClassification
	if err := llm.RequestJSON(ctx, f.client, classifySystemPrompt, query, &c); err != nil {
		logging.Get(logging.CategorySQLFlow).Debugw("shortcut classification fell back to rules", "error", err)
		return ruleClassify(query)
	}
	if c.Kind == "" {
		c.Kind = shortcutNone
	}
	return c
}

func ruleClassify(query string) shortcutClassification {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "list tables") || strings.Contains(q, "show tables") ||
		strings.Contains(q, "what tables"):
		return shortcutClassification{Kind: shortcutListTables}
	case strings.Contains(q, "describe table") || strings.Contains(q, "what is table"):
		return shortcutClassification{Kind: shortcutDescribeTable, Table: lastWord(q)}
	case strings.Contains(q, "list columns") || strings.Contains(q, "what columns") ||
		strings.Contains(q, "show columns"):
		return shortcutClassification{Kind: shortcutListColumns, Table: lastWord(q)}
	default:
		return shortcutClassification{Kind: shortcutNone}
	}
}

func lastWord(q string) string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return r == ' ' || r == '?' || r == '.' || r == ','
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

const decomposeSystemPrompt = `You decompose an analytical question into structured parts.
Respond with only JSON:
{"entities": [], "metrics": [], "time_dimensions": [], "spatial_dimensions": [],
 "relationships": [], "logical_calculations": [], "mathematical_structures": [],
 "relational_structures": [], "set_structures": [], "graph_structures": [],
 "linguistic_structures": []}
Fill only what the question actually contains.`

func (f *Flow) decompose(ctx context.Context, query string) (Decomposition, error) {
	var d Decomposition
	if err := llm.RequestJSON(ctx, f.client, decomposeSystemPrompt, query, &d); err != nil {
		// Fallback: content-bearing words become candidate entities so the
		// LIKE filter still has something to chew on.
		logging.Get(logging.CategorySQLFlow).Warnw("decomposition fell back to word split", "error", err)
		for _, w := range strings.Fields(query) {
			if len([]rune(w)) > 2 {
				d.Entities = append(d.Entities, strings.Trim(w, "?.,"))
			}
		}
	}
	if d.Empty() {
		return d, fmt.Errorf("decomposition produced no usable structure")
	}
	return d, nil
}

const intentSystemPrompt = `You recognise the analytical intent of a question given its decomposition
and the candidate tables. Respond with only JSON:
{"primary_entities": [], "entity_attributes": [], "entity_metrics": [], "time_dimensions": [],
 "relationships": [], "relevant_tables": [],
 "relevant_columns": [{"table_name": "", "column_name": "", "description": ""}]}`

func (f *Flow) recogniseIntent(ctx context.Context, query string, d Decomposition, tables []tableContext) Intent {
	prompt := fmt.Sprintf("Question: %s\n\nDecomposition:\n%s\nCandidate tables:\n%s",
		query, describeDecomposition(d), describeTables(tables))
	var intent Intent
	if err := llm.RequestJSON(ctx, f.client, intentSystemPrompt, prompt, &intent); err != nil {
		logging.Get(logging.CategorySQLFlow).Warnw("intent recognition fell back to decomposition", "error", err)
		intent = Intent{
			PrimaryEntities: d.Entities,
			EntityMetrics:   d.Metrics,
			TimeDimensions:  d.TimeDimensions,
			Relationships:   d.Relationships,
		}
		for _, t := range tables {
			intent.RelevantTables = append(intent.RelevantTables, t.Table.TableName)
		}
	}
	if len(intent.RelevantTables) == 0 {
		for _, t := range tables {
			intent.RelevantTables = append(intent.RelevantTables, t.Table.TableName)
		}
	}
	return intent
}

const generateSystemPrompt = `You write a single read-only SQL SELECT statement for the given dialect.
Use only the tables and columns provided. Respond with only JSON:
{"sql": "...", "columns": [{"table": "", "column": "", "description": ""}], "reason": "..."}
"columns" lists every column the query reads or returns.`

func (f *Flow) generate(ctx context.Context, dialect, query string, intent Intent, tables []tableContext) (Generation, error) {
	prompt := fmt.Sprintf("Dialect: %s\nQuestion: %s\n\nIntent: %s\n\nTables:\n%s",
		dialect, query, describeIntent(intent), describeTables(tables))
	var g Generation
	if err := llm.RequestJSON(ctx, f.client, generateSystemPrompt, prompt, &g); err != nil {
		return Generation{}, fmt.Errorf("SQL generation failed: %w", err)
	}
	if strings.TrimSpace(g.SQL) == "" {
		return Generation{}, fmt.Errorf("SQL generation returned an empty statement")
	}
	return g, nil
}

const correctSystemPrompt = `You fix a broken SQL query. You get the query, validation errors, warnings,
and the execution error. Respond with only JSON: {"sql": "..."} containing the corrected query.
If the query cannot be fixed, return it unchanged.`

func (f *Flow) correct(ctx context.Context, sql string, check CheckResult) (string, error) {
	prompt := fmt.Sprintf("SQL:\n%s\n\nValid: %v\nSafe: %v\nError: %s\nWarnings: %s",
		sql, check.IsValid, check.IsSafe, check.Error, strings.Join(check.Warnings, "; "))
	var out struct {
		SQL string `json:"sql"`
	}
	if err := llm.RequestJSON(ctx, f.client, correctSystemPrompt, prompt, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SQL) == "" {
		return "", fmt.Errorf("corrector returned an empty statement")
	}
	return out.SQL, nil
}

const optimizeSystemPrompt = `You optimise a working SQL query without changing its result set.
Respond with only JSON: {"sql": "...", "reason": "..."}. Return the query unchanged if no
safe optimisation exists.`

func (f *Flow) optimize(ctx context.Context, sql string, exec *ExecResult) (string, string) {
	rowCount := 0
	if exec != nil {
		rowCount = len(exec.Data)
	}
	prompt := fmt.Sprintf("SQL:\n%s\n\nThe query executed successfully and returned %d rows.", sql, rowCount)
	var out struct {
		SQL    string `json:"sql"`
		Reason string `json:"reason"`
	}
	if err := llm.RequestJSON(ctx, f.client, optimizeSystemPrompt, prompt, &out); err != nil {
		logging.Get(logging.CategorySQLFlow).Debugw("optimizer unavailable, keeping SQL", "error", err)
		return sql, ""
	}
	if strings.TrimSpace(out.SQL) == "" {
		return sql, ""
	}
	return out.SQL, out.Reason
}

const verifySystemPrompt = `You judge whether a query result answers the user's question.
Respond with only JSON:
{"is_satisfied": true, "satisfaction_score": 0.0, "missing_info": [], "suggestions": []}
satisfaction_score is in [0,1].`

func (f *Flow) verify(ctx context.Context, query, sql string, exec *ExecResult) Verification {
	sample := ""
	if exec != nil {
		sample = fmt.Sprintf("columns: %v, rows: %d", exec.Columns, len(exec.Data))
		if len(exec.Data) > 0 {
			sample += fmt.Sprintf(", first row: %v", exec.Data[0])
		}
	}
	prompt := fmt.Sprintf("Question: %s\nSQL:\n%s\nResult: %s", query, sql, sample)
	var v Verification
	if err := llm.RequestJSON(ctx, f.client, verifySystemPrompt, prompt, &v); err != nil {
		logging.Get(logging.CategorySQLFlow).Debugw("verification unavailable", "error", err)
		// Executed-at-all is weak evidence of satisfaction.
		return Verification{IsSatisfied: exec != nil, SatisfactionScore: 0.5}
	}
	if v.SatisfactionScore < 0 {
		v.SatisfactionScore = 0
	}
	if v.SatisfactionScore > 1 {
		v.SatisfactionScore = 1
	}
	return v
}

// tableContext bundles a table with its columns for prompt building.
type tableContext struct {
	Table   catalog.SQLTable
	Columns []catalog.SQLColumn
}

func describeDecomposition(d Decomposition) string {
	var b strings.Builder
	write := func(label string, items []string) {
		if len(items) > 0 {
			fmt.Fprintf(&b, "%s: %s\n", label, strings.Join(items, ", "))
		}
	}
	write("entities", d.Entities)
	write("metrics", d.Metrics)
	write("time dimensions", d.TimeDimensions)
	write("relationships", d.Relationships)
	write("calculations", d.LogicalCalculations)
	return b.String()
}

func describeIntent(i Intent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "entities: %s; metrics: %s; tables: %s",
		strings.Join(i.PrimaryEntities, ", "),
		strings.Join(i.EntityMetrics, ", "),
		strings.Join(i.RelevantTables, ", "))
	for _, c := range i.RelevantColumns {
		fmt.Fprintf(&b, "\n- %s.%s: %s", c.TableName, c.ColumnName, c.Description)
	}
	return b.String()
}

func describeTables(tables []tableContext) string {
	var b strings.Builder
	for _, t := range tables {
		fmt.Fprintf(&b, "table %s: %s\n", t.Table.TableName, t.Table.Description)
		for _, col := range t.Columns {
			fmt.Fprintf(&b, "  - %s (%s) %s\n", col.ColName, col.ColType, col.Info.Comment)
		}
	}
	return b.String()
}
