// Package sqlflow is the agentic NL-to-SQL pipeline: a forward-only state
// machine from metadata loading through generation, checked execution, a
// bounded correction loop, optimization with rollback, and advisory
// verification.
package sqlflow

// Decomposition is the structured breakdown of the user's question.
type Decomposition struct {
	Entities            []string `json:"entities,omitempty"`
	Metrics             []string `json:"metrics,omitempty"`
	TimeDimensions      []string `json:"time_dimensions,omitempty"`
	SpatialDimensions   []string `json:"spatial_dimensions,omitempty"`
	Relationships       []string `json:"relationships,omitempty"`
	LogicalCalculations []string `json:"logical_calculations,omitempty"`
	MathStructures      []string `json:"mathematical_structures,omitempty"`
	RelationalAlgebra   []string `json:"relational_structures,omitempty"`
	SetStructures       []string `json:"set_structures,omitempty"`
	GraphStructures     []string `json:"graph_structures,omitempty"`
	LinguisticNotes     []string `json:"linguistic_structures,omitempty"`
}

// Empty reports whether the decomposition extracted nothing usable.
func (d Decomposition) Empty() bool {
	return len(d.Entities) == 0 && len(d.Metrics) == 0 && len(d.TimeDimensions) == 0 &&
		len(d.Relationships) == 0 && len(d.LogicalCalculations) == 0
}

// ColumnShortlist is one column the intent stage considers relevant.
type ColumnShortlist struct {
	TableName   string `json:"table_name"`
	ColumnName  string `json:"column_name"`
	Description string `json:"description,omitempty"`
}

// Intent is the recognised analytical intent.
type Intent struct {
	PrimaryEntities  []string          `json:"primary_entities,omitempty"`
	EntityAttributes []string          `json:"entity_attributes,omitempty"`
	EntityMetrics    []string          `json:"entity_metrics,omitempty"`
	TimeDimensions   []string          `json:"time_dimensions,omitempty"`
	Relationships    []string          `json:"relationships,omitempty"`
	RelevantTables   []string          `json:"relevant_tables,omitempty"`
	RelevantColumns  []ColumnShortlist `json:"relevant_columns,omitempty"`
}

// ColumnRef is one (table, column) pair the generator reports using.
type ColumnRef struct {
	Table       string `json:"table"`
	Column      string `json:"column"`
	Description string `json:"description,omitempty"`
}

// Generation is the generator agent's output.
type Generation struct {
	SQL     string      `json:"sql"`
	Columns []ColumnRef `json:"columns,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// ExecResult is a query's tabular result.
type ExecResult struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

// CheckResult records one check+run round.
type CheckResult struct {
	IsValid  bool        `json:"is_valid"`
	IsSafe   bool        `json:"is_safe"`
	Executed bool        `json:"executed"`
	Error    string      `json:"error,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
	Result   *ExecResult `json:"result,omitempty"`
}

// OK reports whether the round passed every criterion.
func (c CheckResult) OK() bool { return c.IsValid && c.IsSafe && c.Executed }

// Verification is the advisory verdict comparing result to intent.
type Verification struct {
	IsSatisfied       bool     `json:"is_satisfied"`
	SatisfactionScore float64  `json:"satisfaction_score"`
	MissingInfo       []string `json:"missing_info,omitempty"`
	Suggestions       []string `json:"suggestions,omitempty"`
}

// Result is the pipeline's final output.
type Result struct {
	SQL          string       `json:"sql"`
	Execution    *ExecResult  `json:"execution"`
	Verification Verification `json:"verification"`
	// DirectAnswer is set when the metadata shortcut answered without
	// entering the generation pipeline.
	DirectAnswer string `json:"direct_answer,omitempty"`
}
