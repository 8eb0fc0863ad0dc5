package types

// AnaType is the analytical category of a SQL column.
type AnaType string

const (
	AnaNumeric   AnaType = "numeric"
	AnaAttribute AnaType = "attribute"
	AnaDatetime  AnaType = "datetime"
)

// NodeType classifies a schema-graph node.
type NodeType string

const (
	NodeEntity           NodeType = "entity"
	NodeAttribute        NodeType = "attribute"
	NodeUniqueIdentifier NodeType = "unique_identifier"
	NodeMetric           NodeType = "metric"
)

// RelationType labels a schema-graph edge.
type RelationType string

const (
	RelHasAttribute  RelationType = "HAS_ATTRIBUTE"
	RelHasIdentifier RelationType = "HAS_IDENTIFIER"
	RelHasMetric     RelationType = "HAS_METRIC"
	RelReferences    RelationType = "REFERENCES"    // entity -> entity
	RelReferencedBy  RelationType = "REFERENCED_BY" // attribute -> attribute
)

// SchemaEntity is the single entity a table analysis produces.
type SchemaEntity struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SchemaAttribute is a column playing the attribute role.
type SchemaAttribute struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ColumnName  string `json:"column_name"`
}

// SchemaIdentifier is a column playing the unique-identifier role.
type SchemaIdentifier struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ColumnName  string `json:"column_name"`
}

// SchemaMetric is a column playing the metric role.
type SchemaMetric struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ColumnName  string `json:"column_name"`
}

// SchemaForeignKey is an inferred or declared reference between columns.
type SchemaForeignKey struct {
	FromColumn  string `json:"from_column"`
	ToTable     string `json:"to_table"`
	ToColumn    string `json:"to_column"`
	Description string `json:"description,omitempty"`
}

// SchemaAnalysis is the per-table analysis result, stored once per
// (SQL-database id, table id).
type SchemaAnalysis struct {
	SQLID       string             `json:"sql_id"`
	TableID     string             `json:"table_id"`
	TableName   string             `json:"table_name"`
	Entity      SchemaEntity       `json:"entity"`
	Attributes  []SchemaAttribute  `json:"attributes"`
	Identifiers []SchemaIdentifier `json:"identifiers"`
	Metrics     []SchemaMetric     `json:"metrics"`
	ForeignKeys []SchemaForeignKey `json:"foreign_keys"`
}
