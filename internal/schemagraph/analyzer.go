// Package schemagraph turns SQL-database metadata into a typed schema graph:
// one Entity node per table, Attribute/UniqueIdentifier/Metric nodes per
// column, structural edges between them, and dual-embedding vector records
// for retrieval.
package schemagraph

import (
	"context"
	"fmt"
	"strings"

	"knowflow/internal/catalog"
	"knowflow/internal/llm"
	"knowflow/internal/logging"
	"knowflow/internal/types"
)

const analyzeSystemPrompt = `You are a database schema analyst. Given a table's name, description, and columns,
classify the table into a single business entity and classify every column as exactly one of:
attribute (descriptive property), unique_identifier (key), or metric (measurable quantity).
Also list foreign keys you can infer from column names and comments.
Respond with only a JSON object of this shape:
{
  "entity": {"name": "...", "description": "..."},
  "attributes": [{"name": "...", "description": "...", "column_name": "..."}],
  "identifiers": [{"name": "...", "description": "...", "column_name": "..."}],
  "metrics": [{"name": "...", "description": "...", "column_name": "..."}],
  "foreign_keys": [{"from_column": "...", "to_table": "...", "to_column": "...", "description": "..."}]
}`

// Analyzer classifies tables with an LLM, falling back to a rule-based
// classification when the model cannot produce valid JSON.
type Analyzer struct {
	client llm.Client
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(client llm.Client) *Analyzer {
	return &Analyzer{client: client}
}

// AnalyzeTable produces the typed analysis for one table.
func (a *Analyzer) AnalyzeTable(ctx context.Context, table catalog.SQLTable, columns []catalog.SQLColumn) (types.SchemaAnalysis, error) {
	analysis := types.SchemaAnalysis{
		SQLID:     table.SQLID,
		TableID:   table.TableID,
		TableName: table.TableName,
	}

	var parsed struct {
		Entity      types.SchemaEntity       `json:"entity"`
		Attributes  []types.SchemaAttribute  `json:"attributes"`
		Identifiers []types.SchemaIdentifier `json:"identifiers"`
		Metrics     []types.SchemaMetric     `json:"metrics"`
		ForeignKeys []types.SchemaForeignKey `json:"foreign_keys"`
	}
	err := llm.RequestJSON(ctx, a.client, analyzeSystemPrompt, describeTable(table, columns), &parsed)
	if err != nil {
		logging.Get(logging.CategorySQLFlow).Warnw("table analysis fell back to rules",
			"table", table.TableName, "error", err)
		return ruleBasedAnalysis(table, columns), nil
	}
	if parsed.Entity.Name == "" {
		parsed.Entity = types.SchemaEntity{Name: table.TableName, Description: table.Description}
	}
	analysis.Entity = parsed.Entity
	analysis.Attributes = parsed.Attributes
	analysis.Identifiers = parsed.Identifiers
	analysis.Metrics = parsed.Metrics
	analysis.ForeignKeys = parsed.ForeignKeys
	return analysis, nil
}

func describeTable(table catalog.SQLTable, columns []catalog.SQLColumn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\nDescription: %s\nColumns:\n", table.TableName, table.Description)
	for _, col := range columns {
		fmt.Fprintf(&b, "- %s (%s)", col.ColName, col.ColType)
		if col.Info.Comment != "" {
			fmt.Fprintf(&b, ": %s", col.Info.Comment)
		}
		if col.Info.AnaType != "" {
			fmt.Fprintf(&b, " [%s]", col.Info.AnaType)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ruleBasedAnalysis is the documented default when the model fails: id-like
// columns become identifiers, numeric analytical columns become metrics,
// everything else an attribute.
func ruleBasedAnalysis(table catalog.SQLTable, columns []catalog.SQLColumn) types.SchemaAnalysis {
	analysis := types.SchemaAnalysis{
		SQLID:     table.SQLID,
		TableID:   table.TableID,
		TableName: table.TableName,
		Entity:    types.SchemaEntity{Name: table.TableName, Description: table.Description},
	}
	for _, col := range columns {
		name := strings.ToLower(col.ColName)
		switch {
		case name == "id" || strings.HasSuffix(name, "_id") || strings.HasSuffix(name, "_no"):
			analysis.Identifiers = append(analysis.Identifiers, types.SchemaIdentifier{
				Name: col.ColName, Description: col.Info.Comment, ColumnName: col.ColName,
			})
		case col.Info.AnaType == types.AnaNumeric:
			analysis.Metrics = append(analysis.Metrics, types.SchemaMetric{
				Name: col.ColName, Description: col.Info.Comment, ColumnName: col.ColName,
			})
		default:
			analysis.Attributes = append(analysis.Attributes, types.SchemaAttribute{
				Name: col.ColName, Description: col.Info.Comment, ColumnName: col.ColName,
			})
		}
	}
	return analysis
}
