package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"knowflow/internal/types"
)

// UpsertSchemaAnalysis stores a per-table analysis, keyed by (sql_id, table_id)
// with INSERT OR REPLACE semantics: two identical analyses leave one row.
func (c *Catalog) UpsertSchemaAnalysis(a types.SchemaAnalysis) error {
	if a.SQLID == "" || a.TableID == "" {
		return fmt.Errorf("%w: sql id and table id required", types.ErrValidation)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal schema analysis: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO schema_analysis_result (sql_id, table_id, analysis, updated_at) VALUES (?, ?, ?, ?)`,
		a.SQLID, a.TableID, string(payload), now(),
	)
	return err
}

// GetSchemaAnalysis fetches the stored analysis for (sql_id, table_id).
func (c *Catalog) GetSchemaAnalysis(sqlID, tableID string) (*types.SchemaAnalysis, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var payload string
	err := c.db.QueryRow(
		"SELECT analysis FROM schema_analysis_result WHERE sql_id = ? AND table_id = ?", sqlID, tableID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: schema analysis for (%s, %s)", types.ErrNotFound, sqlID, tableID)
	}
	if err != nil {
		return nil, err
	}
	var a types.SchemaAnalysis
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("failed to decode schema analysis: %w", err)
	}
	return &a, nil
}

// ListSchemaAnalyses returns every stored analysis for a database.
func (c *Catalog) ListSchemaAnalyses(sqlID string) ([]types.SchemaAnalysis, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query("SELECT analysis FROM schema_analysis_result WHERE sql_id = ?", sqlID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SchemaAnalysis
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a types.SchemaAnalysis
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountSchemaAnalyses counts analysis rows for a database.
func (c *Catalog) CountSchemaAnalyses(sqlID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int
	err := c.db.QueryRow("SELECT COUNT(*) FROM schema_analysis_result WHERE sql_id = ?", sqlID).Scan(&n)
	return n, err
}
