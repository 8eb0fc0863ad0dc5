package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"knowflow/internal/types"
)

// SQLDatabase is a connection descriptor for a registered SQL database.
type SQLDatabase struct {
	SQLID       string
	UserName    string
	Host        string
	Port        int
	Dialect     string
	DBName      string
	DBUser      string
	DBPassword  string
	Description string
}

// SQLTable is a row of table_sql.
type SQLTable struct {
	TableID     string
	SQLID       string
	TableName   string
	Description string
}

// ColumnInfo is the JSON column info stored in col_sql.col_info.
type ColumnInfo struct {
	Comment string        `json:"comment,omitempty"`
	AnaType types.AnaType `json:"ana_type,omitempty"`
}

// SQLColumn is a row of col_sql.
type SQLColumn struct {
	ColID   string
	TableID string
	ColName string
	ColType string
	Info    ColumnInfo
}

// SQLRelation is a row of rel_sql.
type SQLRelation struct {
	RelID     string
	SQLID     string
	FromTable string
	FromCol   string
	ToTable   string
	ToCol     string
}

// InsertSQLDatabase registers a SQL database descriptor.
func (c *Catalog) InsertSQLDatabase(d SQLDatabase) error {
	if d.SQLID == "" || d.UserName == "" {
		return fmt.Errorf("%w: sql id and owner required", types.ErrValidation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		`INSERT INTO base_sql (sql_id, user_name, host, port, dialect, db_name, db_user, db_password, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SQLID, d.UserName, d.Host, d.Port, d.Dialect, d.DBName, d.DBUser, d.DBPassword, d.Description,
	)
	if err != nil {
		return err
	}
	_, err = c.db.Exec("INSERT OR REPLACE INTO sql_des (sql_id, description) VALUES (?, ?)", d.SQLID, d.Description)
	return err
}

// UpdateSQLDatabase rewrites a descriptor in place.
func (c *Catalog) UpdateSQLDatabase(d SQLDatabase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(
		`UPDATE base_sql SET host=?, port=?, dialect=?, db_name=?, db_user=?, db_password=?, description=?
		 WHERE sql_id = ?`,
		d.Host, d.Port, d.Dialect, d.DBName, d.DBUser, d.DBPassword, d.Description, d.SQLID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: sql database %q", types.ErrNotFound, d.SQLID)
	}
	_, err = c.db.Exec("INSERT OR REPLACE INTO sql_des (sql_id, description) VALUES (?, ?)", d.SQLID, d.Description)
	return err
}

// GetSQLDatabase fetches a descriptor by id.
func (c *Catalog) GetSQLDatabase(sqlID string) (*SQLDatabase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var d SQLDatabase
	err := c.db.QueryRow(
		`SELECT sql_id, user_name, COALESCE(host,''), COALESCE(port,0), COALESCE(dialect,''), COALESCE(db_name,''),
		        COALESCE(db_user,''), COALESCE(db_password,''), COALESCE(description,'')
		 FROM base_sql WHERE sql_id = ?`, sqlID,
	).Scan(&d.SQLID, &d.UserName, &d.Host, &d.Port, &d.Dialect, &d.DBName, &d.DBUser, &d.DBPassword, &d.Description)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: sql database %q", types.ErrNotFound, sqlID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListSQLDatabases returns all descriptors owned by a user.
func (c *Catalog) ListSQLDatabases(userName string) ([]SQLDatabase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT sql_id, user_name, COALESCE(host,''), COALESCE(port,0), COALESCE(dialect,''), COALESCE(db_name,''),
		        COALESCE(db_user,''), COALESCE(db_password,''), COALESCE(description,'')
		 FROM base_sql WHERE user_name = ?`, userName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SQLDatabase
	for rows.Next() {
		var d SQLDatabase
		if err := rows.Scan(&d.SQLID, &d.UserName, &d.Host, &d.Port, &d.Dialect, &d.DBName, &d.DBUser, &d.DBPassword, &d.Description); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteSQLDatabase removes the descriptor plus its tables, columns and
// relations. The schema-graph partition is compensated by the caller.
func (c *Catalog) DeleteSQLDatabase(sqlID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec(
		"DELETE FROM col_sql WHERE table_id IN (SELECT table_id FROM table_sql WHERE sql_id = ?)", sqlID); err != nil {
		return err
	}
	for _, q := range []string{
		"DELETE FROM table_sql WHERE sql_id = ?",
		"DELETE FROM rel_sql WHERE sql_id = ?",
		"DELETE FROM sql_des WHERE sql_id = ?",
		"DELETE FROM schema_analysis_result WHERE sql_id = ?",
	} {
		if _, err := c.db.Exec(q, sqlID); err != nil {
			return err
		}
	}
	res, err := c.db.Exec("DELETE FROM base_sql WHERE sql_id = ?", sqlID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: sql database %q", types.ErrNotFound, sqlID)
	}
	return nil
}

// InsertSQLTable records a table of a registered database.
func (c *Catalog) InsertSQLTable(t SQLTable) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO table_sql (table_id, sql_id, table_name, description) VALUES (?, ?, ?, ?)`,
		t.TableID, t.SQLID, t.TableName, t.Description,
	)
	return err
}

// ListSQLTables returns all tables of a database.
func (c *Catalog) ListSQLTables(sqlID string) ([]SQLTable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT table_id, sql_id, table_name, COALESCE(description,'') FROM table_sql WHERE sql_id = ? ORDER BY table_name`, sqlID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SQLTable
	for rows.Next() {
		var t SQLTable
		if err := rows.Scan(&t.TableID, &t.SQLID, &t.TableName, &t.Description); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetSQLTableByName resolves a table by name within a database.
func (c *Catalog) GetSQLTableByName(sqlID, tableName string) (*SQLTable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var t SQLTable
	err := c.db.QueryRow(
		`SELECT table_id, sql_id, table_name, COALESCE(description,'') FROM table_sql
		 WHERE sql_id = ? AND LOWER(table_name) = LOWER(?)`, sqlID, tableName,
	).Scan(&t.TableID, &t.SQLID, &t.TableName, &t.Description)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: table %q in database %q", types.ErrNotFound, tableName, sqlID)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertSQLColumn records a column of a table.
func (c *Catalog) InsertSQLColumn(col SQLColumn) error {
	info, err := json.Marshal(col.Info)
	if err != nil {
		return fmt.Errorf("failed to marshal column info: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO col_sql (col_id, table_id, col_name, col_type, col_info) VALUES (?, ?, ?, ?, ?)`,
		col.ColID, col.TableID, col.ColName, col.ColType, string(info),
	)
	return err
}

// ListSQLColumns returns all columns of a table.
func (c *Catalog) ListSQLColumns(tableID string) ([]SQLColumn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT col_id, table_id, col_name, COALESCE(col_type,''), COALESCE(col_info,'{}') FROM col_sql
		 WHERE table_id = ? ORDER BY col_name`, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SQLColumn
	for rows.Next() {
		var col SQLColumn
		var info string
		if err := rows.Scan(&col.ColID, &col.TableID, &col.ColName, &col.ColType, &info); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(info), &col.Info); err != nil {
			col.Info = ColumnInfo{}
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

// InsertSQLRelation records a declared foreign-key style relation.
func (c *Catalog) InsertSQLRelation(r SQLRelation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO rel_sql (rel_id, sql_id, from_table, from_col, to_table, to_col)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.RelID, r.SQLID, r.FromTable, r.FromCol, r.ToTable, r.ToCol,
	)
	return err
}

// ListSQLRelations returns all relations of a database.
func (c *Catalog) ListSQLRelations(sqlID string) ([]SQLRelation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT rel_id, sql_id, from_table, from_col, to_table, to_col FROM rel_sql WHERE sql_id = ?`, sqlID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SQLRelation
	for rows.Next() {
		var r SQLRelation
		if err := rows.Scan(&r.RelID, &r.SQLID, &r.FromTable, &r.FromCol, &r.ToTable, &r.ToCol); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSQLRelation removes one relation row.
func (c *Catalog) DeleteSQLRelation(relID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec("DELETE FROM rel_sql WHERE rel_id = ?", relID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: sql relation %q", types.ErrNotFound, relID)
	}
	return nil
}

// SearchTablesByDescription LIKE-searches table descriptions.
func (c *Catalog) SearchTablesByDescription(sqlID, term string) ([]SQLTable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT table_id, sql_id, table_name, COALESCE(description,'') FROM table_sql
		 WHERE sql_id = ? AND (description LIKE '%' || ? || '%' OR table_name LIKE '%' || ? || '%')`,
		sqlID, term, term)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SQLTable
	for rows.Next() {
		var t SQLTable
		if err := rows.Scan(&t.TableID, &t.SQLID, &t.TableName, &t.Description); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SearchColumnsByDescription LIKE-searches column descriptions (the comment
// inside col_info) and names, returning the owning table ids.
func (c *Catalog) SearchColumnsByDescription(sqlID, term string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT DISTINCT cs.table_id FROM col_sql cs
		 JOIN table_sql ts ON ts.table_id = cs.table_id
		 WHERE ts.sql_id = ? AND (cs.col_info LIKE '%' || ? || '%' OR cs.col_name LIKE '%' || ? || '%')`,
		sqlID, term, term)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
