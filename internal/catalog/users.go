package catalog

import (
	"database/sql"
	"fmt"

	"knowflow/internal/logging"
	"knowflow/internal/types"
)

// User is a row of user_info.
type User struct {
	UserName  string
	Password  string
	CreatedAt string
}

// InsertUser registers a new user. Duplicate names are a validation error.
func (c *Catalog) InsertUser(userName, password string) error {
	if userName == "" || password == "" {
		return fmt.Errorf("%w: user name and password required", types.ErrValidation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		"INSERT INTO user_info (user_name, password, created_at) VALUES (?, ?, ?)",
		userName, password, now(),
	)
	if err != nil {
		return fmt.Errorf("%w: user %q already exists or insert failed: %v", types.ErrValidation, userName, err)
	}
	logging.Get(logging.CategoryCatalog).Infow("user registered", "user", userName)
	return nil
}

// CheckCredentials verifies a user/password pair by simple equality.
// Demonstration grade, matching the deployed form.
func (c *Catalog) CheckCredentials(userName, password string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var stored string
	err := c.db.QueryRow("SELECT password FROM user_info WHERE user_name = ?", userName).Scan(&stored)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: user %q", types.ErrUnauthorized, userName)
	}
	if err != nil {
		return err
	}
	if stored != password {
		return fmt.Errorf("%w: wrong password for %q", types.ErrUnauthorized, userName)
	}
	return nil
}

// UserExists reports whether the user is registered.
func (c *Catalog) UserExists(userName string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM user_info WHERE user_name = ?", userName).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteUser removes the user row only. Cascades over knowledge bases, SQL
// databases and sessions are driven by the owning services so the derived
// index stores can be compensated.
func (c *Catalog) DeleteUser(userName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec("DELETE FROM user_info WHERE user_name = ?", userName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %q", types.ErrNotFound, userName)
	}
	return nil
}
