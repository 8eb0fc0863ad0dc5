package catalog

import (
	"database/sql"
	"fmt"

	"knowflow/internal/types"
)

// Session is a row of the session table. The ordered message list lives in
// the conversation store, not here.
type Session struct {
	SessionID   string
	UserName    string
	SessionName string
	KBName      string
	CreatedAt   string
	UpdatedAt   string
}

// DiscussionTask is a row of discussion_task_record.
type DiscussionTask struct {
	DiscussionID string
	SessionID    string
	Status       types.DiscussionStatus
	CreatedAt    string
	UpdatedAt    string
}

// InsertSession creates a session row.
func (c *Catalog) InsertSession(s Session) error {
	if s.SessionID == "" || s.UserName == "" {
		return fmt.Errorf("%w: session id and user required", types.ErrValidation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := now()
	_, err := c.db.Exec(
		`INSERT INTO session (session_id, user_name, session_name, kb_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.UserName, s.SessionName, s.KBName, ts, ts,
	)
	return err
}

// GetSession fetches a session by id.
func (c *Catalog) GetSession(sessionID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var s Session
	err := c.db.QueryRow(
		`SELECT session_id, user_name, COALESCE(session_name,''), COALESCE(kb_name,''), created_at, updated_at
		 FROM session WHERE session_id = ?`, sessionID,
	).Scan(&s.SessionID, &s.UserName, &s.SessionName, &s.KBName, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %q", types.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (c *Catalog) ListSessions(userName string) ([]Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT session_id, user_name, COALESCE(session_name,''), COALESCE(kb_name,''), created_at, updated_at
		 FROM session WHERE user_name = ? ORDER BY updated_at DESC`, userName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.SessionID, &s.UserName, &s.SessionName, &s.KBName, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TouchSession bumps a session's updated_at.
func (c *Catalog) TouchSession(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec("UPDATE session SET updated_at = ? WHERE session_id = ?", now(), sessionID)
	return err
}

// DeleteSession removes a session row and its discussion task rows.
func (c *Catalog) DeleteSession(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM discussion_task_record WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	res, err := c.db.Exec("DELETE FROM session WHERE session_id = ?", sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %q", types.ErrNotFound, sessionID)
	}
	return nil
}

// ListSessionIDs returns all session ids owned by a user.
func (c *Catalog) ListSessionIDs(userName string) ([]string, error) {
	sessions, err := c.ListSessions(userName)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.SessionID
	}
	return ids, nil
}

// UpsertDiscussionTask registers or updates a discussion task.
func (c *Catalog) UpsertDiscussionTask(t DiscussionTask) error {
	if t.DiscussionID == "" || t.SessionID == "" {
		return fmt.Errorf("%w: discussion id and session id required", types.ErrValidation)
	}
	if t.Status == "" {
		t.Status = types.DiscussionActive
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := now()
	_, err := c.db.Exec(
		`INSERT INTO discussion_task_record (discussion_id, session_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(discussion_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		t.DiscussionID, t.SessionID, string(t.Status), ts, ts,
	)
	return err
}

// ListDiscussionTasks returns all tasks for a session.
func (c *Catalog) ListDiscussionTasks(sessionID string) ([]DiscussionTask, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.Query(
		`SELECT discussion_id, session_id, status, created_at, updated_at
		 FROM discussion_task_record WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DiscussionTask
	for rows.Next() {
		var t DiscussionTask
		var status string
		if err := rows.Scan(&t.DiscussionID, &t.SessionID, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = types.DiscussionStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteDiscussionTask removes one discussion task row.
func (c *Catalog) DeleteDiscussionTask(discussionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec("DELETE FROM discussion_task_record WHERE discussion_id = ?", discussionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: discussion task %q", types.ErrNotFound, discussionID)
	}
	return nil
}
