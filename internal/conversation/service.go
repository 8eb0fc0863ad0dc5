// Package conversation manages sessions and discussion tasks. Structured
// metadata lives in the relational catalog; the ordered turn list of each
// session lives in redis under session:{id}:messages.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"knowflow/internal/catalog"
	"knowflow/internal/logging"
	"knowflow/internal/types"
)

// Service is the conversation store.
type Service struct {
	catalog *catalog.Catalog
	redis   redis.Cmdable
	// discussionDir is the root under which each discussion task keeps its
	// working tree, discussionDir/{discussionId}/.
	discussionDir string
}

// New creates a Service. discussionDir may be empty to disable on-disk
// discussion trees.
func New(cat *catalog.Catalog, rdb redis.Cmdable, discussionDir string) *Service {
	return &Service{catalog: cat, redis: rdb, discussionDir: discussionDir}
}

func messagesKey(sessionID string) string {
	return "session:" + sessionID + ":messages"
}

// CreateSession creates a session for a user, optionally bound to a KB.
func (s *Service) CreateSession(ctx context.Context, userName, sessionName, kbName string) (*catalog.Session, error) {
	if userName == "" {
		return nil, fmt.Errorf("%w: user name is required", types.ErrValidation)
	}
	if sessionName == "" {
		sessionName = "new session"
	}
	session := catalog.Session{
		SessionID:   uuid.NewString(),
		UserName:    userName,
		SessionName: sessionName,
		KBName:      kbName,
	}
	if err := s.catalog.InsertSession(session); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryConversation).Infow("session created",
		"session_id", session.SessionID, "user", userName)
	return &session, nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (s *Service) ListSessions(ctx context.Context, userName string) ([]catalog.Session, error) {
	return s.catalog.ListSessions(userName)
}

// GetSession fetches one session's metadata.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*catalog.Session, error) {
	return s.catalog.GetSession(sessionID)
}

// Messages returns the full ordered turn list of a session.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]types.Turn, error) {
	if _, err := s.catalog.GetSession(sessionID); err != nil {
		return nil, err
	}
	raw, err := s.redis.LRange(ctx, messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session messages: %w", err)
	}
	turns := make([]types.Turn, 0, len(raw))
	for _, item := range raw {
		var turn types.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			// A corrupt entry is skipped rather than poisoning the whole list.
			logging.Get(logging.CategoryConversation).Warnw("dropping unreadable turn",
				"session_id", sessionID, "error", err)
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// AppendTurns appends turns to the session's message list.
func (s *Service) AppendTurns(ctx context.Context, sessionID string, turns ...types.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, len(turns))
	for i, turn := range turns {
		raw, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to encode turn: %w", err)
		}
		values[i] = raw
	}
	if err := s.redis.RPush(ctx, messagesKey(sessionID), values...).Err(); err != nil {
		return fmt.Errorf("failed to append turns: %w", err)
	}
	if err := s.catalog.TouchSession(sessionID); err != nil {
		logging.Get(logging.CategoryConversation).Debugw("session touch failed",
			"session_id", sessionID, "error", err)
	}
	return nil
}

// RewriteLastTurn replaces the list's final turn in place. Streaming uses
// this after every chunk so readers can observe the partial reply.
func (s *Service) RewriteLastTurn(ctx context.Context, sessionID string, turn types.Turn) error {
	raw, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}
	key := messagesKey(sessionID)
	length, err := s.redis.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read session length: %w", err)
	}
	if length == 0 {
		return s.redis.RPush(ctx, key, raw).Err()
	}
	return s.redis.LSet(ctx, key, length-1, raw).Err()
}

// ClearHistory drops a session's message list but keeps the session.
func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	if _, err := s.catalog.GetSession(sessionID); err != nil {
		return err
	}
	return s.redis.Del(ctx, messagesKey(sessionID)).Err()
}

// DeleteSession removes the session metadata, its message list, and the
// working trees of every discussion task it owned.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	tasks, err := s.catalog.ListDiscussionTasks(sessionID)
	if err != nil {
		return err
	}
	if err := s.catalog.DeleteSession(sessionID); err != nil {
		return err
	}
	if err := s.redis.Del(ctx, messagesKey(sessionID)).Err(); err != nil {
		logging.Get(logging.CategoryConversation).Warnw("message list delete failed",
			"session_id", sessionID, "error", err)
	}
	for _, task := range tasks {
		s.removeDiscussionTree(task.DiscussionID)
	}
	return nil
}

// RegisterDiscussion creates or resumes a discussion task inside a session.
func (s *Service) RegisterDiscussion(ctx context.Context, sessionID, discussionID string) (*catalog.DiscussionTask, error) {
	if _, err := s.catalog.GetSession(sessionID); err != nil {
		return nil, err
	}
	if discussionID == "" {
		discussionID = uuid.NewString()
	}
	task := catalog.DiscussionTask{
		DiscussionID: discussionID,
		SessionID:    sessionID,
		Status:       types.DiscussionActive,
	}
	if err := s.catalog.UpsertDiscussionTask(task); err != nil {
		return nil, err
	}
	if s.discussionDir != "" {
		if err := os.MkdirAll(s.discussionTree(discussionID), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create discussion tree: %w", err)
		}
	}
	return &task, nil
}

// CompleteDiscussion marks a task completed.
func (s *Service) CompleteDiscussion(ctx context.Context, sessionID, discussionID string) error {
	return s.catalog.UpsertDiscussionTask(catalog.DiscussionTask{
		DiscussionID: discussionID,
		SessionID:    sessionID,
		Status:       types.DiscussionCompleted,
	})
}

// ListDiscussions returns a session's discussion tasks.
func (s *Service) ListDiscussions(ctx context.Context, sessionID string) ([]catalog.DiscussionTask, error) {
	return s.catalog.ListDiscussionTasks(sessionID)
}

// DeleteDiscussion removes one discussion task and its working tree.
func (s *Service) DeleteDiscussion(ctx context.Context, discussionID string) error {
	if err := s.catalog.DeleteDiscussionTask(discussionID); err != nil {
		return err
	}
	s.removeDiscussionTree(discussionID)
	return nil
}

func (s *Service) discussionTree(discussionID string) string {
	return filepath.Join(s.discussionDir, discussionID)
}

func (s *Service) removeDiscussionTree(discussionID string) {
	if s.discussionDir == "" {
		return
	}
	if err := os.RemoveAll(s.discussionTree(discussionID)); err != nil {
		logging.Get(logging.CategoryConversation).Warnw("discussion tree delete failed",
			"discussion_id", discussionID, "error", err)
	}
}
