package conversation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowflow/internal/catalog"
	"knowflow/internal/stream"
	"knowflow/internal/types"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(cat, rdb, t.TempDir()), mr
}

func userTurn(text string) types.Turn {
	return types.Turn{Role: types.RoleUser, Content: []types.ContentItem{{Type: types.ContentText, Content: text}}}
}

func TestSessionLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "alice", "budget review", "finance")
	require.NoError(t, err)
	require.NotEmpty(t, session.SessionID)

	sessions, err := svc.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "budget review", sessions[0].SessionName)

	require.NoError(t, svc.AppendTurns(ctx, session.SessionID, userTurn("hello")))
	turns, err := svc.Messages(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].Content[0].Content)

	require.NoError(t, svc.DeleteSession(ctx, session.SessionID))
	_, err = svc.Messages(ctx, session.SessionID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCreateSessionRequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateSession(context.Background(), "", "x", "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRewriteLastTurn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, "alice", "s", "")
	require.NoError(t, err)

	require.NoError(t, svc.AppendTurns(ctx, session.SessionID,
		userTurn("question"),
		types.Turn{Role: types.RoleAssistant},
	))

	// Streaming rewrites the assistant turn in place as chunks arrive.
	partial := types.Turn{Role: types.RoleAssistant, Content: []types.ContentItem{{Type: types.ContentText, Content: "par"}}}
	require.NoError(t, svc.RewriteLastTurn(ctx, session.SessionID, partial))
	full := types.Turn{Role: types.RoleAssistant, Content: []types.ContentItem{{Type: types.ContentText, Content: "partial reply"}}}
	require.NoError(t, svc.RewriteLastTurn(ctx, session.SessionID, full))

	turns, err := svc.Messages(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, types.RoleUser, turns[0].Role)
	assert.Equal(t, "partial reply", turns[1].Content[0].Content)
}

func TestRewriteLastTurnEmptyList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, "alice", "s", "")
	require.NoError(t, err)

	require.NoError(t, svc.RewriteLastTurn(ctx, session.SessionID, userTurn("first")))
	turns, err := svc.Messages(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

func TestClearHistoryKeepsSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, "alice", "s", "")
	require.NoError(t, err)
	require.NoError(t, svc.AppendTurns(ctx, session.SessionID, userTurn("a"), userTurn("b")))

	require.NoError(t, svc.ClearHistory(ctx, session.SessionID))

	turns, err := svc.Messages(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, turns)
	_, err = svc.GetSession(ctx, session.SessionID)
	assert.NoError(t, err)
}

func TestDiscussionTasks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, "alice", "s", "")
	require.NoError(t, err)

	task, err := svc.RegisterDiscussion(ctx, session.SessionID, "")
	require.NoError(t, err)
	assert.Equal(t, types.DiscussionActive, task.Status)
	tree := filepath.Join(svc.discussionDir, task.DiscussionID)
	_, err = os.Stat(tree)
	require.NoError(t, err, "discussion tree should exist")

	require.NoError(t, svc.CompleteDiscussion(ctx, session.SessionID, task.DiscussionID))
	tasks, err := svc.ListDiscussions(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.DiscussionCompleted, tasks[0].Status)

	require.NoError(t, svc.DeleteDiscussion(ctx, task.DiscussionID))
	_, err = os.Stat(tree)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteSessionRemovesDiscussionTrees(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, "alice", "s", "")
	require.NoError(t, err)
	task, err := svc.RegisterDiscussion(ctx, session.SessionID, "")
	require.NoError(t, err)
	require.NoError(t, svc.AppendTurns(ctx, session.SessionID, userTurn("x")))

	require.NoError(t, svc.DeleteSession(ctx, session.SessionID))

	_, err = os.Stat(filepath.Join(svc.discussionDir, task.DiscussionID))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, mr.Exists("session:"+session.SessionID+":messages"))
}

// The service must satisfy the streaming transport's history contract.
var _ stream.History = (*Service)(nil)
