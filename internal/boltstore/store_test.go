package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "parley.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func conv(id string, created time.Time, msgs ...string) conversation.Conversation {
	c := conversation.Conversation{ID: id, Title: conversation.Title(msgs[0]), CreatedAt: created, UpdatedAt: created}
	for i, m := range msgs {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		c.Messages = append(c.Messages, conversation.Message{Role: role, Content: m})
	}
	return c
}

func TestSaveAndLoadAll_OrderedByCreation(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, "alice", conv("b", base.Add(time.Minute), "second", "ok")))
	require.NoError(t, s.Save(ctx, "alice", conv("a", base, "first")))

	got, err := s.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, conversation.RoleAssistant, got[1].Messages[1].Role)
	assert.True(t, got[0].CreatedAt.Equal(base))
}

func TestSave_Overwrites(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := conv("x", now, "hello")
	require.NoError(t, s.Save(ctx, "alice", c))
	c.Messages = append(c.Messages, conversation.Message{Role: conversation.RoleAssistant, Content: "hi"})
	c.Title = "Greeting"
	require.NoError(t, s.Save(ctx, "alice", c))

	got, err := s.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Greeting", got[0].Title)
	assert.Len(t, got[0].Messages, 2)
}

func TestOwnersAreIsolated(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", conv("x", time.Now(), "hello")))

	got, err := s.LoadAll(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Delete(ctx, "bob", "x"))
	got, err = s.LoadAll(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDelete(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", conv("x", time.Now(), "hello")))
	require.NoError(t, s.Delete(ctx, "alice", "x"))
	require.NoError(t, s.Delete(ctx, "alice", "missing"))

	got, err := s.LoadAll(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReopenKeepsData(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", conv("x", time.Now(), "persist me")))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LoadAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persist me", got[0].Messages[0].Content)
}
