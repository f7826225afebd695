package services

import (
	"context"
	"testing"
	"time"

	"bossdb_rag_go_backend/internal/models"
	"bossdb_rag_go_backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedUser(t *testing.T, db *gorm.DB, identifier string) *models.User {
	t.Helper()
	user := &models.User{UserIdentifier: identifier, CreatedAt: time.Now(), LastActivity: time.Now()}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestChatServiceDB(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)
	store := NewChatServiceDB(db)
	user := seedUser(t, db, "127.0.0.1_session")

	t.Run("StartThread opens a thread without end time", func(t *testing.T) {
		threadID, err := store.StartThread(ctx, user.ID)
		require.NoError(t, err)

		thread, err := store.GetThread(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, user.ID, thread.UserID)
		assert.Nil(t, thread.EndTime)
		assert.False(t, thread.StartTime.IsZero())
	})

	t.Run("Messages come back in append order", func(t *testing.T) {
		threadID, err := store.StartThread(ctx, user.ID)
		require.NoError(t, err)

		require.NoError(t, store.AppendMessage(ctx, threadID, "What is BossDB?", true))
		require.NoError(t, store.AppendMessage(ctx, threadID, "A neuroimaging archive.", false))
		require.NoError(t, store.AppendTurn(ctx, threadID, "How do I download a mesh?", "Use intern."))

		messages, err := store.GetMessagesByThreadID(ctx, threadID)
		require.NoError(t, err)
		require.Len(t, messages, 4)
		assert.Equal(t, "What is BossDB?", messages[0].Content)
		assert.True(t, messages[0].IsUser)
		assert.False(t, messages[1].IsUser)
		assert.Equal(t, "How do I download a mesh?", messages[2].Content)
		assert.Equal(t, "Use intern.", messages[3].Content)
		assert.False(t, messages[3].IsUser)
	})

	t.Run("Appending to an unknown thread fails", func(t *testing.T) {
		err := store.AppendMessage(ctx, 9999, "lost?", true)
		assert.ErrorIs(t, err, ErrThreadNotFound)

		err = store.AppendTurn(ctx, 9999, "q", "a")
		assert.ErrorIs(t, err, ErrThreadNotFound)
	})

	t.Run("EndThread is idempotent", func(t *testing.T) {
		threadID, err := store.StartThread(ctx, user.ID)
		require.NoError(t, err)

		first, err := store.EndThread(ctx, threadID)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		second, err := store.EndThread(ctx, threadID)
		require.NoError(t, err)

		assert.True(t, first.Equal(second), "first %v second %v", first, second)
	})

	t.Run("EndThread on an unknown thread fails", func(t *testing.T) {
		_, err := store.EndThread(ctx, 4242)
		assert.ErrorIs(t, err, ErrThreadNotFound)
	})

	t.Run("Threads in range carry user and messages", func(t *testing.T) {
		threads, err := store.GetThreadsStartedBetween(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NotEmpty(t, threads)
		assert.Equal(t, "127.0.0.1_session", threads[0].User.UserIdentifier)

		none, err := store.GetThreadsStartedBetween(ctx, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestChatServiceDB_PersistenceFailure(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)
	store := NewChatServiceDB(db)
	user := seedUser(t, db, "u")
	threadID, err := store.StartThread(ctx, user.ID)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = store.AppendMessage(ctx, threadID, "hello", true)
	assert.ErrorIs(t, err, ErrPersistence)
}
