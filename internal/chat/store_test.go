package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mentorchat/internal/models"
)

func session(id string, updated int64) Session {
	return Session{ID: id, Title: "New Conversation", UpdatedAt: time.Unix(updated, 0)}
}

func ids(list []Session) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}

func TestSessionStoreListOrder(t *testing.T) {
	store := NewSessionStore(nil)
	store.Replace([]Session{session("1", 10), session("3", 30), session("2", 30), session("4", 20)})
	assert.Equal(t, []string{"2", "3", "4", "1"}, ids(store.List()))
}

func TestSessionStoreCreateActivates(t *testing.T) {
	store := NewSessionStore(nil)
	store.Replace([]Session{session("1", 10)})
	require.True(t, store.Select("1"))

	created := store.Create(Session{ID: "2", Title: "New Conversation"})
	assert.False(t, created.UpdatedAt.IsZero())
	assert.Equal(t, "2", store.ActiveID())
	assert.Equal(t, "2", store.List()[0].ID)
}

func TestSessionStoreSelectUnknownLogs(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := NewSessionStore(zap.New(core))
	store.Replace([]Session{session("1", 10)})
	require.True(t, store.Select("1"))

	assert.False(t, store.Select("nope"))
	assert.Equal(t, "1", store.ActiveID())
	assert.Equal(t, 1, logs.FilterMessage("select unknown session").Len())

	assert.True(t, store.Select("1"), "selecting the active session is a no-op")
}

func TestSessionStoreDeleteFallsBack(t *testing.T) {
	store := NewSessionStore(nil)
	store.Replace([]Session{session("1", 10), session("2", 20), session("3", 30)})
	require.True(t, store.Select("3"))

	store.Delete("3")
	assert.Equal(t, "2", store.ActiveID())

	store.Delete("1")
	assert.Equal(t, "2", store.ActiveID(), "deleting an inactive session keeps the selection")

	store.Delete("2")
	assert.Equal(t, "", store.ActiveID())
	_, ok := store.Active()
	assert.False(t, ok)

	store.Delete("2")
	assert.Equal(t, 0, store.Len())
}

func TestSessionStoreReplaceKeepsActive(t *testing.T) {
	store := NewSessionStore(nil)
	store.Replace([]Session{session("1", 10), session("2", 20)})
	require.True(t, store.Select("1"))

	store.Replace([]Session{session("1", 40), session("5", 50)})
	assert.Equal(t, "1", store.ActiveID())

	store.Replace([]Session{session("5", 50)})
	assert.Equal(t, "", store.ActiveID())
}

func TestSessionStoreRenameLastWriteWins(t *testing.T) {
	store := NewSessionStore(nil)
	store.Replace([]Session{session("1", 10)})

	assert.True(t, store.Rename("1", "Go basics"))
	assert.True(t, store.Rename("1", "Go concurrency"))
	assert.False(t, store.Rename("9", "ghost"))

	got, ok := store.Get("1")
	require.True(t, ok)
	assert.Equal(t, "Go concurrency", got.Title)
}

func TestSessionStoreTouch(t *testing.T) {
	store := NewSessionStore(nil)
	store.Replace([]Session{session("1", 10), session("2", 20)})

	store.Touch("1", Message{Role: models.RoleUser, Content: "hello", CreatedAt: time.Unix(30, 0)})
	list := store.List()
	assert.Equal(t, "1", list[0].ID)
	require.NotNil(t, list[0].LastMessagePreview)
	assert.Equal(t, "hello", list[0].LastMessagePreview.Content)

	// a message stamped in the past still advances the session
	store.Touch("1", Message{Role: models.RoleAssistant, Content: "hi", CreatedAt: time.Unix(5, 0)})
	got, _ := store.Get("1")
	assert.True(t, got.UpdatedAt.After(time.Unix(30, 0)))
	assert.Equal(t, models.RoleAssistant, got.LastMessagePreview.Role)
}

func TestSessionStoreReturnsCopies(t *testing.T) {
	store := NewSessionStore(nil)
	store.Replace([]Session{{ID: "1", LastMessagePreview: &Preview{Content: "a"}}})

	got, _ := store.Get("1")
	got.Title = "mutated"
	got.LastMessagePreview.Content = "mutated"

	again, _ := store.Get("1")
	assert.Equal(t, "", again.Title)
	assert.Equal(t, "a", again.LastMessagePreview.Content)
}
