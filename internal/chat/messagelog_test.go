package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mentorchat/internal/models"
)

func userMsg(id, content string) Message {
	return Message{ID: id, Role: models.RoleUser, Content: content, CreatedAt: time.Unix(1, 0)}
}

func assistantMsg(id, content string) Message {
	return Message{ID: id, Role: models.RoleAssistant, Content: content, CreatedAt: time.Unix(2, 0)}
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}

func TestMessageLogDraftLifecycle(t *testing.T) {
	log := NewMessageLog([]Message{userMsg("1", "hi")})

	require.NoError(t, log.BeginDraft("local-draft"))
	require.NoError(t, log.UpdateDraft("Hel"))
	require.NoError(t, log.UpdateDraft("Hello"))

	msgs := log.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, 1, log.Len(), "draft is not committed")

	committed, err := log.CommitDraft()
	require.NoError(t, err)
	assert.Equal(t, "Hello", committed.Content)
	assert.Equal(t, models.RoleAssistant, committed.Role)
	assert.True(t, committed.Provisional())
	assert.NotEqual(t, "local-draft", committed.ID)
	assert.False(t, committed.CreatedAt.IsZero())

	_, open := log.Draft()
	assert.False(t, open)
	assert.Equal(t, []string{"user:hi", "assistant:Hello"}, contents(log.Messages()))
}

func TestMessageLogSecondDraftRejected(t *testing.T) {
	log := NewMessageLog(nil)
	require.NoError(t, log.BeginDraft("local-a"))
	require.NoError(t, log.UpdateDraft("partial"))

	err := log.BeginDraft("local-b")
	require.ErrorIs(t, err, ErrDraftOpen)
	assert.True(t, errors.Is(err, ErrContractViolation))

	draft, open := log.Draft()
	require.True(t, open)
	assert.Equal(t, "local-a", draft.ID)
	assert.Equal(t, "partial", draft.Content)
}

func TestMessageLogWithoutDraft(t *testing.T) {
	log := NewMessageLog(nil)
	assert.ErrorIs(t, log.UpdateDraft("x"), ErrNoDraft)
	_, err := log.CommitDraft()
	assert.ErrorIs(t, err, ErrNoDraft)
	log.DiscardDraft()
	assert.Empty(t, log.Messages())
}

func TestMessageLogDiscardThenAppend(t *testing.T) {
	log := NewMessageLog(nil)
	require.NoError(t, log.BeginDraft("local-a"))
	require.NoError(t, log.UpdateDraft("half a thought"))
	log.DiscardDraft()

	log.Append(userMsg("local-u", "again"))
	assert.Equal(t, []string{"user:again"}, contents(log.Messages()))
	require.NoError(t, log.BeginDraft("local-b"))
}

func TestMessageLogAppendStampsTime(t *testing.T) {
	log := NewMessageLog(nil)
	log.Append(Message{ID: "local-1", Role: models.RoleUser, Content: "hi"})
	assert.False(t, log.Messages()[0].CreatedAt.IsZero())
}

func TestMessageLogReconcileDropsConfirmed(t *testing.T) {
	log := NewMessageLog([]Message{userMsg("1", "first"), assistantMsg("2", "reply")})
	log.Append(userMsg("local-u", "second"))
	log.Append(assistantMsg("local-a", "answer"))
	log.Append(assistantMsg("local-n", DefaultFailureNotice))

	log.Reconcile([]Message{
		userMsg("1", "first"),
		assistantMsg("2", "reply"),
		userMsg("3", "second"),
		assistantMsg("4", "answer"),
	})

	msgs := log.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, []string{"1", "2", "3", "4"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID})
	assert.Equal(t, "local-n", msgs[4].ID, "unconfirmed local entry survives after server entries")
}

func TestMessageLogReconcileIgnoresOlderDuplicates(t *testing.T) {
	log := NewMessageLog([]Message{userMsg("1", "ok"), assistantMsg("2", "sure")})
	log.Append(userMsg("local-u", "ok"))

	// the server has not stored the new "ok" yet; the older one must not confirm it
	log.Reconcile([]Message{userMsg("1", "ok"), assistantMsg("2", "sure")})

	msgs := log.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "local-u", msgs[2].ID)
}

func TestMessageLogReconcileKeepsDraft(t *testing.T) {
	log := NewMessageLog(nil)
	log.Append(userMsg("local-u", "hi"))
	require.NoError(t, log.BeginDraft("local-d"))
	require.NoError(t, log.UpdateDraft("Hel"))

	log.Reconcile([]Message{userMsg("7", "hi")})

	msgs := log.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "7", msgs[0].ID)
	assert.Equal(t, "local-d", msgs[1].ID)
	assert.Equal(t, "Hel", msgs[1].Content)
}

func TestProvisionalIDs(t *testing.T) {
	a, b := NewProvisionalID(), NewProvisionalID()
	assert.NotEqual(t, a, b)
	assert.True(t, IsProvisionalID(a))
	assert.False(t, IsProvisionalID("42"))
}
