package chat

import (
	"sync"
	"time"

	"mentorchat/internal/models"
)

// MessageLog is the ordered history of one session plus at most one live draft.
// Committed messages are append-only; the draft always renders last.
type MessageLog struct {
	mu       sync.RWMutex
	messages []Message
	draft    *Message
	now      func() time.Time
}

func NewMessageLog(history []Message) *MessageLog {
	l := &MessageLog{now: time.Now}
	l.messages = append(l.messages, history...)
	return l
}

// Append adds a committed message at the end.
func (l *MessageLog) Append(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.now()
	}
	l.messages = append(l.messages, msg)
}

// BeginDraft opens the live assistant entry. Only one draft may be open.
func (l *MessageLog) BeginDraft(provisionalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draft != nil {
		return ErrDraftOpen
	}
	l.draft = &Message{ID: provisionalID, Role: models.RoleAssistant}
	return nil
}

// UpdateDraft replaces the draft content with the full accumulated text.
func (l *MessageLog) UpdateDraft(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draft == nil {
		return ErrNoDraft
	}
	l.draft.Content = text
	return nil
}

// CommitDraft freezes the draft into a committed message with a fresh id.
func (l *MessageLog) CommitDraft() (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draft == nil {
		return Message{}, ErrNoDraft
	}
	msg := *l.draft
	msg.ID = NewProvisionalID()
	msg.CreatedAt = l.now()
	l.messages = append(l.messages, msg)
	l.draft = nil
	return msg, nil
}

// DiscardDraft drops the draft, if any.
func (l *MessageLog) DiscardDraft() {
	l.mu.Lock()
	l.draft = nil
	l.mu.Unlock()
}

func (l *MessageLog) Draft() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.draft == nil {
		return Message{}, false
	}
	return *l.draft, true
}

// Messages returns a snapshot: committed messages followed by the draft.
func (l *MessageLog) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, 0, len(l.messages)+1)
	out = append(out, l.messages...)
	if l.draft != nil {
		out = append(out, *l.draft)
	}
	return out
}

// Len counts committed messages only.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Reconcile makes server history authoritative. Local provisional entries that
// the server has confirmed (same role and content, in order) are dropped; the
// remaining ones stay after the server entries in their original order.
func (l *MessageLog) Reconcile(server []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := make([]Message, 0, len(server)+len(l.messages))
	merged = append(merged, server...)

	// only server entries newer than the last one already known locally can confirm
	// an optimistic message
	cursor := 0
	for i := len(server) - 1; i >= 0; i-- {
		if l.knownLocked(server[i].ID) {
			cursor = i + 1
			break
		}
	}
	for _, local := range l.messages {
		if !local.Provisional() {
			continue
		}
		if idx := matchFrom(server, cursor, local); idx >= 0 {
			cursor = idx + 1
			continue
		}
		merged = append(merged, local)
	}
	l.messages = merged
}

func (l *MessageLog) knownLocked(id string) bool {
	if id == "" {
		return false
	}
	for _, m := range l.messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

func matchFrom(server []Message, from int, local Message) int {
	for i := from; i < len(server); i++ {
		if server[i].Role == local.Role && server[i].Content == local.Content {
			return i
		}
	}
	return -1
}
