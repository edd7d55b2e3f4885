package chat

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionStore owns session metadata and the active-session pointer.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	active   string
	logger   *zap.Logger
	now      func() time.Time
}

func NewSessionStore(logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		logger:   logger,
		now:      time.Now,
	}
}

// List returns sessions, most recently active first.
func (s *SessionStore) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *SessionStore) sortedLocked() []Session {
	out := make([]Session, 0, len(s.sessions))
	for _, se := range s.sessions {
		out = append(out, cloneSession(se))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Create inserts a session and makes it active.
func (s *SessionStore) Create(session Session) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = s.now()
	}
	stored := cloneSession(&session)
	s.sessions[session.ID] = &stored
	s.active = session.ID
	return cloneSession(&stored)
}

// Replace loads a full list from the backend. The active id survives when the
// session is still present.
func (s *SessionStore) Replace(list []Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session, len(list))
	for i := range list {
		se := cloneSession(&list[i])
		s.sessions[se.ID] = &se
	}
	if _, ok := s.sessions[s.active]; !ok {
		s.active = ""
	}
}

// Select activates id. Unknown ids are logged and ignored.
func (s *SessionStore) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == id {
		return true
	}
	if _, ok := s.sessions[id]; !ok {
		s.logger.Warn("select unknown session", zap.String("session_id", id))
		return false
	}
	s.active = id
	return true
}

// Delete removes id. When it was active the most recent remaining session
// becomes active, or none.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	if s.active != id {
		return
	}
	s.active = ""
	if rest := s.sortedLocked(); len(rest) > 0 {
		s.active = rest[0].ID
	}
}

// Rename overwrites the title. Last write wins.
func (s *SessionStore) Rename(id, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.sessions[id]
	if !ok {
		s.logger.Warn("rename unknown session", zap.String("session_id", id))
		return false
	}
	se.Title = title
	return true
}

// Touch records msg as the latest activity of the session.
func (s *SessionStore) Touch(id string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.sessions[id]
	if !ok {
		return
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	if !at.After(se.UpdatedAt) {
		// UpdatedAt only moves forward, even with a skewed clock
		at = se.UpdatedAt.Add(time.Nanosecond)
	}
	se.UpdatedAt = at
	se.LastMessagePreview = &Preview{Role: msg.Role, Content: msg.Content}
}

func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	se, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return cloneSession(se), true
}

// Active returns the active session, if any.
func (s *SessionStore) Active() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return Session{}, false
	}
	se, ok := s.sessions[s.active]
	if !ok {
		return Session{}, false
	}
	return cloneSession(se), true
}

func (s *SessionStore) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func cloneSession(se *Session) Session {
	out := *se
	if se.LastMessagePreview != nil {
		p := *se.LastMessagePreview
		out.LastMessagePreview = &p
	}
	return out
}
