package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"mentorchat/internal/models"
)

const (
	localStateTTL     = 30 * time.Minute
	localStateCleanup = 10 * time.Minute
)

// userState is the per-user in-process tier: the sessions currently
// generating, and a TTL cache of session metadata and history windows.
type userState struct {
	mu         sync.RWMutex
	busy       map[int64]struct{}
	entries    *cache.Cache
	maxHistory int
}

func newUserState(maxHistory int) *userState {
	return &userState{
		busy:       make(map[int64]struct{}),
		entries:    cache.New(localStateTTL, localStateCleanup),
		maxHistory: maxHistory,
	}
}

func sessionKey(sessionID int64) string { return fmt.Sprintf("session:%d", sessionID) }
func historyKey(sessionID int64) string { return fmt.Sprintf("history:%d", sessionID) }

// acquire marks the session as generating. It reports false when a generation
// is already running for it.
func (s *userState) acquire(sessionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.busy[sessionID]; ok {
		return false
	}
	s.busy[sessionID] = struct{}{}
	return true
}

func (s *userState) release(sessionID int64) {
	s.mu.Lock()
	delete(s.busy, sessionID)
	s.mu.Unlock()
}

func (s *userState) isBusy(sessionID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.busy[sessionID]
	return ok
}

func (s *userState) setSession(session *models.Session) {
	if session == nil {
		return
	}
	copySession := *session
	s.entries.SetDefault(sessionKey(session.ID), &copySession)
}

func (s *userState) getSession(sessionID int64) *models.Session {
	v, ok := s.entries.Get(sessionKey(sessionID))
	if !ok {
		return nil
	}
	copySession := *v.(*models.Session)
	return &copySession
}

func (s *userState) setTitle(sessionID int64, title string) {
	if session := s.getSession(sessionID); session != nil {
		session.Title = title
		s.setSession(session)
	}
}

func (s *userState) setHistory(sessionID int64, history []*models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.SetDefault(historyKey(sessionID), s.window(history))
}

func (s *userState) appendHistory(sessionID int64, msg *models.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var history []*models.Message
	if v, ok := s.entries.Get(historyKey(sessionID)); ok {
		history = v.([]*models.Message)
	}
	next := make([]*models.Message, 0, len(history)+1)
	next = append(next, history...)
	next = append(next, msg)
	s.entries.SetDefault(historyKey(sessionID), s.window(next))
}

// getHistory returns the cached window and whether one was cached at all.
func (s *userState) getHistory(sessionID int64) ([]*models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries.Get(historyKey(sessionID))
	if !ok {
		return nil, false
	}
	history := v.([]*models.Message)
	out := make([]*models.Message, len(history))
	copy(out, history)
	return out, true
}

func (s *userState) window(history []*models.Message) []*models.Message {
	if s.maxHistory > 0 && len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}
	return history
}

func (s *userState) purgeCache(sessionID int64) {
	s.entries.Delete(sessionKey(sessionID))
	s.entries.Delete(historyKey(sessionID))
}

func (s *userState) reset() {
	s.entries.Flush()
}
