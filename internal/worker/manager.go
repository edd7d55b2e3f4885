// Package worker schedules mentor reply generation. Requests are queued per
// user on a fair dispatcher and run on a bounded worker pool; each session runs
// at most one generation at a time.
package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mentorchat/internal/models"
	"mentorchat/internal/redis"
)

var (
	ErrSessionBusy    = errors.New("worker: session is already generating a reply")
	ErrDispatcherBusy = errors.New("worker: dispatcher queue is full")
	ErrClosed         = errors.New("worker: manager closed")
	ErrCancelled      = errors.New("worker: request cancelled")
)

// Store is the persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, userID, sessionID int64) (*models.Session, error)
	RecentMessages(ctx context.Context, sessionID int64, limit int) ([]*models.Message, error)
	AddMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	UpdateSessionTitle(ctx context.Context, userID, sessionID int64, title string) error
}

// AICalling streams a reply for a history, reporting deltas in order.
type AICalling interface {
	StreamReply(ctx context.Context, history []*models.Message, onDelta func(string) error) (string, error)
}

// AsCalling names a session from its first exchange.
type AsCalling interface {
	GenerateTitle(ctx context.Context, history []*models.Message) (string, error)
}

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	MaxHistory  int
}

type StreamRequest struct {
	Context   context.Context
	UserID    int64
	SessionID int64
	Message   string
	// ChunkFn receives each reply delta. Returning an error aborts generation.
	ChunkFn func(string) error
}

type StreamResult struct {
	UserMessage *models.Message
	Reply       *models.Message
	// Title is set when this exchange named the session.
	Title string
}

type Manager struct {
	store      Store
	ai         AICalling
	titles     AsCalling
	dispatcher *Dispatcher
	rdbClient  *redis.Client
	rdb        *stateRedis
	logger     *zap.Logger
	instanceID string
	maxHistory int

	mu     sync.Mutex
	state  map[int64]*userState
	cancel context.CancelFunc
}

type Option func(*Manager)

// WithRedis shares session state with other instances through client.
func WithRedis(client *redis.Client) Option {
	return func(m *Manager) { m.rdbClient = client }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(store Store, ai AICalling, titles AsCalling, cfg DispatcherConfig, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		ai:         ai,
		titles:     titles,
		logger:     zap.NewNop(),
		instanceID: uuid.NewString(),
		maxHistory: cfg.MaxHistory,
		state:      make(map[int64]*userState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rdbClient.Enabled() {
		m.rdb = newStateCache(m.rdbClient, m.logger.Named("rdb"))
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.IdleTimeout, m.logger.Named("dispatcher"))

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.rdb.startListener(ctx, m.onInvalidate)
	return m
}

// Stream generates the mentor reply to req.Message in a session. It blocks
// until the reply is complete, failed or cancelled through req.Context.
func (m *Manager) Stream(req StreamRequest) (*StreamResult, error) {
	if req.Context == nil {
		req.Context = context.Background()
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message cannot be empty")
	}
	state := m.getState(req.UserID)
	if !state.acquire(req.SessionID) {
		return nil, ErrSessionBusy
	}
	defer state.release(req.SessionID)

	if _, _, err := m.loadSession(req.Context, req.UserID, req.SessionID); err != nil {
		return nil, err
	}

	resultCh := make(chan workerReturn, 1)
	if err := m.dispatcher.Submit(Job{Type: Stream, StreamTask: &streamTask{req: req, resultCh: resultCh}}); err != nil {
		return nil, err
	}
	ret := <-resultCh
	if ret.err != nil {
		return &StreamResult{UserMessage: ret.userMessage}, ret.err
	}
	return &StreamResult{UserMessage: ret.userMessage, Reply: ret.reply, Title: ret.title}, nil
}

// Busy reports whether the session is generating.
func (m *Manager) Busy(userID, sessionID int64) bool {
	m.mu.Lock()
	state := m.state[userID]
	m.mu.Unlock()
	return state != nil && state.isBusy(sessionID)
}

// Purge drops cached state of a session on every instance.
func (m *Manager) Purge(userID, sessionID int64) {
	m.purgeLocal(userID, sessionID)
	ctx := context.Background()
	m.rdb.invalidateSession(ctx, sessionID)
	m.rdb.publishInvalidation(ctx, invalidateMessage{Origin: m.instanceID, UserID: userID, SessionID: sessionID, Scope: scopeSession})
}

// ResetUser forgets everything cached for a user and cancels their queued requests.
func (m *Manager) ResetUser(userID int64) {
	m.resetLocal(userID)
	for _, job := range m.dispatcher.CancelUser(userID) {
		m.abandon(job, ErrCancelled)
	}
	m.rdb.publishInvalidation(context.Background(), invalidateMessage{Origin: m.instanceID, UserID: userID, Scope: scopeUser})
}

// Close stops the dispatcher. Queued requests fail with ErrClosed; running
// ones finish.
func (m *Manager) Close() {
	m.cancel()
	for _, job := range m.dispatcher.Stop() {
		m.abandon(job, ErrClosed)
	}
}

func (m *Manager) getState(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state[userID]
	if !ok {
		state = newUserState(m.maxHistory)
		m.state[userID] = state
	}
	return state
}

func (m *Manager) purgeLocal(userID, sessionID int64) {
	m.mu.Lock()
	state := m.state[userID]
	m.mu.Unlock()
	if state != nil {
		state.purgeCache(sessionID)
	}
}

func (m *Manager) resetLocal(userID int64) {
	m.mu.Lock()
	state, ok := m.state[userID]
	delete(m.state, userID)
	m.mu.Unlock()
	if ok {
		state.reset()
	}
}

func (m *Manager) onInvalidate(msg invalidateMessage) {
	if msg.Origin == m.instanceID {
		return
	}
	switch msg.Scope {
	case scopeSession:
		m.purgeLocal(msg.UserID, msg.SessionID)
	case scopeUser:
		m.resetLocal(msg.UserID)
	}
	m.logger.Debug("remote invalidation", zap.String("scope", msg.Scope),
		zap.Int64("user_id", msg.UserID), zap.Int64("session_id", msg.SessionID))
}

// loadSession reads through the in-process tier, then redis, then the store.
func (m *Manager) loadSession(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error) {
	state := m.getState(userID)
	if session := state.getSession(sessionID); session != nil {
		if history, ok := state.getHistory(sessionID); ok {
			return session, history, nil
		}
	}
	if session, history, ok := m.rdb.loadSession(ctx, userID, sessionID); ok {
		state.setSession(session)
		state.setHistory(sessionID, history)
		return session, history, nil
	}

	session, err := m.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	history, err := m.store.RecentMessages(ctx, sessionID, m.maxHistory)
	if err != nil {
		return nil, nil, err
	}
	state.setSession(session)
	state.setHistory(sessionID, history)
	m.rdb.cacheSession(ctx, session, history)
	return session, history, nil
}

func (m *Manager) handleStream(task *streamTask) {
	ret := m.generate(task.req)
	task.resultCh <- ret
}

func (m *Manager) generate(req StreamRequest) workerReturn {
	ctx := req.Context
	if err := ctx.Err(); err != nil {
		return workerReturn{err: err}
	}
	log := m.logger.With(zap.Int64("user_id", req.UserID), zap.Int64("session_id", req.SessionID))

	session, prior, err := m.loadSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return workerReturn{err: err}
	}
	state := m.getState(req.UserID)

	userMsg, err := m.store.AddMessage(ctx, models.Message{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Role:      models.RoleUser,
		Content:   req.Message,
	})
	if err != nil {
		return workerReturn{err: err}
	}
	state.appendHistory(req.SessionID, userMsg)
	history, _ := state.getHistory(req.SessionID)

	start := time.Now()
	text, err := m.ai.StreamReply(ctx, history, req.ChunkFn)
	if err != nil {
		log.Warn("reply generation failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		m.shareHistory(ctx, session, state)
		return workerReturn{userMessage: userMsg, err: err}
	}

	ret := workerReturn{userMessage: userMsg}
	if text != "" {
		// the reply is stored even if the client went away mid-stream
		storeCtx := context.WithoutCancel(ctx)
		reply, err := m.store.AddMessage(storeCtx, models.Message{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Role:      models.RoleAssistant,
			Content:   text,
		})
		if err != nil {
			return workerReturn{userMessage: userMsg, err: err}
		}
		state.appendHistory(req.SessionID, reply)
		ret.reply = reply
	}

	if len(prior) == 0 && ret.reply != nil && m.titles != nil {
		title, err := m.titles.GenerateTitle(ctx, []*models.Message{userMsg, ret.reply})
		if err != nil {
			log.Warn("title generation failed", zap.Error(err))
		} else if title != "" && title != session.Title {
			if err := m.store.UpdateSessionTitle(ctx, req.UserID, req.SessionID, title); err != nil {
				log.Warn("store generated title", zap.Error(err))
			} else {
				state.setTitle(req.SessionID, title)
				session.Title = title
				ret.title = title
			}
		}
	}

	m.shareHistory(ctx, session, state)
	log.Debug("reply generated", zap.Duration("elapsed", time.Since(start)), zap.Int("bytes", len(text)))
	return ret
}

// shareHistory pushes the session's new state to redis and tells other
// instances to drop their copies.
func (m *Manager) shareHistory(ctx context.Context, session *models.Session, state *userState) {
	if !m.rdb.enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	history, _ := state.getHistory(session.ID)
	m.rdb.cacheSession(ctx, session, history)
	m.rdb.publishInvalidation(ctx, invalidateMessage{Origin: m.instanceID, UserID: session.UserID, SessionID: session.ID, Scope: scopeSession})
}

func (m *Manager) abandon(job Job, err error) {
	if job.Type == Stream && job.StreamTask != nil {
		job.StreamTask.resultCh <- workerReturn{err: err}
	}
}
