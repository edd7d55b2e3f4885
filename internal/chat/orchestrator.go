package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mentorchat/internal/models"
)

// DefaultFailureNotice is appended as an assistant message when a stream fails.
const DefaultFailureNotice = "Sorry, your message could not be delivered. Please try again."

// Backend is the REST collaborator that persists sessions and messages.
type Backend interface {
	StreamOpener
	ListSessions(ctx context.Context) ([]Session, error)
	CreateSession(ctx context.Context) (Session, error)
	// DeleteSession must succeed when the session is already gone.
	DeleteSession(ctx context.Context, id string) error
	FetchHistory(ctx context.Context, id string) ([]Message, error)
}

// Observer is notified after state changes. Calls may arrive from stream
// goroutines and must not block.
type Observer interface {
	SessionsChanged()
	MessagesChanged(sessionID string)
	StreamFailed(sessionID string, err error)
}

type nopObserver struct{}

func (nopObserver) SessionsChanged()           {}
func (nopObserver) MessagesChanged(string)     {}
func (nopObserver) StreamFailed(string, error) {}

// Orchestrator wires user input, the session store, the message logs and the
// stream controller together.
type Orchestrator struct {
	backend    Backend
	store      *SessionStore
	controller *Controller
	observer   Observer
	logger     *zap.Logger
	notice     string
	idle       time.Duration
	now        func() time.Time

	mu     sync.Mutex
	logs   map[string]*MessageLog
	loaded map[string]bool
	closed bool
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithStreamIdleTimeout fails streams that stay silent for d.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.idle = d }
}

func WithFailureNotice(text string) Option {
	return func(o *Orchestrator) {
		if text != "" {
			o.notice = text
		}
	}
}

func New(backend Backend, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:  backend,
		observer: nopObserver{},
		logger:   zap.NewNop(),
		notice:   DefaultFailureNotice,
		now:      time.Now,
		logs:     make(map[string]*MessageLog),
		loaded:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.store = NewSessionStore(o.logger.Named("store"))
	o.controller = NewController(backend,
		WithIdleTimeout(o.idle),
		WithControllerLogger(o.logger.Named("stream")),
	)
	return o
}

// Init loads the session list, creating a first session when there is none,
// and activates the most recent one.
func (o *Orchestrator) Init(ctx context.Context) error {
	list, err := o.backend.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(list) == 0 {
		created, err := o.backend.CreateSession(ctx)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		list = []Session{created}
		o.markLoaded(created.ID)
	}
	o.store.Replace(list)
	if o.store.ActiveID() == "" {
		o.store.Select(o.store.List()[0].ID)
	}
	o.observer.SessionsChanged()
	return o.loadHistory(ctx, o.store.ActiveID())
}

// Send appends text as a user message to the active session and streams the
// reply. The returned Canceler stops that reply only.
func (o *Orchestrator) Send(ctx context.Context, text string) (Canceler, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	id := o.store.ActiveID()
	if id == "" {
		return nil, ErrNoActiveSession
	}
	if o.controller.InFlight(id) {
		o.logger.Warn("send while streaming, cancelling previous reply", zap.String("session_id", id))
		o.controller.Cancel(id)
	}

	log := o.logFor(id)
	msg := Message{
		ID:        NewProvisionalID(),
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: o.now(),
	}
	log.Append(msg)
	o.store.Touch(id, msg)
	o.observer.MessagesChanged(id)
	o.observer.SessionsChanged()

	// replies outlive the caller's context; Cancel and Close bound them
	h, err := o.controller.Start(context.WithoutCancel(ctx), id, SendRequest{SessionID: id, Message: text}, o.callbacks(id, log))
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (o *Orchestrator) callbacks(id string, log *MessageLog) Callbacks {
	return Callbacks{
		OnDraft: func(text string) {
			if _, open := log.Draft(); !open {
				if err := log.BeginDraft(NewProvisionalID()); err != nil {
					o.logger.Error("begin draft", zap.String("session_id", id), zap.Error(err))
					return
				}
			}
			if err := log.UpdateDraft(text); err != nil {
				o.logger.Error("update draft", zap.String("session_id", id), zap.Error(err))
				return
			}
			o.observer.MessagesChanged(id)
		},
		OnTitle: func(title string) {
			if o.store.Rename(id, title) {
				o.observer.SessionsChanged()
			}
		},
		OnComplete: func(text string) {
			if _, open := log.Draft(); !open {
				if text == "" {
					return
				}
				if err := log.BeginDraft(NewProvisionalID()); err != nil {
					o.logger.Error("begin draft", zap.String("session_id", id), zap.Error(err))
					return
				}
			}
			_ = log.UpdateDraft(text)
			msg, err := log.CommitDraft()
			if err != nil {
				o.logger.Error("commit draft", zap.String("session_id", id), zap.Error(err))
				return
			}
			o.store.Touch(id, msg)
			o.observer.MessagesChanged(id)
			o.observer.SessionsChanged()
		},
		OnFailed: func(err error) {
			log.DiscardDraft()
			notice := Message{
				ID:        NewProvisionalID(),
				Role:      models.RoleAssistant,
				Content:   o.notice,
				CreatedAt: o.now(),
			}
			log.Append(notice)
			o.store.Touch(id, notice)
			o.observer.MessagesChanged(id)
			o.observer.SessionsChanged()
			o.observer.StreamFailed(id, err)
		},
		OnCancelled: func() {
			log.DiscardDraft()
			o.observer.MessagesChanged(id)
		},
	}
}

// Select switches the active session. Streams of other sessions keep running.
func (o *Orchestrator) Select(ctx context.Context, id string) error {
	if !o.store.Select(id) {
		return ErrUnknownSession
	}
	o.observer.SessionsChanged()
	return o.loadHistory(ctx, id)
}

// NewSession creates a session on the backend and activates it.
func (o *Orchestrator) NewSession(ctx context.Context) (Session, error) {
	created, err := o.backend.CreateSession(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	o.markLoaded(created.ID)
	session := o.store.Create(created)
	o.observer.SessionsChanged()
	return session, nil
}

// DeleteSession cancels the session's stream, deletes it on the backend and
// drops its local state.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	o.controller.Cancel(id)
	if err := o.backend.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	o.store.Delete(id)
	o.mu.Lock()
	delete(o.logs, id)
	delete(o.loaded, id)
	o.mu.Unlock()
	o.observer.SessionsChanged()

	if active := o.store.ActiveID(); active != "" {
		return o.loadHistory(ctx, active)
	}
	return nil
}

// Cancel stops the reply streaming into session id, if any.
func (o *Orchestrator) Cancel(id string) {
	o.controller.Cancel(id)
}

// Sync re-fetches the history of id and reconciles it with local entries. It
// is skipped while a reply is streaming.
func (o *Orchestrator) Sync(ctx context.Context, id string) error {
	if o.controller.InFlight(id) {
		o.logger.Debug("sync skipped while streaming", zap.String("session_id", id))
		return nil
	}
	history, err := o.backend.FetchHistory(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	o.logFor(id).Reconcile(history)
	o.markLoaded(id)
	o.observer.MessagesChanged(id)
	return nil
}

// Refresh reloads the session list from the backend.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	list, err := o.backend.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	o.store.Replace(list)
	o.observer.SessionsChanged()
	return nil
}

// Close cancels every stream, foreground or background. Later sends fail with
// ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.controller.CancelAll()
}

func (o *Orchestrator) Sessions() []Session {
	return o.store.List()
}

func (o *Orchestrator) Active() (Session, bool) {
	return o.store.Active()
}

// Messages returns the history of id followed by the live draft, if any.
func (o *Orchestrator) Messages(id string) []Message {
	o.mu.Lock()
	log, ok := o.logs[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return log.Messages()
}

func (o *Orchestrator) Streaming(id string) bool {
	return o.controller.InFlight(id)
}

func (o *Orchestrator) loadHistory(ctx context.Context, id string) error {
	o.mu.Lock()
	done := o.loaded[id]
	o.mu.Unlock()
	if done {
		return nil
	}
	history, err := o.backend.FetchHistory(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	o.logFor(id).Reconcile(history)
	o.markLoaded(id)
	o.observer.MessagesChanged(id)
	return nil
}

func (o *Orchestrator) logFor(id string) *MessageLog {
	o.mu.Lock()
	defer o.mu.Unlock()
	log, ok := o.logs[id]
	if !ok {
		log = NewMessageLog(nil)
		o.logs[id] = log
	}
	return log
}

func (o *Orchestrator) markLoaded(id string) {
	o.mu.Lock()
	o.loaded[id] = true
	o.mu.Unlock()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
