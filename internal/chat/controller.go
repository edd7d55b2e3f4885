package chat

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StreamOpener issues the send-message request and returns the response body.
// Non-2xx responses must be reported as an error.
type StreamOpener interface {
	OpenStream(ctx context.Context, req SendRequest) (io.ReadCloser, error)
}

// Controller runs at most one stream per session.
type Controller struct {
	opener      StreamOpener
	idleTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

type ControllerOption func(*Controller)

// WithIdleTimeout fails a stream that delivers no bytes for d. Zero disables it.
func WithIdleTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.idleTimeout = d }
}

func WithControllerLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewController(opener StreamOpener, opts ...ControllerOption) *Controller {
	c := &Controller{
		opener:  opener,
		logger:  zap.NewNop(),
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens a stream for sessionID. A session whose previous stream has not
// finished its terminal callback is rejected with ErrStreamInFlight and the
// running handle is left alone.
func (c *Controller) Start(ctx context.Context, sessionID string, req SendRequest, cb Callbacks) (*Handle, error) {
	c.mu.Lock()
	if _, busy := c.handles[sessionID]; busy {
		c.mu.Unlock()
		c.logger.Error("start rejected", zap.String("session_id", sessionID), zap.Error(ErrStreamInFlight))
		return nil, ErrStreamInFlight
	}
	streamCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		sessionID: sessionID,
		cb:        cb,
		cancelCtx: cancel,
		done:      make(chan struct{}),
		release:   c.release,
		logger:    c.logger,
	}
	h.state.Store(int32(StateConnecting))
	c.handles[sessionID] = h
	c.mu.Unlock()

	c.logger.Debug("stream started", zap.String("session_id", sessionID))
	go h.run(streamCtx, c.opener, req, c.idleTimeout)
	return h, nil
}

func (c *Controller) release(h *Handle) {
	c.mu.Lock()
	if c.handles[h.sessionID] == h {
		delete(c.handles, h.sessionID)
	}
	c.mu.Unlock()
	c.logger.Debug("stream finished", zap.String("session_id", h.sessionID), zap.Stringer("state", h.State()))
}

// Handle returns the in-flight handle of sessionID.
func (c *Controller) Handle(sessionID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[sessionID]
	return h, ok
}

func (c *Controller) InFlight(sessionID string) bool {
	_, ok := c.Handle(sessionID)
	return ok
}

// Cancel stops the stream of sessionID, if any.
func (c *Controller) Cancel(sessionID string) {
	if h, ok := c.Handle(sessionID); ok {
		h.Cancel()
	}
}

// CancelAll stops every in-flight stream and waits for their terminal callbacks.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
		<-h.Done()
	}
}
