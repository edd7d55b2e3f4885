package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mentorchat/internal/stream"
)

// State is the lifecycle position of one stream.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Callbacks receive the folded stream state. Calls for one handle are serialized
// and none follows the terminal callback. A callback must not call Cancel on the
// handle that invoked it.
type Callbacks struct {
	// OnDraft receives the full accumulated text after every delta.
	OnDraft         func(text string)
	OnTitle         func(title string)
	OnUpstreamError func(msg string)
	OnComplete      func(text string)
	OnFailed        func(err error)
	OnCancelled     func()
}

// Canceler is the capability handed to whoever may stop a stream.
type Canceler interface {
	Cancel()
}

const readBufferSize = 4 << 10

// Handle is one request/response stream bound to a session.
type Handle struct {
	sessionID string
	state     atomic.Int32

	mu    sync.Mutex
	draft strings.Builder
	title string
	err   error
	cb    Callbacks
	body  io.ReadCloser

	cancelCtx context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	release   func(*Handle)
	logger    *zap.Logger
}

func (h *Handle) SessionID() string { return h.sessionID }

func (h *Handle) State() State {
	return State(h.state.Load())
}

// DraftText is the concatenation of all deltas received so far. It is empty
// after cancellation.
func (h *Handle) DraftText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draft.String()
}

// DraftTitle is the last title seen on the stream.
func (h *Handle) DraftTitle() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.title
}

// Err is the failure reason once the handle has failed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed after the terminal callback has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel stops the stream and discards the draft. Safe to call repeatedly and
// on terminal handles.
func (h *Handle) Cancel() {
	h.finish(StateCancelled, nil)
}

func (h *Handle) run(ctx context.Context, opener StreamOpener, req SendRequest, idle time.Duration) {
	body, err := opener.OpenStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			h.finish(StateCancelled, nil)
			return
		}
		h.finish(StateFailed, fmt.Errorf("open stream: %w", err))
		return
	}
	if !h.attach(body) {
		_ = body.Close()
		return
	}

	var timer *time.Timer
	if idle > 0 {
		timer = time.AfterFunc(idle, func() {
			h.finish(StateFailed, ErrIdleTimeout)
		})
		defer timer.Stop()
	}

	parser := stream.NewFrameParser()
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if timer != nil {
				timer.Reset(idle)
			}
			if h.applyFrames(parser.Feed(buf[:n])) {
				return
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if trailing := parser.Buffered(); trailing > 0 {
				h.logger.Debug("flushing unterminated frame", zap.String("session_id", h.sessionID), zap.Int("bytes", trailing))
			}
			if h.applyFrames(parser.Flush()) {
				return
			}
			h.finish(StateFailed, ErrStreamTruncated)
			return
		}
		h.finish(StateFailed, fmt.Errorf("read stream: %w", readErr))
		return
	}
}

// attach moves the handle to streaming. It fails when the handle was cancelled
// while connecting.
func (h *Handle) attach(body io.ReadCloser) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CompareAndSwap(int32(StateConnecting), int32(StateStreaming)) {
		return false
	}
	h.body = body
	return true
}

// applyFrames decodes and applies frames in order. It returns true once the
// handle is terminal.
func (h *Handle) applyFrames(frames []string) bool {
	for _, frame := range frames {
		events := stream.Decode(frame)
		if len(events) == 0 {
			h.logger.Debug("frame ignored", zap.String("session_id", h.sessionID), zap.Int("bytes", len(frame)))
			continue
		}
		for _, ev := range events {
			if h.apply(ev) {
				return true
			}
		}
	}
	return h.State().Terminal()
}

func (h *Handle) apply(ev stream.Event) bool {
	h.mu.Lock()
	if h.State() != StateStreaming {
		h.mu.Unlock()
		return true
	}
	switch ev.Type {
	case stream.EventDelta:
		h.draft.WriteString(ev.Text)
		if h.cb.OnDraft != nil {
			h.cb.OnDraft(h.draft.String())
		}
	case stream.EventTitle:
		h.title = ev.Text
		if h.cb.OnTitle != nil {
			h.cb.OnTitle(ev.Text)
		}
	case stream.EventUpstreamError:
		h.logger.Warn("upstream reported error", zap.String("session_id", h.sessionID), zap.String("error", ev.Text))
		if h.cb.OnUpstreamError != nil {
			h.cb.OnUpstreamError(ev.Text)
		}
	case stream.EventDone:
		h.finishLocked(StateCompleted, nil)
		h.mu.Unlock()
		h.afterFinish()
		return true
	}
	h.mu.Unlock()
	return false
}

func (h *Handle) finish(to State, err error) bool {
	h.mu.Lock()
	if h.State().Terminal() {
		h.mu.Unlock()
		return false
	}
	h.finishLocked(to, err)
	h.mu.Unlock()
	h.afterFinish()
	return true
}

func (h *Handle) finishLocked(to State, err error) {
	h.state.Store(int32(to))
	h.err = err
	switch to {
	case StateCompleted:
		if h.cb.OnComplete != nil {
			h.cb.OnComplete(h.draft.String())
		}
	case StateFailed:
		h.logger.Warn("stream failed", zap.String("session_id", h.sessionID), zap.Error(err))
		if h.cb.OnFailed != nil {
			h.cb.OnFailed(err)
		}
	case StateCancelled:
		h.draft.Reset()
		if h.cb.OnCancelled != nil {
			h.cb.OnCancelled()
		}
	}
}

// afterFinish releases the connection and the session slot.
func (h *Handle) afterFinish() {
	h.cancelCtx()
	h.mu.Lock()
	body := h.body
	h.mu.Unlock()
	if body != nil {
		h.closeOnce.Do(func() { _ = body.Close() })
	}
	if h.release != nil {
		h.release(h)
	}
	close(h.done)
}
