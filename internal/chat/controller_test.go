package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeStream struct {
	req SendRequest
	w   *io.PipeWriter
}

func (s *fakeStream) send(t *testing.T, raw string) {
	t.Helper()
	_, err := s.w.Write([]byte(raw))
	require.NoError(t, err)
}

// pipeOpener hands every opened stream to the test through a channel.
type pipeOpener struct {
	streams chan *fakeStream
	openErr error
}

func newPipeOpener() *pipeOpener {
	return &pipeOpener{streams: make(chan *fakeStream, 8)}
}

func (p *pipeOpener) OpenStream(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	r, w := io.Pipe()
	p.streams <- &fakeStream{req: req, w: w}
	return r, nil
}

func (p *pipeOpener) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-p.streams:
		return s
	case <-time.After(waitFor):
		require.FailNow(t, "stream was not opened")
		return nil
	}
}

func waitTerminal(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		require.FailNow(t, "handle did not finish", "state %s", h.State())
	}
}

// recorder captures callbacks in call order.
type recorder struct {
	mu        sync.Mutex
	drafts    []string
	titles    []string
	upstream  []string
	completed []string
	failed    []error
	cancelled int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnDraft: func(text string) {
			r.mu.Lock()
			r.drafts = append(r.drafts, text)
			r.mu.Unlock()
		},
		OnTitle: func(title string) {
			r.mu.Lock()
			r.titles = append(r.titles, title)
			r.mu.Unlock()
		},
		OnUpstreamError: func(msg string) {
			r.mu.Lock()
			r.upstream = append(r.upstream, msg)
			r.mu.Unlock()
		},
		OnComplete: func(text string) {
			r.mu.Lock()
			r.completed = append(r.completed, text)
			r.mu.Unlock()
		},
		OnFailed: func(err error) {
			r.mu.Lock()
			r.failed = append(r.failed, err)
			r.mu.Unlock()
		},
		OnCancelled: func() {
			r.mu.Lock()
			r.cancelled++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) draftCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drafts)
}

func TestControllerCompletesStream(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{SessionID: "1", Message: "hi"}, rec.callbacks())
	require.NoError(t, err)
	assert.True(t, c.InFlight("1"))

	s := opener.next(t)
	assert.Equal(t, "hi", s.req.Message)
	s.send(t, "data: {\"text\":\"Hel\"}\n")
	s.send(t, "data: {\"text\":\"lo\"}\n")
	s.send(t, "data: [DONE]\n")
	waitTerminal(t, h)

	assert.Equal(t, StateCompleted, h.State())
	assert.Equal(t, "Hello", h.DraftText())
	assert.NoError(t, h.Err())
	assert.Equal(t, []string{"Hel", "Hello"}, rec.drafts)
	assert.Equal(t, []string{"Hello"}, rec.completed)
	assert.False(t, c.InFlight("1"))
}

func TestControllerSentinelSplitAcrossChunks(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)
	s.send(t, "data: {\"text\":\"ok\"}\ndat")
	s.send(t, "a: [DONE]\n")
	waitTerminal(t, h)

	assert.Equal(t, StateCompleted, h.State())
	assert.Equal(t, []string{"ok"}, rec.completed)
}

func TestControllerDraftIsConcatenationInOrder(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)

	parts := []string{"a", "b", "", "a", "ü", " c"}
	want := ""
	for i, p := range parts {
		want += p
		s.send(t, "data: {\"text\":\""+p+"\"}\n")
		require.Eventually(t, func() bool { return rec.draftCount() == i+1 }, waitFor, time.Millisecond)
		assert.Equal(t, want, h.DraftText())
	}
	s.send(t, "data: [DONE]\n")
	waitTerminal(t, h)
	assert.Equal(t, []string{want}, rec.completed)
}

func TestControllerSingleFlight(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	first, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)
	s.send(t, "data: {\"text\":\"Hel\"}\n")
	require.Eventually(t, func() bool { return rec.draftCount() == 1 }, waitFor, time.Millisecond)

	second, err := c.Start(context.Background(), "1", SendRequest{}, Callbacks{})
	require.ErrorIs(t, err, ErrStreamInFlight)
	assert.True(t, errors.Is(err, ErrContractViolation))
	assert.Nil(t, second)
	assert.Equal(t, StateStreaming, first.State())
	assert.Equal(t, "Hel", first.DraftText())

	// other sessions are independent
	other, err := c.Start(context.Background(), "2", SendRequest{}, Callbacks{})
	require.NoError(t, err)
	other.Cancel()

	s.send(t, "data: {\"text\":\"lo\"}\ndata: [DONE]\n")
	waitTerminal(t, first)
	assert.Equal(t, []string{"Hello"}, rec.completed)

	again, err := c.Start(context.Background(), "1", SendRequest{}, Callbacks{})
	require.NoError(t, err, "a terminal handle releases the session")
	again.Cancel()
}

func TestControllerCancelDiscardsDraft(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)
	s.send(t, "data: {\"text\":\"partial\"}\n")
	require.Eventually(t, func() bool { return rec.draftCount() == 1 }, waitFor, time.Millisecond)

	h.Cancel()
	h.Cancel()
	waitTerminal(t, h)

	assert.Equal(t, StateCancelled, h.State())
	assert.Equal(t, "", h.DraftText())
	assert.Equal(t, 1, rec.cancelled)
	assert.Empty(t, rec.completed)
	assert.Empty(t, rec.failed)
	assert.False(t, c.InFlight("1"))

	_, err = s.w.Write([]byte("data: [DONE]\n"))
	assert.Error(t, err, "the connection is closed on cancel")
}

func TestControllerCancelBeforeAnyFrame(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	h.Cancel()
	waitTerminal(t, h)

	assert.Equal(t, StateCancelled, h.State())
	assert.Equal(t, 0, rec.draftCount())
	assert.Equal(t, 1, rec.cancelled)
}

func TestControllerCancelOnTerminalIsNoop(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	opener.next(t).send(t, "data: {\"text\":\"done\"}\ndata: [DONE]\n")
	waitTerminal(t, h)

	h.Cancel()
	assert.Equal(t, StateCompleted, h.State())
	assert.Equal(t, "done", h.DraftText())
	assert.Equal(t, 0, rec.cancelled)
}

func TestControllerMalformedFramesTolerated(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)
	s.send(t, "data: {\"text\":\"a\"}\n")
	s.send(t, "data: {not json\ndata: 42\ndata: \n: ping\n")
	s.send(t, "data: {\"text\":\"b\"}\n")
	require.Eventually(t, func() bool { return rec.draftCount() == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, StateStreaming, h.State())

	s.send(t, "data: [DONE]\n")
	waitTerminal(t, h)
	assert.Equal(t, []string{"a", "ab"}, rec.drafts)
	assert.Equal(t, []string{"ab"}, rec.completed)
}

func TestControllerIgnoresFramesAfterDone(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	opener.next(t).send(t, "data: {\"text\":\"x\"}\ndata: [DONE]\ndata: {\"text\":\"y\",\"title\":\"late\"}\n")
	waitTerminal(t, h)

	assert.Equal(t, "x", h.DraftText())
	assert.Equal(t, []string{"x"}, rec.drafts)
	assert.Empty(t, rec.titles)
}

func TestControllerTitleLastWriteWins(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	opener.next(t).send(t, "data: {\"title\":\"First\"}\ndata: {\"text\":\"t\",\"title\":\"Second\"}\ndata: [DONE]\n")
	waitTerminal(t, h)

	assert.Equal(t, "Second", h.DraftTitle())
	assert.Equal(t, []string{"First", "Second"}, rec.titles)
}

func TestControllerUpstreamErrorDoesNotTerminate(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)
	s.send(t, "data: {\"text\":\"a\"}\ndata: {\"error\":\"rate limited\"}\n")
	s.send(t, "data: {\"text\":\"b\"}\ndata: [DONE]\n")
	waitTerminal(t, h)

	assert.Equal(t, []string{"rate limited"}, rec.upstream)
	assert.Equal(t, []string{"ab"}, rec.completed)
}

func TestControllerConnectionReset(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)
	s.send(t, "data: {\"text\":\"Hel\"}\n")
	reset := errors.New("connection reset by peer")
	require.NoError(t, s.w.CloseWithError(reset))
	waitTerminal(t, h)

	assert.Equal(t, StateFailed, h.State())
	assert.ErrorIs(t, h.Err(), reset)
	require.Len(t, rec.failed, 1)
	assert.Empty(t, rec.completed)
	assert.False(t, c.InFlight("1"))
}

func TestControllerEOFWithoutDone(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)
	s.send(t, "data: {\"text\":\"Hel\"}\n")
	require.NoError(t, s.w.Close())
	waitTerminal(t, h)

	assert.Equal(t, StateFailed, h.State())
	assert.ErrorIs(t, h.Err(), ErrStreamTruncated)
}

func TestControllerFlushesUnterminatedSentinel(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)
	s.send(t, "data: {\"text\":\"fin\"}\ndata: [DONE]")
	require.NoError(t, s.w.Close())
	waitTerminal(t, h)

	assert.Equal(t, StateCompleted, h.State())
	assert.Equal(t, []string{"fin"}, rec.completed)
}

func TestControllerOpenError(t *testing.T) {
	opener := newPipeOpener()
	opener.openErr = errors.New("status 502")
	c := NewController(opener)
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	waitTerminal(t, h)

	assert.Equal(t, StateFailed, h.State())
	assert.ErrorIs(t, h.Err(), opener.openErr)
	assert.Len(t, rec.failed, 1)
}

func TestControllerIdleTimeout(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener, WithIdleTimeout(100*time.Millisecond))
	rec := &recorder{}

	h, err := c.Start(context.Background(), "1", SendRequest{}, rec.callbacks())
	require.NoError(t, err)
	s := opener.next(t)
	s.send(t, "data: {\"text\":\"slow\"}\n")
	waitTerminal(t, h)

	assert.Equal(t, StateFailed, h.State())
	assert.ErrorIs(t, h.Err(), ErrIdleTimeout)
	assert.Equal(t, []string{"slow"}, rec.drafts)
}

func TestControllerCancelAll(t *testing.T) {
	opener := newPipeOpener()
	c := NewController(opener)

	a, err := c.Start(context.Background(), "1", SendRequest{}, Callbacks{})
	require.NoError(t, err)
	b, err := c.Start(context.Background(), "2", SendRequest{}, Callbacks{})
	require.NoError(t, err)

	c.CancelAll()
	assert.Equal(t, StateCancelled, a.State())
	assert.Equal(t, StateCancelled, b.State())
	assert.False(t, c.InFlight("1"))
	assert.False(t, c.InFlight("2"))
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateIdle, StateConnecting, StateStreaming} {
		assert.False(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled} {
		assert.True(t, s.Terminal(), s.String())
	}
}
