package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mentorchat/internal/chat"
	"mentorchat/internal/models"
	"mentorchat/internal/stream"
)

const testToken = "tok-123"

// fakeServer mimics the REST surface for user 42.
type fakeServer struct {
	mu       sync.Mutex
	sessions map[int64]string
	deleted  []int64
	sent     []map[string]any
	sendCode int
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{sessions: map[int64]string{7: "Existing"}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/users/login", func(w http.ResponseWriter, r *http.Request) {
		var creds credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": 42, "username": creds.Username, "auth_token": testToken})
	})
	mux.HandleFunc("POST /api/guest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": 42, "username": "guest-1", "auth_token": testToken, "guest": true})
	})
	mux.HandleFunc("GET /api/users/42/conversation/sessions", fs.authed(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		list := []map[string]any{}
		for id, title := range fs.sessions {
			list = append(list, map[string]any{
				"id":           id,
				"title":        title,
				"updated_at":   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
				"last_message": map[string]string{"role": "assistant", "content": "hello there"},
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_list": list})
	}))
	mux.HandleFunc("POST /api/users/42/conversation/sessions", fs.authed(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.sessions[8] = models.DefaultSessionTitle
		fs.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"id": 8, "title": models.DefaultSessionTitle, "updated_at": time.Now().UTC()})
	}))
	mux.HandleFunc("DELETE /api/users/42/conversation/sessions/{sid}", fs.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("sid") == "404" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		fs.mu.Lock()
		fs.deleted = append(fs.deleted, 9)
		fs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /api/users/42/conversation/sessions/{sid}/messages", fs.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("sid") != "7" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session": map[string]any{"id": 7},
			"messages": []map[string]any{
				{"id": 1, "role": "user", "content": "hi", "created_at": time.Now().UTC()},
				{"id": 2, "role": "assistant", "content": "hello there", "created_at": time.Now().UTC()},
			},
		})
	}))
	mux.HandleFunc("POST /api/users/42/conversation/msg", fs.authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.sent = append(fs.sent, body)
		code := fs.sendCode
		fs.mu.Unlock()
		if code != 0 {
			writeJSON(w, code, map[string]string{"error": "session is still generating a reply"})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		out := stream.NewWriter(w)
		_ = out.Text("Goroutines are ")
		_ = out.Text("cheap threads.")
		_ = out.Title("Goroutines 101")
		_ = out.Done()
	}))
	mux.HandleFunc("POST /api/users/42/logout", fs.authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization required"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLoginAndListSessions(t *testing.T) {
	_, srv := newFakeServer(t)
	c := New(srv.URL)
	ctx := context.Background()

	err := c.Login(ctx, "ada", "wrong")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.ErrorContains(t, err, "invalid credentials")

	require.NoError(t, c.Login(ctx, "ada", "secret"))
	assert.Equal(t, "ada", c.Username())

	sessions, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "7", sessions[0].ID)
	assert.Equal(t, "Existing", sessions[0].Title)
	require.NotNil(t, sessions[0].LastMessagePreview)
	assert.Equal(t, models.RoleAssistant, sessions[0].LastMessagePreview.Role)

	created, err := c.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8", created.ID)
	assert.Equal(t, models.DefaultSessionTitle, created.Title)

	history, err := c.FetchHistory(ctx, "7")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "1", history[0].ID)
	assert.False(t, history[0].Provisional())
	assert.Equal(t, models.RoleAssistant, history[1].Role)

	_, err = c.FetchHistory(ctx, "99")
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestSessionCallsRequireIdentity(t *testing.T) {
	_, srv := newFakeServer(t)
	c := New(srv.URL)
	ctx := context.Background()

	_, err := c.ListSessions(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.OpenStream(ctx, chat.SendRequest{SessionID: "7", Message: "hi"})
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, c.Guest(ctx))
	assert.Equal(t, "guest-1", c.Username())
	_, err = c.ListSessions(ctx)
	assert.NoError(t, err)

	require.NoError(t, c.Logout(ctx))
	_, err = c.ListSessions(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestDeleteSessionToleratesMissing(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := New(srv.URL)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "ada", "secret"))

	assert.NoError(t, c.DeleteSession(ctx, "9"))
	assert.NoError(t, c.DeleteSession(ctx, "404"))
	assert.ErrorIs(t, c.DeleteSession(ctx, chat.NewProvisionalID()), chat.ErrUnknownSession)
	fs.mu.Lock()
	assert.Len(t, fs.deleted, 1)
	fs.mu.Unlock()
}

func TestOpenStream(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := New(srv.URL)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "ada", "secret"))

	body, err := c.OpenStream(ctx, chat.SendRequest{SessionID: "7", Message: "what is a goroutine?"})
	require.NoError(t, err)
	defer body.Close()

	p := stream.NewFrameParser()
	buf := make([]byte, 5)
	var events []stream.Event
	for {
		n, err := body.Read(buf)
		for _, f := range p.Feed(buf[:n]) {
			events = append(events, stream.Decode(f)...)
		}
		if err != nil {
			break
		}
	}
	require.Len(t, events, 4)
	assert.Equal(t, "Goroutines are cheap threads.", events[0].Text+events[1].Text)
	assert.Equal(t, stream.EventTitle, events[2].Type)
	assert.Equal(t, stream.EventDone, events[3].Type)

	fs.mu.Lock()
	require.Len(t, fs.sent, 1)
	assert.Equal(t, float64(7), fs.sent[0]["session_id"])
	assert.Equal(t, "what is a goroutine?", fs.sent[0]["message"])
	fs.sendCode = http.StatusConflict
	fs.mu.Unlock()
	_, err = c.OpenStream(ctx, chat.SendRequest{SessionID: "7", Message: "again"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.StatusCode)
	assert.Equal(t, "session is still generating a reply", httpErr.Message)

	_, err = c.OpenStream(ctx, chat.SendRequest{SessionID: "local-abc", Message: "x"})
	assert.ErrorIs(t, err, chat.ErrUnknownSession)
}

func TestOrchestratorOverClient(t *testing.T) {
	_, srv := newFakeServer(t)
	c := New(srv.URL)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "ada", "secret"))

	o := chat.New(c, chat.WithStreamIdleTimeout(5*time.Second))
	defer o.Close()
	require.NoError(t, o.Init(ctx))

	active, ok := o.Active()
	require.True(t, ok)
	require.Equal(t, "7", active.ID)
	require.Len(t, o.Messages("7"), 2)

	_, err := o.Send(ctx, "what is a goroutine?")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := o.Messages("7")
		return !o.Streaming("7") && len(msgs) == 4 && msgs[3].Content == "Goroutines are cheap threads."
	}, 2*time.Second, 10*time.Millisecond)

	msgs := o.Messages("7")
	assert.Equal(t, "what is a goroutine?", msgs[2].Content)
	assert.Equal(t, models.RoleAssistant, msgs[3].Role)
	assert.Equal(t, "Goroutines are cheap threads.", msgs[3].Content)

	var title string
	for _, s := range o.Sessions() {
		if s.ID == "7" {
			title = s.Title
		}
	}
	assert.Equal(t, "Goroutines 101", title)
}

func TestBaseURL(t *testing.T) {
	got, err := BaseURL("http://localhost:8090/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090", got)

	for _, bad := range []string{"localhost:8090", "ftp://x", "http://"} {
		_, err := BaseURL(bad)
		assert.Error(t, err, bad)
	}
	assert.True(t, strings.HasPrefix(New("http://a/").baseURL, "http://a"))
}
