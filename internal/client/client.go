// Package client talks to the mentorchat REST API. It implements chat.Backend
// so the terminal client can drive a chat.Orchestrator against a server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mentorchat/internal/chat"
	"mentorchat/internal/models"
)

// ErrNotAuthenticated is returned by session calls made before Login or Guest.
var ErrNotAuthenticated = errors.New("client: not authenticated")

// HTTPError is a non-2xx answer from the server.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// StatusCode reports the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.RWMutex
	userID   int64
	username string
	token    string
}

type Option func(*Client)

// WithHTTPClient replaces the transport. It must not set a global Timeout:
// reply streams stay open for as long as the mentor writes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type identity struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	AuthToken string `json:"auth_token"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.do(ctx, http.MethodPost, "/api/users/register", credentials{username, password}, nil)
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	var id identity
	if err := c.do(ctx, http.MethodPost, "/api/users/login", credentials{username, password}, &id); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.setIdentity(id)
	return nil
}

// Guest obtains an anonymous identity.
func (c *Client) Guest(ctx context.Context) error {
	var id identity
	if err := c.do(ctx, http.MethodPost, "/api/guest", nil, &id); err != nil {
		return fmt.Errorf("guest login: %w", err)
	}
	c.setIdentity(id)
	return nil
}

// Logout revokes the token on the server and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	path, err := c.userPath("/logout")
	if err != nil {
		return err
	}
	err = c.do(ctx, http.MethodPost, path, nil, nil)
	c.setIdentity(identity{})
	return err
}

func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) setIdentity(id identity) {
	c.mu.Lock()
	c.userID = id.ID
	c.username = id.Username
	c.token = id.AuthToken
	c.mu.Unlock()
	if id.ID > 0 {
		c.logger.Debug("authenticated", zap.Int64("user_id", id.ID), zap.String("username", id.Username))
	}
}

func (c *Client) userPath(suffix string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.userID <= 0 || c.token == "" {
		return "", ErrNotAuthenticated
	}
	return fmt.Sprintf("/api/users/%d%s", c.userID, suffix), nil
}

type sessionDTO struct {
	ID          int64               `json:"id"`
	Title       string              `json:"title"`
	UpdatedAt   time.Time           `json:"updated_at"`
	LastMessage *models.LastMessage `json:"last_message"`
}

func (s sessionDTO) toChat() chat.Session {
	out := chat.Session{
		ID:        formatID(s.ID),
		Title:     s.Title,
		UpdatedAt: s.UpdatedAt,
	}
	if s.LastMessage != nil {
		out.LastMessagePreview = &chat.Preview{Role: s.LastMessage.Role, Content: s.LastMessage.Content}
	}
	return out
}

func (c *Client) ListSessions(ctx context.Context) ([]chat.Session, error) {
	path, err := c.userPath("/conversation/sessions")
	if err != nil {
		return nil, err
	}
	var body struct {
		Sessions []sessionDTO `json:"session_list"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	out := make([]chat.Session, 0, len(body.Sessions))
	for _, s := range body.Sessions {
		out = append(out, s.toChat())
	}
	return out, nil
}

func (c *Client) CreateSession(ctx context.Context) (chat.Session, error) {
	path, err := c.userPath("/conversation/sessions")
	if err != nil {
		return chat.Session{}, err
	}
	var s sessionDTO
	if err := c.do(ctx, http.MethodPost, path, nil, &s); err != nil {
		return chat.Session{}, err
	}
	return s.toChat(), nil
}

// DeleteSession succeeds when the server no longer has the session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	sessionID, err := parseID(id)
	if err != nil {
		return err
	}
	path, err := c.userPath(fmt.Sprintf("/conversation/sessions/%d", sessionID))
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil && StatusCode(err) != http.StatusNotFound {
		return err
	}
	return nil
}

func (c *Client) FetchHistory(ctx context.Context, id string) ([]chat.Message, error) {
	sessionID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	path, err := c.userPath(fmt.Sprintf("/conversation/sessions/%d/messages", sessionID))
	if err != nil {
		return nil, err
	}
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		out = append(out, chat.Message{
			ID:        formatID(m.ID),
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// OpenStream posts the message and returns the event stream body. The caller
// owns the body and must close it.
func (c *Client) OpenStream(ctx context.Context, req chat.SendRequest) (io.ReadCloser, error) {
	sessionID, err := parseID(req.SessionID)
	if err != nil {
		return nil, err
	}
	path, err := c.userPath("/conversation/msg")
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, map[string]any{
		"session_id": sessionID,
		"message":    req.Message,
	})
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, readHTTPError(resp)
	}
	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode/100 != 2 {
		return readHTTPError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readHTTPError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// parseID rejects provisional and other non-server ids.
func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", chat.ErrUnknownSession, id)
	}
	return n, nil
}

// BaseURL validates raw as an http(s) server address.
func BaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server url must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
