package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mentorchat/internal/auth"
	"mentorchat/internal/models"
	"mentorchat/internal/service/assistant"
	"mentorchat/internal/stream"
	"mentorchat/internal/worker"
)

type WorkerManager interface {
	Stream(worker.StreamRequest) (*worker.StreamResult, error)
	Busy(userID, sessionID int64) bool
	ResetUser(userID int64)
	Purge(userID, sessionID int64)
}

type Options struct {
	StreamTimeout time.Duration
	// SendRate is the sustained number of messages per second a user may send.
	SendRate  float64
	SendBurst int
	Logger    *zap.Logger
}

// Handler wires HTTP routes to the assistant service and the reply workers.
type Handler struct {
	assistant     *assistant.Service
	auth          *auth.Service
	workers       WorkerManager
	limiter       *sendLimiter
	streamTimeout time.Duration
	logger        *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, authService *auth.Service, workers WorkerManager, opts Options) *Handler {
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		assistant:     service,
		auth:          authService,
		workers:       workers,
		limiter:       newSendLimiter(opts.SendRate, opts.SendBurst),
		streamTimeout: opts.StreamTimeout,
		logger:        opts.Logger,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

func sessionIDParam(c *gin.Context) (int64, bool) {
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return sessionID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.POST("/guest", h.createGuest)
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(h.auth.Middleware(), h.requirePathUser())
	userRoutes.GET("/conversation/sessions", h.getSessionList)
	userRoutes.POST("/conversation/sessions", h.createSession)
	userRoutes.DELETE("/conversation/sessions/:session_id", h.deleteSession)
	userRoutes.GET("/conversation/sessions/:session_id/messages", h.getSessionMessages)
	userRoutes.POST("/conversation/msg", h.sendMessage)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, assistant.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("issue token", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) createGuest(c *gin.Context) {
	user, err := h.assistant.CreateGuest(c.Request.Context())
	if err != nil {
		h.logger.Error("create guest", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create guest failed"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("issue token", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"guest":      true,
	})
}

func (h *Handler) getSessionList(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	seList, err := h.assistant.ListSessions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(seList) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"session_list": make([]models.Session, 0),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_list": seList,
	})
}

func (h *Handler) createSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	session, err := h.assistant.CreateSession(c.Request.Context(), userID, strings.TrimSpace(req.Title))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session)
}

// deleteSession succeeds for sessions that are already gone so clients can
// retry a delete without special cases.
func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	if err := h.assistant.DeleteSession(c.Request.Context(), userID, sessionID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.Purge(userID, sessionID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	session, messages, err := h.assistant.GetSessionWithMessages(c.Request.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.workers.ResetUser(userID)
	h.limiter.forget(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.logger.Warn("revoke token on logout", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.ResetUser(id)
	h.limiter.forget(id)
	if err := h.assistant.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// User input interface
type messageRequest struct {
	SessionID int64  `json:"session_id"`
	Message   string `json:"message"`
}

// sendMessage answers with an event stream of reply deltas. Failures detected
// before the first frame are plain JSON errors; later ones become error frames.
func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message cannot be empty"})
		return
	}
	if !h.limiter.Allow(userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages, slow down"})
		return
	}
	if _, err := h.assistant.GetSession(c.Request.Context(), userID, req.SessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.workers.Busy(userID, req.SessionID) {
		c.JSON(http.StatusConflict, gin.H{"error": "session is still generating a reply"})
		return
	}
	if _, ok := c.Writer.(http.Flusher); !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), h.streamTimeout)
	defer cancel()

	// SSE headers go out with the first frame
	var out *stream.Writer
	begin := func() *stream.Writer {
		if out == nil {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			out = stream.NewWriter(c.Writer)
		}
		return out
	}

	result, err := h.workers.Stream(worker.StreamRequest{
		Context:   streamCtx,
		UserID:    userID,
		SessionID: req.SessionID,
		Message:   req.Message,
		ChunkFn: func(delta string) error {
			return begin().Text(delta)
		},
	})
	log := h.logger.With(zap.Int64("user_id", userID), zap.Int64("session_id", req.SessionID))
	if err != nil {
		if out == nil && h.rejectBeforeStream(c, err) {
			return
		}
		if c.Request.Context().Err() != nil {
			log.Debug("client went away during reply", zap.Error(err))
			return
		}
		log.Warn("reply stream failed", zap.Error(err))
		_ = begin().Error(streamErrorMessage(err))
		return
	}
	w := begin()
	if result.Title != "" {
		if err := w.Title(result.Title); err != nil {
			return
		}
	}
	_ = w.Done()
}

// rejectBeforeStream writes a JSON error for failures that mean no reply was
// started. It reports whether it handled err.
func (h *Handler) rejectBeforeStream(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, worker.ErrSessionBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "session is still generating a reply"})
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case errors.Is(err, worker.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		return false
	}
	return true
}

func streamErrorMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "reply timed out"
	case errors.Is(err, worker.ErrCancelled):
		return "request cancelled"
	default:
		return err.Error()
	}
}
