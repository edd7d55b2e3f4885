package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mentorchat/internal/models"
	"mentorchat/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
)

const (
	scopeUser    = "user"
	scopeSession = "session"
)

type invalidateMessage struct {
	Origin    string `json:"origin"`
	UserID    int64  `json:"user_id"`
	SessionID int64  `json:"session_id"`
	Scope     string `json:"scope"`
}

// stateRedis is the shared tier of the session cache. It lets several server
// instances reuse loaded history and tells them when a copy went stale.
type stateRedis struct {
	client *redis.Client
	logger *zap.Logger
}

func newStateCache(client *redis.Client, logger *zap.Logger) *stateRedis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &stateRedis{client: client, logger: logger}
}

func (r *stateRedis) enabled() bool {
	return r != nil && r.client.Enabled()
}

// startListener delivers invalidations until ctx is done.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if !r.enabled() || handler == nil {
		return
	}
	pubsub, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		r.logger.Warn("subscribe invalidations", zap.Error(err))
		return
	}
	// wait for the subscription confirmation so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		r.logger.Warn("confirm invalidation subscription", zap.Error(err))
		pubsub.Close()
		return
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					r.logger.Warn("decode invalidation", zap.Error(err))
					continue
				}
				handler(inv)
			}
		}
	}()
}

func (r *stateRedis) publishInvalidation(ctx context.Context, msg invalidateMessage) {
	if !r.enabled() {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("marshal invalidation", zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		r.logger.Warn("publish invalidation", zap.Error(err))
	}
}

func (r *stateRedis) cacheSession(ctx context.Context, session *models.Session, history []*models.Message) {
	if !r.enabled() || session == nil || session.ID <= 0 {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		r.logger.Warn("marshal cached session", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, redisSessionKey(session.ID), data, redisStateTTL); err != nil {
		r.logger.Warn("cache session", zap.Int64("session_id", session.ID), zap.Error(err))
		return
	}
	r.cacheHistory(ctx, session.ID, history)
}

func (r *stateRedis) cacheHistory(ctx context.Context, sessionID int64, history []*models.Message) {
	if !r.enabled() || sessionID <= 0 {
		return
	}
	data, err := json.Marshal(history)
	if err != nil {
		r.logger.Warn("marshal cached history", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, redisHistoryKey(sessionID), data, redisStateTTL); err != nil {
		r.logger.Warn("cache history", zap.Int64("session_id", sessionID), zap.Error(err))
	}
}

// loadSession returns the cached session and history. A session owned by
// another user counts as a miss.
func (r *stateRedis) loadSession(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, bool) {
	if !r.enabled() || sessionID <= 0 {
		return nil, nil, false
	}
	rawSession, err := r.client.Get(ctx, redisSessionKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("load cached session", zap.Error(err))
		}
		return nil, nil, false
	}
	var session models.Session
	if err := json.Unmarshal([]byte(rawSession), &session); err != nil {
		r.logger.Warn("decode cached session", zap.Error(err))
		return nil, nil, false
	}
	if session.UserID != userID {
		return nil, nil, false
	}

	rawHistory, err := r.client.Get(ctx, redisHistoryKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("load cached history", zap.Error(err))
		}
		return nil, nil, false
	}
	var history []*models.Message
	if err := json.Unmarshal([]byte(rawHistory), &history); err != nil {
		r.logger.Warn("decode cached history", zap.Error(err))
		return nil, nil, false
	}
	return &session, history, true
}

func (r *stateRedis) invalidateSession(ctx context.Context, sessionID int64) {
	if !r.enabled() || sessionID <= 0 {
		return
	}
	if err := r.client.Del(ctx, redisSessionKey(sessionID), redisHistoryKey(sessionID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		r.logger.Warn("invalidate cached session", zap.Int64("session_id", sessionID), zap.Error(err))
	}
}

func redisSessionKey(sessionID int64) string { return fmt.Sprintf("worker:session:%d", sessionID) }
func redisHistoryKey(sessionID int64) string { return fmt.Sprintf("worker:history:%d", sessionID) }
