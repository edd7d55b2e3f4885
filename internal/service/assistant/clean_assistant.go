package assistant

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSweepInterval = time.Hour
	DefaultGuestMaxAge   = 7 * 24 * time.Hour
)

// StartSweeper periodically removes expired tokens and guest accounts older
// than guestMaxAge that hold no live token. It stops when ctx is done.
func (s *Service) StartSweeper(ctx context.Context, interval, guestMaxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if guestMaxAge <= 0 {
		guestMaxAge = DefaultGuestMaxAge
	}
	go s.sweepLoop(ctx, interval, guestMaxAge)
}

func (s *Service) sweepLoop(ctx context.Context, interval, guestMaxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx, guestMaxAge); err != nil {
				s.logger.Warn("sweep expired identities", zap.Error(err))
			}
		}
	}
}

// Sweep runs one cleanup pass and reports how many tokens and guests it removed.
func (s *Service) Sweep(ctx context.Context, guestMaxAge time.Duration) (tokens, guests int64, err error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, 0, err
	}
	tokens, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM users WHERE guest = 1 AND created_at <= ?
		 AND NOT EXISTS (SELECT 1 FROM user_tokens t WHERE t.user_id = users.id)`,
		now.Add(-guestMaxAge),
	)
	if err != nil {
		return tokens, 0, err
	}
	guests, _ = res.RowsAffected()
	if tokens > 0 || guests > 0 {
		s.logger.Info("swept identities", zap.Int64("tokens", tokens), zap.Int64("guests", guests))
	}
	return tokens, guests, nil
}
