package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mentorchat/internal/models"
)

const previewRunes = 120

// CreateSession inserts a new session for the user and returns the record.
func (s *Service) CreateSession(ctx context.Context, userID int64, title string) (*models.Session, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultSessionTitle
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// ListSessions returns all sessions for a user ordered by last activity, each
// with a preview of its newest message.
func (s *Service) ListSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.user_id, s.title, s.created_at, s.updated_at, m.role, m.content
		 FROM sessions s
		 LEFT JOIN messages m ON m.id = (SELECT MAX(id) FROM messages WHERE session_id = s.id)
		 WHERE s.user_id = ?
		 ORDER BY s.updated_at DESC, s.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var (
			sess    models.Session
			role    sql.NullString
			content sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt, &role, &content); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if role.Valid {
			sess.LastMessage = &models.LastMessage{Role: models.Role(role.String), Content: preview(content.String)}
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession returns the session owned by userID or sql.ErrNoRows.
func (s *Service) GetSession(ctx context.Context, userID, sessionID int64) (*models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID,
		userID,
	).Scan(&session.ID, &session.UserID, &session.Title, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// GetSessionWithMessages returns one session and its ordered messages.
func (s *Service) GetSessionWithMessages(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error) {
	session, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.queryMessages(ctx,
		`SELECT id, user_id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return session, nil, err
	}
	return session, messages, nil
}

// RecentMessages returns at most limit of the newest messages of a session in
// chronological order. limit <= 0 returns the whole history.
func (s *Service) RecentMessages(ctx context.Context, sessionID int64, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return s.queryMessages(ctx,
			`SELECT id, user_id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`,
			sessionID,
		)
	}
	messages, err := s.queryMessages(ctx,
		`SELECT id, user_id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Service) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.UserID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AppendMessageToSession persists a message for an existing session/user pair.
func (s *Service) AppendMessageToSession(ctx context.Context, userID, sessionID int64, role models.Role, content string) (*models.Message, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if sessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("content cannot be empty")
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ? AND user_id = ?)`,
		sessionID, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	return s.AddMessage(ctx, models.Message{
		UserID:    userID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	})
}

// AddMessage stores a new message and updates the session's updated_at timestamp.
func (s *Service) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.UserID, msg.SessionID, msg.Role, msg.Content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, msg.SessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return &msg, nil
}

// DeleteSession removes a session and all related messages for the user.
// It returns sql.ErrNoRows when the session does not exist.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	s.logger.Debug("session deleted", zap.Int64("user_id", userID), zap.Int64("session_id", sessionID))
	return nil
}

// UpdateSessionTitle sets a session title for the specified user.
func (s *Service) UpdateSessionTitle(ctx context.Context, userID, sessionID int64, title string) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ? AND user_id = ?`,
		title, sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func preview(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes]) + "…"
}
