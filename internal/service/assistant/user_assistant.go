package assistant

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mentorchat/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
)

// Service persists users, sessions and messages.
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService builds a new assistant service.
func NewService(db *sql.DB, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("db required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, logger: logger}, nil
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	var taken bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
	).Scan(&taken); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return nil, ErrUsernameTaken
	}
	return s.insertUser(ctx, username, hashPassword(password), false)
}

// CreateGuest creates an anonymous identity. Guests cannot log in again; they
// keep their sessions only while their token is valid.
func (s *Service) CreateGuest(ctx context.Context) (*models.User, error) {
	return s.insertUser(ctx, "guest-"+uuid.NewString(), "", true)
}

func (s *Service) insertUser(ctx context.Context, username, hash string, guest bool) (*models.User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, guest, created_at) VALUES (?, ?, ?, ?)`,
		username, hash, guest, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	s.logger.Info("user created", zap.Int64("user_id", id), zap.Bool("guest", guest))
	return &models.User{ID: id, Username: username, PasswordHash: hash, Guest: guest, CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	user, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, guest, created_at FROM users WHERE username = ?`, username,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Guest || user.PasswordHash != hashPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser returns the user by id or sql.ErrNoRows.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, guest, created_at FROM users WHERE id = ?`, id,
	))
}

func (s *Service) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Guest, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
