package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"companionchat/internal/models"
	"companionchat/internal/realtime"
)

// ErrInvalidCredentials is returned by Login for unknown users or bad passwords.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service is the backend message store and profile store.
type Service struct {
	db     *sql.DB
	broker realtime.Broker
}

// NewService builds a backend service. broker may be nil, in which case
// inserted rows are not pushed to realtime subscribers.
func NewService(db *sql.DB, broker realtime.Broker) *Service {
	return &Service{db: db, broker: broker}
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.Profile, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, string(hash), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.Profile{UserID: id, Username: username, CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.Profile, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	var (
		id   int64
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE username = ?`, username,
	).Scan(&id, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.LoadProfile(ctx, id)
}

// LoadProfile returns the durable entitlement fields of a user.
func (s *Service) LoadProfile(ctx context.Context, userID int64) (*models.Profile, error) {
	var (
		p       models.Profile
		credits sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, is_subscribed, free_message_count, credits, created_at FROM users WHERE id = ?`,
		userID,
	).Scan(&p.UserID, &p.Username, &p.IsSubscribed, &p.FreeMessageCount, &credits, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if credits.Valid {
		c := int(credits.Int64)
		p.Credits = &c
	}
	return &p, nil
}

// SaveFreeMessageCount persists the free-tier counter.
func (s *Service) SaveFreeMessageCount(ctx context.Context, userID int64, count int) error {
	return s.updateUser(ctx, userID, `UPDATE users SET free_message_count = ? WHERE id = ?`, count)
}

// SaveCredits persists the credit balance; nil clears it.
func (s *Service) SaveCredits(ctx context.Context, userID int64, credits *int) error {
	var val sql.NullInt64
	if credits != nil {
		val = sql.NullInt64{Int64: int64(*credits), Valid: true}
	}
	return s.updateUser(ctx, userID, `UPDATE users SET credits = ? WHERE id = ?`, val)
}

// SetSubscribed records the subscription flag.
func (s *Service) SetSubscribed(ctx context.Context, userID int64, subscribed bool) error {
	return s.updateUser(ctx, userID, `UPDATE users SET is_subscribed = ? WHERE id = ?`, subscribed)
}

func (s *Service) updateUser(ctx context.Context, userID int64, stmt string, value interface{}) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, stmt, value, userID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
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

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
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
