package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"companionchat/internal/models"
	"companionchat/internal/realtime"
)

// FetchMessages returns the timeline of a (user, character) pair ordered by
// creation time.
func (s *Service) FetchMessages(ctx context.Context, userID int64, characterID string) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, character_id, sender, text, image_ref, audio_ref, created_at
		 FROM messages WHERE user_id = ? AND character_id = ? ORDER BY created_at ASC, id ASC`,
		userID, characterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var (
			m          models.ChatMessage
			image, aud sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.CharacterID, &m.Sender, &m.Text, &image, &aud, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ImageRef = image.String
		m.AudioRef = aud.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// InsertMessage persists one message and pushes it to realtime subscribers.
// A caller-supplied id is kept so the realtime echo matches the optimistic
// entry; otherwise a new one is minted.
func (s *Service) InsertMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error) {
	if msg.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if strings.TrimSpace(msg.CharacterID) == "" {
		return nil, errors.New("character_id is required")
	}
	if msg.Sender != models.SenderUser && msg.Sender != models.SenderAI {
		return nil, fmt.Errorf("invalid sender %q", msg.Sender)
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, character_id, sender, text, image_ref, audio_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.CharacterID, msg.Sender, msg.Text,
		nullable(msg.ImageRef), nullable(msg.AudioRef), msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := realtime.PublishMessage(ctx, s.broker, &msg); err != nil {
		log.Warn().Err(err).Str("message_id", msg.ID).Msg("publish inserted message failed")
	}
	return &msg, nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
