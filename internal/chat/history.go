package chat

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"companionchat/internal/models"
	"companionchat/internal/service/catalog"
)

// LoadHistory fetches the timeline for the mode's principal. An empty
// history is replaced by a single, never persisted, welcome message.
func LoadHistory(ctx context.Context, mode Mode, character models.Character, now time.Time) ([]models.ChatMessage, error) {
	rows, err := mode.LoadHistory(ctx, character)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		sortMessages(rows)
		return rows, nil
	}
	return []models.ChatMessage{WelcomeMessage(character, now)}, nil
}

// WelcomeMessage synthesizes the character's greeting.
func WelcomeMessage(character models.Character, now time.Time) models.ChatMessage {
	return models.ChatMessage{
		ID:          "welcome-" + ulid.Make().String(),
		CharacterID: character.ID,
		Sender:      models.SenderAI,
		Text:        catalog.Greeting(character),
		CreatedAt:   now,
	}
}
