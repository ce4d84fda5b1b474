package chat

import (
	"context"
	"fmt"

	"companionchat/internal/guestcache"
	"companionchat/internal/models"
	"companionchat/internal/realtime"
)

// Subscriber is the lifecycle handle of a realtime bridge.
type Subscriber interface {
	Open(ctx context.Context) error
	Close() error
}

// Mode dispatches the principal-dependent parts of a session.
type Mode interface {
	Principal() models.Principal
	LoadHistory(ctx context.Context, character models.Character) ([]models.ChatMessage, error)
	PersistMessage(ctx context.Context, character models.Character, msg models.ChatMessage) (models.ChatMessage, error)
	// Subscribe returns nil when the mode has no durable store to watch.
	Subscribe(characterID string, deliver func(models.ChatMessage)) Subscriber
}

// MessageStore is the backend message store.
type MessageStore interface {
	FetchMessages(ctx context.Context, userID int64, characterID string) ([]models.ChatMessage, error)
	InsertMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error)
}

// GuestMode keeps nothing durable except the device chat list.
type GuestMode struct {
	Cache *guestcache.Cache
}

func (GuestMode) Principal() models.Principal {
	return models.Principal{Kind: models.Guest}
}

func (GuestMode) LoadHistory(context.Context, models.Character) ([]models.ChatMessage, error) {
	return nil, nil
}

func (g GuestMode) PersistMessage(ctx context.Context, character models.Character, msg models.ChatMessage) (models.ChatMessage, error) {
	excerpt := msg.Text
	if excerpt == "" {
		switch {
		case msg.ImageRef != "":
			excerpt = "[image]"
		case msg.AudioRef != "":
			excerpt = "[audio]"
		}
	}
	_, err := g.Cache.Upsert(ctx, models.GuestSessionRecord{
		CharacterID:        character.ID,
		Name:               character.Name,
		LastMessageExcerpt: guestcache.Excerpt(excerpt),
		LastInteractionAt:  msg.CreatedAt,
	})
	if err != nil {
		return msg, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return msg, nil
}

func (GuestMode) Subscribe(string, func(models.ChatMessage)) Subscriber {
	return nil
}

// AuthenticatedMode reads and writes the backend and watches it for inserts.
type AuthenticatedMode struct {
	User   models.Principal
	Store  MessageStore
	Broker realtime.Broker
}

func (a AuthenticatedMode) Principal() models.Principal {
	return a.User
}

func (a AuthenticatedMode) LoadHistory(ctx context.Context, character models.Character) ([]models.ChatMessage, error) {
	rows, err := a.Store.FetchMessages(ctx, a.User.UserID, character.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return rows, nil
}

func (a AuthenticatedMode) PersistMessage(ctx context.Context, character models.Character, msg models.ChatMessage) (models.ChatMessage, error) {
	msg.UserID = a.User.UserID
	msg.CharacterID = character.ID
	row, err := a.Store.InsertMessage(ctx, msg)
	if err != nil {
		return msg, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return *row, nil
}

func (a AuthenticatedMode) Subscribe(characterID string, deliver func(models.ChatMessage)) Subscriber {
	if a.Broker == nil {
		return nil
	}
	return realtime.NewSubscription(a.Broker, a.User.UserID, characterID, deliver)
}
