// Package guestcache keeps the guest chat list on the device.
package guestcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"companionchat/internal/devicekv"
	"companionchat/internal/models"
)

const (
	DefaultCap     = 15
	excerptLength  = 80
	excerptEllipse = "..."
)

// Cache is the capped, recency-sorted list of guest conversations. Every
// update reads the whole list, mutates it and writes it back.
type Cache struct {
	store devicekv.Store
	cap   int
	mu    sync.Mutex
}

func New(store devicekv.Store, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Cache{store: store, cap: capacity}
}

// List returns the records most recent first.
func (c *Cache) List(ctx context.Context) ([]models.GuestSessionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(ctx)
}

// Upsert replaces the record for rec.CharacterID, re-sorts and caps the list.
func (c *Cache) Upsert(ctx context.Context, rec models.GuestSessionRecord) ([]models.GuestSessionRecord, error) {
	if rec.CharacterID == "" {
		return nil, errors.New("guestcache: character id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.GuestSessionRecord, 0, len(records)+1)
	out = append(out, rec)
	for _, r := range records {
		if r.CharacterID != rec.CharacterID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastInteractionAt.After(out[j].LastInteractionAt)
	})
	if len(out) > c.cap {
		out = out[:c.cap]
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode guest sessions: %w", err)
	}
	if err := c.store.Set(ctx, devicekv.KeyGuestSessions, string(data)); err != nil {
		return nil, fmt.Errorf("write guest sessions: %w", err)
	}
	return out, nil
}

// Clear drops the whole list.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Del(ctx, devicekv.KeyGuestSessions)
}

func (c *Cache) readLocked(ctx context.Context) ([]models.GuestSessionRecord, error) {
	raw, err := c.store.Get(ctx, devicekv.KeyGuestSessions)
	if errors.Is(err, devicekv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read guest sessions: %w", err)
	}
	var records []models.GuestSessionRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		// the list is a cache; the next Upsert rewrites it whole
		log.Warn().Err(err).Msg("guest sessions unreadable, starting over")
		return nil, nil
	}
	return records, nil
}

// Excerpt shortens text for the chat list preview.
func Excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= excerptLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:excerptLength]) + excerptEllipse
}
