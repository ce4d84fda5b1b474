// Package catalog serves the configured characters.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"companionchat/internal/models"
)

// ErrUnknownCharacter is returned for ids missing from the catalog.
var ErrUnknownCharacter = errors.New("unknown character")

// Catalog is an immutable id -> character index.
type Catalog struct {
	byID map[string]models.Character
}

// New indexes characters; entries without an id are rejected.
func New(characters []models.Character) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]models.Character, len(characters))}
	for _, ch := range characters {
		id := strings.TrimSpace(ch.ID)
		if id == "" {
			return nil, errors.New("character id is required")
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("duplicate character id %q", id)
		}
		ch.ID = id
		if ch.Name == "" {
			ch.Name = id
		}
		c.byID[id] = ch
	}
	return c, nil
}

// Get looks up a character.
func (c *Catalog) Get(id string) (models.Character, error) {
	ch, ok := c.byID[id]
	if !ok {
		return models.Character{}, fmt.Errorf("%w: %s", ErrUnknownCharacter, id)
	}
	return ch, nil
}

// List returns all characters ordered by name.
func (c *Catalog) List() []models.Character {
	out := make([]models.Character, 0, len(c.byID))
	for _, ch := range c.byID {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Greeting is the welcome line for an empty conversation.
func Greeting(ch models.Character) string {
	if g := strings.TrimSpace(ch.Greeting); g != "" {
		return g
	}
	return fmt.Sprintf("Hi, I'm %s! What would you like to talk about today?", ch.Name)
}
