package chat

import (
	"sort"
	"sync"

	"companionchat/internal/models"
)

// Merge returns timeline plus every candidate whose id is not already
// present, ordered by CreatedAt and then by id. The input slice is not
// modified. Because the order is total and duplicates are dropped by id, the
// result does not depend on the order candidates arrive in.
func Merge(timeline []models.ChatMessage, candidates ...models.ChatMessage) ([]models.ChatMessage, int) {
	seen := make(map[string]struct{}, len(timeline)+len(candidates))
	out := make([]models.ChatMessage, 0, len(timeline)+len(candidates))
	for _, m := range timeline {
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	inserted := 0
	for _, m := range candidates {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
		inserted++
	}
	if inserted > 0 {
		sortMessages(out)
	}
	return out, inserted
}

func sortMessages(msgs []models.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Timeline is the ordered, id-unique message list of one open session.
// Both the send pipeline and the realtime bridge write through Insert.
type Timeline struct {
	mu   sync.RWMutex
	msgs []models.ChatMessage
}

// Insert adds msg unless an entry with the same id exists.
func (t *Timeline) Insert(msgs ...models.ChatMessage) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	merged, n := Merge(t.msgs, msgs...)
	t.msgs = merged
	return n
}

// Snapshot copies the current entries.
func (t *Timeline) Snapshot() []models.ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.ChatMessage(nil), t.msgs...)
}

// Tail returns at most n of the newest entries, oldest first.
func (t *Timeline) Tail(n int) []models.ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := 0
	if n > 0 && len(t.msgs) > n {
		start = len(t.msgs) - n
	}
	return append([]models.ChatMessage(nil), t.msgs[start:]...)
}

// Len reports the number of entries.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}
