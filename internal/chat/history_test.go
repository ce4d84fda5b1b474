package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"companionchat/internal/models"
)

func TestLoadHistoryWelcomesEmptyConversation(t *testing.T) {
	mode, _, _ := guestSetup(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	rows, err := LoadHistory(context.Background(), mode, luna, now)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single welcome message, got %d", len(rows))
	}
	w := rows[0]
	if w.Sender != models.SenderAI || w.Text != "Hello, I'm Luna." || !strings.HasPrefix(w.ID, "welcome-") || !w.CreatedAt.Equal(now) {
		t.Fatalf("unexpected welcome: %#v", w)
	}

	plain := models.Character{ID: "rex", Name: "Rex"}
	rows, _ = LoadHistory(context.Background(), mode, plain, now)
	if !strings.Contains(rows[0].Text, "Rex") {
		t.Fatalf("fallback greeting should name the character: %q", rows[0].Text)
	}
}

func TestLoadHistoryReturnsSortedRows(t *testing.T) {
	mode, _, backend := memberSetup(t, 0, false, nil)
	later := msgAt("b", 2)
	later.UserID = 1
	earlier := msgAt("a", 1)
	earlier.UserID = 1
	backend.rows = []models.ChatMessage{later, earlier}

	rows, err := LoadHistory(context.Background(), mode, luna, time.Now())
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if got := ids(rows); !equalIDs(got, []string{"a", "b"}) {
		t.Fatalf("expected sorted rows without welcome, got %v", got)
	}
}

func TestLoadHistoryPropagatesFailure(t *testing.T) {
	mode, _, backend := memberSetup(t, 0, false, nil)
	backend.failFetch = 1
	if _, err := LoadHistory(context.Background(), mode, luna, time.Now()); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}
