package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"companionchat/internal/config"
	"companionchat/internal/models"
	"companionchat/internal/realtime"
	"companionchat/internal/storage"
)

func TestRegisterLoginAndProfile(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()

	created, err := svc.RegisterUser(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "alice", "other"); err == nil {
		t.Fatalf("expected duplicate username error")
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	profile, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if profile.UserID != created.UserID || profile.IsSubscribed || profile.FreeMessageCount != 0 || profile.Credits != nil {
		t.Fatalf("unexpected fresh profile: %#v", profile)
	}

	if err := svc.SaveFreeMessageCount(ctx, created.UserID, 2); err != nil {
		t.Fatalf("SaveFreeMessageCount: %v", err)
	}
	credits := 7
	if err := svc.SaveCredits(ctx, created.UserID, &credits); err != nil {
		t.Fatalf("SaveCredits: %v", err)
	}
	if err := svc.SetSubscribed(ctx, created.UserID, true); err != nil {
		t.Fatalf("SetSubscribed: %v", err)
	}
	profile, err = svc.LoadProfile(ctx, created.UserID)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if profile.FreeMessageCount != 2 || profile.Credits == nil || *profile.Credits != 7 || !profile.IsSubscribed {
		t.Fatalf("profile not updated: %#v", profile)
	}

	if err := svc.SaveCredits(ctx, created.UserID, nil); err != nil {
		t.Fatalf("SaveCredits(nil): %v", err)
	}
	profile, _ = svc.LoadProfile(ctx, created.UserID)
	if profile.Credits != nil {
		t.Fatalf("expected credits cleared, got %d", *profile.Credits)
	}

	if err := svc.SaveFreeMessageCount(ctx, 9999, 1); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown user, got %v", err)
	}
}

func TestInsertAndFetchMessages(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()
	user, err := svc.RegisterUser(ctx, "bob", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	second, err := svc.InsertMessage(ctx, models.ChatMessage{
		UserID: user.UserID, CharacterID: "luna", Sender: models.SenderAI,
		Text: "second", CreatedAt: base.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if second.ID == "" {
		t.Fatalf("expected minted id")
	}
	if _, err := svc.InsertMessage(ctx, models.ChatMessage{
		ID: "m1", UserID: user.UserID, CharacterID: "luna", Sender: models.SenderUser,
		Text: "first", CreatedAt: base, ImageRef: "data:image/png;base64,AAAA",
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if _, err := svc.InsertMessage(ctx, models.ChatMessage{
		UserID: user.UserID, CharacterID: "rex", Sender: models.SenderUser, Text: "elsewhere", CreatedAt: base,
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	rows, err := svc.FetchMessages(ctx, user.UserID, "luna")
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for luna, got %d", len(rows))
	}
	if rows[0].ID != "m1" || rows[0].Text != "first" || rows[0].ImageRef == "" || rows[1].Text != "second" {
		t.Fatalf("unexpected rows: %#v", rows)
	}

	bad := []models.ChatMessage{
		{CharacterID: "luna", Sender: models.SenderUser},
		{UserID: user.UserID, Sender: models.SenderUser},
		{UserID: user.UserID, CharacterID: "luna", Sender: "system"},
	}
	for _, msg := range bad {
		if _, err := svc.InsertMessage(ctx, msg); err == nil {
			t.Fatalf("expected validation error for %#v", msg)
		}
	}
}

func TestInsertMessagePublishesRow(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	broker := realtime.NewMemoryBroker()
	svc := NewService(db, broker)
	ctx := context.Background()
	user, err := svc.RegisterUser(ctx, "carol", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	feed, err := broker.Subscribe(ctx, realtime.ChannelName(user.UserID, "luna"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer feed.Close()

	if _, err := svc.InsertMessage(ctx, models.ChatMessage{
		ID: "m1", UserID: user.UserID, CharacterID: "luna", Sender: models.SenderUser, Text: "hi",
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	select {
	case payload := <-feed.Messages():
		var got models.ChatMessage
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if got.ID != "m1" || got.Text != "hi" {
			t.Fatalf("unexpected published row: %#v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("row not published")
	}
}

func TestDeleteUserRemovesMessages(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()
	user, _ := svc.RegisterUser(ctx, "dave", "secret")
	if _, err := svc.InsertMessage(ctx, models.ChatMessage{
		UserID: user.UserID, CharacterID: "luna", Sender: models.SenderUser, Text: "bye",
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if err := svc.DeleteUser(ctx, user.UserID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	rows, err := svc.FetchMessages(ctx, user.UserID, "luna")
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no messages, got %d (%v)", len(rows), err)
	}
	if _, err := svc.LoadProfile(ctx, user.UserID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}
