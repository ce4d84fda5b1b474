package device

import (
	"context"
	"errors"
	"testing"

	"companionchat/internal/chat"
	"companionchat/internal/config"
	"companionchat/internal/devicekv"
	"companionchat/internal/entitlement"
	"companionchat/internal/models"
	"companionchat/internal/realtime"
	"companionchat/internal/service/backend"
	"companionchat/internal/service/catalog"
	"companionchat/internal/storage"
)

type fixedResponder struct{}

func (fixedResponder) Respond(context.Context, *models.ResponderRequest) (*models.ResponderResponse, error) {
	var choice models.ResponderChoice
	choice.Message.Content = "sure"
	return &models.ResponderResponse{Choices: []models.ResponderChoice{choice}}, nil
}

func newTestDeps(t *testing.T) (Deps, *backend.Service, *realtime.MemoryBroker) {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	broker := realtime.NewMemoryBroker()
	svc := backend.NewService(db, broker)
	cat, err := catalog.New([]models.Character{{ID: "luna", Name: "Luna"}, {ID: "rex", Name: "Rex"}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return Deps{
		Backend:    svc,
		Broker:     broker,
		Characters: cat,
		Responder:  fixedResponder{},
	}, svc, broker
}

func TestAnonymousDeviceCannotChat(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	reg := NewRegistry(deps)
	d := reg.Get(context.Background(), "dev-1")
	if d.Store.Principal().Kind != models.Anonymous {
		t.Fatalf("fresh devices start anonymous")
	}
	if _, err := d.OpenSession(context.Background(), "luna"); !errors.Is(err, chat.ErrNotEntitled) {
		t.Fatalf("expected ErrNotEntitled, got %v", err)
	}
	d.EnterGuestMode(context.Background())
	if _, err := d.OpenSession(context.Background(), "ghost"); !errors.Is(err, catalog.ErrUnknownCharacter) {
		t.Fatalf("expected ErrUnknownCharacter, got %v", err)
	}
}

func TestGuestModeSurvivesRestart(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	kv := devicekv.NewMemoryStore()
	deps.KV = func(string) devicekv.Store { return kv }
	ctx := context.Background()

	first := NewRegistry(deps).Get(ctx, "dev-1")
	first.EnterGuestMode(ctx)
	s, err := first.OpenSession(ctx, "luna")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if _, err := s.Send(ctx, "Hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	again := NewRegistry(deps).Get(ctx, "dev-1")
	snap := again.Store.Snapshot()
	if snap.Principal.Kind != models.Guest || snap.GuestMessageCount != 1 {
		t.Fatalf("expected restored guest with count 1, got %#v", snap)
	}
	records, err := again.Guests.List(ctx)
	if err != nil || len(records) != 1 || records[0].CharacterID != "luna" {
		t.Fatalf("expected guest record for luna, got %#v (%v)", records, err)
	}
}

func TestReopenReplacesSession(t *testing.T) {
	deps, svc, broker := newTestDeps(t)
	ctx := context.Background()
	if _, err := svc.RegisterUser(ctx, "alice", "secret"); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	d := NewRegistry(deps).Get(ctx, "dev-1")
	snap, err := d.SignIn(ctx, entitlement.Credential{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	first, err := d.OpenSession(ctx, "luna")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	second, err := d.OpenSession(ctx, "luna")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if !first.Closed() || second.Closed() {
		t.Fatalf("reopening must close the earlier session only")
	}
	channel := realtime.ChannelName(snap.Principal.UserID, "luna")
	if n := broker.Subscribers(channel); n != 1 {
		t.Fatalf("expected one live subscription, got %d", n)
	}
	if got, _ := d.Session("luna"); got != second {
		t.Fatalf("registry should hand out the newest session")
	}
	if err := d.CloseSession("rex"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSignOutClosesEverySession(t *testing.T) {
	deps, svc, broker := newTestDeps(t)
	ctx := context.Background()
	user, err := svc.RegisterUser(ctx, "bob", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	d := NewRegistry(deps).Get(ctx, "dev-1")
	profile, _ := svc.LoadProfile(ctx, user.UserID)
	d.Resume(ctx, profile)

	luna, err := d.OpenSession(ctx, "luna")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	rex, err := d.OpenSession(ctx, "rex")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	d.SignOut(ctx)
	if !luna.Closed() || !rex.Closed() {
		t.Fatalf("sign-out must close every session")
	}
	for _, id := range []string{"luna", "rex"} {
		if n := broker.Subscribers(realtime.ChannelName(user.UserID, id)); n != 0 {
			t.Fatalf("subscription for %s still open", id)
		}
		if _, err := d.Session(id); !errors.Is(err, ErrNoSession) {
			t.Fatalf("expected ErrNoSession for %s, got %v", id, err)
		}
	}
}

func TestGuestListClearedOnPrincipalChange(t *testing.T) {
	deps, svc, _ := newTestDeps(t)
	ctx := context.Background()
	if _, err := svc.RegisterUser(ctx, "carol", "secret"); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	d := NewRegistry(deps).Get(ctx, "dev-1")

	chatAsGuest := func() {
		t.Helper()
		s, err := d.OpenSession(ctx, "luna")
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		if _, err := s.Send(ctx, "Hi"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if records, _ := d.Guests.List(ctx); len(records) != 1 {
			t.Fatalf("expected one guest record, got %d", len(records))
		}
	}
	assertEmpty := func(step string) {
		t.Helper()
		records, err := d.Guests.List(ctx)
		if err != nil || len(records) != 0 {
			t.Fatalf("%s: expected empty guest list, got %d (%v)", step, len(records), err)
		}
	}

	d.EnterGuestMode(ctx)
	chatAsGuest()
	d.EnterGuestMode(ctx)
	assertEmpty("new guest")

	chatAsGuest()
	if _, err := d.SignIn(ctx, entitlement.Credential{Username: "carol", Password: "secret"}); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	assertEmpty("sign-in")

	d.SignOut(ctx)
	d.EnterGuestMode(ctx)
	chatAsGuest()
	d.SignOut(ctx)
	assertEmpty("sign-out")
}
