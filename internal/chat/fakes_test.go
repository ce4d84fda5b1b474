package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"companionchat/internal/devicekv"
	"companionchat/internal/entitlement"
	"companionchat/internal/guestcache"
	"companionchat/internal/models"
	"companionchat/internal/realtime"
)

var luna = models.Character{
	ID:           "luna",
	Name:         "Luna",
	Greeting:     "Hello, I'm Luna.",
	SystemPrompt: "You are Luna.",
}

// stepClock advances one second per reading.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type responderFunc func(ctx context.Context, req *models.ResponderRequest) (*models.ResponderResponse, error)

func (f responderFunc) Respond(ctx context.Context, req *models.ResponderRequest) (*models.ResponderResponse, error) {
	return f(ctx, req)
}

func replyWith(text string) *models.ResponderResponse {
	var choice models.ResponderChoice
	choice.Message.Content = text
	return &models.ResponderResponse{Choices: []models.ResponderChoice{choice}}
}

// recordingResponder echoes the newest turn and keeps every request.
type recordingResponder struct {
	mu   sync.Mutex
	reqs []*models.ResponderRequest
}

func (r *recordingResponder) Respond(_ context.Context, req *models.ResponderRequest) (*models.ResponderResponse, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	last := req.Messages[len(req.Messages)-1]
	return replyWith("echo: " + last.Content), nil
}

func (r *recordingResponder) last(t *testing.T) *models.ResponderRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reqs) == 0 {
		t.Fatalf("responder was never called")
	}
	return r.reqs[len(r.reqs)-1]
}

// fakeMessageStore is an in-memory backend that publishes inserts like the
// real one does.
type fakeMessageStore struct {
	mu         sync.Mutex
	rows       []models.ChatMessage
	failFetch  int
	failInsert bool
	broker     realtime.Broker
}

func (f *fakeMessageStore) FetchMessages(_ context.Context, userID int64, characterID string) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch > 0 {
		f.failFetch--
		return nil, errors.New("backend unavailable")
	}
	var out []models.ChatMessage
	for _, m := range f.rows {
		if m.UserID == userID && m.CharacterID == characterID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) InsertMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error) {
	f.mu.Lock()
	if f.failInsert {
		f.mu.Unlock()
		return nil, errors.New("insert rejected")
	}
	f.rows = append(f.rows, msg)
	f.mu.Unlock()
	_ = realtime.PublishMessage(ctx, f.broker, &msg)
	return &msg, nil
}

func (f *fakeMessageStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// profileStub persists the free-tier counter in memory.
type profileStub struct {
	mu   sync.Mutex
	free int
}

func (p *profileStub) LoadProfile(_ context.Context, userID int64) (*models.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &models.Profile{UserID: userID, FreeMessageCount: p.free}, nil
}

func (p *profileStub) SaveFreeMessageCount(_ context.Context, _ int64, count int) error {
	p.mu.Lock()
	p.free = count
	p.mu.Unlock()
	return nil
}

func (p *profileStub) SaveCredits(context.Context, int64, *int) error { return nil }

func (p *profileStub) SetSubscribed(context.Context, int64, bool) error { return nil }

func guestSetup(t *testing.T) (GuestMode, *entitlement.Store, *guestcache.Cache) {
	t.Helper()
	kv := devicekv.NewMemoryStore()
	store := entitlement.NewStore(kv, &profileStub{}, nil, 3)
	store.EnterGuestMode(context.Background())
	cache := guestcache.New(kv, guestcache.DefaultCap)
	return GuestMode{Cache: cache}, store, cache
}

func memberSetup(t *testing.T, freeCount int, subscribed bool, broker realtime.Broker) (AuthenticatedMode, *entitlement.Store, *fakeMessageStore) {
	t.Helper()
	profile := &models.Profile{UserID: 1, Username: "alice", FreeMessageCount: freeCount, IsSubscribed: subscribed}
	store := entitlement.NewStore(devicekv.NewMemoryStore(), &profileStub{free: freeCount}, nil, 3)
	store.Adopt(context.Background(), profile)
	backend := &fakeMessageStore{broker: broker}
	mode := AuthenticatedMode{
		User:   models.Principal{Kind: models.Authenticated, UserID: 1, IsSubscribed: subscribed},
		Store:  backend,
		Broker: broker,
	}
	return mode, store, backend
}

func openSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Character.ID == "" {
		opts.Character = luna
	}
	if opts.Now == nil {
		opts.Now = newStepClock().now
	}
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func assertUniqueIDs(t *testing.T, msgs []models.ChatMessage) {
	t.Helper()
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s in timeline", m.ID)
		}
		seen[m.ID] = true
	}
}
