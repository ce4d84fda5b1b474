// Package device keeps the runtime state of every client device: its
// entitlement store, guest chat list and open chat sessions.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"companionchat/internal/chat"
	"companionchat/internal/devicekv"
	"companionchat/internal/entitlement"
	"companionchat/internal/guestcache"
	"companionchat/internal/models"
	"companionchat/internal/realtime"
	"companionchat/internal/service/ai"
)

var ErrNoSession = errors.New("device: no open session for character")

// Backend is the durable store behind authenticated devices.
type Backend interface {
	chat.MessageStore
	entitlement.ProfileStore
	entitlement.Authenticator
}

// Characters resolves catalog entries.
type Characters interface {
	Get(id string) (models.Character, error)
}

// Deps are shared by every device.
type Deps struct {
	Backend       Backend
	Broker        realtime.Broker
	Characters    Characters
	Responder     ai.Responder
	KV            func(deviceID string) devicekv.Store
	FreeLimit     int
	GuestCap      int
	ContextWindow int
	DefaultModel  string
}

type Registry struct {
	deps Deps

	mu      sync.Mutex
	devices map[string]*Device
}

func NewRegistry(deps Deps) *Registry {
	if deps.KV == nil {
		mem := make(map[string]*devicekv.MemoryStore)
		var memMu sync.Mutex
		deps.KV = func(id string) devicekv.Store {
			memMu.Lock()
			defer memMu.Unlock()
			if s, ok := mem[id]; ok {
				return s
			}
			s := devicekv.NewMemoryStore()
			mem[id] = s
			return s
		}
	}
	return &Registry{deps: deps, devices: make(map[string]*Device)}
}

// Get returns the device, restoring it from device storage on first use.
func (r *Registry) Get(ctx context.Context, id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return d
	}
	kv := r.deps.KV(id)
	d := &Device{
		ID:       id,
		deps:     &r.deps,
		Store:    entitlement.NewStore(kv, r.deps.Backend, r.deps.Backend, r.deps.FreeLimit),
		Guests:   guestcache.New(kv, r.deps.GuestCap),
		sessions: make(map[string]*chat.Session),
	}
	d.Store.OnSignOut(d.CloseAll)
	snap := d.Store.Restore(ctx)
	log.Debug().Str("device_id", id).Str("principal", snap.Principal.Kind.String()).Msg("device restored")
	r.devices[id] = d
	return d
}

// Shutdown closes every open session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.Unlock()
	for _, d := range devices {
		d.CloseAll()
	}
}

// Device is one client's runtime.
type Device struct {
	ID     string
	Store  *entitlement.Store
	Guests *guestcache.Cache
	deps   *Deps

	mu       sync.Mutex
	sessions map[string]*chat.Session
}

func (d *Device) mode() (chat.Mode, error) {
	p := d.Store.Principal()
	switch p.Kind {
	case models.Guest:
		return chat.GuestMode{Cache: d.Guests}, nil
	case models.Authenticated:
		return chat.AuthenticatedMode{User: p, Store: d.deps.Backend, Broker: d.deps.Broker}, nil
	default:
		return nil, chat.ErrNotEntitled
	}
}

// OpenSession opens a chat with characterID, closing any earlier session
// for the same character first. A history failure still returns the session
// along with the error so the caller can Retry.
func (d *Device) OpenSession(ctx context.Context, characterID string) (*chat.Session, error) {
	character, err := d.deps.Characters.Get(characterID)
	if err != nil {
		return nil, err
	}
	mode, err := d.mode()
	if err != nil {
		return nil, err
	}
	s, err := chat.NewSession(chat.Options{
		Character:     character,
		Mode:          mode,
		Entitlements:  d.Store,
		Responder:     d.deps.Responder,
		ContextWindow: d.deps.ContextWindow,
		DefaultModel:  d.deps.DefaultModel,
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	prev := d.sessions[characterID]
	d.sessions[characterID] = s
	d.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Warn().Err(err).Str("device_id", d.ID).Str("character_id", characterID).Msg("close previous session failed")
		}
	}

	if err := s.Open(ctx); err != nil {
		if errors.Is(err, chat.ErrSessionClosed) {
			return nil, err
		}
		return s, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

// Session returns the open session for characterID.
func (d *Device) Session(characterID string) (*chat.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[characterID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// CloseSession tears down the session for characterID.
func (d *Device) CloseSession(characterID string) error {
	d.mu.Lock()
	s, ok := d.sessions[characterID]
	delete(d.sessions, characterID)
	d.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return s.Close()
}

// CloseAll tears down every open session of the device.
func (d *Device) CloseAll() {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[string]*chat.Session)
	d.mu.Unlock()
	for id, s := range sessions {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("device_id", d.ID).Str("character_id", id).Msg("close session failed")
		}
	}
}

// EnterGuestMode switches the device to a fresh guest principal with an
// empty guest chat list.
func (d *Device) EnterGuestMode(ctx context.Context) models.Entitlement {
	d.CloseAll()
	d.clearGuests(ctx)
	return d.Store.EnterGuestMode(ctx)
}

// SignIn verifies the credential and switches to the user's principal.
func (d *Device) SignIn(ctx context.Context, cred entitlement.Credential) (models.Entitlement, error) {
	snap, err := d.Store.SignIn(ctx, cred)
	if err != nil {
		return snap, err
	}
	d.CloseAll()
	d.clearGuests(ctx)
	return snap, nil
}

// Resume switches to a profile whose token was already verified.
func (d *Device) Resume(ctx context.Context, profile *models.Profile) models.Entitlement {
	d.CloseAll()
	d.clearGuests(ctx)
	return d.Store.Adopt(ctx, profile)
}

// SignOut drops the principal; open sessions close through the sign-out hook.
func (d *Device) SignOut(ctx context.Context) models.Entitlement {
	snap := d.Store.SignOut(ctx)
	d.clearGuests(ctx)
	return snap
}

// clearGuests drops the guest chat list; it only lives while the device is
// in guest mode.
func (d *Device) clearGuests(ctx context.Context) {
	if err := d.Guests.Clear(ctx); err != nil {
		log.Warn().Err(err).Str("device_id", d.ID).Msg("clear guest sessions failed")
	}
}
