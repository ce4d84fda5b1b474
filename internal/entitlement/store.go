// Package entitlement tracks who the caller is and what they may send.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"companionchat/internal/devicekv"
	"companionchat/internal/metrics"
	"companionchat/internal/models"
)

// ErrNotAuthenticated is returned by operations that need a signed-in user.
var ErrNotAuthenticated = errors.New("entitlement: not authenticated")

// ProfileStore is the durable home of authenticated entitlement fields.
type ProfileStore interface {
	LoadProfile(ctx context.Context, userID int64) (*models.Profile, error)
	SaveFreeMessageCount(ctx context.Context, userID int64, count int) error
	SaveCredits(ctx context.Context, userID int64, credits *int) error
	SetSubscribed(ctx context.Context, userID int64, subscribed bool) error
}

// Authenticator verifies sign-in credentials.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*models.Profile, error)
}

// Credential is what a user signs in with.
type Credential struct {
	Username string
	Password string
}

// Store owns the principal and quota counters of one device. Every mutator
// returns the resulting snapshot; callers never share the internal state.
type Store struct {
	device    devicekv.Store
	profiles  ProfileStore
	auth      Authenticator
	freeLimit int

	mu    sync.Mutex
	state models.Entitlement
	// epoch changes on every principal transition so late rollbacks from a
	// previous principal are discarded.
	epoch     uint64
	onSignOut []func()
}

// NewStore builds an anonymous store. freeLimit <= 0 falls back to 3.
func NewStore(device devicekv.Store, profiles ProfileStore, auth Authenticator, freeLimit int) *Store {
	if freeLimit <= 0 {
		freeLimit = 3
	}
	return &Store{
		device:    device,
		profiles:  profiles,
		auth:      auth,
		freeLimit: freeLimit,
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() models.Entitlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() models.Entitlement {
	snap := s.state
	if s.state.Credits != nil {
		c := *s.state.Credits
		snap.Credits = &c
	}
	return snap
}

// Principal is a shorthand for Snapshot().Principal.
func (s *Store) Principal() models.Principal {
	return s.Snapshot().Principal
}

// OnSignOut registers fn to run after every sign-out, e.g. to close open
// realtime bridges.
func (s *Store) OnSignOut(fn func()) {
	s.mu.Lock()
	s.onSignOut = append(s.onSignOut, fn)
	s.mu.Unlock()
}

// transitionLocked swaps the principal and resets both counters.
func (s *Store) transitionLocked(p models.Principal) {
	s.epoch++
	s.state = models.Entitlement{Principal: p}
}

// Restore resumes guest mode if the device flag says so.
func (s *Store) Restore(ctx context.Context) models.Entitlement {
	flag, err := s.device.Get(ctx, devicekv.KeyGuestMode)
	if err != nil || flag != "true" {
		if err != nil && !errors.Is(err, devicekv.ErrNotFound) {
			log.Warn().Err(err).Msg("read guest mode flag failed")
		}
		return s.Snapshot()
	}
	count := 0
	if raw, err := s.device.Get(ctx, devicekv.KeyGuestMessageCount); err == nil {
		if n, convErr := strconv.Atoi(raw); convErr == nil && n >= 0 {
			count = n
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Principal.Kind != models.Anonymous {
		return s.snapshotLocked()
	}
	s.transitionLocked(models.Principal{Kind: models.Guest})
	s.state.GuestMessageCount = count
	return s.snapshotLocked()
}

// EnterGuestMode switches to a guest principal with fresh counters.
func (s *Store) EnterGuestMode(ctx context.Context) models.Entitlement {
	s.mu.Lock()
	s.transitionLocked(models.Principal{Kind: models.Guest})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.device.Set(ctx, devicekv.KeyGuestMode, "true"); err != nil {
		log.Warn().Err(err).Msg("persist guest mode flag failed")
	}
	if err := s.device.Set(ctx, devicekv.KeyGuestMessageCount, "0"); err != nil {
		log.Warn().Err(err).Msg("persist guest message count failed")
	}
	return snap
}

// SignIn verifies the credential and switches to the authenticated user.
// It always supersedes guest mode.
func (s *Store) SignIn(ctx context.Context, cred Credential) (models.Entitlement, error) {
	if s.auth == nil {
		return s.Snapshot(), errors.New("entitlement: no authenticator configured")
	}
	profile, err := s.auth.Login(ctx, cred.Username, cred.Password)
	if err != nil {
		return s.Snapshot(), err
	}
	return s.Adopt(ctx, profile), nil
}

// Adopt switches to an already verified profile.
func (s *Store) Adopt(ctx context.Context, profile *models.Profile) models.Entitlement {
	s.mu.Lock()
	s.transitionLocked(models.Principal{
		Kind:         models.Authenticated,
		UserID:       profile.UserID,
		IsSubscribed: profile.IsSubscribed,
	})
	// the free counter mirrors its durable value; the guest counter starts over
	s.state.FreeMessageCount = profile.FreeMessageCount
	if profile.Credits != nil {
		c := *profile.Credits
		s.state.Credits = &c
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.clearGuestKeys(ctx)
	return snap
}

// SignOut drops the principal, clears all counters and runs sign-out hooks.
func (s *Store) SignOut(ctx context.Context) models.Entitlement {
	s.mu.Lock()
	s.transitionLocked(models.Principal{Kind: models.Anonymous})
	snap := s.snapshotLocked()
	hooks := append([]func(){}, s.onSignOut...)
	s.mu.Unlock()

	s.clearGuestKeys(ctx)
	for _, fn := range hooks {
		fn()
	}
	return snap
}

func (s *Store) clearGuestKeys(ctx context.Context) {
	for _, key := range []string{devicekv.KeyGuestMode, devicekv.KeyGuestMessageCount} {
		if err := s.device.Del(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("clear guest key failed")
		}
	}
}

// IncrementGuestMessageCount counts one guest send. Persistence is best
// effort and never rolled back.
func (s *Store) IncrementGuestMessageCount(ctx context.Context) models.Entitlement {
	s.mu.Lock()
	if s.state.Principal.Kind != models.Guest {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	s.state.GuestMessageCount++
	count := s.state.GuestMessageCount
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.device.Set(ctx, devicekv.KeyGuestMessageCount, strconv.Itoa(count)); err != nil {
		log.Warn().Err(err).Int("count", count).Msg("persist guest message count failed")
	}
	return snap
}

// IncrementFreeMessageCount counts one free-tier send. The local counter is
// bumped first and rolled back if the durable write fails.
func (s *Store) IncrementFreeMessageCount(ctx context.Context) (models.Entitlement, error) {
	s.mu.Lock()
	if !s.state.Principal.IsFreeTier() {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	r := s.countFreeLocked()
	s.mu.Unlock()
	return r.Commit(ctx)
}

// Reservation is a free-tier send already counted locally whose durable
// write is still pending.
type Reservation struct {
	s      *Store
	userID int64
	count  int
	epoch  uint64
}

// ReserveFreeMessage passes the entitlement gate and counts the send in one
// step, so concurrent sends cannot all slip under the limit. It returns
// false when the free quota is spent. Principals outside the free tier pass
// with a nil reservation.
func (s *Store) ReserveFreeMessage() (*Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Principal.IsFreeTier() {
		return nil, true
	}
	if s.state.FreeMessageCount >= s.freeLimit {
		return nil, false
	}
	return s.countFreeLocked(), true
}

func (s *Store) countFreeLocked() *Reservation {
	s.state.FreeMessageCount++
	return &Reservation{
		s:      s,
		userID: s.state.Principal.UserID,
		count:  s.state.FreeMessageCount,
		epoch:  s.epoch,
	}
}

// Commit persists the reserved count and rolls the local counter back if
// the write fails. A nil reservation commits nothing.
func (r *Reservation) Commit(ctx context.Context) (models.Entitlement, error) {
	if r == nil {
		return models.Entitlement{}, nil
	}
	s := r.s
	err := s.profiles.SaveFreeMessageCount(ctx, r.userID, r.count)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.rollbackFreeLocked(r)
		metrics.CounterRollbacks.WithLabelValues("free_message_count").Inc()
		log.Warn().Err(err).Int64("user_id", r.userID).Int("count", r.count).
			Msg("persist free message count failed, rolled back")
		return s.snapshotLocked(), fmt.Errorf("persist free message count: %w", err)
	}
	return s.snapshotLocked(), nil
}

// Release hands back a reservation whose send never happened.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.s.mu.Lock()
	r.s.rollbackFreeLocked(r)
	r.s.mu.Unlock()
}

func (s *Store) rollbackFreeLocked(r *Reservation) {
	if s.epoch == r.epoch && s.state.FreeMessageCount > 0 {
		s.state.FreeMessageCount--
	}
}

// DecrementCredits spends amount credits. It reports false without touching
// the balance when the caller is not authenticated, has no known balance or
// cannot afford it, and restores the balance if the durable write fails.
func (s *Store) DecrementCredits(ctx context.Context, amount int) bool {
	s.mu.Lock()
	if s.state.Principal.Kind != models.Authenticated || s.state.Credits == nil ||
		amount <= 0 || *s.state.Credits < amount {
		s.mu.Unlock()
		return false
	}
	*s.state.Credits -= amount
	next := *s.state.Credits
	userID := s.state.Principal.UserID
	epoch := s.epoch
	s.mu.Unlock()

	err := s.profiles.SaveCredits(ctx, userID, &next)
	if err == nil {
		return true
	}

	s.mu.Lock()
	if s.epoch == epoch && s.state.Credits != nil {
		*s.state.Credits += amount
	}
	s.mu.Unlock()
	metrics.CounterRollbacks.WithLabelValues("credits").Inc()
	log.Warn().Err(err).Int64("user_id", userID).Int("amount", amount).
		Msg("persist credit decrement failed, restored balance")
	return false
}

// GrantCredits adds purchased credits. The balance becomes known if it was nil.
func (s *Store) GrantCredits(ctx context.Context, amount int) (models.Entitlement, error) {
	if amount <= 0 {
		return s.Snapshot(), errors.New("entitlement: grant amount must be positive")
	}
	s.mu.Lock()
	if s.state.Principal.Kind != models.Authenticated {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ErrNotAuthenticated
	}
	if s.state.Credits == nil {
		zero := 0
		s.state.Credits = &zero
	}
	*s.state.Credits += amount
	next := *s.state.Credits
	userID := s.state.Principal.UserID
	epoch := s.epoch
	s.mu.Unlock()

	err := s.profiles.SaveCredits(ctx, userID, &next)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.epoch == epoch && s.state.Credits != nil {
			*s.state.Credits -= amount
		}
		metrics.CounterRollbacks.WithLabelValues("credits").Inc()
		return s.snapshotLocked(), fmt.Errorf("persist credits: %w", err)
	}
	return s.snapshotLocked(), nil
}

// SetSubscribed records a subscription purchase or restore.
func (s *Store) SetSubscribed(ctx context.Context, subscribed bool) (models.Entitlement, error) {
	s.mu.Lock()
	if s.state.Principal.Kind != models.Authenticated {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ErrNotAuthenticated
	}
	userID := s.state.Principal.UserID
	s.mu.Unlock()

	if err := s.profiles.SetSubscribed(ctx, userID, subscribed); err != nil {
		return s.Snapshot(), fmt.Errorf("persist subscription: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Principal.Kind == models.Authenticated && s.state.Principal.UserID == userID {
		s.state.Principal.IsSubscribed = subscribed
	}
	return s.snapshotLocked(), nil
}

// CanSendFreeMessage reports whether the entitlement gate lets a send through.
func (s *Store) CanSendFreeMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.state.Principal
	if p.Kind == models.Authenticated && p.IsSubscribed {
		return true
	}
	return s.state.FreeMessageCount < s.freeLimit
}
