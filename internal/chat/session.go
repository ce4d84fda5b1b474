// Package chat runs one open conversation with a character: history load,
// realtime merge, and the optimistic send pipeline.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"companionchat/internal/entitlement"
	"companionchat/internal/metrics"
	"companionchat/internal/models"
	"companionchat/internal/service/ai"
)

const DefaultContextWindow = 10

// Entitlements is the part of the entitlement store a session consults.
type Entitlements interface {
	Principal() models.Principal
	ReserveFreeMessage() (*entitlement.Reservation, bool)
	IncrementGuestMessageCount(ctx context.Context) models.Entitlement
}

// Options configures a Session.
type Options struct {
	Character     models.Character
	Mode          Mode
	Entitlements  Entitlements
	Responder     ai.Responder
	ContextWindow int    // defaults to DefaultContextWindow
	DefaultModel  string // used when the character names no model
	Now           func() time.Time
}

// Session owns the timeline of one (principal, character) pair until Close.
type Session struct {
	character     models.Character
	mode          Mode
	ent           Entitlements
	responder     ai.Responder
	contextWindow int
	defaultModel  string
	now           func() time.Time

	timeline Timeline

	// ctx is cancelled by Close so in-flight sends stop and are ignored.
	ctx    context.Context
	cancel context.CancelFunc
	opened atomic.Bool
	closed atomic.Bool

	mu      sync.Mutex
	staged  *models.StagedMedia
	sub     Subscriber
	subOpen bool
	loadErr error
}

// NewSession validates opts; call Open to load history and subscribe.
func NewSession(opts Options) (*Session, error) {
	if opts.Character.ID == "" {
		return nil, errors.New("chat: character is required")
	}
	if opts.Mode == nil || opts.Entitlements == nil || opts.Responder == nil {
		return nil, errors.New("chat: mode, entitlements and responder are required")
	}
	if opts.Mode.Principal().Kind == models.Anonymous {
		return nil, ErrNotEntitled
	}
	window := opts.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		character:     opts.Character,
		mode:          opts.Mode,
		ent:           opts.Entitlements,
		responder:     opts.Responder,
		contextWindow: window,
		defaultModel:  opts.DefaultModel,
		now:           now,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Character returns the character this session talks to.
func (s *Session) Character() models.Character {
	return s.character
}

// Principal returns the principal the session was opened for.
func (s *Session) Principal() models.Principal {
	return s.mode.Principal()
}

// Open subscribes to realtime pushes and loads history. A history failure
// is returned and remembered; the session stays usable with an empty
// timeline until Retry succeeds. A subscription failure is only logged.
func (s *Session) Open(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.opened.CompareAndSwap(false, true) {
		return errors.New("chat: session already open")
	}
	metrics.OpenSessions.Inc()
	if sub := s.mode.Subscribe(s.character.ID, s.deliver); sub != nil {
		if err := sub.Open(ctx); err != nil {
			log.Warn().Err(fmt.Errorf("%w: %v", ErrChannel, err)).
				Str("character_id", s.character.ID).
				Int64("user_id", s.Principal().UserID).
				Msg("realtime subscribe failed, live updates disabled")
		} else {
			s.mu.Lock()
			if s.closed.Load() {
				s.mu.Unlock()
				_ = sub.Close()
				return ErrSessionClosed
			}
			s.sub, s.subOpen = sub, true
			s.mu.Unlock()
		}
	}
	return s.load(ctx)
}

// Retry reloads history after a failed Open.
func (s *Session) Retry(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.load(ctx)
}

func (s *Session) load(ctx context.Context) error {
	rows, err := LoadHistory(ctx, s.mode, s.character, s.now())
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("character_id", s.character.ID).Msg("load history failed")
		return err
	}
	if !s.closed.Load() {
		s.timeline.Insert(rows...)
	}
	return nil
}

// LoadError is the last history load failure, nil after a successful load.
func (s *Session) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

func (s *Session) deliver(msg models.ChatMessage) {
	if s.closed.Load() {
		return
	}
	if s.timeline.Insert(msg) > 0 {
		metrics.RealtimeDeliveries.WithLabelValues("inserted").Inc()
	} else {
		metrics.RealtimeDeliveries.WithLabelValues("duplicate").Inc()
	}
}

// Timeline returns the rendered messages, oldest first.
func (s *Session) Timeline() []models.ChatMessage {
	return s.timeline.Snapshot()
}

// StageMedia attaches media to the next send, replacing any staged item.
func (s *Session) StageMedia(media models.StagedMedia) error {
	if media.Kind != models.MediaImage && media.Kind != models.MediaAudio {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidMedia, media.Kind)
	}
	if strings.TrimSpace(media.EncodedBytes) == "" {
		return fmt.Errorf("%w: empty payload", ErrInvalidMedia)
	}
	if media.MimeType == "" {
		return fmt.Errorf("%w: mime type is required", ErrInvalidMedia)
	}
	s.mu.Lock()
	s.staged = &media
	s.mu.Unlock()
	return nil
}

// CancelMedia drops the staged media.
func (s *Session) CancelMedia() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		return ErrNoStagedMedia
	}
	s.staged = nil
	return nil
}

// StagedMedia returns a copy of the staged media, or nil.
func (s *Session) StagedMedia() *models.StagedMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		return nil
	}
	m := *s.staged
	return &m
}

func (s *Session) takeStaged() *models.StagedMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.staged
	s.staged = nil
	return m
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close tears the session down: in-flight sends are cancelled and ignored,
// and the realtime bridge is unsubscribed exactly once. Further calls are
// no-ops.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	sub, open := s.sub, s.subOpen
	s.sub, s.subOpen, s.staged = nil, false, nil
	s.mu.Unlock()
	if s.opened.Load() {
		metrics.OpenSessions.Dec()
	}
	if open {
		if err := sub.Close(); err != nil {
			return fmt.Errorf("close realtime bridge: %w", err)
		}
	}
	return nil
}
