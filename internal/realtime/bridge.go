// Package realtime delivers rows inserted into a (user, character) timeline
// to the open chat session as they are persisted.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"companionchat/internal/models"
)

// State of a Subscription. A handle moves Closed -> Subscribing -> Open ->
// Closed once and is never reused.
type State int32

const (
	Closed State = iota
	Subscribing
	Open
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

var (
	ErrAlreadyOpen   = errors.New("realtime: subscription already opened")
	ErrAlreadyClosed = errors.New("realtime: subscription already closed")
	ErrNotOpen       = errors.New("realtime: subscription was never opened")
)

// Subscription is the single live push channel of one chat session.
type Subscription struct {
	broker      Broker
	userID      int64
	characterID string
	deliver     func(models.ChatMessage)

	state   atomic.Int32
	started atomic.Bool
	closed  atomic.Bool

	mu   sync.Mutex
	feed Feed
	done chan struct{}
}

// NewSubscription prepares a handle; nothing is subscribed until Open.
func NewSubscription(broker Broker, userID int64, characterID string, deliver func(models.ChatMessage)) *Subscription {
	return &Subscription{
		broker:      broker,
		userID:      userID,
		characterID: characterID,
		deliver:     deliver,
	}
}

// State reports the current lifecycle state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Open subscribes to the timeline channel and starts delivering rows.
func (s *Subscription) Open(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		if s.closed.Load() {
			return ErrAlreadyClosed
		}
		return ErrAlreadyOpen
	}
	s.state.Store(int32(Subscribing))
	channel := ChannelName(s.userID, s.characterID)
	feed, err := s.broker.Subscribe(ctx, channel)
	if err != nil {
		s.closed.Store(true)
		s.state.Store(int32(Closed))
		return err
	}

	s.mu.Lock()
	if s.closed.Load() {
		// Close raced with Subscribe
		s.mu.Unlock()
		_ = feed.Close()
		return ErrAlreadyClosed
	}
	done := make(chan struct{})
	s.feed = feed
	s.done = done
	s.state.Store(int32(Open))
	s.mu.Unlock()
	log.Debug().Str("channel", channel).Msg("realtime subscription open")
	go s.pump(feed, done)
	return nil
}

func (s *Subscription) pump(feed Feed, done chan struct{}) {
	defer close(done)
	for payload := range feed.Messages() {
		var msg models.ChatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn().Err(err).Int64("user_id", s.userID).Str("character_id", s.characterID).
				Msg("realtime payload decode failed")
			continue
		}
		if msg.UserID != s.userID || msg.CharacterID != s.characterID {
			continue
		}
		if s.closed.Load() {
			continue
		}
		s.deliver(msg)
	}
}

// Close unsubscribes. It must be called exactly once per successful Open and
// must not be called while holding a lock the deliver callback takes.
func (s *Subscription) Close() error {
	if !s.started.Load() {
		return ErrNotOpen
	}
	if !s.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	s.mu.Lock()
	feed, done := s.feed, s.done
	s.mu.Unlock()
	s.state.Store(int32(Closed))
	if feed == nil {
		return nil
	}
	err := feed.Close()
	<-done
	return err
}
