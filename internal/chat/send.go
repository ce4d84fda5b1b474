package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"companionchat/internal/entitlement"
	"companionchat/internal/metrics"
	"companionchat/internal/models"
)

// SendState is the position of one send attempt in the pipeline.
type SendState int32

const (
	StateIdle SendState = iota
	StateGating
	StateComposing
	StatePersisting
	StateAwaitingResponder
	StateDone
	StateFailed
)

func (s SendState) String() string {
	switch s {
	case StateGating:
		return "gating"
	case StateComposing:
		return "composing"
	case StatePersisting:
		return "persisting"
	case StateAwaitingResponder:
		return "awaiting_responder"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

const (
	emptyReplyText     = "Sorry, I don't have an answer for that right now."
	responderErrorText = "Sorry, I couldn't reply just now. Please try again in a moment."
	persistErrorText   = "Sorry, something went wrong saving our conversation. Please try again."
)

// SendResult is the outcome of one attempt. Reason is nil unless State is
// StateFailed.
type SendResult struct {
	State       SendState           `json:"state"`
	Reason      error               `json:"-"`
	UserMessage *models.ChatMessage `json:"user_message,omitempty"`
	Reply       *models.ChatMessage `json:"reply,omitempty"`
}

// Attempt is a send that passed the gate and already shows its optimistic
// message. Each attempt carries its own message id, so overlapping attempts
// never touch each other's entries.
type Attempt struct {
	s         *Session
	principal models.Principal
	reserved  *entitlement.Reservation
	media     *models.StagedMedia
	user      models.ChatMessage
	state     atomic.Int32
}

// State reports where the attempt currently is.
func (a *Attempt) State() SendState {
	return SendState(a.state.Load())
}

// UserMessage is the optimistic message inserted by Begin.
func (a *Attempt) UserMessage() models.ChatMessage {
	return a.user
}

func (a *Attempt) setState(st SendState) {
	a.state.Store(int32(st))
}

// Send runs a complete attempt. Entitlement and responder failures end in a
// StateFailed result with a nil error; an error is returned only when the
// session can no longer accept the attempt.
func (s *Session) Send(ctx context.Context, text string) (*SendResult, error) {
	a, err := s.Begin(ctx, text)
	switch {
	case errors.Is(err, ErrNothingToSend):
		return &SendResult{State: StateIdle}, nil
	case errors.Is(err, ErrQuotaExceeded):
		return &SendResult{State: StateFailed, Reason: err}, nil
	case err != nil:
		return nil, err
	}
	return a.Run(ctx)
}

// Begin gates and composes a send and inserts the optimistic user message.
// The staged media is consumed even when nothing ends up being sent.
func (s *Session) Begin(ctx context.Context, text string) (*Attempt, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	a := &Attempt{s: s, principal: s.ent.Principal()}
	owner := s.mode.Principal()
	if a.principal.Kind == models.Anonymous || a.principal.Kind != owner.Kind || a.principal.UserID != owner.UserID {
		// the device switched principals under this session
		return nil, ErrNotEntitled
	}

	a.setState(StateGating)
	reserved, ok := s.ent.ReserveFreeMessage()
	if !ok {
		metrics.QuotaRejections.Inc()
		metrics.SendAttempts.WithLabelValues(a.principal.Kind.String(), StateFailed.String()).Inc()
		log.Info().Int64("user_id", a.principal.UserID).Str("character_id", s.character.ID).
			Msg("send blocked by free message quota")
		return nil, ErrQuotaExceeded
	}
	a.reserved = reserved

	a.setState(StateComposing)
	a.media = s.takeStaged()
	text = strings.TrimSpace(text)
	if text == "" && a.media == nil {
		reserved.Release()
		return nil, ErrNothingToSend
	}

	a.user = models.ChatMessage{
		ID:          ulid.Make().String(),
		CharacterID: s.character.ID,
		Sender:      models.SenderUser,
		Text:        text,
		CreatedAt:   s.now().UTC(),
	}
	if a.principal.Kind == models.Authenticated {
		a.user.UserID = a.principal.UserID
	}
	if a.media != nil {
		switch a.media.Kind {
		case models.MediaImage:
			a.user.ImageRef = a.media.DataURI()
		case models.MediaAudio:
			a.user.AudioRef = a.media.DataURI()
		}
	}
	s.timeline.Insert(a.user)
	return a, nil
}

// Run finishes the attempt: counters, persistence, responder call and the
// reply write-back. If the session is closed while the attempt is in flight
// the outcome is dropped and ErrSessionClosed is returned.
func (a *Attempt) Run(ctx context.Context) (*SendResult, error) {
	s := a.s
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	counted := a.countMessage(ctx)
	defer func() { <-counted }()

	a.setState(StatePersisting)
	if _, err := s.mode.PersistMessage(ctx, s.character, a.user); err != nil {
		return a.fail(fmt.Errorf("persist user message: %w", err), persistErrorText)
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	a.setState(StateAwaitingResponder)
	req := a.buildRequest()
	start := time.Now()
	resp, err := s.responder.Respond(ctx, req)
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if err != nil {
		metrics.ResponderDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return a.fail(fmt.Errorf("%w: %v", ErrResponder, err), responderErrorText)
	}
	replyText := ""
	if resp != nil && len(resp.Choices) > 0 {
		replyText = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if replyText == "" {
		metrics.ResponderDuration.WithLabelValues("empty").Observe(time.Since(start).Seconds())
		log.Warn().Str("character_id", s.character.ID).Str("message_id", a.user.ID).
			Msg("responder returned no content, using fallback reply")
		replyText = emptyReplyText
	} else {
		metrics.ResponderDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	}

	reply := a.aiMessage(replyText)
	row, err := s.mode.PersistMessage(ctx, s.character, reply)
	if err != nil {
		return a.fail(fmt.Errorf("persist reply: %w", err), persistErrorText)
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.timeline.Insert(row)

	a.setState(StateDone)
	metrics.SendAttempts.WithLabelValues(a.principal.Kind.String(), StateDone.String()).Inc()
	user := a.user
	return &SendResult{State: StateDone, UserMessage: &user, Reply: &row}, nil
}

// countMessage records the send against the principal's counter without
// holding up the send. The free-tier count was already taken by Begin; only
// its durable write happens here. The returned channel closes once the
// update has settled.
func (a *Attempt) countMessage(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	switch {
	case a.reserved != nil:
		go func() {
			defer close(done)
			// the write outlives a cancelled send
			if _, err := a.reserved.Commit(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Int64("user_id", a.principal.UserID).Msg("free message count not persisted")
			}
		}()
	case a.principal.Kind == models.Guest:
		a.s.ent.IncrementGuestMessageCount(context.WithoutCancel(ctx))
		close(done)
	default:
		close(done)
	}
	return done
}

// buildRequest maps the newest timeline entries onto responder turns. The
// attempt's own turn carries the staged media as a multi-part payload.
func (a *Attempt) buildRequest() *models.ResponderRequest {
	s := a.s
	tail := s.timeline.Tail(s.contextWindow)
	found := false
	for _, m := range tail {
		if m.ID == a.user.ID {
			found = true
			break
		}
	}
	if !found {
		// newer entries pushed it out of the window
		if len(tail) >= s.contextWindow && len(tail) > 0 {
			tail = tail[1:]
		}
		tail = append(tail, a.user)
	}

	msgs := make([]models.ResponderMessage, 0, len(tail)+1)
	if prompt := strings.TrimSpace(s.character.SystemPrompt); prompt != "" {
		msgs = append(msgs, models.ResponderMessage{Role: "system", Content: prompt})
	}
	for _, m := range tail {
		turn := models.ResponderMessage{Role: "user", Content: m.Text}
		if m.Sender == models.SenderAI {
			turn.Role = "assistant"
		}
		if m.ID == a.user.ID && a.media != nil {
			turn.Parts = mediaParts(m.Text, a.media)
		} else if turn.Content == "" {
			turn.Content = placeholder(m)
		}
		msgs = append(msgs, turn)
	}

	model := s.character.Model
	if model == "" {
		model = s.defaultModel
	}
	req := &models.ResponderRequest{
		Model:       model,
		Messages:    msgs,
		CharacterID: s.character.ID,
	}
	if a.principal.Kind == models.Authenticated {
		uid := a.principal.UserID
		req.UserID = &uid
	}
	return req
}

func mediaParts(text string, media *models.StagedMedia) []models.ContentPart {
	parts := make([]models.ContentPart, 0, 2)
	if text != "" {
		parts = append(parts, models.ContentPart{Type: "text", Text: text})
	}
	part := models.ContentPart{URL: media.DataURI(), MimeType: media.MimeType}
	if media.Kind == models.MediaAudio {
		part.Type = "audio_url"
	} else {
		part.Type = "image_url"
	}
	return append(parts, part)
}

func placeholder(m models.ChatMessage) string {
	switch {
	case m.ImageRef != "":
		return "[image]"
	case m.AudioRef != "":
		return "[audio]"
	}
	return ""
}

// aiMessage builds a reply stamped strictly after the user message so the
// pair keeps its order even on a coarse clock.
func (a *Attempt) aiMessage(text string) models.ChatMessage {
	at := a.s.now().UTC()
	if !at.After(a.user.CreatedAt) {
		at = a.user.CreatedAt.Add(time.Millisecond)
	}
	return models.ChatMessage{
		ID:          ulid.Make().String(),
		UserID:      a.user.UserID,
		CharacterID: a.s.character.ID,
		Sender:      models.SenderAI,
		Text:        text,
		CreatedAt:   at,
	}
}

// fail appends one visible failure message. The user's message stays.
func (a *Attempt) fail(reason error, text string) (*SendResult, error) {
	s := a.s
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	log.Error().Err(reason).Str("character_id", s.character.ID).Str("message_id", a.user.ID).
		Int64("user_id", a.user.UserID).Msg("send failed")
	notice := a.aiMessage(text)
	notice.ID = "failed-" + notice.ID
	s.timeline.Insert(notice)

	a.setState(StateFailed)
	metrics.SendAttempts.WithLabelValues(a.principal.Kind.String(), StateFailed.String()).Inc()
	user := a.user
	return &SendResult{State: StateFailed, Reason: reason, UserMessage: &user, Reply: &notice}, nil
}
