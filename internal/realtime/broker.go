package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"companionchat/internal/models"
	"companionchat/internal/redis"
)

const feedBuffer = 64

// Broker is the push-subscription primitive of the backend message store.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Feed, error)
}

// Feed delivers raw payloads until Close is called.
type Feed interface {
	Messages() <-chan []byte
	Close() error
}

// ChannelName scopes a channel to one (user, character) timeline.
func ChannelName(userID int64, characterID string) string {
	return fmt.Sprintf("messages:%d:%s", userID, characterID)
}

// PublishMessage announces a persisted row to subscribers of its timeline.
func PublishMessage(ctx context.Context, b Broker, msg *models.ChatMessage) error {
	if b == nil || msg == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.Publish(ctx, ChannelName(msg.UserID, msg.CharacterID), payload)
}

// RedisBroker uses redis pub/sub as the push channel.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload)
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Feed, error) {
	ps, err := b.client.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	f := &redisFeed{ps: ps, out: make(chan []byte, feedBuffer)}
	go f.pump()
	return f, nil
}

type redisFeed struct {
	ps  *goredis.PubSub
	out chan []byte
}

func (f *redisFeed) pump() {
	defer close(f.out)
	for msg := range f.ps.Channel() {
		f.out <- []byte(msg.Payload)
	}
}

func (f *redisFeed) Messages() <-chan []byte { return f.out }

func (f *redisFeed) Close() error {
	return f.ps.Close()
}

// MemoryBroker fans payloads out to in-process subscribers.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memoryFeed]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memoryFeed]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for f := range b.subs[channel] {
		select {
		case f.out <- payload:
		default:
			log.Warn().Str("channel", channel).Msg("realtime subscriber lagging, dropped payload")
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := &memoryFeed{broker: b, channel: channel, out: make(chan []byte, feedBuffer)}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memoryFeed]struct{})
	}
	b.subs[channel][f] = struct{}{}
	b.mu.Unlock()
	return f, nil
}

// Subscribers reports how many feeds are open on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

type memoryFeed struct {
	broker  *MemoryBroker
	channel string
	out     chan []byte
	once    sync.Once
}

func (f *memoryFeed) Messages() <-chan []byte { return f.out }

func (f *memoryFeed) Close() error {
	f.once.Do(func() {
		f.broker.mu.Lock()
		delete(f.broker.subs[f.channel], f)
		if len(f.broker.subs[f.channel]) == 0 {
			delete(f.broker.subs, f.channel)
		}
		close(f.out)
		f.broker.mu.Unlock()
	})
	return nil
}
