package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broker fans document messages out to every hub serving that document.
// A hub delivers to its own peers only what comes back from the broker, so
// several gateway instances share one room.
type Broker interface {
	Publish(ctx context.Context, documentID string, env Envelope) error
	Subscribe(ctx context.Context, documentID string, fn func(Envelope)) (unsubscribe func(), err error)
	Close() error
}

// LocalBroker delivers in process, synchronously.
type LocalBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(Envelope)
}

// NewLocalBroker creates an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[int]func(Envelope))}
}

// Publish implements Broker.
func (b *LocalBroker) Publish(_ context.Context, documentID string, env Envelope) error {
	b.mu.RLock()
	fns := make([]func(Envelope), 0, len(b.subs[documentID]))
	for _, fn := range b.subs[documentID] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(env)
	}
	return nil
}

// Subscribe implements Broker.
func (b *LocalBroker) Subscribe(_ context.Context, documentID string, fn func(Envelope)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[documentID] == nil {
		b.subs[documentID] = make(map[int]func(Envelope))
	}
	b.subs[documentID][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[documentID], id)
		if len(b.subs[documentID]) == 0 {
			delete(b.subs, documentID)
		}
	}, nil
}

// Close implements Broker.
func (b *LocalBroker) Close() error {
	return nil
}

const channelPrefix = "realtime:document:"

// RedisBroker relays messages through Redis Pub/Sub, one channel per document.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBroker connects to redisURL.
func NewRedisBroker(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis broker")
	return &RedisBroker{client: client, logger: logger}, nil
}

// NewRedisBrokerFromClient wraps an existing client.
func NewRedisBrokerFromClient(client *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, documentID string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+documentID, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe implements Broker. The subscription is confirmed before it
// returns.
func (b *RedisBroker) Subscribe(ctx context.Context, documentID string, fn func(Envelope)) (func(), error) {
	ps := b.client.Subscribe(ctx, channelPrefix+documentID)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("Dropping malformed broker message",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			fn(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				b.logger.Warn("Failed to close subscription", zap.Error(err))
			}
			<-done
		})
	}, nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
