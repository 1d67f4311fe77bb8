package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const eventsChannel = "buhdi:events"

func dataKey(skill string) string {
	return "buhdi:data:" + skill
}

// Redis is the Exchange backed by a shared Redis instance. Data lives in
// one hash per skill and events go through pub/sub, so multiple nodes see
// the same exchange.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	cancel []func()
}

// DialRedis connects to addr and verifies the connection before returning.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &Redis{
		client: client,
		logger: slog.Default().With("component", "cache"),
	}, nil
}

// SetData stores value in the skill's hash.
func (r *Redis) SetData(ctx context.Context, skill, key string, value json.RawMessage) error {
	if err := r.client.HSet(ctx, dataKey(skill), key, []byte(value)).Err(); err != nil {
		return fmt.Errorf("storing data: %w", err)
	}
	return nil
}

// GetData returns the value skill published under key.
func (r *Redis) GetData(ctx context.Context, skill, key string) (json.RawMessage, error) {
	raw, err := r.client.HGet(ctx, dataKey(skill), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, fmt.Errorf("reading data: %w", err)
	}
	return json.RawMessage(raw), nil
}

// Emit publishes the event to every node subscribed to the exchange.
func (r *Redis) Emit(ctx context.Context, skill, event string, payload json.RawMessage) error {
	e := Event{
		Skill:   skill,
		Name:    event,
		Payload: payload,
		At:      time.Now().UTC(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := r.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Purge drops the skill's data hash.
func (r *Redis) Purge(ctx context.Context, skill string) error {
	if err := r.client.Del(ctx, dataKey(skill)).Err(); err != nil {
		return fmt.Errorf("purging data: %w", err)
	}
	return nil
}

// Subscribe listens on the shared event channel.
func (r *Redis) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, eventsChannel)

	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				r.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			select {
			case ch <- e:
			default:
			}
		}
	}()

	stop := func() {
		cancel()
		pubsub.Close()
	}

	r.mu.Lock()
	r.cancel = append(r.cancel, stop)
	r.mu.Unlock()
	return ch, stop
}

// Close stops all subscriptions and releases the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	cancels := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	for _, stop := range cancels {
		stop()
	}
	return r.client.Close()
}

var _ Exchange = (*Redis)(nil)
