package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror publishes breaker state transitions into Redis so multiple
// API-surface replicas can observe a consistent view of which destinations
// are tripped, without making Redis the source of truth for the calling
// path (the in-process Registry remains authoritative and fast; the mirror
// is best-effort and only used for dashboards/operator visibility).
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror constructs a mirror over an existing Redis client.
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "aegis:breaker:"
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: 5 * time.Minute}
}

// Publish writes the current state for destination into Redis with a TTL
// so stale entries (from a crashed process) expire rather than persist
// forever.
func (m *RedisMirror) Publish(ctx context.Context, destination string, state State) error {
	key := m.key(destination)
	return m.client.Set(ctx, key, string(state), m.ttl).Err()
}

// Observe reads the last published state for destination, if any replica
// has published one recently.
func (m *RedisMirror) Observe(ctx context.Context, destination string) (State, bool, error) {
	val, err := m.client.Get(ctx, m.key(destination)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return State(val), true, nil
}

func (m *RedisMirror) key(destination string) string {
	return fmt.Sprintf("%s%s", m.prefix, destination)
}
