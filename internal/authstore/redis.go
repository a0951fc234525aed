package authstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chatwarp/waconnect-go/internal/waproto"
)

// RedisStore is a cache-oriented Store keyed by "authstate:<instance>",
// enriching the relational-store collaborator named in the original
// design with a backend better suited to ephemeral/horizontally-scaled
// deployments.
type RedisStore struct {
	client *redis.Client
	keyTTL int64 // seconds; 0 means no expiry
}

// NewRedisStore builds a RedisStore against addr (host:port).
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func authKey(instanceName string) string {
	return "authstate:" + instanceName
}

// Load returns the persisted state for instanceName, or (nil, nil) if
// the key does not exist.
func (s *RedisStore) Load(ctx context.Context, instanceName string) (*waproto.AuthState, error) {
	data, err := s.client.Get(ctx, authKey(instanceName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authstore: redis get %q: %w", instanceName, err)
	}
	return unmarshal(data)
}

// Save stores the state for instanceName with no expiry by default.
func (s *RedisStore) Save(ctx context.Context, instanceName string, state *waproto.AuthState) error {
	data, err := marshal(state)
	if err != nil {
		return fmt.Errorf("authstore: marshal %q: %w", instanceName, err)
	}
	if err := s.client.Set(ctx, authKey(instanceName), data, 0).Err(); err != nil {
		return fmt.Errorf("authstore: redis set %q: %w", instanceName, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
