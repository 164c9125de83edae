// Package session resolves bearer tokens against the session records the
// external identity provider materializes in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoSession is returned when a token has no live session.
var ErrNoSession = errors.New("session not found")

// Caller is the authenticated identity attached to each request. Elevated
// callers may self-approve proposals and perform undo.
type Caller struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsElevated bool   `json:"is_elevated"`
}

// RedisStore reads and writes caller sessions keyed by token.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "session:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "session:"}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

// SaveSession stores a caller session with a TTL. The identity provider owns
// session issuance; this path exists for provisioning and tests.
func (s *RedisStore) SaveSession(ctx context.Context, token string, caller Caller, ttl time.Duration) error {
	data, err := json.Marshal(caller)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession resolves a token to its caller, or ErrNoSession.
func (s *RedisStore) LookupSession(ctx context.Context, token string) (Caller, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Caller{}, ErrNoSession
	}
	if err != nil {
		return Caller{}, fmt.Errorf("lookup session: %w", err)
	}

	var caller Caller
	if err := json.Unmarshal(data, &caller); err != nil {
		return Caller{}, fmt.Errorf("decode session: %w", err)
	}
	return caller, nil
}

// RevokeSession deletes a session. Deleting a missing session is a no-op.
func (s *RedisStore) RevokeSession(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
