// Package session tracks revoked bearer tokens. Tokens are stateless HMAC
// payloads, so revoking one before its expiry needs a shared denylist; Redis
// keys with a TTL matching the token's remaining lifetime keep the list from
// growing without bound.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Revoker struct {
	client *redis.Client
	prefix string
}

func NewRevoker(redisURL string) (*Revoker, error) {
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

	return &Revoker{client: client, prefix: "revoked:"}, nil
}

// NewRevokerWithClient creates a revoker from an existing Redis client.
func NewRevokerWithClient(client *redis.Client) *Revoker {
	return &Revoker{client: client, prefix: "revoked:"}
}

func (r *Revoker) key(jti string) string {
	return r.prefix + jti
}

// Revoke marks a token id as dead until the token would have expired anyway.
// Revoking an already-expired token is a no-op.
func (r *Revoker) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.key(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token %s: %w", jti, err)
	}
	return nil
}

// IsRevoked reports whether the token id is on the denylist.
func (r *Revoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := r.client.Get(ctx, r.key(jti)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check token %s: %w", jti, err)
	}
	return true, nil
}

func (r *Revoker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Revoker) Close() error {
	return r.client.Close()
}
