package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenPrefix is the Redis key prefix for session tokens.
const TokenPrefix = "auth:token:"

// ErrInvalidToken is returned when a token is unknown or expired.
var ErrInvalidToken = errors.New("identity: invalid or expired token")

// Sessions issues and verifies bearer tokens backed by Redis.
type Sessions struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSessions creates a session store. Tokens expire after ttl of inactivity.
func NewSessions(rdb *redis.Client, ttl time.Duration) *Sessions {
	return &Sessions{rdb: rdb, ttl: ttl}
}

// Register issues a fresh token for the user.
func (s *Sessions) Register(ctx context.Context, u User) (string, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("identity: marshal user: %w", err)
	}

	token := uuid.New().String()
	if err := s.rdb.Set(ctx, TokenPrefix+token, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("identity: store token: %w", err)
	}
	return token, nil
}

// Verify resolves a token to its user and refreshes the token's TTL.
func (s *Sessions) Verify(ctx context.Context, token string) (*User, error) {
	key := TokenPrefix + token

	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("identity: verify token: %w", err)
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("identity: unmarshal user: %w", err)
	}

	// Sliding expiry: activity keeps the session alive.
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("identity: refresh token: %w", err)
	}
	return &u, nil
}

// Revoke deletes a token immediately.
func (s *Sessions) Revoke(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, TokenPrefix+token).Err(); err != nil {
		return fmt.Errorf("identity: revoke token: %w", err)
	}
	return nil
}
