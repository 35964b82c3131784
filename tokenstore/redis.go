package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/storefront-cli/session"
)

const (
	fieldAccessToken  = "accessToken"
	fieldRefreshToken = "refreshToken"
	fieldUser         = "user"
)

// RedisStore keeps one profile's session in a Redis hash. Both tokens are
// written by one HSET and read by one HMGET, so other processes sharing
// the hash never see a mixed pair.
type RedisStore struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
}

// NewRedisStore returns a store for profile. A positive ttl expires the
// session if it is not refreshed in time.
func NewRedisStore(rdb redis.UniversalClient, profile string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		key: "storefront:session:" + profile,
		ttl: ttl,
	}
}

func (s *RedisStore) Get(ctx context.Context) (session.TokenPair, bool, error) {
	vals, err := s.rdb.HMGet(ctx, s.key, fieldAccessToken, fieldRefreshToken).Result()
	if err != nil {
		return session.TokenPair{}, false, fmt.Errorf("reading session from redis: %w", err)
	}

	access, _ := vals[0].(string)
	refresh, _ := vals[1].(string)
	if vals[0] == nil && vals[1] == nil {
		return session.TokenPair{}, false, nil
	}

	return session.TokenPair{AccessToken: access, RefreshToken: refresh}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, pair session.TokenPair) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, fieldAccessToken, pair.AccessToken, fieldRefreshToken, pair.RefreshToken)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("writing session to redis: %w", err)
	}

	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clearing session in redis: %w", err)
	}

	return nil
}

// SetUser stores the logged-in user in the session hash.
func (s *RedisStore) SetUser(ctx context.Context, user json.RawMessage) error {
	if err := s.rdb.HSet(ctx, s.key, fieldUser, string(user)).Err(); err != nil {
		return fmt.Errorf("writing user to redis: %w", err)
	}

	return nil
}

// User returns the stored user, or nil.
func (s *RedisStore) User(ctx context.Context) (json.RawMessage, error) {
	raw, err := s.rdb.HGet(ctx, s.key, fieldUser).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading user from redis: %w", err)
	}

	return json.RawMessage(raw), nil
}
