package oauthstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"omnihub/pkg/faults"
)

const keyPrefix = "oauth_state:"

type redisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis returns a Store backed by Redis so state survives across
// instances. GETDEL gives the atomic check-and-delete Consume requires.
func NewRedis(rdb *redis.Client, ttl time.Duration) Store {
	return &redisStore{rdb: rdb, ttl: ttl}
}

func (s *redisStore) Issue(ctx context.Context, tenantID, provider, shopDomain string, withPKCE bool) (Token, error) {
	tok, err := newToken(tenantID, provider, shopDomain, withPKCE)
	if err != nil {
		return Token{}, err
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return Token{}, err
	}
	if err := s.rdb.Set(ctx, keyPrefix+tok.State, b, s.ttl).Err(); err != nil {
		return Token{}, err
	}
	return tok, nil
}

func (s *redisStore) Consume(ctx context.Context, state string) (Token, error) {
	b, err := s.rdb.GetDel(ctx, keyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, faults.ErrStateNotFound
	}
	if err != nil {
		return Token{}, err
	}
	var tok Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}
