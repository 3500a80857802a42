package oauthstate

import (
	"context"
	"sync"
	"time"

	"omnihub/pkg/faults"
)

type memoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	byState map[string]Token
}

// NewMemory returns an in-process Store for dev and tests. Not suitable for
// multi-instance deployments; use the Redis store there.
func NewMemory(ttl time.Duration) Store {
	return &memoryStore{ttl: ttl, byState: map[string]Token{}}
}

func (s *memoryStore) Issue(ctx context.Context, tenantID, provider, shopDomain string, withPKCE bool) (Token, error) {
	tok, err := newToken(tenantID, provider, shopDomain, withPKCE)
	if err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	s.byState[tok.State] = tok
	s.mu.Unlock()
	return tok, nil
}

func (s *memoryStore) Consume(ctx context.Context, state string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byState[state]
	if !ok {
		return Token{}, faults.ErrStateNotFound
	}
	delete(s.byState, state)
	if time.Since(tok.IssuedAt) > s.ttl {
		return Token{}, faults.ErrStateNotFound
	}
	return tok, nil
}
