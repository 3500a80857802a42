// Package oauthstate issues and consumes the single-use CSRF state tokens
// that tie an OAuth callback to a connect request this service produced.
// Consume is atomic: of two concurrent callbacks presenting the same state,
// at most one succeeds.
package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Token is one in-flight OAuth round trip.
type Token struct {
	State        string    `json:"state"`
	TenantID     string    `json:"tenant_id"`
	Provider     string    `json:"provider"`
	ShopDomain   string    `json:"shop_domain,omitempty"`
	PKCEVerifier string    `json:"pkce_verifier,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

type Store interface {
	// Issue generates a fresh state token (and PKCE verifier when asked)
	// and stores it under the configured TTL.
	Issue(ctx context.Context, tenantID, provider, shopDomain string, withPKCE bool) (Token, error)
	// Consume atomically fetches and deletes a token. Unknown, expired, or
	// already-consumed states return faults.ErrStateNotFound; callers must
	// reject the request, never retry.
	Consume(ctx context.Context, state string) (Token, error)
}

// randToken returns a URL-safe token with 256 bits of entropy.
func randToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func newToken(tenantID, provider, shopDomain string, withPKCE bool) (Token, error) {
	state, err := randToken()
	if err != nil {
		return Token{}, err
	}
	tok := Token{
		State:      state,
		TenantID:   tenantID,
		Provider:   provider,
		ShopDomain: shopDomain,
		IssuedAt:   time.Now().UTC(),
	}
	if withPKCE {
		verifier, err := randToken()
		if err != nil {
			return Token{}, err
		}
		tok.PKCEVerifier = verifier
	}
	return tok, nil
}
