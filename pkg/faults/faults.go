// Package faults defines the error taxonomy shared by the OAuth flow and
// webhook paths. Handlers match on these with errors.Is/errors.As and map
// them to coarse HTTP responses; full detail goes to the audit log only.
package faults

import (
	"errors"
	"fmt"
)

// ErrStateNotFound is returned by the state store when a token is unknown,
// expired, or already consumed. Callers must treat it as request rejection.
var ErrStateNotFound = errors.New("state token not found")

// ErrInvalidState terminates a callback before any token exchange happens.
var ErrInvalidState = errors.New("invalid oauth state")

// ErrNotConnected covers both a missing connection and an unreadable secret;
// the caller's remedy in either case is to reconnect.
var ErrNotConnected = errors.New("provider not connected")

// UnsupportedProviderError identifies a provider code outside the catalog.
type UnsupportedProviderError struct {
	Code string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Code)
}

// MissingCredentialsError means the platform's own client id/secret for a
// provider are not configured; that provider's connect path is disabled.
type MissingCredentialsError struct {
	Provider string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("oauth client credentials not configured for %s", e.Provider)
}

// TokenExchangeError wraps any failure of the authorization-code exchange:
// transport errors, non-2xx responses, or a response without access_token.
// Retryable marks timeouts and transient transport failures; the remedy is
// the user re-initiating the connect flow, never a server-side retry loop.
type TokenExchangeError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *TokenExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token exchange with %s failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("token exchange with %s failed: status %d", e.Provider, e.Status)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// DecryptionError is a data-integrity failure: tampered ciphertext or an
// unknown key version. It must never be swallowed into a zero value.
type DecryptionError struct {
	KeyVersion int
	Err        error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt with key version %d: %v", e.KeyVersion, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// SignatureVerificationError rejects an inbound webhook. Reason is safe for
// logs/audit; it is never echoed to the caller.
type SignatureVerificationError struct {
	Provider string
	Reason   string
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("webhook signature verification failed for %s: %s", e.Provider, e.Reason)
}
