package tenants

import (
	"context"
	"errors"
)

// ErrTenantNotFound is returned when webhook metadata matches no connection.
var ErrTenantNotFound = errors.New("tenant not found")

// Registry is the tenant and connection store. Secret values pass through
// the credential vault on the way in and out; plaintext never persists.
type Registry interface {
	// GetOrCreateTenant resolves the tenant owned by a user, creating it on
	// first use.
	GetOrCreateTenant(ctx context.Context, ownerUserID string) (Tenant, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)

	// UpsertConnection marks the (tenant, provider) connection connected,
	// replaces its metadata, and writes each secret key, replacing any prior
	// ciphertext for that key. Idempotent: repeated reconnects never create
	// a second row or leak stale ciphertexts.
	UpsertConnection(ctx context.Context, tenantID, provider string, secrets map[string]string, metadata map[string]string) (Connection, error)

	GetConnection(ctx context.Context, tenantID, provider string) (Connection, error)
	ListConnections(ctx context.Context, tenantID string) ([]Connection, error)

	// GetDecryptedSecret returns the plaintext for one secret key.
	// faults.ErrNotConnected when there is no connection or no such key;
	// *faults.DecryptionError on integrity failure so callers can tell
	// "needs reconnect" from "data corruption".
	GetDecryptedSecret(ctx context.Context, tenantID, provider, key string) (string, error)

	// SetStatus transitions a connection's status. Secrets are untouched.
	SetStatus(ctx context.Context, tenantID, provider, status string) error

	// ResolveTenantByMetadata maps a provider-asserted identifier (shop
	// domain, account id) back to the owning tenant via stored connection
	// metadata. ErrTenantNotFound when nothing matches.
	ResolveTenantByMetadata(ctx context.Context, provider, metaKey, metaValue string) (string, error)
}
