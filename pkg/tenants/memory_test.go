package tenants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omnihub/internal/vault"
	"omnihub/pkg/faults"
)

func newTestRegistry(t *testing.T) (*memRegistry, Tenant) {
	t.Helper()
	v, err := vault.New("1:test-key", 0)
	require.NoError(t, err)
	reg := NewMemoryRegistry(v, zap.NewNop().Sugar()).(*memRegistry)
	tenant, err := reg.GetOrCreateTenant(context.Background(), "user-1")
	require.NoError(t, err)
	return reg, tenant
}

func TestConnectionMetadataIsolated(t *testing.T) {
	reg, tenant := newTestRegistry(t)
	ctx := context.Background()

	input := map[string]string{MetaShopDomain: "foo.myshopify.com"}
	conn, err := reg.UpsertConnection(ctx, tenant.ID, "shopify", nil, input)
	require.NoError(t, err)

	// Mutating either the input map or a returned snapshot must not touch
	// stored state.
	input[MetaShopDomain] = "mutated-input"
	conn.Metadata[MetaShopDomain] = "mutated-snapshot"

	got, err := reg.GetConnection(ctx, tenant.ID, "shopify")
	require.NoError(t, err)
	assert.Equal(t, "foo.myshopify.com", got.Metadata[MetaShopDomain])

	tid, err := reg.ResolveTenantByMetadata(ctx, "shopify", MetaShopDomain, "foo.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, tid)
}

func TestGetOrCreateTenantIsIdempotent(t *testing.T) {
	reg, tenant := newTestRegistry(t)
	again, err := reg.GetOrCreateTenant(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, again.ID)
	assert.Equal(t, TenantActive, again.Status)
}

func TestUpsertConnectionNeverDuplicates(t *testing.T) {
	reg, tenant := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.UpsertConnection(ctx, tenant.ID, "shopify",
		map[string]string{SecretAccessToken: "tok-one"},
		map[string]string{MetaShopDomain: "foo.myshopify.com"})
	require.NoError(t, err)

	second, err := reg.UpsertConnection(ctx, tenant.ID, "shopify",
		map[string]string{SecretAccessToken: "tok-two"},
		map[string]string{MetaShopDomain: "bar.myshopify.com"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "reconnect must reuse the row")
	conns, err := reg.ListConnections(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, conns, 1)

	// Second upsert replaced the ciphertext rather than appending.
	assert.Equal(t, 1, reg.SecretCount(tenant.ID, "shopify"))
	got, err := reg.GetDecryptedSecret(ctx, tenant.ID, "shopify", SecretAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tok-two", got)
	assert.Equal(t, "bar.myshopify.com", second.Metadata[MetaShopDomain])
}

func TestGetDecryptedSecretRoundTrip(t *testing.T) {
	reg, tenant := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UpsertConnection(ctx, tenant.ID, "google", map[string]string{
		SecretAccessToken:  "ya29.token",
		SecretRefreshToken: "1//refresh",
	}, nil)
	require.NoError(t, err)

	access, err := reg.GetDecryptedSecret(ctx, tenant.ID, "google", SecretAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ya29.token", access)

	_, err = reg.GetDecryptedSecret(ctx, tenant.ID, "google", "no_such_key")
	assert.ErrorIs(t, err, faults.ErrNotConnected)

	_, err = reg.GetDecryptedSecret(ctx, tenant.ID, "linkedin", SecretAccessToken)
	assert.ErrorIs(t, err, faults.ErrNotConnected)
}

func TestDisconnectKeepsSecrets(t *testing.T) {
	reg, tenant := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UpsertConnection(ctx, tenant.ID, "shopify",
		map[string]string{SecretAccessToken: "tok", SecretWebhookSecret: "whsec"},
		map[string]string{MetaShopDomain: "foo.myshopify.com"})
	require.NoError(t, err)

	require.NoError(t, reg.SetStatus(ctx, tenant.ID, "shopify", StatusDisconnected))
	c, err := reg.GetConnection(ctx, tenant.ID, "shopify")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, c.Status)
	assert.Equal(t, 2, reg.SecretCount(tenant.ID, "shopify"))

	// Reconnect reuses the same row and secrets stay readable.
	re, err := reg.UpsertConnection(ctx, tenant.ID, "shopify",
		map[string]string{SecretAccessToken: "tok-new"},
		map[string]string{MetaShopDomain: "foo.myshopify.com"})
	require.NoError(t, err)
	assert.Equal(t, c.ID, re.ID)
	assert.Equal(t, StatusConnected, re.Status)
	whsec, err := reg.GetDecryptedSecret(ctx, tenant.ID, "shopify", SecretWebhookSecret)
	require.NoError(t, err)
	assert.Equal(t, "whsec", whsec)
}

func TestSetStatusUnknownConnection(t *testing.T) {
	reg, tenant := newTestRegistry(t)
	err := reg.SetStatus(context.Background(), tenant.ID, "meta", StatusDisconnected)
	assert.ErrorIs(t, err, faults.ErrNotConnected)
}

func TestResolveTenantByMetadata(t *testing.T) {
	reg, tenant := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UpsertConnection(ctx, tenant.ID, "shopify", nil,
		map[string]string{MetaShopDomain: "foo.myshopify.com"})
	require.NoError(t, err)

	tid, err := reg.ResolveTenantByMetadata(ctx, "shopify", MetaShopDomain, "foo.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, tid)

	_, err = reg.ResolveTenantByMetadata(ctx, "shopify", MetaShopDomain, "other.myshopify.com")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}
