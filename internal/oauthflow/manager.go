// Package oauthflow orchestrates the authorization-code handshake with each
// provider: building the redirect, validating the callback against a
// single-use state token, exchanging the code, and persisting the resulting
// credentials through the tenant registry.
package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"omnihub/internal/audit"
	"omnihub/internal/oauthstate"
	"omnihub/pkg/faults"
	"omnihub/pkg/providers"
	"omnihub/pkg/tenants"
)

// ErrShopDomainRequired rejects a shop-scoped connect without a shop.
var ErrShopDomainRequired = errors.New("shop domain required")

const exchangeTimeout = 15 * time.Second

type Manager struct {
	catalog *providers.Catalog
	states  oauthstate.Store
	reg     tenants.Registry
	auditor audit.Log
	log     *zap.SugaredLogger
	client  *http.Client

	// Public base URL this service is reachable on; redirect URIs are
	// derived from it.
	baseURL string

	// Serializes token refresh per (tenant, provider) so two concurrent
	// refreshes cannot invalidate each other's refresh token.
	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex
}

func NewManager(catalog *providers.Catalog, states oauthstate.Store, reg tenants.Registry, auditor audit.Log, log *zap.SugaredLogger, baseURL string) *Manager {
	return &Manager{
		catalog:   catalog,
		states:    states,
		reg:       reg,
		auditor:   auditor,
		log:       log,
		client:    &http.Client{Timeout: exchangeTimeout},
		baseURL:   baseURL,
		refreshes: map[string]*sync.Mutex{},
	}
}

func (m *Manager) redirectURI(provider string) string {
	return m.baseURL + "/callback/" + provider
}

// Start builds the provider authorization URL for a tenant and issues the
// state token that the callback must present.
func (m *Manager) Start(ctx context.Context, tenantID, provider, shopDomain string) (string, error) {
	cfg, err := m.catalog.Get(provider)
	if err != nil {
		return "", err
	}
	if cfg.AuthType != providers.AuthTypeOAuth {
		return "", &faults.UnsupportedProviderError{Code: provider}
	}
	if !cfg.Configured() {
		return "", &faults.MissingCredentialsError{Provider: provider}
	}
	if cfg.AuthStyle == providers.StyleShopDomain && shopDomain == "" {
		return "", ErrShopDomainRequired
	}

	tok, err := m.states.Issue(ctx, tenantID, provider, shopDomain, cfg.AuthStyle == providers.StyleBasicPKCE)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", m.redirectURI(provider))
	params.Set("scope", cfg.Scopes)
	params.Set("state", tok.State)
	params.Set("response_type", "code")
	for k, v := range cfg.ExtraAuthParams {
		params.Set(k, v)
	}
	if tok.PKCEVerifier != "" {
		params.Set("code_challenge_method", "plain")
		params.Set("code_challenge", tok.PKCEVerifier)
	}

	authURL := cfg.AuthURLFor(shopDomain) + "?" + params.Encode()

	flowsStarted.WithLabelValues(provider).Inc()
	m.auditor.Append(ctx, audit.Entry{
		TenantID: audit.Tenant(tenantID),
		Actor:    audit.ActorUser,
		Action:   "start_oauth_" + provider,
		Payload:  map[string]any{"provider": provider, "redirect_uri": m.redirectURI(provider)},
	})
	return authURL, nil
}

// HandleCallback consumes the state token and exchanges the code. A state
// that cannot be consumed terminates the flow before any outbound request:
// that is the CSRF/replay defense.
func (m *Manager) HandleCallback(ctx context.Context, provider, code, state string) (tenants.Connection, error) {
	tok, err := m.states.Consume(ctx, state)
	if err != nil || tok.Provider != provider {
		m.auditor.Append(ctx, audit.Entry{
			Actor:   audit.ActorSystem,
			Action:  "oauth_invalid_state",
			Payload: map[string]any{"provider": provider},
		})
		m.log.Warnw("oauth callback with invalid state", "provider", provider)
		return tenants.Connection{}, faults.ErrInvalidState
	}

	cfg, err := m.catalog.Get(provider)
	if err != nil {
		return tenants.Connection{}, err
	}

	resp, err := m.exchangeCode(ctx, cfg, tok, code)
	if err != nil {
		exchangeFailures.WithLabelValues(provider).Inc()
		// A pre-existing connection is marked error so status reflects the
		// failed reconnect; a first-time flow leaves nothing behind.
		if serr := m.reg.SetStatus(ctx, tok.TenantID, provider, tenants.StatusError); serr != nil && !errors.Is(serr, faults.ErrNotConnected) {
			m.log.Errorw("mark connection error", "provider", provider, "err", serr)
		}
		m.auditor.Append(ctx, audit.Entry{
			TenantID: audit.Tenant(tok.TenantID),
			Actor:    audit.ActorSystem,
			Action:   "oauth_exchange_failed_" + provider,
			Payload:  map[string]any{"provider": provider, "error": err.Error()},
		})
		return tenants.Connection{}, err
	}

	secrets := map[string]string{tenants.SecretAccessToken: resp.AccessToken}
	if resp.RefreshToken != "" {
		secrets[tenants.SecretRefreshToken] = resp.RefreshToken
	}
	metadata := map[string]string{}
	if scope := resp.Scope; scope != "" {
		metadata[tenants.MetaScope] = scope
	} else if cfg.Scopes != "" {
		metadata[tenants.MetaScope] = cfg.Scopes
	}
	if resp.ExpiresIn > 0 {
		metadata[tenants.MetaExpiresIn] = strconv.FormatInt(resp.ExpiresIn, 10)
	}
	if resp.TokenType != "" {
		metadata[tenants.MetaTokenType] = resp.TokenType
	}
	if cfg.AuthStyle == providers.StyleShopDomain {
		metadata[tenants.MetaShopDomain] = tok.ShopDomain
		// Shopify signs webhook deliveries with the app's API secret; keep a
		// per-connection copy so rotation of platform creds doesn't orphan
		// in-flight deliveries.
		secrets[tenants.SecretWebhookSecret] = cfg.ClientSecret
	}

	conn, err := m.reg.UpsertConnection(ctx, tok.TenantID, provider, secrets, metadata)
	if err != nil {
		return tenants.Connection{}, err
	}

	flowsCompleted.WithLabelValues(provider).Inc()
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	m.auditor.Append(ctx, audit.Entry{
		TenantID: audit.Tenant(tok.TenantID),
		Actor:    audit.ActorSystem,
		Action:   "save_connection_" + provider,
		Payload:  map[string]any{"provider": provider, "connection_id": conn.ID, "keys_saved": keys},
	})
	return conn, nil
}

// SaveAPIKey is the bypass path for key-based integrations: same persistence
// contract as an OAuth completion minus the authorization round trip.
func (m *Manager) SaveAPIKey(ctx context.Context, tenantID, provider, apiKey string, extra map[string]string) (tenants.Connection, error) {
	cfg, err := m.catalog.Get(provider)
	if err != nil {
		return tenants.Connection{}, err
	}
	if cfg.AuthType != providers.AuthTypeAPIKey {
		return tenants.Connection{}, &faults.UnsupportedProviderError{Code: provider}
	}
	conn, err := m.reg.UpsertConnection(ctx, tenantID, provider,
		map[string]string{tenants.SecretAPIKey: apiKey}, extra)
	if err != nil {
		return tenants.Connection{}, err
	}
	m.auditor.Append(ctx, audit.Entry{
		TenantID: audit.Tenant(tenantID),
		Actor:    audit.ActorUser,
		Action:   "save_api_key_" + provider,
		Payload:  map[string]any{"provider": provider},
	})
	return conn, nil
}

// Disconnect flips the connection status; secrets stay in place so a later
// reconnect upserts instead of duplicating, and the audit trail stays whole.
func (m *Manager) Disconnect(ctx context.Context, tenantID, provider string) error {
	if err := m.reg.SetStatus(ctx, tenantID, provider, tenants.StatusDisconnected); err != nil {
		return err
	}
	m.auditor.Append(ctx, audit.Entry{
		TenantID: audit.Tenant(tenantID),
		Actor:    audit.ActorUser,
		Action:   "disconnect_" + provider,
		Payload:  map[string]any{"provider": provider},
	})
	return nil
}

// GetDecryptedToken hands a stored credential to a collaborator module.
// Integrity failures are audited and reported as "not connected" so callers
// re-prompt a reconnect instead of crashing on corrupt data.
func (m *Manager) GetDecryptedToken(ctx context.Context, tenantID, provider, key string) (string, error) {
	plain, err := m.reg.GetDecryptedSecret(ctx, tenantID, provider, key)
	if err == nil {
		return plain, nil
	}
	var derr *faults.DecryptionError
	if errors.As(err, &derr) {
		m.log.Errorw("secret decryption failed", "provider", provider, "key", key, "key_version", derr.KeyVersion)
		m.auditor.Append(ctx, audit.Entry{
			TenantID: audit.Tenant(tenantID),
			Actor:    audit.ActorSystem,
			Action:   "secret_decrypt_failed",
			Payload:  map[string]any{"provider": provider, "key": key, "key_version": derr.KeyVersion},
		})
		return "", faults.ErrNotConnected
	}
	return "", err
}

// ProviderStatus is one row of the per-tenant status map.
type ProviderStatus struct {
	Connected   bool       `json:"connected"`
	Status      string     `json:"status"`
	DisplayName string     `json:"display_name"`
	AuthType    string     `json:"auth_type"`
	Description string     `json:"description"`
	LastUpdated *time.Time `json:"last_updated"`
}

// Status reports every catalog provider with the tenant's connection state.
func (m *Manager) Status(ctx context.Context, tenantID string) (map[string]ProviderStatus, error) {
	conns, err := m.reg.ListConnections(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byProvider := map[string]tenants.Connection{}
	for _, c := range conns {
		byProvider[c.Provider] = c
	}
	out := map[string]ProviderStatus{}
	for _, cfg := range m.catalog.All() {
		st := ProviderStatus{
			Status:      "not_connected",
			DisplayName: cfg.DisplayName,
			AuthType:    cfg.AuthType,
			Description: cfg.Description,
		}
		if c, ok := byProvider[cfg.Code]; ok {
			st.Status = c.Status
			st.Connected = c.Status == tenants.StatusConnected
			updated := c.UpdatedAt
			st.LastUpdated = &updated
		}
		out[cfg.Code] = st
	}
	return out, nil
}

func (m *Manager) refreshLock(tenantID, provider string) *sync.Mutex {
	key := fmt.Sprintf("%s/%s", tenantID, provider)
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	mu, ok := m.refreshes[key]
	if !ok {
		mu = &sync.Mutex{}
		m.refreshes[key] = mu
	}
	return mu
}

// RefreshToken exchanges the stored refresh token for a fresh access token.
// Serialized per (tenant, provider): concurrent callers queue rather than
// racing to invalidate each other's refresh token.
func (m *Manager) RefreshToken(ctx context.Context, tenantID, provider string) error {
	mu := m.refreshLock(tenantID, provider)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := m.catalog.Get(provider)
	if err != nil {
		return err
	}
	refresh, err := m.reg.GetDecryptedSecret(ctx, tenantID, provider, tenants.SecretRefreshToken)
	if err != nil {
		return err
	}
	conn, err := m.reg.GetConnection(ctx, tenantID, provider)
	if err != nil {
		return err
	}

	resp, err := m.exchangeRefresh(ctx, cfg, refresh)
	if err != nil {
		if serr := m.reg.SetStatus(ctx, tenantID, provider, tenants.StatusExpired); serr != nil {
			m.log.Errorw("mark connection expired", "provider", provider, "err", serr)
		}
		m.auditor.Append(ctx, audit.Entry{
			TenantID: audit.Tenant(tenantID),
			Actor:    audit.ActorSystem,
			Action:   "oauth_refresh_failed_" + provider,
			Payload:  map[string]any{"provider": provider, "error": err.Error()},
		})
		return err
	}

	secrets := map[string]string{tenants.SecretAccessToken: resp.AccessToken}
	if resp.RefreshToken != "" {
		secrets[tenants.SecretRefreshToken] = resp.RefreshToken
	}
	// Copied, never mutated in place: the registry may hand out shared maps.
	metadata := make(map[string]string, len(conn.Metadata)+1)
	for k, val := range conn.Metadata {
		metadata[k] = val
	}
	if resp.ExpiresIn > 0 {
		metadata[tenants.MetaExpiresIn] = strconv.FormatInt(resp.ExpiresIn, 10)
	}
	if _, err := m.reg.UpsertConnection(ctx, tenantID, provider, secrets, metadata); err != nil {
		return err
	}
	m.auditor.Append(ctx, audit.Entry{
		TenantID: audit.Tenant(tenantID),
		Actor:    audit.ActorSystem,
		Action:   "oauth_refreshed_" + provider,
		Payload:  map[string]any{"provider": provider},
	})
	return nil
}
