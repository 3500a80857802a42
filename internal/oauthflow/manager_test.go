package oauthflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omnihub/internal/audit"
	"omnihub/internal/oauthstate"
	"omnihub/internal/vault"
	"omnihub/pkg/faults"
	"omnihub/pkg/providers"
	"omnihub/pkg/tenants"
)

const testBaseURL = "https://hub.example.com"

type fixture struct {
	mgr    *Manager
	reg    tenants.Registry
	states oauthstate.Store
	audit  *audit.MemoryLog
}

func newFixture(t *testing.T, cfgs ...providers.Config) *fixture {
	t.Helper()
	v, err := vault.New("1:test-key", 0)
	require.NoError(t, err)
	log := zap.NewNop().Sugar()
	reg := tenants.NewMemoryRegistry(v, log)
	states := oauthstate.NewMemory(10 * time.Minute)
	auditLog := audit.NewMemoryLog()
	mgr := NewManager(providers.NewCatalogFrom(cfgs...), states, reg, auditLog, log, testBaseURL)
	return &fixture{mgr: mgr, reg: reg, states: states, audit: auditLog}
}

func newTenant(t *testing.T, f *fixture) string {
	t.Helper()
	tn, err := f.reg.GetOrCreateTenant(context.Background(), "user-1")
	require.NoError(t, err)
	return tn.ID
}

func oauthCfg(code string, style providers.AuthStyle, tokenURL string) providers.Config {
	return providers.Config{
		Code:         code,
		DisplayName:  code,
		AuthType:     providers.AuthTypeOAuth,
		AuthStyle:    style,
		ClientID:     "cid",
		ClientSecret: "csecret",
		Scopes:       "read,write",
		AuthURL:      "https://auth.example.com/authorize",
		TokenURL:     tokenURL,
	}
}

func authQuery(t *testing.T, authURL string) url.Values {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query()
}

func TestStartBuildsAuthorizationURL(t *testing.T) {
	cfg := oauthCfg("google", providers.StyleFormPost, "https://token.example.com/token")
	cfg.ExtraAuthParams = map[string]string{"access_type": "offline", "prompt": "consent"}
	f := newFixture(t, cfg)
	tid := newTenant(t, f)

	authURL, err := f.mgr.Start(context.Background(), tid, "google", "")
	require.NoError(t, err)

	q := authQuery(t, authURL)
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, testBaseURL+"/callback/google", q.Get("redirect_uri"))
	assert.Equal(t, "read,write", q.Get("scope"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Empty(t, q.Get("code_challenge"), "pkce is opt-in per provider")
}

func TestStartShopifyTemplatesShopDomain(t *testing.T) {
	cfg := oauthCfg("shopify", providers.StyleShopDomain, "https://{shop}/admin/oauth/access_token")
	cfg.AuthURL = "https://{shop}/admin/oauth/authorize"
	f := newFixture(t, cfg)
	tid := newTenant(t, f)

	authURL, err := f.mgr.Start(context.Background(), tid, "shopify", "acme.myshopify.com")
	require.NoError(t, err)
	assert.Contains(t, authURL, "https://acme.myshopify.com/admin/oauth/authorize?")

	_, err = f.mgr.Start(context.Background(), tid, "shopify", "")
	assert.ErrorIs(t, err, ErrShopDomainRequired)
}

func TestStartRejectsUnknownAndUnconfigured(t *testing.T) {
	unconfigured := oauthCfg("linkedin", providers.StyleFormPost, "https://token.example.com/token")
	unconfigured.ClientSecret = ""
	f := newFixture(t, unconfigured)
	tid := newTenant(t, f)

	_, err := f.mgr.Start(context.Background(), tid, "nope", "")
	var unsupported *faults.UnsupportedProviderError
	assert.ErrorAs(t, err, &unsupported)

	_, err = f.mgr.Start(context.Background(), tid, "linkedin", "")
	var missing *faults.MissingCredentialsError
	assert.ErrorAs(t, err, &missing)
}

func TestCallbackInvalidStateMakesNoExchangeRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	f := newFixture(t, oauthCfg("google", providers.StyleFormPost, srv.URL+"/token"))

	_, err := f.mgr.HandleCallback(context.Background(), "google", "code-1", "forged-state")
	assert.ErrorIs(t, err, faults.ErrInvalidState)
	assert.Equal(t, int32(0), calls.Load(), "invalid state must short-circuit before any outbound call")
	assert.Len(t, f.audit.ByAction("oauth_invalid_state"), 1)
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok"})
	}))
	defer srv.Close()

	f := newFixture(t, oauthCfg("google", providers.StyleFormPost, srv.URL+"/token"))
	tid := newTenant(t, f)

	authURL, err := f.mgr.Start(context.Background(), tid, "google", "")
	require.NoError(t, err)
	state := authQuery(t, authURL).Get("state")

	_, err = f.mgr.HandleCallback(context.Background(), "google", "code-1", state)
	require.NoError(t, err)

	_, err = f.mgr.HandleCallback(context.Background(), "google", "code-1", state)
	assert.ErrorIs(t, err, faults.ErrInvalidState)
}

func TestCallbackShopifyExchangesAsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/oauth/access_token", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cid", body["client_id"])
		assert.Equal(t, "csecret", body["client_secret"])
		assert.Equal(t, "code-1", body["code"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "shpat_abc",
			"scope":        "write_products",
		})
	}))
	defer srv.Close()

	// The {shop} placeholder is absent so the templated URL is the test
	// server itself.
	cfg := oauthCfg("shopify", providers.StyleShopDomain, srv.URL+"/admin/oauth/access_token")
	f := newFixture(t, cfg)
	tid := newTenant(t, f)

	authURL, err := f.mgr.Start(context.Background(), tid, "shopify", "acme.myshopify.com")
	require.NoError(t, err)
	state := authQuery(t, authURL).Get("state")

	conn, err := f.mgr.HandleCallback(context.Background(), "shopify", "code-1", state)
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusConnected, conn.Status)
	assert.Equal(t, "acme.myshopify.com", conn.Metadata[tenants.MetaShopDomain])
	assert.Equal(t, "write_products", conn.Metadata[tenants.MetaScope])

	tok, err := f.reg.GetDecryptedSecret(context.Background(), tid, "shopify", tenants.SecretAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "shpat_abc", tok)

	whs, err := f.reg.GetDecryptedSecret(context.Background(), tid, "shopify", tenants.SecretWebhookSecret)
	require.NoError(t, err)
	assert.Equal(t, "csecret", whs, "webhook secret is the app client secret")
}

func TestCallbackMetaUpgradesToLongLived(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			assert.Equal(t, "fb_exchange_token", r.URL.Query().Get("grant_type"))
			assert.Equal(t, "short-tok", r.URL.Query().Get("fb_exchange_token"))
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "long-tok", "expires_in": 5184000})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "short-tok", "expires_in": 3600})
	}))
	defer srv.Close()

	f := newFixture(t, oauthCfg("meta", providers.StyleLongLived, srv.URL+"/oauth/access_token"))
	tid := newTenant(t, f)

	authURL, err := f.mgr.Start(context.Background(), tid, "meta", "")
	require.NoError(t, err)
	state := authQuery(t, authURL).Get("state")

	conn, err := f.mgr.HandleCallback(context.Background(), "meta", "code-1", state)
	require.NoError(t, err)
	assert.Equal(t, "5184000", conn.Metadata[tenants.MetaExpiresIn])

	tok, err := f.reg.GetDecryptedSecret(context.Background(), tid, "meta", tenants.SecretAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "long-tok", tok)
}

func TestCallbackMetaKeepsShortTokenWhenUpgradeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.Error(w, "upgrade down", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "short-tok"})
	}))
	defer srv.Close()

	f := newFixture(t, oauthCfg("meta", providers.StyleLongLived, srv.URL+"/oauth/access_token"))
	tid := newTenant(t, f)

	authURL, err := f.mgr.Start(context.Background(), tid, "meta", "")
	require.NoError(t, err)
	state := authQuery(t, authURL).Get("state")

	_, err = f.mgr.HandleCallback(context.Background(), "meta", "code-1", state)
	require.NoError(t, err)

	tok, err := f.reg.GetDecryptedSecret(context.Background(), tid, "meta", tenants.SecretAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "short-tok", tok)
}

func TestCallbackXSendsBasicAuthAndVerifier(t *testing.T) {
	var gotVerifier string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "cid", user)
		assert.Equal(t, "csecret", pass)
		require.NoError(t, r.ParseForm())
		gotVerifier = r.PostForm.Get("code_verifier")
		assert.Empty(t, r.PostForm.Get("client_secret"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "x-tok",
			"refresh_token": "x-refresh",
			"expires_in":    7200,
		})
	}))
	defer srv.Close()

	f := newFixture(t, oauthCfg("x", providers.StyleBasicPKCE, srv.URL+"/2/oauth2/token"))
	tid := newTenant(t, f)

	authURL, err := f.mgr.Start(context.Background(), tid, "x", "")
	require.NoError(t, err)
	q := authQuery(t, authURL)
	require.Equal(t, "plain", q.Get("code_challenge_method"))
	challenge := q.Get("code_challenge")
	require.NotEmpty(t, challenge)

	_, err = f.mgr.HandleCallback(context.Background(), "x", "code-1", q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, challenge, gotVerifier, "plain method sends the verifier as the challenge")

	refresh, err := f.reg.GetDecryptedSecret(context.Background(), tid, "x", tenants.SecretRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "x-refresh", refresh)
}

func TestCallbackExchangeFailureMarksConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, oauthCfg("google", providers.StyleFormPost, srv.URL+"/token"))
	tid := newTenant(t, f)
	ctx := context.Background()

	// Pre-existing connection from an earlier successful connect.
	_, err := f.reg.UpsertConnection(ctx, tid, "google", map[string]string{tenants.SecretAccessToken: "old"}, nil)
	require.NoError(t, err)

	authURL, err := f.mgr.Start(ctx, tid, "google", "")
	require.NoError(t, err)
	state := authQuery(t, authURL).Get("state")

	_, err = f.mgr.HandleCallback(ctx, "google", "code-1", state)
	var xerr *faults.TokenExchangeError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, http.StatusBadGateway, xerr.Status)
	assert.True(t, xerr.Retryable)

	conn, err := f.reg.GetConnection(ctx, tid, "google")
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusError, conn.Status)

	// Old token survives: the failed exchange wrote nothing.
	old, err := f.reg.GetDecryptedSecret(ctx, tid, "google", tenants.SecretAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "old", old)
}

func TestSaveAPIKeyAndDisconnect(t *testing.T) {
	f := newFixture(t,
		providers.Config{Code: "openrouter", DisplayName: "OpenRouter", AuthType: providers.AuthTypeAPIKey},
		oauthCfg("google", providers.StyleFormPost, "https://token.example.com/token"),
	)
	tid := newTenant(t, f)
	ctx := context.Background()

	var unsupported *faults.UnsupportedProviderError
	_, err := f.mgr.SaveAPIKey(ctx, tid, "google", "k", nil)
	assert.ErrorAs(t, err, &unsupported, "oauth providers do not take api keys")

	conn, err := f.mgr.SaveAPIKey(ctx, tid, "openrouter", "sk-or-123", map[string]string{"team": "growth"})
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusConnected, conn.Status)
	assert.Equal(t, "growth", conn.Metadata["team"])

	key, err := f.reg.GetDecryptedSecret(ctx, tid, "openrouter", tenants.SecretAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-or-123", key)

	require.NoError(t, f.mgr.Disconnect(ctx, tid, "openrouter"))
	conn, err = f.reg.GetConnection(ctx, tid, "openrouter")
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusDisconnected, conn.Status)

	err = f.mgr.Disconnect(ctx, tid, "google")
	assert.Error(t, err)
}

func TestStatusCoversWholeCatalog(t *testing.T) {
	f := newFixture(t,
		oauthCfg("google", providers.StyleFormPost, "https://token.example.com/token"),
		providers.Config{Code: "openrouter", DisplayName: "OpenRouter", AuthType: providers.AuthTypeAPIKey},
	)
	tid := newTenant(t, f)
	ctx := context.Background()

	_, err := f.mgr.SaveAPIKey(ctx, tid, "openrouter", "sk-or-123", nil)
	require.NoError(t, err)

	statuses, err := f.mgr.Status(ctx, tid)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses["openrouter"].Connected)
	assert.NotNil(t, statuses["openrouter"].LastUpdated)
	assert.False(t, statuses["google"].Connected)
	assert.Equal(t, "not_connected", statuses["google"].Status)
}

func TestRefreshTokenRotatesAndExpiresOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "invalid_grant", http.StatusBadRequest)
			return
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-old", r.PostForm.Get("refresh_token"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok-new",
			"refresh_token": "refresh-new",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	f := newFixture(t, oauthCfg("google", providers.StyleFormPost, srv.URL+"/token"))
	tid := newTenant(t, f)
	ctx := context.Background()

	_, err := f.reg.UpsertConnection(ctx, tid, "google", map[string]string{
		tenants.SecretAccessToken:  "tok-old",
		tenants.SecretRefreshToken: "refresh-old",
	}, map[string]string{tenants.MetaScope: "read,write"})
	require.NoError(t, err)

	require.NoError(t, f.mgr.RefreshToken(ctx, tid, "google"))

	tok, err := f.reg.GetDecryptedSecret(ctx, tid, "google", tenants.SecretAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tok-new", tok)
	refresh, err := f.reg.GetDecryptedSecret(ctx, tid, "google", tenants.SecretRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-new", refresh)

	conn, err := f.reg.GetConnection(ctx, tid, "google")
	require.NoError(t, err)
	assert.Equal(t, "read,write", conn.Metadata[tenants.MetaScope], "metadata carries over")

	fail.Store(true)
	err = f.mgr.RefreshToken(ctx, tid, "google")
	var xerr *faults.TokenExchangeError
	require.ErrorAs(t, err, &xerr)

	conn, err = f.reg.GetConnection(ctx, tid, "google")
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusExpired, conn.Status)

	var unsupported *faults.UnsupportedProviderError
	assert.ErrorAs(t, f.mgr.RefreshToken(ctx, tid, "meta"), &unsupported)
}

func TestRefreshTokenDoesNotMutateSharedMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-new", "expires_in": 3600})
	}))
	defer srv.Close()

	f := newFixture(t, oauthCfg("google", providers.StyleFormPost, srv.URL+"/token"))
	tid := newTenant(t, f)
	ctx := context.Background()

	_, err := f.reg.UpsertConnection(ctx, tid, "google", map[string]string{
		tenants.SecretRefreshToken: "refresh-old",
	}, map[string]string{tenants.MetaScope: "read"})
	require.NoError(t, err)

	before, err := f.reg.GetConnection(ctx, tid, "google")
	require.NoError(t, err)

	require.NoError(t, f.mgr.RefreshToken(ctx, tid, "google"))

	// The map held from before the refresh is untouched; only stored state
	// gained the new expiry.
	assert.NotContains(t, before.Metadata, tenants.MetaExpiresIn)
	after, err := f.reg.GetConnection(ctx, tid, "google")
	require.NoError(t, err)
	assert.Equal(t, "3600", after.Metadata[tenants.MetaExpiresIn])
	assert.Equal(t, "read", after.Metadata[tenants.MetaScope])
}

func TestGetDecryptedTokenMapsCorruptionToNotConnected(t *testing.T) {
	f := newFixture(t, oauthCfg("google", providers.StyleFormPost, "https://token.example.com/token"))
	tid := newTenant(t, f)
	ctx := context.Background()

	_, err := f.mgr.GetDecryptedToken(ctx, tid, "google", tenants.SecretAccessToken)
	assert.ErrorIs(t, err, faults.ErrNotConnected)
}
