package tenants

import "time"

// Tenant is one business-owner account space. It owns connections and their
// secrets; it is created lazily on the first authenticated action.
type Tenant struct {
	ID                string
	OwnerUserID       string
	Plan              string // starter | pro | enterprise
	Status            string // active | suspended | cancelled
	AutomationEnabled bool
	CreatedAt         time.Time
}

// Tenant statuses.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
	TenantCancelled = "cancelled"
)

// Connection ties a tenant to one provider. At most one row exists per
// (tenant, provider); reconnects upsert it. Rows are never hard-deleted so
// the audit trail stays reconstructible.
type Connection struct {
	ID        string
	TenantID  string
	Provider  string
	Status    string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Connection statuses.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
	StatusExpired      = "expired"
)

// Well-known secret keys.
const (
	SecretAccessToken   = "access_token"
	SecretRefreshToken  = "refresh_token"
	SecretAPIKey        = "api_key"
	SecretWebhookSecret = "webhook_secret"
)

// Well-known connection metadata keys. Webhook tenant resolution matches
// provider-asserted values against these, never against body-supplied ids.
const (
	MetaShopDomain = "shop_domain"
	MetaAccountID  = "account_id"
	MetaScope      = "scope"
	MetaExpiresIn  = "expires_in"
	MetaTokenType  = "token_type"
)
