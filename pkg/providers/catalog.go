// Package providers holds the static per-provider OAuth and webhook
// parameters. The set of OAuth providers is closed at startup: an unknown
// code is a typed error, never a map miss.
package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"omnihub/pkg/faults"
)

// AuthStyle distinguishes the quirks of each provider's handshake.
type AuthStyle int

const (
	// StyleFormPost is the plain form-encoded authorization-code exchange
	// (google, linkedin).
	StyleFormPost AuthStyle = iota
	// StyleShopDomain templates the authorization and token URLs with a
	// per-tenant shop domain and POSTs the exchange as JSON (shopify).
	StyleShopDomain
	// StyleLongLived performs a second fb_exchange_token round trip to
	// upgrade the short-lived token (meta).
	StyleLongLived
	// StyleBasicPKCE sends client credentials as HTTP Basic auth and
	// attaches a PKCE code_verifier (x).
	StyleBasicPKCE
)

// AuthType of an integration.
const (
	AuthTypeOAuth  = "oauth"
	AuthTypeAPIKey = "apikey"
)

// Config is the immutable descriptor for one provider.
type Config struct {
	Code        string
	DisplayName string
	Description string
	AuthType    string
	AuthStyle   AuthStyle

	ClientID     string
	ClientSecret string
	Scopes       string

	// AuthURL/TokenURL may contain a {shop} placeholder for StyleShopDomain.
	AuthURL  string
	TokenURL string

	// Extra query parameters on the authorization redirect.
	ExtraAuthParams map[string]string
}

// Configured reports whether the platform's own client credentials are set.
func (c Config) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// AuthURLFor resolves the {shop} placeholder for shop-scoped providers.
func (c Config) AuthURLFor(shop string) string {
	return strings.ReplaceAll(c.AuthURL, "{shop}", shop)
}

// TokenURLFor resolves the {shop} placeholder for shop-scoped providers.
func (c Config) TokenURLFor(shop string) string {
	return strings.ReplaceAll(c.TokenURL, "{shop}", shop)
}

// Catalog is a read-only provider lookup built once at startup.
type Catalog struct {
	byCode map[string]Config
}

// NewCatalog builds the builtin provider set, pulling client credentials
// from {PROVIDER}_CLIENT_ID / {PROVIDER}_CLIENT_SECRET.
func NewCatalog() *Catalog {
	c := &Catalog{byCode: map[string]Config{}}
	for _, p := range builtin() {
		c.byCode[p.Code] = p
	}
	return c
}

// NewCatalogFrom builds a catalog from an explicit descriptor list.
func NewCatalogFrom(cfgs ...Config) *Catalog {
	c := &Catalog{byCode: map[string]Config{}}
	for _, p := range cfgs {
		c.byCode[p.Code] = p
	}
	return c
}

// Get returns the descriptor for a provider code.
func (c *Catalog) Get(code string) (Config, error) {
	p, ok := c.byCode[code]
	if !ok {
		return Config{}, &faults.UnsupportedProviderError{Code: code}
	}
	return p, nil
}

// All returns every provider sorted by code, for status listings.
func (c *Catalog) All() []Config {
	out := make([]Config, 0, len(c.byCode))
	for _, p := range c.byCode {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (c *Catalog) add(p Config) error {
	if p.Code == "" {
		return fmt.Errorf("provider descriptor without code")
	}
	if _, exists := c.byCode[p.Code]; exists {
		return fmt.Errorf("duplicate provider %q", p.Code)
	}
	c.byCode[p.Code] = p
	return nil
}

func creds(prefix string) (string, string) {
	return os.Getenv(prefix + "_CLIENT_ID"), os.Getenv(prefix + "_CLIENT_SECRET")
}

func builtin() []Config {
	shopifyID, shopifySecret := creds("SHOPIFY")
	googleID, googleSecret := creds("GOOGLE")
	metaID, metaSecret := creds("META")
	linkedinID, linkedinSecret := creds("LINKEDIN")
	xID, xSecret := creds("X")
	return []Config{
		{
			Code:         "shopify",
			DisplayName:  "Shopify",
			Description:  "Store products, orders and themes",
			AuthType:     AuthTypeOAuth,
			AuthStyle:    StyleShopDomain,
			ClientID:     shopifyID,
			ClientSecret: shopifySecret,
			Scopes:       "write_products,write_themes,write_pages,write_orders,read_orders,read_customers",
			AuthURL:      "https://{shop}/admin/oauth/authorize",
			TokenURL:     "https://{shop}/admin/oauth/access_token",
		},
		{
			Code:         "google",
			DisplayName:  "Google",
			Description:  "YouTube and Google Ads",
			AuthType:     AuthTypeOAuth,
			AuthStyle:    StyleFormPost,
			ClientID:     googleID,
			ClientSecret: googleSecret,
			Scopes:       "https://www.googleapis.com/auth/youtube https://www.googleapis.com/auth/adwords",
			AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			ExtraAuthParams: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
		},
		{
			Code:         "meta",
			DisplayName:  "Meta",
			Description:  "Facebook and Instagram ads and pages",
			AuthType:     AuthTypeOAuth,
			AuthStyle:    StyleLongLived,
			ClientID:     metaID,
			ClientSecret: metaSecret,
			Scopes:       "ads_management,ads_read,pages_manage_posts,instagram_content_publish",
			AuthURL:      "https://www.facebook.com/v18.0/dialog/oauth",
			TokenURL:     "https://graph.facebook.com/v18.0/oauth/access_token",
		},
		{
			Code:         "linkedin",
			DisplayName:  "LinkedIn",
			Description:  "Member and organization posting",
			AuthType:     AuthTypeOAuth,
			AuthStyle:    StyleFormPost,
			ClientID:     linkedinID,
			ClientSecret: linkedinSecret,
			Scopes:       "w_member_social,r_basicprofile,r_organization_social",
			AuthURL:      "https://www.linkedin.com/oauth/v2/authorization",
			TokenURL:     "https://www.linkedin.com/oauth/v2/accessToken",
		},
		{
			Code:         "x",
			DisplayName:  "X",
			Description:  "Tweet publishing and reads",
			AuthType:     AuthTypeOAuth,
			AuthStyle:    StyleBasicPKCE,
			ClientID:     xID,
			ClientSecret: xSecret,
			Scopes:       "tweet.read,tweet.write,users.read,offline.access",
			AuthURL:      "https://twitter.com/i/oauth2/authorize",
			TokenURL:     "https://api.twitter.com/2/oauth2/token",
		},
		{
			Code:        "openrouter",
			DisplayName: "OpenRouter",
			Description: "LLM gateway api key",
			AuthType:    AuthTypeAPIKey,
		},
	}
}
