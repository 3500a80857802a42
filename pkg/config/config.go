// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Public base URL used to build OAuth redirect URIs.
	BasePublicURL string

	// Frontend page the OAuth callback redirects back to.
	ConnectReturnURL string

	// OIDC / JWT for user-facing endpoints (dev header fallback when unset)
	Issuer   string
	Audience string
	JWKSURL  string

	// Vault key ring: "1:<secret>,2:<secret>". Encryption uses KeyVersion
	// (0 = highest version in the ring); decryption accepts any listed version.
	VaultKeys  string
	KeyVersion int

	// TTL for single-use OAuth state tokens
	StateTTL time.Duration

	// Platform-level webhook signing secrets
	StripeWebhookSecret string
	MetaWebhookSecret   string

	// Optional directory of extra api-key provider descriptors (YAML)
	ProviderRegistryDir string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                 env("OMNIHUB_ENV", "dev"),
		HTTPAddr:            env("OMNIHUB_HTTP_ADDR", ":8080"),
		BasePublicURL:       env("BASE_PUBLIC_URL", "http://localhost:8080"),
		ConnectReturnURL:    env("CONNECT_RETURN_URL", "/getting-started"),
		Issuer:              env("OIDC_ISSUER", ""),
		Audience:            env("OIDC_AUDIENCE", "omnihub"),
		JWKSURL:             env("JWKS_URL", ""),
		VaultKeys:           env("VAULT_KEYS", ""),
		KeyVersion:          envInt("VAULT_KEY_VERSION", 0),
		StateTTL:            envDur("OAUTH_STATE_TTL_SEC", 600) * time.Second,
		StripeWebhookSecret: env("STRIPE_WEBHOOK_SECRET", ""),
		MetaWebhookSecret:   env("META_WEBHOOK_SECRET", ""),
		ProviderRegistryDir: env("PROVIDER_REGISTRY_DIR", ""),
		RedisURL:            env("REDIS_URL", ""),
		DatabaseURL:         env("DATABASE_URL", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — using in-memory tenant registry for dev")
	}
	if cfg.RedisURL == "" {
		log.Println("[WARN] REDIS_URL not set — OAuth state tokens held in-process only")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return i
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
