package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omnihub/internal/audit"
	"omnihub/internal/httpapi"
	"omnihub/internal/oauthflow"
	"omnihub/internal/oauthstate"
	"omnihub/internal/policy"
	"omnihub/internal/vault"
	"omnihub/internal/webhook"
	"omnihub/pkg/config"
	"omnihub/pkg/db"
	"omnihub/pkg/logger"
	"omnihub/pkg/providers"
	"omnihub/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	keyring := cfg.VaultKeys
	if keyring == "" {
		if cfg.Env != "dev" {
			log.Fatalw("VAULT_KEYS must be set outside dev")
		}
		log.Warnw("VAULT_KEYS not set — using throwaway dev key, stored secrets will not survive restarts of the ring")
		keyring = "1:dev-insecure-key"
	}
	v, err := vault.New(keyring, cfg.KeyVersion)
	if err != nil {
		log.Fatalw("vault", "err", err)
	}

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var reg tenants.Registry
	var auditor audit.Log
	if pool != nil {
		if err := tenants.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("tenants schema", "err", err)
		}
		if err := audit.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("audit schema", "err", err)
		}
		reg = tenants.NewPostgresRegistry(pool, v, log)
		auditor = audit.NewPostgresLog(pool, log)
	} else {
		reg = tenants.NewMemoryRegistry(v, log)
		auditor = audit.NewMemoryLog()
	}

	var states oauthstate.Store
	if rdb != nil {
		states = oauthstate.NewRedis(rdb, cfg.StateTTL)
	} else {
		states = oauthstate.NewMemory(cfg.StateTTL)
	}

	catalog := providers.NewCatalog()
	if err := catalog.LoadRegistryDir(cfg.ProviderRegistryDir, log); err != nil {
		log.Fatalw("provider registry", "dir", cfg.ProviderRegistryDir, "err", err)
	}

	gate, err := policy.NewGate(context.Background())
	if err != nil {
		log.Fatalw("policy", "err", err)
	}

	flows := oauthflow.NewManager(catalog, states, reg, auditor, log, cfg.BasePublicURL)
	hooks := webhook.NewRouter(reg, gate, auditor, log, cfg.StripeWebhookSecret, cfg.MetaWebhookSecret)
	app := httpapi.New(cfg, log, reg, flows, hooks, gate, auditor)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: app.Handler()}
	go func() {
		log.Infow("integration-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("integration-service stopped")
}
