// Package httpapi exposes the integration subsystem over HTTP: the user
// connect/status endpoints, the OAuth callback, and the webhook intake.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"omnihub/internal/audit"
	"omnihub/internal/oauthflow"
	"omnihub/internal/policy"
	"omnihub/internal/webhook"
	"omnihub/pkg/config"
	"omnihub/pkg/middleware"
	"omnihub/pkg/tenants"
)

type App struct {
	cfg     config.Config
	log     *zap.SugaredLogger
	reg     tenants.Registry
	flows   *oauthflow.Manager
	hooks   *webhook.Router
	gate    *policy.Gate
	auditor audit.Log
}

func New(cfg config.Config, log *zap.SugaredLogger, reg tenants.Registry, flows *oauthflow.Manager, hooks *webhook.Router, gate *policy.Gate, auditor audit.Log) *App {
	return &App{cfg: cfg, log: log, reg: reg, flows: flows, hooks: hooks, gate: gate, auditor: auditor}
}

func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(a.log))
	r.Use(middleware.Tracing())
	r.Use(requestInfo)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Provider-facing: authenticated by signature (webhooks) or by the
	// single-use state token (callback), not by a user session.
	r.Post("/webhook/{provider}", a.handleWebhook)
	r.Get("/callback/{provider}", a.handleCallback)

	// User-facing endpoints.
	r.Group(func(r chi.Router) {
		r.Use(middleware.UserAuth(a.cfg))
		r.Get("/connect/{provider}", a.handleConnect)
		r.Post("/api_key/{provider}", a.handleSaveAPIKey)
		r.Get("/status", a.handleStatus)
		r.Post("/disconnect/{provider}", a.handleDisconnect)
		r.Get("/admin/audit", a.handleAuditTrail)
	})
	return r
}

// requestInfo stashes the caller's address and user agent so audit entries
// recorded anywhere under this request carry them.
func requestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := audit.WithRequestInfo(r.Context(), ip, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantFor resolves the caller's tenant from the authenticated user id.
func (a *App) tenantFor(r *http.Request) (tenants.Tenant, error) {
	return a.reg.GetOrCreateTenant(r.Context(), middleware.UserIDFrom(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
