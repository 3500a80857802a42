package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"omnihub/internal/audit"
	"omnihub/internal/oauthflow"
	"omnihub/pkg/faults"
	"omnihub/pkg/tenants"
)

const maxWebhookBody = 1 << 20

// handleConnect starts the OAuth flow and redirects the browser to the
// provider's consent screen.
func (a *App) handleConnect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	tenant, err := a.tenantFor(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tenant resolution failed")
		return
	}
	if !a.gate.AllowConnect(r.Context(), tenant) {
		writeError(w, http.StatusForbidden, "account is not active")
		return
	}

	authURL, err := a.flows.Start(r.Context(), tenant.ID, provider, r.URL.Query().Get("shop"))
	if err != nil {
		var unsupported *faults.UnsupportedProviderError
		var missing *faults.MissingCredentialsError
		switch {
		case errors.As(err, &unsupported):
			writeError(w, http.StatusBadRequest, "unsupported provider")
		case errors.As(err, &missing):
			writeError(w, http.StatusBadRequest, "provider not configured")
		case errors.Is(err, oauthflow.ErrShopDomainRequired):
			writeError(w, http.StatusBadRequest, "shop parameter required")
		default:
			a.log.Errorw("connect failed", "provider", provider, "err", err)
			writeError(w, http.StatusInternalServerError, "connect failed")
		}
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes the OAuth flow. The browser always ends up back on
// the frontend; outcomes are carried as coarse query tags and the detail
// lives in the audit log.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	if q.Get("error") != "" {
		a.redirectBack(w, r, url.Values{"error": {"access_denied"}, "provider": {provider}})
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		a.redirectBack(w, r, url.Values{"error": {"missing_params"}, "provider": {provider}})
		return
	}

	_, err := a.flows.HandleCallback(r.Context(), provider, code, state)
	if err != nil {
		tag := "token_exchange_failed"
		if errors.Is(err, faults.ErrInvalidState) {
			tag = "invalid_state"
		}
		a.redirectBack(w, r, url.Values{"error": {tag}, "provider": {provider}})
		return
	}
	a.redirectBack(w, r, url.Values{"connected": {provider}})
}

func (a *App) redirectBack(w http.ResponseWriter, r *http.Request, params url.Values) {
	target := a.cfg.ConnectReturnURL
	if strings.Contains(target, "?") {
		target += "&" + params.Encode()
	} else {
		target += "?" + params.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

type apiKeyRequest struct {
	APIKey string            `json:"api_key"`
	Extra  map[string]string `json:"extra"`
}

func (a *App) handleSaveAPIKey(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	tenant, err := a.tenantFor(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tenant resolution failed")
		return
	}
	if !a.gate.AllowConnect(r.Context(), tenant) {
		writeError(w, http.StatusForbidden, "account is not active")
		return
	}

	var req apiKeyRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "api_key required")
		return
	}
	conn, err := a.flows.SaveAPIKey(r.Context(), tenant.ID, provider, req.APIKey, req.Extra)
	if err != nil {
		var unsupported *faults.UnsupportedProviderError
		if errors.As(err, &unsupported) {
			writeError(w, http.StatusBadRequest, "unsupported provider")
			return
		}
		a.log.Errorw("save api key failed", "provider", provider, "err", err)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": provider,
		"status":   conn.Status,
	})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant, err := a.tenantFor(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tenant resolution failed")
		return
	}
	statuses, err := a.flows.Status(r.Context(), tenant.ID)
	if err != nil {
		a.log.Errorw("status failed", "err", err)
		writeError(w, http.StatusInternalServerError, "status failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": statuses})
}

func (a *App) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	tenant, err := a.tenantFor(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tenant resolution failed")
		return
	}
	if err := a.flows.Disconnect(r.Context(), tenant.ID, provider); err != nil {
		if errors.Is(err, faults.ErrNotConnected) {
			writeError(w, http.StatusBadRequest, "not connected")
			return
		}
		a.log.Errorw("disconnect failed", "provider", provider, "err", err)
		writeError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "status": tenants.StatusDisconnected})
}

func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	err = a.hooks.Receive(r.Context(), provider, body, r.Header)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	var sigErr *faults.SignatureVerificationError
	var unsupported *faults.UnsupportedProviderError
	switch {
	case errors.As(err, &sigErr):
		// Detail stays server-side; the caller learns only that the
		// delivery did not verify.
		writeError(w, http.StatusUnauthorized, "signature verification failed")
	case errors.As(err, &unsupported):
		writeError(w, http.StatusBadRequest, "unsupported provider")
	default:
		a.log.Errorw("webhook processing failed", "provider", provider, "err", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
	}
}

func (a *App) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	tenant, err := a.tenantFor(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tenant resolution failed")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.auditor.Recent(r.Context(), tenant.ID, limit)
	if err != nil {
		a.log.Errorw("audit query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}
