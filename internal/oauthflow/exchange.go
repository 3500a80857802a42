package oauthflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"omnihub/internal/oauthstate"
	"omnihub/pkg/faults"
	"omnihub/pkg/providers"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (m *Manager) exchangeCode(ctx context.Context, cfg providers.Config, tok oauthstate.Token, code string) (tokenResponse, error) {
	switch cfg.AuthStyle {
	case providers.StyleShopDomain:
		return m.exchangeShopify(ctx, cfg, tok.ShopDomain, code)
	case providers.StyleLongLived:
		return m.exchangeMeta(ctx, cfg, code)
	default:
		form := url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {code},
			"redirect_uri": {m.redirectURI(cfg.Code)},
			"client_id":    {cfg.ClientID},
		}
		if cfg.AuthStyle == providers.StyleBasicPKCE {
			form.Set("code_verifier", tok.PKCEVerifier)
		} else {
			form.Set("client_secret", cfg.ClientSecret)
		}
		return m.postForm(ctx, cfg, cfg.TokenURL, form)
	}
}

// exchangeShopify POSTs the code as JSON to the shop-templated token URL.
func (m *Manager) exchangeShopify(ctx context.Context, cfg providers.Config, shopDomain, code string) (tokenResponse, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     cfg.ClientID,
		"client_secret": cfg.ClientSecret,
		"code":          code,
	})
	if err != nil {
		return tokenResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURLFor(shopDomain), bytes.NewReader(body))
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.do(req, cfg.Code)
}

// exchangeMeta does the plain code exchange and then tries the
// fb_exchange_token upgrade to a long-lived token. An upgrade failure keeps
// the short-lived token rather than failing the whole connect.
func (m *Manager) exchangeMeta(ctx context.Context, cfg providers.Config, code string) (tokenResponse, error) {
	short, err := m.postForm(ctx, cfg, cfg.TokenURL, url.Values{
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"redirect_uri":  {m.redirectURI(cfg.Code)},
		"code":          {code},
	})
	if err != nil {
		return tokenResponse{}, err
	}

	q := url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {cfg.ClientID},
		"client_secret":     {cfg.ClientSecret},
		"fb_exchange_token": {short.AccessToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.TokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return short, nil
	}
	long, err := m.do(req, cfg.Code)
	if err != nil {
		m.log.Warnw("long-lived token upgrade failed, keeping short-lived token", "provider", cfg.Code, "err", err)
		return short, nil
	}
	return long, nil
}

func (m *Manager) exchangeRefresh(ctx context.Context, cfg providers.Config, refreshToken string) (tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cfg.ClientID},
	}
	if cfg.AuthStyle != providers.StyleBasicPKCE {
		form.Set("client_secret", cfg.ClientSecret)
	}
	return m.postForm(ctx, cfg, cfg.TokenURL, form)
}

func (m *Manager) postForm(ctx context.Context, cfg providers.Config, tokenURL string, form url.Values) (tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cfg.AuthStyle == providers.StyleBasicPKCE {
		req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)
	}
	return m.do(req, cfg.Code)
}

func (m *Manager) do(req *http.Request, provider string) (tokenResponse, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		var uerr *url.Error
		retryable := errors.As(err, &uerr) && uerr.Timeout()
		return tokenResponse{}, &faults.TokenExchangeError{Provider: provider, Retryable: retryable, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenResponse{}, &faults.TokenExchangeError{
			Provider:  provider,
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode >= 500,
		}
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenResponse{}, &faults.TokenExchangeError{Provider: provider, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return tokenResponse{}, &faults.TokenExchangeError{Provider: provider, Err: errors.New("response missing access_token")}
	}
	return tr, nil
}
