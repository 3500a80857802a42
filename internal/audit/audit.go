// Package audit is the append-only record of security-relevant actions.
// No update or delete API exists; a failed append is logged and never
// propagated so it cannot block the action being recorded.
package audit

import (
	"context"
	"time"
)

// Actor values.
const (
	ActorUser    = "user"
	ActorSystem  = "system"
	ActorAIAgent = "ai_agent"
)

// Entry is one immutable audit record. TenantID is nil for pre-tenant and
// platform-level events (e.g. an unattributable webhook rejection).
type Entry struct {
	ID        string         `json:"id"`
	TenantID  *string        `json:"tenant_id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Log interface {
	// Append records an entry; it never returns an error to the caller.
	Append(ctx context.Context, e Entry)
	// Recent returns the newest entries for a tenant, newest first.
	Recent(ctx context.Context, tenantID string, limit int) ([]Entry, error)
}

// Tenant is a convenience for building the nullable tenant reference.
func Tenant(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

type requestInfoKey struct{}

// RequestInfo is the caller attribution of the HTTP request an entry was
// recorded under.
type RequestInfo struct {
	IP        string
	UserAgent string
}

// WithRequestInfo stashes caller attribution in the context; Append picks it
// up so call sites deep in the flow do not have to thread it through.
func WithRequestInfo(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, RequestInfo{IP: ip, UserAgent: userAgent})
}

// enrich fills IP/UserAgent from the context unless the caller set them.
func enrich(ctx context.Context, e Entry) Entry {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	if !ok {
		return e
	}
	if e.IP == "" {
		e.IP = info.IP
	}
	if e.UserAgent == "" {
		e.UserAgent = info.UserAgent
	}
	return e
}
