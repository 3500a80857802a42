package webhook

import (
	"context"

	"omnihub/internal/audit"
	"omnihub/pkg/tenants"
)

func (r *Router) registerDefaults() {
	r.Register("shopify", "app/uninstalled", r.handleShopifyUninstalled)
	r.Register("shopify", "orders/create", r.handleShopifyOrderCreated)
	r.Register("stripe", "account.application.deauthorized", r.handleStripeDeauthorized)
}

// handleShopifyUninstalled transitions the connection out of connected state
// when the merchant removes the app. Secrets stay for audit continuity; a
// reinstall runs the normal connect flow and overwrites them.
func (r *Router) handleShopifyUninstalled(ctx context.Context, ev Event) error {
	if err := r.reg.SetStatus(ctx, ev.TenantID, "shopify", tenants.StatusDisconnected); err != nil {
		return err
	}
	r.auditor.Append(ctx, audit.Entry{
		TenantID: audit.Tenant(ev.TenantID),
		Actor:    audit.ActorSystem,
		Action:   "shopify_app_uninstalled",
		Payload:  map[string]any{"provider": "shopify"},
	})
	return nil
}

func (r *Router) handleShopifyOrderCreated(ctx context.Context, ev Event) error {
	r.auditor.Append(ctx, audit.Entry{
		TenantID: audit.Tenant(ev.TenantID),
		Actor:    audit.ActorSystem,
		Action:   "shopify_order_created",
		Payload: map[string]any{
			"provider":    "shopify",
			"order_id":    extractString(ev.Payload, "admin_graphql_api_id"),
			"total_price": extractString(ev.Payload, "total_price"),
			"currency":    extractString(ev.Payload, "currency"),
		},
	})
	return nil
}

func (r *Router) handleStripeDeauthorized(ctx context.Context, ev Event) error {
	if err := r.reg.SetStatus(ctx, ev.TenantID, "stripe", tenants.StatusDisconnected); err != nil {
		return err
	}
	r.auditor.Append(ctx, audit.Entry{
		TenantID: audit.Tenant(ev.TenantID),
		Actor:    audit.ActorSystem,
		Action:   "stripe_deauthorized",
		Payload:  map[string]any{"provider": "stripe"},
	})
	return nil
}
