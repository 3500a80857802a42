package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jmespath/go-jmespath"
	"go.uber.org/zap"

	"omnihub/internal/audit"
	"omnihub/internal/policy"
	"omnihub/pkg/faults"
	"omnihub/pkg/tenants"
)

const stripeTolerance = 5 * time.Minute

// Event is a verified, tenant-attributed webhook delivery.
type Event struct {
	Provider string
	Type     string
	TenantID string
	Payload  []byte

	// Lifecycle events (uninstall, deauthorize) bypass the automation gate.
	Lifecycle bool
}

// Handler processes one verified event.
type Handler func(ctx context.Context, ev Event) error

// Router verifies inbound webhooks and routes them to handlers. Tenant
// identity always comes from provider-asserted data (signed headers or the
// signed payload), never from anything the caller could choose freely.
type Router struct {
	reg     tenants.Registry
	gate    *policy.Gate
	auditor audit.Log
	log     *zap.SugaredLogger

	stripeSecret string
	metaSecret   string
	now          func() time.Time

	handlers map[string]Handler
}

func NewRouter(reg tenants.Registry, gate *policy.Gate, auditor audit.Log, log *zap.SugaredLogger, stripeSecret, metaSecret string) *Router {
	r := &Router{
		reg:          reg,
		gate:         gate,
		auditor:      auditor,
		log:          log,
		stripeSecret: stripeSecret,
		metaSecret:   metaSecret,
		now:          time.Now,
		handlers:     map[string]Handler{},
	}
	r.registerDefaults()
	return r
}

// Register binds a handler to a provider event type, replacing any default.
func (r *Router) Register(provider, eventType string, h Handler) {
	r.handlers[provider+"/"+eventType] = h
}

// Receive verifies and dispatches one delivery. The raw body must be passed
// unmodified; signatures cover the exact bytes on the wire.
func (r *Router) Receive(ctx context.Context, provider string, body []byte, hdr http.Header) error {
	switch provider {
	case "shopify":
		return r.receiveShopify(ctx, body, hdr)
	case "stripe":
		return r.receiveStripe(ctx, body, hdr)
	case "meta":
		return r.receiveMeta(ctx, body, hdr)
	default:
		return &faults.UnsupportedProviderError{Code: provider}
	}
}

// receiveShopify resolves the tenant first: the per-connection webhook
// secret is needed to check the signature, and the shop domain header is
// covered by that signature so a forged header cannot verify.
func (r *Router) receiveShopify(ctx context.Context, body []byte, hdr http.Header) error {
	shop := hdr.Get("X-Shopify-Shop-Domain")
	if shop == "" {
		return r.reject(ctx, "shopify", &faults.SignatureVerificationError{Provider: "shopify", Reason: "missing shop domain header"})
	}
	tenantID, err := r.reg.ResolveTenantByMetadata(ctx, "shopify", tenants.MetaShopDomain, shop)
	if err != nil {
		return r.reject(ctx, "shopify", &faults.SignatureVerificationError{Provider: "shopify", Reason: "unknown shop domain"})
	}
	secret, err := r.reg.GetDecryptedSecret(ctx, tenantID, "shopify", tenants.SecretWebhookSecret)
	if err != nil {
		return r.reject(ctx, "shopify", &faults.SignatureVerificationError{Provider: "shopify", Reason: "no webhook secret on connection"})
	}
	if err := verifyShopify(secret, body, hdr.Get("X-Shopify-Hmac-Sha256")); err != nil {
		return r.reject(ctx, "shopify", err)
	}

	topic := hdr.Get("X-Shopify-Topic")
	return r.dispatch(ctx, Event{
		Provider:  "shopify",
		Type:      topic,
		TenantID:  tenantID,
		Payload:   body,
		Lifecycle: topic == "app/uninstalled",
	})
}

// receiveStripe verifies against the platform signing secret before reading
// anything out of the payload; the connected account id inside the verified
// body then identifies the tenant.
func (r *Router) receiveStripe(ctx context.Context, body []byte, hdr http.Header) error {
	if r.stripeSecret == "" {
		return r.reject(ctx, "stripe", &faults.SignatureVerificationError{Provider: "stripe", Reason: "signing secret not configured"})
	}
	if err := verifyStripe(r.stripeSecret, body, hdr.Get("Stripe-Signature"), stripeTolerance, r.now()); err != nil {
		return r.reject(ctx, "stripe", err)
	}

	eventType := extractString(body, "type")
	account := extractString(body, "account")
	if account == "" {
		return r.reject(ctx, "stripe", &faults.SignatureVerificationError{Provider: "stripe", Reason: "event carries no account"})
	}
	tenantID, err := r.reg.ResolveTenantByMetadata(ctx, "stripe", tenants.MetaAccountID, account)
	if err != nil {
		return r.reject(ctx, "stripe", &faults.SignatureVerificationError{Provider: "stripe", Reason: "unknown account"})
	}
	return r.dispatch(ctx, Event{
		Provider:  "stripe",
		Type:      eventType,
		TenantID:  tenantID,
		Payload:   body,
		Lifecycle: eventType == "account.application.deauthorized",
	})
}

func (r *Router) receiveMeta(ctx context.Context, body []byte, hdr http.Header) error {
	if r.metaSecret == "" {
		return r.reject(ctx, "meta", &faults.SignatureVerificationError{Provider: "meta", Reason: "app secret not configured"})
	}
	if err := verifyMeta(r.metaSecret, body, hdr.Get("X-Hub-Signature-256")); err != nil {
		return r.reject(ctx, "meta", err)
	}

	account := extractString(body, "entry[0].id")
	if account == "" {
		return r.reject(ctx, "meta", &faults.SignatureVerificationError{Provider: "meta", Reason: "payload carries no entry id"})
	}
	tenantID, err := r.reg.ResolveTenantByMetadata(ctx, "meta", tenants.MetaAccountID, account)
	if err != nil {
		return r.reject(ctx, "meta", &faults.SignatureVerificationError{Provider: "meta", Reason: "unknown account"})
	}
	return r.dispatch(ctx, Event{
		Provider: "meta",
		Type:     extractString(body, "object"),
		TenantID: tenantID,
		Payload:  body,
	})
}

func (r *Router) dispatch(ctx context.Context, ev Event) error {
	tenant, err := r.reg.GetTenant(ctx, ev.TenantID)
	if err != nil {
		return err
	}
	if !r.gate.AllowDispatch(ctx, tenant, ev.Lifecycle) {
		eventsSuppressed.WithLabelValues(ev.Provider).Inc()
		r.auditor.Append(ctx, audit.Entry{
			TenantID: audit.Tenant(ev.TenantID),
			Actor:    audit.ActorSystem,
			Action:   "webhook_suppressed",
			Payload:  map[string]any{"provider": ev.Provider, "event_type": ev.Type},
		})
		return nil
	}

	eventsReceived.WithLabelValues(ev.Provider, ev.Type).Inc()
	h, ok := r.handlers[ev.Provider+"/"+ev.Type]
	if !ok {
		r.auditor.Append(ctx, audit.Entry{
			TenantID: audit.Tenant(ev.TenantID),
			Actor:    audit.ActorSystem,
			Action:   "webhook_received_" + ev.Provider,
			Payload:  map[string]any{"provider": ev.Provider, "event_type": ev.Type},
		})
		return nil
	}
	return h(ctx, ev)
}

func (r *Router) reject(ctx context.Context, provider string, err error) error {
	eventsRejected.WithLabelValues(provider).Inc()
	reason := err.Error()
	var serr *faults.SignatureVerificationError
	if errors.As(err, &serr) {
		reason = serr.Reason
	}
	r.log.Warnw("webhook rejected", "provider", provider, "reason", reason)
	r.auditor.Append(ctx, audit.Entry{
		Actor:   audit.ActorSystem,
		Action:  "webhook_rejected",
		Payload: map[string]any{"provider": provider, "reason": reason},
	})
	return err
}

// extractString pulls a string field out of a JSON payload by jmespath
// expression; any miss or type mismatch yields "".
func extractString(body []byte, expr string) string {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}
	v, err := jmespath.Search(expr, data)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
