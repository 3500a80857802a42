// Package policy gates tenant-affecting actions on account standing. The
// rules live in embedded rego so operations can be reasoned about (and
// eventually overridden) as policy rather than scattered if-statements.
package policy

import (
	"context"

	"github.com/open-policy-agent/opa/rego"

	"omnihub/pkg/tenants"
)

const module = `package omnihub.authz

default allow_connect = false

# Suspended and cancelled tenants may not add or use connections.
allow_connect {
	input.tenant.status == "active"
}

default allow_dispatch = false

allow_dispatch {
	input.tenant.status == "active"
	input.tenant.automation_enabled == true
}

# Lifecycle events (uninstall, deauthorize) always pass so connection
# bookkeeping happens even when automation is off.
allow_dispatch {
	input.event.lifecycle == true
}
`

type Gate struct {
	connect  rego.PreparedEvalQuery
	dispatch rego.PreparedEvalQuery
}

func NewGate(ctx context.Context) (*Gate, error) {
	connect, err := rego.New(
		rego.Query("data.omnihub.authz.allow_connect"),
		rego.Module("authz.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	dispatch, err := rego.New(
		rego.Query("data.omnihub.authz.allow_dispatch"),
		rego.Module("authz.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &Gate{connect: connect, dispatch: dispatch}, nil
}

// AllowConnect reports whether the tenant may initiate or use connections.
func (g *Gate) AllowConnect(ctx context.Context, t tenants.Tenant) bool {
	return g.eval(ctx, g.connect, map[string]any{
		"tenant": tenantInput(t),
	})
}

// AllowDispatch reports whether a verified webhook event may be handed to
// its handler. Lifecycle events bypass the automation flag.
func (g *Gate) AllowDispatch(ctx context.Context, t tenants.Tenant, lifecycle bool) bool {
	return g.eval(ctx, g.dispatch, map[string]any{
		"tenant": tenantInput(t),
		"event":  map[string]any{"lifecycle": lifecycle},
	})
}

func (g *Gate) eval(ctx context.Context, q rego.PreparedEvalQuery, input map[string]any) bool {
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed
}

func tenantInput(t tenants.Tenant) map[string]any {
	return map[string]any{
		"status":             t.Status,
		"automation_enabled": t.AutomationEnabled,
	}
}
