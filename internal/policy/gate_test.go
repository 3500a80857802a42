package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnihub/pkg/tenants"
)

func TestGate(t *testing.T) {
	gate, err := NewGate(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	active := tenants.Tenant{Status: tenants.TenantActive, AutomationEnabled: true}
	manual := tenants.Tenant{Status: tenants.TenantActive}
	suspended := tenants.Tenant{Status: tenants.TenantSuspended, AutomationEnabled: true}
	cancelled := tenants.Tenant{Status: tenants.TenantCancelled}

	assert.True(t, gate.AllowConnect(ctx, active))
	assert.True(t, gate.AllowConnect(ctx, manual))
	assert.False(t, gate.AllowConnect(ctx, suspended))
	assert.False(t, gate.AllowConnect(ctx, cancelled))

	assert.True(t, gate.AllowDispatch(ctx, active, false))
	assert.False(t, gate.AllowDispatch(ctx, manual, false), "automation off blocks data events")
	assert.False(t, gate.AllowDispatch(ctx, suspended, false))

	// Lifecycle events always reach their handler.
	assert.True(t, gate.AllowDispatch(ctx, manual, true))
	assert.True(t, gate.AllowDispatch(ctx, suspended, true))
}
