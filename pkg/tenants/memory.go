// pkg/tenants/memory.go
package tenants

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"omnihub/internal/vault"
	"omnihub/pkg/faults"
)

type encryptedSecret struct {
	ciphertext []byte
	keyVersion int
}

// memRegistry is the in-memory Registry used for dev and tests. It runs
// secrets through the same vault as the Postgres registry so encryption
// invariants hold everywhere.
type memRegistry struct {
	mu          sync.RWMutex
	vault       *vault.Vault
	log         *zap.SugaredLogger
	tenants     map[string]Tenant                     // id -> tenant
	byOwner     map[string]string                     // owner user id -> tenant id
	connections map[string]map[string]*Connection     // tenant id -> provider -> connection
	secrets     map[string]map[string]encryptedSecret // connection id -> key -> ciphertext
}

// NewMemoryRegistry returns a Registry held entirely in process.
func NewMemoryRegistry(v *vault.Vault, log *zap.SugaredLogger) Registry {
	return &memRegistry{
		vault:       v,
		log:         log,
		tenants:     map[string]Tenant{},
		byOwner:     map[string]string{},
		connections: map[string]map[string]*Connection{},
		secrets:     map[string]map[string]encryptedSecret{},
	}
}

func (r *memRegistry) GetOrCreateTenant(ctx context.Context, ownerUserID string) (Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byOwner[ownerUserID]; ok {
		return r.tenants[id], nil
	}
	t := Tenant{
		ID:          uuid.NewString(),
		OwnerUserID: ownerUserID,
		Plan:        "starter",
		Status:      TenantActive,
		CreatedAt:   time.Now().UTC(),
	}
	r.tenants[t.ID] = t
	r.byOwner[ownerUserID] = t.ID
	return t, nil
}

func (r *memRegistry) GetTenant(ctx context.Context, id string) (Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return Tenant{}, ErrTenantNotFound
	}
	return t, nil
}

// SetTenantStatus is a test/dev hook; production status changes arrive via
// billing events outside this subsystem.
func (r *memRegistry) SetTenantStatus(id, status string, automation bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[id]; ok {
		t.Status = status
		t.AutomationEnabled = automation
		r.tenants[id] = t
	}
}

func (r *memRegistry) UpsertConnection(ctx context.Context, tenantID, provider string, secrets map[string]string, metadata map[string]string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenantID]; !ok {
		return Connection{}, ErrTenantNotFound
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	conns := r.connections[tenantID]
	if conns == nil {
		conns = map[string]*Connection{}
		r.connections[tenantID] = conns
	}
	c := conns[provider]
	now := time.Now().UTC()
	if c == nil {
		c = &Connection{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Provider:  provider,
			CreatedAt: now,
		}
		conns[provider] = c
	}
	c.Status = StatusConnected
	// Cloned both ways so callers and stored state never share a map.
	c.Metadata = maps.Clone(metadata)
	c.UpdatedAt = now

	stored := r.secrets[c.ID]
	if stored == nil {
		stored = map[string]encryptedSecret{}
		r.secrets[c.ID] = stored
	}
	for key, value := range secrets {
		enc, ver, err := r.vault.Encrypt([]byte(value))
		if err != nil {
			return Connection{}, err
		}
		stored[key] = encryptedSecret{ciphertext: enc, keyVersion: ver}
	}
	return c.snapshot(), nil
}

func (c *Connection) snapshot() Connection {
	out := *c
	out.Metadata = maps.Clone(c.Metadata)
	return out
}

func (r *memRegistry) GetConnection(ctx context.Context, tenantID, provider string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.connections[tenantID][provider]
	if c == nil {
		return Connection{}, faults.ErrNotConnected
	}
	return c.snapshot(), nil
}

func (r *memRegistry) ListConnections(ctx context.Context, tenantID string) ([]Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Connection
	for _, c := range r.connections[tenantID] {
		out = append(out, c.snapshot())
	}
	return out, nil
}

func (r *memRegistry) GetDecryptedSecret(ctx context.Context, tenantID, provider, key string) (string, error) {
	r.mu.RLock()
	c := r.connections[tenantID][provider]
	if c == nil {
		r.mu.RUnlock()
		return "", faults.ErrNotConnected
	}
	sec, ok := r.secrets[c.ID][key]
	r.mu.RUnlock()
	if !ok {
		return "", faults.ErrNotConnected
	}
	plain, err := r.vault.Decrypt(sec.ciphertext, sec.keyVersion)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// SecretCount reports stored ciphertexts for a connection (test hook).
func (r *memRegistry) SecretCount(tenantID, provider string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.connections[tenantID][provider]
	if c == nil {
		return 0
	}
	return len(r.secrets[c.ID])
}

func (r *memRegistry) SetStatus(ctx context.Context, tenantID, provider, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.connections[tenantID][provider]
	if c == nil {
		return faults.ErrNotConnected
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memRegistry) ResolveTenantByMetadata(ctx context.Context, provider, metaKey, metaValue string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for tid, conns := range r.connections {
		if c, ok := conns[provider]; ok && c.Metadata[metaKey] == metaValue {
			return tid, nil
		}
	}
	return "", ErrTenantNotFound
}
