// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"omnihub/internal/vault"
	"omnihub/pkg/faults"
)

// pgRegistry implements Registry backed by PostgreSQL.
type pgRegistry struct {
	dbPool *pgxpool.Pool
	vault  *vault.Vault
	log    *zap.SugaredLogger
}

// NewPostgresRegistry constructs a PostgreSQL-backed tenant registry.
func NewPostgresRegistry(dbPool *pgxpool.Pool, v *vault.Vault, log *zap.SugaredLogger) Registry {
	return &pgRegistry{dbPool: dbPool, vault: v, log: log}
}

// EnsureSchema creates required tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id uuid PRIMARY KEY,
  owner_user_id text UNIQUE NOT NULL,
  plan text NOT NULL DEFAULT 'starter',
  status text NOT NULL DEFAULT 'active',
  automation_enabled boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS connections (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
  provider text NOT NULL,
  status text NOT NULL DEFAULT 'connected',
  metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  UNIQUE (tenant_id, provider)
);
CREATE TABLE IF NOT EXISTS connection_secrets (
  connection_id uuid NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
  key text NOT NULL,
  value_encrypted bytea NOT NULL,
  key_version int NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  PRIMARY KEY (connection_id, key)
);
CREATE INDEX IF NOT EXISTS connections_provider_metadata_idx ON connections USING gin (metadata);
`)
	return err
}

func (r *pgRegistry) GetOrCreateTenant(ctx context.Context, ownerUserID string) (Tenant, error) {
	t, err := r.tenantByOwner(ctx, ownerUserID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, err
	}
	// Concurrent first requests race here; DO NOTHING + re-select keeps the
	// owner_user_id unique constraint authoritative.
	_, err = r.dbPool.Exec(ctx, `
		INSERT INTO tenants (id, owner_user_id) VALUES ($1, $2)
		ON CONFLICT (owner_user_id) DO NOTHING`, uuid.NewString(), ownerUserID)
	if err != nil {
		return Tenant{}, err
	}
	return r.tenantByOwner(ctx, ownerUserID)
}

func (r *pgRegistry) tenantByOwner(ctx context.Context, ownerUserID string) (Tenant, error) {
	row := r.dbPool.QueryRow(ctx, `
		SELECT id, owner_user_id, plan, status, automation_enabled, created_at
		FROM tenants WHERE owner_user_id=$1`, ownerUserID)
	var t Tenant
	err := row.Scan(&t.ID, &t.OwnerUserID, &t.Plan, &t.Status, &t.AutomationEnabled, &t.CreatedAt)
	return t, err
}

func (r *pgRegistry) GetTenant(ctx context.Context, id string) (Tenant, error) {
	row := r.dbPool.QueryRow(ctx, `
		SELECT id, owner_user_id, plan, status, automation_enabled, created_at
		FROM tenants WHERE id=$1`, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.OwnerUserID, &t.Plan, &t.Status, &t.AutomationEnabled, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrTenantNotFound
		}
		return Tenant{}, err
	}
	return t, nil
}

func (r *pgRegistry) UpsertConnection(ctx context.Context, tenantID, provider string, secrets map[string]string, metadata map[string]string) (Connection, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Connection{}, err
	}

	tx, err := r.dbPool.Begin(ctx)
	if err != nil {
		return Connection{}, err
	}
	defer tx.Rollback(ctx)

	var c Connection
	row := tx.QueryRow(ctx, `
		INSERT INTO connections (id, tenant_id, provider, status, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
		  status=EXCLUDED.status,
		  metadata=EXCLUDED.metadata,
		  updated_at=NOW()
		RETURNING id, tenant_id, provider, status, created_at, updated_at`,
		uuid.NewString(), tenantID, provider, StatusConnected, metaJSON)
	if err := row.Scan(&c.ID, &c.TenantID, &c.Provider, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Connection{}, err
	}
	c.Metadata = metadata

	for key, value := range secrets {
		enc, ver, err := r.vault.Encrypt([]byte(value))
		if err != nil {
			return Connection{}, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO connection_secrets (connection_id, key, value_encrypted, key_version)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (connection_id, key) DO UPDATE SET
			  value_encrypted=EXCLUDED.value_encrypted,
			  key_version=EXCLUDED.key_version,
			  updated_at=NOW()`, c.ID, key, enc, ver); err != nil {
			return Connection{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Connection{}, err
	}
	return c, nil
}

func (r *pgRegistry) GetConnection(ctx context.Context, tenantID, provider string) (Connection, error) {
	row := r.dbPool.QueryRow(ctx, `
		SELECT id, tenant_id, provider, status, metadata, created_at, updated_at
		FROM connections WHERE tenant_id=$1 AND provider=$2`, tenantID, provider)
	return scanConnection(row)
}

func (r *pgRegistry) ListConnections(ctx context.Context, tenantID string) ([]Connection, error) {
	rows, err := r.dbPool.Query(ctx, `
		SELECT id, tenant_id, provider, status, metadata, created_at, updated_at
		FROM connections WHERE tenant_id=$1 ORDER BY provider`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *pgRegistry) GetDecryptedSecret(ctx context.Context, tenantID, provider, key string) (string, error) {
	row := r.dbPool.QueryRow(ctx, `
		SELECT s.value_encrypted, s.key_version
		FROM connection_secrets s
		JOIN connections c ON c.id = s.connection_id
		WHERE c.tenant_id=$1 AND c.provider=$2 AND s.key=$3`, tenantID, provider, key)
	var enc []byte
	var ver int
	if err := row.Scan(&enc, &ver); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", faults.ErrNotConnected
		}
		return "", err
	}
	plain, err := r.vault.Decrypt(enc, ver)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (r *pgRegistry) SetStatus(ctx context.Context, tenantID, provider, status string) error {
	tag, err := r.dbPool.Exec(ctx, `
		UPDATE connections SET status=$1, updated_at=NOW()
		WHERE tenant_id=$2 AND provider=$3`, status, tenantID, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.ErrNotConnected
	}
	return nil
}

func (r *pgRegistry) ResolveTenantByMetadata(ctx context.Context, provider, metaKey, metaValue string) (string, error) {
	row := r.dbPool.QueryRow(ctx, `
		SELECT tenant_id FROM connections
		WHERE provider=$1 AND metadata->>$2 = $3`, provider, metaKey, metaValue)
	var tid string
	if err := row.Scan(&tid); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrTenantNotFound
		}
		return "", err
	}
	return tid, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanConnection maps an absent row to ErrNotConnected; any other scan
// failure (pool, transport) propagates so an outage never reads as "please
// reconnect".
func scanConnection(row rowScanner) (Connection, error) {
	var c Connection
	var metaJSON []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.Provider, &c.Status, &metaJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Connection{}, faults.ErrNotConnected
		}
		return Connection{}, err
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &c.Metadata)
	}
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	return c, nil
}
