package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type pgLog struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresLog returns an audit log backed by the audit_log table.
func NewPostgresLog(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Log {
	return &pgLog{dbPool: dbPool, log: log}
}

// EnsureSchema creates the audit table if missing. Idempotent.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS audit_log (
  id uuid PRIMARY KEY,
  tenant_id uuid,
  actor text NOT NULL,
  action text NOT NULL,
  payload jsonb NOT NULL DEFAULT '{}'::jsonb,
  ip text,
  user_agent text,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS audit_log_tenant_created_idx ON audit_log(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS audit_log_action_idx ON audit_log(action);
`)
	return err
}

func (l *pgLog) Append(ctx context.Context, e Entry) {
	e = enrich(ctx, e)
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte(`{}`)
	}
	_, err = l.dbPool.Exec(ctx, `
		INSERT INTO audit_log (id, tenant_id, actor, action, payload, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), e.TenantID, e.Actor, e.Action, payload, e.IP, e.UserAgent)
	if err != nil {
		l.log.Errorw("audit append failed", "action", e.Action, "err", err)
	}
}

func (l *pgLog) Recent(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.dbPool.Query(ctx, `
		SELECT id, tenant_id, actor, action, payload, COALESCE(ip,''), COALESCE(user_agent,''), created_at
		FROM audit_log WHERE tenant_id=$1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &e.Action, &payload, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payload, &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
