package store

import (
	"context"
	"time"
)

const tenantColumns = "id, name, plan, status, created_at, updated_at"

func scanTenant(row interface{ Scan(...any) error }) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Plan, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// CreateTenantParams はテナント作成の入力。
type CreateTenantParams struct {
	ID        string
	Name      string
	Plan      string
	Status    string
	CreatedAt time.Time
}

// CreateTenant は新しいテナントを作成する。
func (q *Queries) CreateTenant(ctx context.Context, arg CreateTenantParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, plan, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.Name, arg.Plan, arg.Status, arg.CreatedAt, arg.CreatedAt,
	)
	return err
}

// GetTenant はIDでテナントを取得する。
func (q *Queries) GetTenant(ctx context.Context, id string) (Tenant, error) {
	return scanTenant(q.db.QueryRowContext(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = ?", id))
}

// ListTenants は作成日時の降順でテナント一覧を取得する。
func (q *Queries) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT "+tenantColumns+" FROM tenants ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// CountTenantSentNotifications はテナントの送信済み通知数を返す。
// テナント一覧の利用状況表示に使用する。
func (q *Queries) CountTenantSentNotifications(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE tenant_id = ? AND sent = 1", tenantID,
	).Scan(&count)
	return count, err
}
