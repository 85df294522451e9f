package store

import (
	"context"
	"database/sql"
	"time"
)

const segmentColumns = "id, tenant_id, name, description, filter_conditions, created_at"

func scanSegment(row interface{ Scan(...any) error }) (UserSegment, error) {
	var s UserSegment
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.Description, &s.FilterConditions, &s.CreatedAt)
	return s, err
}

// CreateSegmentParams はセグメント作成の入力。
type CreateSegmentParams struct {
	ID               string
	TenantID         sql.NullString
	Name             string
	Description      string
	FilterConditions string
	CreatedAt        time.Time
}

// CreateSegment は再利用可能なセグメントを作成する。
func (q *Queries) CreateSegment(ctx context.Context, arg CreateSegmentParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_segments (id, tenant_id, name, description, filter_conditions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.TenantID, arg.Name, arg.Description, arg.FilterConditions, arg.CreatedAt,
	)
	return err
}

// GetSegment はIDでセグメントを取得する。
func (q *Queries) GetSegment(ctx context.Context, id string) (UserSegment, error) {
	return scanSegment(q.db.QueryRowContext(ctx,
		"SELECT "+segmentColumns+" FROM user_segments WHERE id = ?", id,
	))
}

// ListSegments はテナントスコープのセグメント一覧を作成日時の降順で返す。
func (q *Queries) ListSegments(ctx context.Context, tenantID sql.NullString) ([]UserSegment, error) {
	query := "SELECT " + segmentColumns + " FROM user_segments"
	args := []any{}
	if tenantID.Valid {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID.String)
	}
	query += " ORDER BY created_at DESC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var segments []UserSegment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, s)
	}
	return segments, rows.Err()
}

// DeleteSegment はセグメントを削除する。
// このセグメントを参照する未送信通知は対象0件として扱われる。
func (q *Queries) DeleteSegment(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM user_segments WHERE id = ?", id)
	return err
}
