package store

import (
	"context"
	"database/sql"
	"time"
)

const notificationColumns = "id, tenant_id, title, body, url, send_at, target_type, target_segment_id, target_filter, target_user_count, sent, status, created_at, updated_at"

func scanNotification(row interface{ Scan(...any) error }) (Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.TenantID, &n.Title, &n.Body, &n.URL, &n.SendAt, &n.TargetType,
		&n.TargetSegmentID, &n.TargetFilter, &n.TargetUserCount, &n.Sent, &n.Status, &n.CreatedAt, &n.UpdatedAt)
	return n, err
}

// CreateNotificationParams はスケジュール通知作成の入力。
type CreateNotificationParams struct {
	ID              string
	TenantID        sql.NullString
	Title           string
	Body            string
	URL             string
	SendAt          time.Time
	TargetType      string
	TargetSegmentID sql.NullString
	TargetFilter    sql.NullString
	TargetUserCount int64
	CreatedAt       time.Time
}

// CreateNotification はスケジュール通知を作成する。
// 対象ユーザー数は作成時点の見積もりとして保存され、送信時に再解決される。
func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO notifications (id, tenant_id, title, body, url, send_at, target_type, target_segment_id, target_filter, target_user_count, sent, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 'scheduled', ?, ?)`,
		arg.ID, arg.TenantID, arg.Title, arg.Body, arg.URL, arg.SendAt, arg.TargetType,
		arg.TargetSegmentID, arg.TargetFilter, arg.TargetUserCount, arg.CreatedAt, arg.CreatedAt,
	)
	return err
}

// GetNotification はIDで通知を取得する。
func (q *Queries) GetNotification(ctx context.Context, id string) (Notification, error) {
	return scanNotification(q.db.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ?", id,
	))
}

// ListNotifications はテナントスコープの通知一覧を配信予定時刻の降順で返す。
func (q *Queries) ListNotifications(ctx context.Context, tenantID sql.NullString) ([]Notification, error) {
	query := "SELECT " + notificationColumns + " FROM notifications"
	args := []any{}
	if tenantID.Valid {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID.String)
	}
	query += " ORDER BY send_at DESC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var notifications []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// ListDueNotifications は配信予定時刻が到来した未送信の通知を返す。
func (q *Queries) ListDueNotifications(ctx context.Context, now time.Time) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE sent = 0 AND send_at <= ? ORDER BY send_at ASC",
		now,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var notifications []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// FinalizeNotificationParams は通知の配信結果確定の入力。
type FinalizeNotificationParams struct {
	Status          string
	TargetUserCount int64
	UpdatedAt       time.Time
	ID              string
}

// FinalizeNotification は配信試行の結果を確定する。
// 全件失敗でもsentフラグは立て、次回スイープでの再選択を防ぐ。
func (q *Queries) FinalizeNotification(ctx context.Context, arg FinalizeNotificationParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE notifications
		SET sent = 1, status = ?, target_user_count = ?, updated_at = ?
		WHERE id = ?`,
		arg.Status, arg.TargetUserCount, arg.UpdatedAt, arg.ID,
	)
	return err
}

// DeleteNotification は未送信の通知を削除する。
func (q *Queries) DeleteNotification(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ? AND sent = 0", id)
	return err
}
