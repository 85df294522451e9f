package store

import (
	"context"
	"database/sql"
	"time"
)

// CreateEventParams はトラッキングイベント記録の入力。
type CreateEventParams struct {
	ID               string
	NotificationID   string
	NotificationType string
	UserID           sql.NullString
	EventType        string
	Metadata         string
	CreatedAt        time.Time
}

// CreateEvent はトラッキングイベントを追記する。イベントログは更新・削除しない。
func (q *Queries) CreateEvent(ctx context.Context, arg CreateEventParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO notification_events (id, notification_id, notification_type, user_id, event_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.NotificationID, arg.NotificationType, arg.UserID, arg.EventType, arg.Metadata, arg.CreatedAt,
	)
	return err
}

// EventTypeCount はイベント種別ごとの件数。
type EventTypeCount struct {
	EventType string
	Count     int64
}

// CountEventsByType は通知に紐づくイベントを種別ごとに集計する。
// 統計の再計算はこの集計を唯一の情報源とする。
func (q *Queries) CountEventsByType(ctx context.Context, notificationID string) ([]EventTypeCount, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*)
		FROM notification_events
		WHERE notification_id = ?
		GROUP BY event_type`,
		notificationID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var counts []EventTypeCount
	for rows.Next() {
		var c EventTypeCount
		if err := rows.Scan(&c.EventType, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ListEventsByUser はユーザーのイベント履歴を記録日時の降順で返す。
func (q *Queries) ListEventsByUser(ctx context.Context, userID string) ([]NotificationEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, notification_id, notification_type, user_id, event_type, metadata, created_at
		FROM notification_events
		WHERE user_id = ?
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []NotificationEvent
	for rows.Next() {
		var e NotificationEvent
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.NotificationType, &e.UserID, &e.EventType, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertStatsParams は統計カウンタ確定の入力。
type UpsertStatsParams struct {
	NotificationID   string
	NotificationType string
	TenantID         sql.NullString
	TotalSent        int64
	TotalDelivered   int64
	TotalOpened      int64
	TotalClicked     int64
	TotalDismissed   int64
	OpenRate         float64
	CTR              float64
	UpdatedAt        time.Time
}

// UpsertStats は再計算済みの統計カウンタで既存行を丸ごと置き換える。
func (q *Queries) UpsertStats(ctx context.Context, arg UpsertStatsParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO notification_stats (notification_id, notification_type, tenant_id, total_sent, total_delivered, total_opened, total_clicked, total_dismissed, open_rate, ctr, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(notification_id) DO UPDATE SET
			notification_type = excluded.notification_type,
			tenant_id = excluded.tenant_id,
			total_sent = excluded.total_sent,
			total_delivered = excluded.total_delivered,
			total_opened = excluded.total_opened,
			total_clicked = excluded.total_clicked,
			total_dismissed = excluded.total_dismissed,
			open_rate = excluded.open_rate,
			ctr = excluded.ctr,
			updated_at = excluded.updated_at`,
		arg.NotificationID, arg.NotificationType, arg.TenantID, arg.TotalSent, arg.TotalDelivered,
		arg.TotalOpened, arg.TotalClicked, arg.TotalDismissed, arg.OpenRate, arg.CTR, arg.UpdatedAt,
	)
	return err
}

// GetStats は通知の統計カウンタを取得する。
func (q *Queries) GetStats(ctx context.Context, notificationID string) (NotificationStats, error) {
	var s NotificationStats
	err := q.db.QueryRowContext(ctx, `
		SELECT notification_id, notification_type, tenant_id, total_sent, total_delivered, total_opened, total_clicked, total_dismissed, open_rate, ctr, updated_at
		FROM notification_stats
		WHERE notification_id = ?`,
		notificationID,
	).Scan(&s.NotificationID, &s.NotificationType, &s.TenantID, &s.TotalSent, &s.TotalDelivered,
		&s.TotalOpened, &s.TotalClicked, &s.TotalDismissed, &s.OpenRate, &s.CTR, &s.UpdatedAt)
	return s, err
}
