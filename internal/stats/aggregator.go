// Package stats はトラッキングイベントの記録と配信統計の集計を行う。
//
// イベントログを唯一の情報源とし、イベントが届くたびに対象通知の
// カウンタ全体をログから再計算して統計レコードを丸ごと置き換える。
// 増分更新ではなく全再計算を選ぶことでカウンタのドリフトを排除している。
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pushdock/pushdock/internal/store"
)

// Aggregator はイベント追記と統計再計算を行う。
type Aggregator struct {
	queries *store.Queries
	now     func() time.Time
}

// NewAggregator は新しい集計器を生成する。
func NewAggregator(queries *store.Queries) *Aggregator {
	return &Aggregator{
		queries: queries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RecordParams はイベント記録の入力。
type RecordParams struct {
	// NotificationID は対象通知のID。
	NotificationID string
	// NotificationType は通知の種別（scheduled / step）。
	NotificationType string
	// TenantID は所属テナント。
	TenantID sql.NullString
	// UserID はイベントを発生させたユーザー。不明な場合は無効値。
	UserID sql.NullString
	// EventType はイベント種別（sent / delivered / open / click / dismiss）。
	EventType string
	// Metadata は付帯情報JSON。空の場合は"{}"として記録する。
	Metadata string
}

// validEventTypes は受理するイベント種別。
var validEventTypes = map[string]bool{
	string(store.EventSent):      true,
	string(store.EventDelivered): true,
	string(store.EventOpen):      true,
	string(store.EventClick):     true,
	string(store.EventDismiss):   true,
}

// Record はイベントをログへ追記し、対象通知の統計を再計算する。
// 追記が成功すればイベントは確定しており、再計算の失敗はログに残すだけで
// エラーとしない。カウンタは次のイベントの再計算で追いつく。
func (a *Aggregator) Record(ctx context.Context, arg RecordParams) error {
	if arg.NotificationID == "" {
		return fmt.Errorf("notification_idが指定されていません")
	}
	if !validEventTypes[arg.EventType] {
		return fmt.Errorf("不明なイベント種別です: %q", arg.EventType)
	}
	if arg.Metadata == "" {
		arg.Metadata = "{}"
	}
	if arg.NotificationType == "" {
		arg.NotificationType = string(store.NotificationTypeScheduled)
	}

	err := a.queries.CreateEvent(ctx, store.CreateEventParams{
		ID:               uuid.NewString(),
		NotificationID:   arg.NotificationID,
		NotificationType: arg.NotificationType,
		UserID:           arg.UserID,
		EventType:        arg.EventType,
		Metadata:         arg.Metadata,
		CreatedAt:        a.now(),
	})
	if err != nil {
		return fmt.Errorf("イベントの記録に失敗: %w", err)
	}

	if err := a.Recompute(ctx, arg.NotificationID, arg.NotificationType, arg.TenantID); err != nil {
		log.Printf("[StatsAggregator] 統計の再計算に失敗: %v", err)
	}
	return nil
}

// Recompute は通知のイベントログ全体からカウンタを再計算し、
// 統計レコードを置き換える。同じログに対して何度実行しても結果は変わらない。
func (a *Aggregator) Recompute(ctx context.Context, notificationID, notificationType string, tenantID sql.NullString) error {
	counts, err := a.queries.CountEventsByType(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("イベント集計の取得に失敗: %w", err)
	}

	var sent, delivered, opened, clicked, dismissed int64
	for _, c := range counts {
		switch c.EventType {
		case string(store.EventSent):
			sent = c.Count
		case string(store.EventDelivered):
			delivered = c.Count
		case string(store.EventOpen):
			opened = c.Count
		case string(store.EventClick):
			clicked = c.Count
		case string(store.EventDismiss):
			dismissed = c.Count
		}
	}

	return a.queries.UpsertStats(ctx, store.UpsertStatsParams{
		NotificationID:   notificationID,
		NotificationType: notificationType,
		TenantID:         tenantID,
		TotalSent:        sent,
		TotalDelivered:   delivered,
		TotalOpened:      opened,
		TotalClicked:     clicked,
		TotalDismissed:   dismissed,
		OpenRate:         rate(opened, sent),
		CTR:              rate(clicked, sent),
		UpdatedAt:        a.now(),
	})
}

// rate は割合（%）を小数第2位で丸めて返す。分母0は0とする。
func rate(numerator, denominator int64) float64 {
	if denominator == 0 {
		return 0
	}
	return math.Round(float64(numerator)/float64(denominator)*100*100) / 100
}
