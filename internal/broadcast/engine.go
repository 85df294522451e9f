// Package broadcast は一回限りのスケジュール通知の配信エンジンを実装する。
//
// 通知の作成時に対象ユーザー数を見積もり、配信時に同じ対象解決を
// 再実行して実際の配信先を決める。作成時の見積もりと配信時の件数の
// ずれは許容する。配信確定後は成否にかかわらずsentフラグを立て、
// スイープでの再選択を防ぐ。
package broadcast

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pushdock/pushdock/internal/push"
	"github.com/pushdock/pushdock/internal/segment"
	"github.com/pushdock/pushdock/internal/stats"
	"github.com/pushdock/pushdock/internal/store"
	"github.com/pushdock/pushdock/internal/subscription"
)

// defaultSweepTimeout は1回のスイープ全体の時間上限。
const defaultSweepTimeout = 5 * time.Minute

// ErrAlreadySent は確定済みの通知への再送要求を表す。
var ErrAlreadySent = errors.New("通知は送信済みです")

// Engine は一斉配信エンジン。
type Engine struct {
	queries      *store.Queries
	sender       push.Sender
	stats        *stats.Aggregator
	now          func() time.Time
	sweepTimeout time.Duration
}

// NewEngine は新しい一斉配信エンジンを生成する。
func NewEngine(queries *store.Queries, sender push.Sender, aggregator *stats.Aggregator) *Engine {
	return &Engine{
		queries:      queries,
		sender:       sender,
		stats:        aggregator,
		now:          func() time.Time { return time.Now().UTC() },
		sweepTimeout: defaultSweepTimeout,
	}
}

// Target は配信対象の選択方法を表す。
type Target struct {
	// Type は対象種別（all / segment / custom_filter）。
	Type string
	// TenantID は対象のテナントスコープ。
	TenantID sql.NullString
	// SegmentID はType=segment時の対象セグメントID。
	SegmentID string
	// FilterJSON はType=custom_filter時のフィルタ条件JSON。
	FilterJSON string
}

// EstimateTargetCount は対象選択を評価して現時点のユーザー数を見積もる。
// 通知の作成時に呼ばれ、結果はtarget_user_countとして保存される。
// 点時点の見積もりであり、配信時に再検証はしない。
func (e *Engine) EstimateTargetCount(ctx context.Context, target Target) (int64, error) {
	where, err := e.targetPredicate(ctx, target)
	if err != nil {
		return 0, err
	}
	return e.queries.CountUsersWhere(ctx, where)
}

// targetPredicate は対象選択をユーザー絞り込み条件へ解決する。
func (e *Engine) targetPredicate(ctx context.Context, target Target) (store.UsersWhereParams, error) {
	where := store.UsersWhereParams{TenantID: target.TenantID}

	switch target.Type {
	case string(store.TargetAll), "":
		return where, nil
	case string(store.TargetSegment):
		seg, err := e.queries.GetSegment(ctx, target.SegmentID)
		if errors.Is(err, sql.ErrNoRows) {
			// セグメントが削除済みの場合は対象0件として扱う
			where.Clauses = append(where.Clauses, "1 = 0")
			return where, nil
		}
		if err != nil {
			return where, fmt.Errorf("セグメントの取得に失敗: %w", err)
		}
		pred := segment.Build(segment.ParseConditions(seg.FilterConditions), e.now())
		where.Clauses = append(where.Clauses, pred.Clauses...)
		where.Args = append(where.Args, pred.Args...)
		return where, nil
	case string(store.TargetCustomFilter):
		pred := segment.Build(segment.ParseConditions(target.FilterJSON), e.now())
		where.Clauses = append(where.Clauses, pred.Clauses...)
		where.Args = append(where.Args, pred.Args...)
		return where, nil
	default:
		return where, fmt.Errorf("不明な対象種別です: %q", target.Type)
	}
}

// SweepResult は1回のスイープの処理結果。
type SweepResult struct {
	// Swept は選択された通知数。
	Swept int
	// Sent は1件以上の配信に成功した通知数。
	Sent int
	// Failed は対象が存在したが全件失敗した通知数。
	Failed int
}

// RunSweep は配信予定時刻が到来した未送信通知を全て配信する。
// 個々の通知の配信失敗はスイープ全体を中断しない。
func (e *Engine) RunSweep(ctx context.Context) (SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.sweepTimeout)
	defer cancel()

	due, err := e.queries.ListDueNotifications(ctx, e.now())
	if err != nil {
		return SweepResult{}, fmt.Errorf("配信対象の選択に失敗: %w", err)
	}

	result := SweepResult{Swept: len(due)}
	for _, n := range due {
		status, err := e.send(ctx, n)
		if err != nil {
			log.Printf("[BroadcastEngine] 通知 %s の配信に失敗: %v", n.ID, err)
			continue
		}
		if status == string(store.StatusSent) {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	log.Printf("[BroadcastEngine] スイープ完了: 対象=%d 送信=%d 失敗=%d", result.Swept, result.Sent, result.Failed)
	return result, nil
}

// SendNow は通知を予定時刻を待たず即時配信する。
// 既に確定済みの通知に対してはErrAlreadySentを返す。
func (e *Engine) SendNow(ctx context.Context, notificationID string) (string, error) {
	n, err := e.queries.GetNotification(ctx, notificationID)
	if err != nil {
		return "", fmt.Errorf("通知の取得に失敗: %w", err)
	}
	if n.Sent {
		return "", ErrAlreadySent
	}
	return e.send(ctx, n)
}

// send は1件の通知を対象ユーザー全員へ並行配信し、結果を確定する。
// 戻り値は確定後のstatus。
func (e *Engine) send(ctx context.Context, n store.Notification) (string, error) {
	where, err := e.targetPredicate(ctx, Target{
		Type:       n.TargetType,
		TenantID:   n.TenantID,
		SegmentID:  n.TargetSegmentID.String,
		FilterJSON: n.TargetFilter.String,
	})
	if err != nil {
		return "", err
	}

	users, err := e.queries.ListUsersWhere(ctx, where)
	if err != nil {
		return "", fmt.Errorf("配信対象の解決に失敗: %w", err)
	}

	// 対象が空の場合は失敗ではなく、0件送信として確定する
	if len(users) == 0 {
		if err := e.finalize(ctx, n.ID, string(store.StatusSent), 0); err != nil {
			return "", err
		}
		return string(store.StatusSent), nil
	}

	payload := push.NewPayload(n.Title, n.Body, n.URL)

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		succeeded int
		failed    int
	)
	for _, user := range users {
		wg.Add(1)
		go func(user store.User) {
			defer wg.Done()
			err := e.deliverTo(ctx, user, payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return
			}
			succeeded++
		}(user)
	}
	wg.Wait()

	status := string(store.StatusSent)
	if succeeded == 0 {
		status = string(store.StatusFailed)
	}
	// target_user_countは作成時の見積もりを保持する。配信時に再検証しない。
	if err := e.finalize(ctx, n.ID, status, n.TargetUserCount); err != nil {
		return "", err
	}

	// 成功件数ぶんのsentイベントをベストエフォートで記録する
	for i := 0; i < succeeded; i++ {
		err := e.stats.Record(ctx, stats.RecordParams{
			NotificationID:   n.ID,
			NotificationType: string(store.NotificationTypeScheduled),
			TenantID:         n.TenantID,
			EventType:        string(store.EventSent),
		})
		if err != nil {
			log.Printf("[BroadcastEngine] sentイベントの記録に失敗: %v", err)
			break
		}
	}

	log.Printf("[BroadcastEngine] 通知 %s を配信: 対象=%d 成功=%d 失敗=%d status=%s",
		n.ID, len(users), succeeded, failed, status)
	return status, nil
}

// deliverTo は1ユーザーへの配信を行う。
// 恒久的に無効なサブスクリプション（410/404）はここで削除する。
// これが無効購読を刈り取る唯一の経路である。
func (e *Engine) deliverTo(ctx context.Context, user store.User, payload push.Payload) error {
	sub, err := subscription.Parse(user.Subscription)
	if err != nil {
		// 解析できないサブスクリプションはスキップして失敗に数える
		return fmt.Errorf("サブスクリプションの解析に失敗: %w", err)
	}

	if err := e.sender.Send(ctx, sub, payload); err != nil {
		if push.IsPermanent(err) {
			if delErr := e.queries.DeleteUser(ctx, user.ID); delErr != nil {
				log.Printf("[BroadcastEngine] 無効ユーザー %s の削除に失敗: %v", user.ID, delErr)
			} else {
				log.Printf("[BroadcastEngine] 無効なサブスクリプションを削除: user=%s", user.ID)
			}
		}
		return err
	}
	return nil
}

// finalize は通知の配信結果を確定する。
func (e *Engine) finalize(ctx context.Context, id, status string, targetCount int64) error {
	err := e.queries.FinalizeNotification(ctx, store.FinalizeNotificationParams{
		Status:          status,
		TargetUserCount: targetCount,
		UpdatedAt:       e.now(),
		ID:              id,
	})
	if err != nil {
		return fmt.Errorf("配信結果の確定に失敗: %w", err)
	}
	return nil
}

// CreateParams は通知作成の入力。
type CreateParams struct {
	// TenantID は所属テナント。
	TenantID sql.NullString
	// Title は通知タイトル。
	Title string
	// Body は通知本文。
	Body string
	// URL はクリック時の遷移先。
	URL string
	// SendAt は配信予定時刻。
	SendAt time.Time
	// Target は配信対象の選択方法。
	Target Target
}

// Create は通知を作成し、対象ユーザー数を見積もって保存する。
func (e *Engine) Create(ctx context.Context, arg CreateParams) (store.Notification, error) {
	if arg.Title == "" || arg.Body == "" {
		return store.Notification{}, fmt.Errorf("タイトルと本文は必須です")
	}

	count, err := e.EstimateTargetCount(ctx, arg.Target)
	if err != nil {
		return store.Notification{}, fmt.Errorf("対象ユーザー数の見積もりに失敗: %w", err)
	}

	targetType := arg.Target.Type
	if targetType == "" {
		targetType = string(store.TargetAll)
	}

	id := uuid.NewString()
	now := e.now()
	err = e.queries.CreateNotification(ctx, store.CreateNotificationParams{
		ID:              id,
		TenantID:        arg.TenantID,
		Title:           arg.Title,
		Body:            arg.Body,
		URL:             arg.URL,
		SendAt:          arg.SendAt,
		TargetType:      targetType,
		TargetSegmentID: sql.NullString{String: arg.Target.SegmentID, Valid: arg.Target.SegmentID != ""},
		TargetFilter:    sql.NullString{String: arg.Target.FilterJSON, Valid: arg.Target.FilterJSON != ""},
		TargetUserCount: count,
		CreatedAt:       now,
	})
	if err != nil {
		return store.Notification{}, fmt.Errorf("通知の作成に失敗: %w", err)
	}

	return e.queries.GetNotification(ctx, id)
}
