// Package progress はステップ配信の状態機械を実装する。
//
// ユーザー×シーケンスごとの進捗レコードを唯一の可変状態とし、
// エンロール・定期スキャン・ステップ前進の3つの操作で遷移させる。
// 配信失敗時は進捗を一切変更せず、次回スキャンでの自然な再選択に任せる。
// これが唯一のリトライ機構であり、バックオフや試行回数上限は持たない。
package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pushdock/pushdock/internal/delay"
	"github.com/pushdock/pushdock/internal/push"
	"github.com/pushdock/pushdock/internal/store"
	"github.com/pushdock/pushdock/internal/subscription"
)

const (
	// defaultBatchLimit は1回のスキャンで処理する進捗レコードの上限。
	defaultBatchLimit = 100
	// defaultBatchTimeout は1回のスキャン全体の時間上限。
	defaultBatchTimeout = 2 * time.Minute
)

// Engine はステップ配信エンジン。
type Engine struct {
	queries      *store.Queries
	sender       push.Sender
	now          func() time.Time
	batchLimit   int64
	batchTimeout time.Duration
}

// NewEngine は新しいステップ配信エンジンを生成する。
func NewEngine(queries *store.Queries, sender push.Sender) *Engine {
	return &Engine{
		queries:      queries,
		sender:       sender,
		now:          func() time.Time { return time.Now().UTC() },
		batchLimit:   defaultBatchLimit,
		batchTimeout: defaultBatchTimeout,
	}
}

// ScanResult は1回のスキャンの処理結果。
type ScanResult struct {
	// Processed は選択された進捗レコード数。
	Processed int
	// Delivered は配信に成功した件数。
	Delivered int
	// Failed は配信に失敗した件数。
	Failed int
	// Completed は完了状態へ遷移した件数。
	Completed int
}

// Enroll はユーザーをテナントスコープ内の全ての有効なシーケンスへエンロールする。
// 最初のステップがimmediateの場合はスキャン間隔を待たず同期配信を試みる。
// 同期配信の失敗は進捗を変更せず、次回スキャンでの再試行に任せる。
func (e *Engine) Enroll(ctx context.Context, user store.User) error {
	sequences, err := e.queries.ListActiveSequences(ctx, user.TenantID)
	if err != nil {
		return fmt.Errorf("有効シーケンスの取得に失敗: %w", err)
	}

	for _, seq := range sequences {
		if err := e.enrollOne(ctx, user, seq); err != nil {
			// 1つのシーケンスへのエンロール失敗が他を妨げないようにする
			log.Printf("[ProgressEngine] シーケンス %s へのエンロールに失敗: %v", seq.ID, err)
		}
	}
	return nil
}

// enrollOne は1つのシーケンスへの進捗レコードを作成する。
func (e *Engine) enrollOne(ctx context.Context, user store.User, seq store.StepSequence) error {
	// 既にエンロール済みならスキップする
	_, err := e.queries.GetProgressByUserAndSequence(ctx, store.GetProgressByUserAndSequenceParams{
		UserID: user.ID, SequenceID: seq.ID,
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("進捗の確認に失敗: %w", err)
	}

	now := e.now()
	firstStep, err := e.queries.GetStepAt(ctx, store.GetStepAtParams{SequenceID: seq.ID, StepOrder: 1})
	nextAt := now
	hasFirstStep := false
	if err == nil {
		hasFirstStep = true
		nextAt = delay.NextNotificationAt(delaySpecOf(firstStep), now)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("最初のステップの取得に失敗: %w", err)
	}

	progressID := uuid.NewString()
	err = e.queries.CreateProgress(ctx, store.CreateProgressParams{
		ID:                 progressID,
		UserID:             user.ID,
		SequenceID:         seq.ID,
		CurrentStep:        0,
		NextNotificationAt: nextAt,
		CreatedAt:          now,
	})
	if err != nil {
		return fmt.Errorf("進捗の作成に失敗: %w", err)
	}

	// immediateな最初のステップはスキャンを待たず同期配信する。
	// 失敗してもエラーは返さず、次回スキャンの再選択に任せる。
	if hasFirstStep && delay.Type(firstStep.DelayType) == delay.TypeImmediate && user.Subscription != "" {
		e.advance(ctx, store.DueProgress{
			ID:                 progressID,
			UserID:             user.ID,
			SequenceID:         seq.ID,
			CurrentStep:        0,
			NextNotificationAt: nextAt,
			Subscription:       user.Subscription,
		})
	}
	return nil
}

// RunScan は配信予定時刻が到来した進捗を選択し、ユーザーごとに並行配信する。
// tenantIDが有効な場合はそのテナントのユーザーに限定する。
// 各行の失敗は隔離され、バッチ全体を中断しない。
// 選択クエリ自体の失敗のみが呼び出し元へ伝播する。
func (e *Engine) RunScan(ctx context.Context, tenantID sql.NullString) (ScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.batchTimeout)
	defer cancel()

	due, err := e.queries.ListDueProgress(ctx, store.ListDueProgressParams{
		Now:      e.now(),
		Limit:    e.batchLimit,
		TenantID: tenantID,
	})
	if err != nil {
		return ScanResult{}, fmt.Errorf("配信対象の選択に失敗: %w", err)
	}

	result := ScanResult{Processed: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, row := range due {
		wg.Add(1)
		go func(row store.DueProgress) {
			defer wg.Done()
			outcome := e.advance(ctx, row)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeDelivered:
				result.Delivered++
			case outcomeDeliveredAndCompleted:
				result.Delivered++
				result.Completed++
			case outcomeExhausted:
				result.Completed++
			case outcomeFailed:
				result.Failed++
			}
		}(row)
	}
	wg.Wait()

	log.Printf("[ProgressEngine] スキャン完了: 対象=%d 配信=%d 完了=%d 失敗=%d",
		result.Processed, result.Delivered, result.Completed, result.Failed)
	return result, nil
}

// advanceOutcome は1行分の前進処理の結果種別。
type advanceOutcome int

const (
	// outcomeFailed は配信失敗（進捗は変更されない）。
	outcomeFailed advanceOutcome = iota
	// outcomeDelivered は配信成功し次のステップが残っている。
	outcomeDelivered
	// outcomeDeliveredAndCompleted は配信成功し最終ステップだった。
	outcomeDeliveredAndCompleted
	// outcomeExhausted は次のステップが存在せず完了した（配信なし）。
	outcomeExhausted
)

// advance は進捗1行を次のステップへ進める。
// 配信失敗時は失敗ログを1件追記するだけで進捗を変更しない。
func (e *Engine) advance(ctx context.Context, row store.DueProgress) advanceOutcome {
	next := row.CurrentStep + 1

	step, err := e.queries.GetStepAt(ctx, store.GetStepAtParams{
		SequenceID: row.SequenceID,
		StepOrder:  next,
	})
	if errors.Is(err, sql.ErrNoRows) {
		// 次のステップが存在しない。エラーではなく自然な完了。
		if err := e.queries.CompleteProgress(ctx, store.CompleteProgressParams{
			CurrentStep: row.CurrentStep, UpdatedAt: e.now(), ID: row.ID,
		}); err != nil {
			log.Printf("[ProgressEngine] 進捗 %s の完了処理に失敗: %v", row.ID, err)
			return outcomeFailed
		}
		return outcomeExhausted
	}
	if err != nil {
		log.Printf("[ProgressEngine] 進捗 %s のステップ取得に失敗: %v", row.ID, err)
		return outcomeFailed
	}

	if err := e.deliver(ctx, row.Subscription, step); err != nil {
		e.appendLog(ctx, row, next, false, err.Error())
		return outcomeFailed
	}
	e.appendLog(ctx, row, next, true, "")

	now := e.now()
	following, err := e.queries.GetStepAt(ctx, store.GetStepAtParams{
		SequenceID: row.SequenceID,
		StepOrder:  next + 1,
	})
	if errors.Is(err, sql.ErrNoRows) {
		// 最終ステップを配信した
		if err := e.queries.CompleteProgress(ctx, store.CompleteProgressParams{
			CurrentStep: next, UpdatedAt: now, ID: row.ID,
		}); err != nil {
			log.Printf("[ProgressEngine] 進捗 %s の完了処理に失敗: %v", row.ID, err)
		}
		return outcomeDeliveredAndCompleted
	}
	if err != nil {
		log.Printf("[ProgressEngine] 進捗 %s の次ステップ取得に失敗: %v", row.ID, err)
		return outcomeFailed
	}

	if err := e.queries.AdvanceProgress(ctx, store.AdvanceProgressParams{
		CurrentStep:        next,
		NextNotificationAt: delay.NextNotificationAt(delaySpecOf(following), now),
		UpdatedAt:          now,
		ID:                 row.ID,
	}); err != nil {
		log.Printf("[ProgressEngine] 進捗 %s の前進処理に失敗: %v", row.ID, err)
		return outcomeFailed
	}
	return outcomeDelivered
}

// deliver はステップの通知をユーザーのサブスクリプションへ配信する。
// サブスクリプションの解析失敗は配信失敗として扱う（致命的ではない）。
func (e *Engine) deliver(ctx context.Context, rawSubscription string, step store.StepNotification) error {
	sub, err := subscription.Parse(rawSubscription)
	if err != nil {
		return fmt.Errorf("サブスクリプションの解析に失敗: %w", err)
	}
	payload := push.NewPayload(step.Title, step.Body, step.URL)
	if err := e.sender.Send(ctx, sub, payload); err != nil {
		return fmt.Errorf("プッシュ配信に失敗: %w", err)
	}
	return nil
}

// appendLog は配信試行の監査ログをベストエフォートで追記する。
// ログの書き込み失敗は配信結果へ影響させない。
func (e *Engine) appendLog(ctx context.Context, row store.DueProgress, stepOrder int64, success bool, errMsg string) {
	err := e.queries.CreateStepLog(ctx, store.CreateStepLogParams{
		ID:           uuid.NewString(),
		UserID:       row.UserID,
		SequenceID:   row.SequenceID,
		StepOrder:    stepOrder,
		Success:      success,
		ErrorMessage: errMsg,
		CreatedAt:    e.now(),
	})
	if err != nil {
		log.Printf("[ProgressEngine] 配信ログの記録に失敗: %v", err)
	}
}

// delaySpecOf はステップ定義から遅延仕様を組み立てる。
func delaySpecOf(step store.StepNotification) delay.Spec {
	return delay.Spec{
		Type:          delay.Type(step.DelayType),
		Value:         step.DelayValue,
		ScheduledTime: step.ScheduledTime.String,
	}
}
