package progress

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pushdock/pushdock/internal/push"
	"github.com/pushdock/pushdock/internal/store"
	"github.com/pushdock/pushdock/internal/subscription"
)

// frozenNow はテスト全体で使用する固定時刻。
var frozenNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

// fakeSender はテスト用のSender実装。配信呼び出しを記録し、
// 設定されたエラーを返す。
type fakeSender struct {
	mu    sync.Mutex
	calls []push.Payload
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ subscription.Subscription, payload push.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, payload)
	return nil
}

func (f *fakeSender) sent() []push.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push.Payload(nil), f.calls...)
}

// setupEngine はインメモリストアと固定時刻でエンジンを構築する。
func setupEngine(t *testing.T, sender push.Sender) (*Engine, *store.Queries) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := store.New(db)
	e := NewEngine(q, sender)
	e.now = func() time.Time { return frozenNow }
	return e, q
}

const testSubscription = `{"endpoint":"https://push.example.com/ep","keys":{"p256dh":"p256","auth":"auth"}}`

// createUser はテスト用ユーザーを作成するヘルパー関数。
func createUser(t *testing.T, q *store.Queries, id string) store.User {
	t.Helper()
	err := q.CreateUser(context.Background(), store.CreateUserParams{
		ID:           id,
		Endpoint:     "https://push.example.com/" + id,
		Subscription: `{"endpoint":"https://push.example.com/` + id + `","keys":{"p256dh":"p256","auth":"auth"}}`,
		DeviceType:   "Web",
		CreatedAt:    frozenNow,
	})
	if err != nil {
		t.Fatalf("テスト用ユーザーの作成に失敗: %v", err)
	}
	user, err := q.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("テスト用ユーザーの取得に失敗: %v", err)
	}
	return user
}

// createSequence はテスト用シーケンスを作成するヘルパー関数。
func createSequence(t *testing.T, q *store.Queries, id string, steps []store.CreateStepParams) {
	t.Helper()
	err := q.CreateSequenceWithSteps(context.Background(), store.CreateSequenceParams{
		ID: id, Name: "テストシーケンス", IsActive: true, CreatedAt: frozenNow,
	}, steps)
	if err != nil {
		t.Fatalf("テスト用シーケンスの作成に失敗: %v", err)
	}
}

// createTenant はテスト用テナントを作成するヘルパー関数。
func createTenant(t *testing.T, q *store.Queries, id string) {
	t.Helper()
	err := q.CreateTenant(context.Background(), store.CreateTenantParams{
		ID: id, Name: "テストテナント", Plan: "basic", Status: "active", CreatedAt: frozenNow,
	})
	if err != nil {
		t.Fatalf("テスト用テナントの作成に失敗: %v", err)
	}
}

// createScopedSequence はテナント専用のテスト用シーケンスを作成するヘルパー関数。
func createScopedSequence(t *testing.T, q *store.Queries, id, tenantID string) {
	t.Helper()
	err := q.CreateSequenceWithSteps(context.Background(), store.CreateSequenceParams{
		ID:       id,
		TenantID: sql.NullString{String: tenantID, Valid: true},
		Name:     "テナント専用シーケンス", IsActive: true, CreatedAt: frozenNow,
	}, []store.CreateStepParams{
		{ID: id + "-step-1", StepOrder: 1, Title: "限定案内", Body: "本文", DelayType: "days", DelayValue: 1},
	})
	if err != nil {
		t.Fatalf("テナント専用シーケンスの作成に失敗: %v", err)
	}
}

// createProgress はテスト用進捗を作成するヘルパー関数。
func createProgress(t *testing.T, q *store.Queries, id, userID, seqID string, currentStep int64, nextAt time.Time) {
	t.Helper()
	err := q.CreateProgress(context.Background(), store.CreateProgressParams{
		ID: id, UserID: userID, SequenceID: seqID,
		CurrentStep: currentStep, NextNotificationAt: nextAt, CreatedAt: frozenNow,
	})
	if err != nil {
		t.Fatalf("テスト用進捗の作成に失敗: %v", err)
	}
	if currentStep > 0 {
		// CreateProgressはstep 0固定のため、途中ステップは直接前進させる
		err := q.AdvanceProgress(context.Background(), store.AdvanceProgressParams{
			CurrentStep: currentStep, NextNotificationAt: nextAt, UpdatedAt: frozenNow, ID: id,
		})
		if err != nil {
			t.Fatalf("テスト用進捗の前進に失敗: %v", err)
		}
	}
}

// TestRunScanAdvance は配信成功時の前進処理を検証する。
func TestRunScanAdvance(t *testing.T) {
	t.Parallel()

	t.Run("配信成功で次のステップへ前進する", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "ステップ1", Body: "本文1", DelayType: "immediate"},
			{ID: "step-2", StepOrder: 2, Title: "ステップ2", Body: "本文2", DelayType: "days", DelayValue: 3},
		})
		createProgress(t, q, "prog-1", "user-1", "seq-1", 0, frozenNow.Add(-time.Minute))

		result, err := e.RunScan(context.Background(), sql.NullString{})
		if err != nil {
			t.Fatalf("スキャンに失敗: %v", err)
		}
		if result.Delivered != 1 {
			t.Errorf("配信数: got %d, want 1", result.Delivered)
		}

		progress, err := q.GetProgress(context.Background(), "prog-1")
		if err != nil {
			t.Fatalf("進捗取得に失敗: %v", err)
		}
		if progress.CurrentStep != 1 {
			t.Errorf("current_step: got %d, want 1", progress.CurrentStep)
		}
		if progress.Completed {
			t.Error("途中ステップで完了になっています")
		}
		// 次のステップはdays=3なので3日後
		wantNext := frozenNow.AddDate(0, 0, 3)
		if !progress.NextNotificationAt.Equal(wantNext) {
			t.Errorf("next_notification_at: got %v, want %v", progress.NextNotificationAt, wantNext)
		}

		if len(sender.sent()) != 1 {
			t.Fatalf("配信呼び出し数: got %d, want 1", len(sender.sent()))
		}
		if sender.sent()[0].Title != "ステップ1" {
			t.Errorf("配信タイトル: got %s, want ステップ1", sender.sent()[0].Title)
		}
	})

	t.Run("最終ステップの配信で完了になる", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "最終ステップ", Body: "本文", DelayType: "immediate"},
		})
		createProgress(t, q, "prog-1", "user-1", "seq-1", 0, frozenNow.Add(-time.Minute))

		result, err := e.RunScan(context.Background(), sql.NullString{})
		if err != nil {
			t.Fatalf("スキャンに失敗: %v", err)
		}
		if result.Delivered != 1 || result.Completed != 1 {
			t.Errorf("結果: got %+v, want Delivered=1 Completed=1", result)
		}

		progress, err := q.GetProgress(context.Background(), "prog-1")
		if err != nil {
			t.Fatalf("進捗取得に失敗: %v", err)
		}
		if !progress.Completed {
			t.Error("完了フラグが立っていません")
		}
		if progress.CurrentStep != 1 {
			t.Errorf("current_step: got %d, want 1", progress.CurrentStep)
		}
	})

	t.Run("成功ログが1件追記される", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "ステップ1", Body: "本文", DelayType: "immediate"},
		})
		createProgress(t, q, "prog-1", "user-1", "seq-1", 0, frozenNow.Add(-time.Minute))

		if _, err := e.RunScan(context.Background(), sql.NullString{}); err != nil {
			t.Fatalf("スキャンに失敗: %v", err)
		}

		logs, err := q.ListStepLogs(context.Background(), store.ListStepLogsParams{UserID: "user-1", SequenceID: "seq-1"})
		if err != nil {
			t.Fatalf("ログ取得に失敗: %v", err)
		}
		if len(logs) != 1 {
			t.Fatalf("ログ数: got %d, want 1", len(logs))
		}
		if !logs[0].Success {
			t.Error("成功ログになっていません")
		}
		if logs[0].StepOrder != 1 {
			t.Errorf("step_order: got %d, want 1", logs[0].StepOrder)
		}
	})
}

// TestRunScanExhaustion は次のステップが存在しない進捗の自然な完了を検証する。
func TestRunScanExhaustion(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	e, q := setupEngine(t, sender)

	createUser(t, q, "user-1")
	// ステップは2つだけ。current_step=2の進捗に次のステップは存在しない
	createSequence(t, q, "seq-1", []store.CreateStepParams{
		{ID: "step-1", StepOrder: 1, Title: "ステップ1", Body: "本文", DelayType: "immediate"},
		{ID: "step-2", StepOrder: 2, Title: "ステップ2", Body: "本文", DelayType: "immediate"},
	})
	createProgress(t, q, "prog-1", "user-1", "seq-1", 2, frozenNow.Add(-time.Minute))

	result, err := e.RunScan(context.Background(), sql.NullString{})
	if err != nil {
		t.Fatalf("スキャンに失敗: %v", err)
	}
	if result.Completed != 1 {
		t.Errorf("完了数: got %d, want 1", result.Completed)
	}
	if result.Delivered != 0 {
		t.Errorf("配信数: got %d, want 0", result.Delivered)
	}

	progress, err := q.GetProgress(context.Background(), "prog-1")
	if err != nil {
		t.Fatalf("進捗取得に失敗: %v", err)
	}
	if !progress.Completed {
		t.Error("完了フラグが立っていません")
	}
	// current_stepは変更されない
	if progress.CurrentStep != 2 {
		t.Errorf("current_step: got %d, want 2", progress.CurrentStep)
	}
	if len(sender.sent()) != 0 {
		t.Errorf("配信呼び出し数: got %d, want 0", len(sender.sent()))
	}
}

// TestRunScanFailure は配信失敗時に進捗が変更されないことを検証する。
func TestRunScanFailure(t *testing.T) {
	t.Parallel()

	t.Run("配信失敗は進捗を変更せず失敗ログを1件追記する", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{err: errors.New("プッシュサービスに接続できません")}
		e, q := setupEngine(t, sender)

		createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "ステップ1", Body: "本文", DelayType: "immediate"},
		})
		nextAt := frozenNow.Add(-time.Minute)
		createProgress(t, q, "prog-1", "user-1", "seq-1", 0, nextAt)

		result, err := e.RunScan(context.Background(), sql.NullString{})
		if err != nil {
			t.Fatalf("スキャンに失敗: %v", err)
		}
		if result.Failed != 1 {
			t.Errorf("失敗数: got %d, want 1", result.Failed)
		}

		progress, err := q.GetProgress(context.Background(), "prog-1")
		if err != nil {
			t.Fatalf("進捗取得に失敗: %v", err)
		}
		if progress.CurrentStep != 0 {
			t.Errorf("current_step: got %d, want 0（変更なし）", progress.CurrentStep)
		}
		if !progress.NextNotificationAt.Equal(nextAt) {
			t.Errorf("next_notification_at: got %v, want %v（変更なし）", progress.NextNotificationAt, nextAt)
		}
		if progress.Completed {
			t.Error("失敗した進捗が完了になっています")
		}

		logs, err := q.ListStepLogs(context.Background(), store.ListStepLogsParams{UserID: "user-1", SequenceID: "seq-1"})
		if err != nil {
			t.Fatalf("ログ取得に失敗: %v", err)
		}
		if len(logs) != 1 {
			t.Fatalf("ログ数: got %d, want 1", len(logs))
		}
		if logs[0].Success {
			t.Error("失敗ログになっていません")
		}
		if logs[0].ErrorMessage == "" {
			t.Error("エラー内容が記録されていません")
		}
	})

	t.Run("失敗した進捗は次回スキャンで再選択される", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{err: errors.New("一時的な障害")}
		e, q := setupEngine(t, sender)

		createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "ステップ1", Body: "本文", DelayType: "immediate"},
		})
		createProgress(t, q, "prog-1", "user-1", "seq-1", 0, frozenNow.Add(-time.Minute))

		if _, err := e.RunScan(context.Background(), sql.NullString{}); err != nil {
			t.Fatalf("1回目のスキャンに失敗: %v", err)
		}

		// 障害が回復した想定で再スキャンする
		sender.mu.Lock()
		sender.err = nil
		sender.mu.Unlock()

		result, err := e.RunScan(context.Background(), sql.NullString{})
		if err != nil {
			t.Fatalf("2回目のスキャンに失敗: %v", err)
		}
		if result.Delivered != 1 {
			t.Errorf("再試行後の配信数: got %d, want 1", result.Delivered)
		}
	})

	t.Run("不正なサブスクリプションは配信失敗として扱う", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		err := q.CreateUser(context.Background(), store.CreateUserParams{
			ID: "user-1", Endpoint: "https://push.example.com/broken",
			Subscription: "not-json", DeviceType: "Unknown", CreatedAt: frozenNow,
		})
		if err != nil {
			t.Fatalf("ユーザー作成に失敗: %v", err)
		}
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "ステップ1", Body: "本文", DelayType: "immediate"},
		})
		createProgress(t, q, "prog-1", "user-1", "seq-1", 0, frozenNow.Add(-time.Minute))

		result, err := e.RunScan(context.Background(), sql.NullString{})
		if err != nil {
			t.Fatalf("スキャンに失敗: %v", err)
		}
		if result.Failed != 1 {
			t.Errorf("失敗数: got %d, want 1", result.Failed)
		}
		if len(sender.sent()) != 0 {
			t.Errorf("不正なサブスクリプションで配信が呼ばれました")
		}
	})

	t.Run("1行の失敗は他の行の処理を妨げない", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		// user-brokenは不正なサブスクリプション、user-okは正常
		err := q.CreateUser(context.Background(), store.CreateUserParams{
			ID: "user-broken", Endpoint: "https://push.example.com/broken",
			Subscription: "not-json", DeviceType: "Unknown", CreatedAt: frozenNow,
		})
		if err != nil {
			t.Fatalf("ユーザー作成に失敗: %v", err)
		}
		createUser(t, q, "user-ok")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "ステップ1", Body: "本文", DelayType: "immediate"},
		})
		createProgress(t, q, "prog-broken", "user-broken", "seq-1", 0, frozenNow.Add(-time.Minute))
		createProgress(t, q, "prog-ok", "user-ok", "seq-1", 0, frozenNow.Add(-time.Minute))

		result, err := e.RunScan(context.Background(), sql.NullString{})
		if err != nil {
			t.Fatalf("スキャンに失敗: %v", err)
		}
		if result.Failed != 1 {
			t.Errorf("失敗数: got %d, want 1", result.Failed)
		}
		if result.Delivered != 1 {
			t.Errorf("配信数: got %d, want 1", result.Delivered)
		}
	})
}

// TestRunScanNoReselection は前進済みの行が同一スキャン直後に
// 再選択されないことを検証する。
func TestRunScanNoReselection(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	e, q := setupEngine(t, sender)

	createUser(t, q, "user-1")
	createSequence(t, q, "seq-1", []store.CreateStepParams{
		{ID: "step-1", StepOrder: 1, Title: "ステップ1", Body: "本文", DelayType: "immediate"},
		{ID: "step-2", StepOrder: 2, Title: "ステップ2", Body: "本文", DelayType: "days", DelayValue: 1},
	})
	createProgress(t, q, "prog-1", "user-1", "seq-1", 0, frozenNow.Add(-time.Minute))

	if _, err := e.RunScan(context.Background(), sql.NullString{}); err != nil {
		t.Fatalf("1回目のスキャンに失敗: %v", err)
	}

	// 前進後のnext_notification_atは1日後のため、直後の再スキャンでは選択されない
	result, err := e.RunScan(context.Background(), sql.NullString{})
	if err != nil {
		t.Fatalf("2回目のスキャンに失敗: %v", err)
	}
	if result.Processed != 0 {
		t.Errorf("再スキャンの対象数: got %d, want 0", result.Processed)
	}
	if len(sender.sent()) != 1 {
		t.Errorf("配信呼び出し数: got %d, want 1", len(sender.sent()))
	}
}

// TestEnroll はエンロール処理のテスト。
func TestEnroll(t *testing.T) {
	t.Parallel()

	t.Run("有効な全シーケンスへエンロールされる", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		user := createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "s1-1", StepOrder: 1, Title: "ようこそ", Body: "本文", DelayType: "days", DelayValue: 1},
		})
		createSequence(t, q, "seq-2", []store.CreateStepParams{
			{ID: "s2-1", StepOrder: 1, Title: "ガイド", Body: "本文", DelayType: "hours", DelayValue: 2},
		})

		if err := e.Enroll(context.Background(), user); err != nil {
			t.Fatalf("エンロールに失敗: %v", err)
		}

		for _, seqID := range []string{"seq-1", "seq-2"} {
			progress, err := q.GetProgressByUserAndSequence(context.Background(), store.GetProgressByUserAndSequenceParams{
				UserID: "user-1", SequenceID: seqID,
			})
			if err != nil {
				t.Fatalf("シーケンス %s の進捗取得に失敗: %v", seqID, err)
			}
			if progress.CurrentStep != 0 {
				t.Errorf("current_step: got %d, want 0", progress.CurrentStep)
			}
		}

		// days=1のシーケンスの予定時刻は1日後
		progress, err := q.GetProgressByUserAndSequence(context.Background(), store.GetProgressByUserAndSequenceParams{
			UserID: "user-1", SequenceID: "seq-1",
		})
		if err != nil {
			t.Fatalf("進捗取得に失敗: %v", err)
		}
		wantNext := frozenNow.AddDate(0, 0, 1)
		if !progress.NextNotificationAt.Equal(wantNext) {
			t.Errorf("next_notification_at: got %v, want %v", progress.NextNotificationAt, wantNext)
		}
	})

	t.Run("無効なシーケンスへはエンロールされない", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		user := createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", nil)
		err := q.SetSequenceActive(context.Background(), store.SetSequenceActiveParams{
			IsActive: false, UpdatedAt: frozenNow, ID: "seq-1",
		})
		if err != nil {
			t.Fatalf("有効フラグの更新に失敗: %v", err)
		}

		if err := e.Enroll(context.Background(), user); err != nil {
			t.Fatalf("エンロールに失敗: %v", err)
		}

		_, err = q.GetProgressByUserAndSequence(context.Background(), store.GetProgressByUserAndSequenceParams{
			UserID: "user-1", SequenceID: "seq-1",
		})
		if !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("無効なシーケンスへエンロールされています: %v", err)
		}
	})

	t.Run("immediateな最初のステップは同期配信され前進する", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		user := createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "ようこそ", Body: "本文", DelayType: "immediate"},
			{ID: "step-2", StepOrder: 2, Title: "続き", Body: "本文", DelayType: "days", DelayValue: 1},
		})

		if err := e.Enroll(context.Background(), user); err != nil {
			t.Fatalf("エンロールに失敗: %v", err)
		}

		if len(sender.sent()) != 1 {
			t.Fatalf("同期配信の呼び出し数: got %d, want 1", len(sender.sent()))
		}
		if sender.sent()[0].Title != "ようこそ" {
			t.Errorf("配信タイトル: got %s, want ようこそ", sender.sent()[0].Title)
		}

		progress, err := q.GetProgressByUserAndSequence(context.Background(), store.GetProgressByUserAndSequenceParams{
			UserID: "user-1", SequenceID: "seq-1",
		})
		if err != nil {
			t.Fatalf("進捗取得に失敗: %v", err)
		}
		if progress.CurrentStep != 1 {
			t.Errorf("current_step: got %d, want 1", progress.CurrentStep)
		}
	})

	t.Run("同期配信の失敗は進捗を残し次回スキャンに任せる", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{err: errors.New("一時的な障害")}
		e, q := setupEngine(t, sender)

		user := createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "ようこそ", Body: "本文", DelayType: "immediate"},
		})

		if err := e.Enroll(context.Background(), user); err != nil {
			t.Fatalf("エンロールに失敗: %v", err)
		}

		progress, err := q.GetProgressByUserAndSequence(context.Background(), store.GetProgressByUserAndSequenceParams{
			UserID: "user-1", SequenceID: "seq-1",
		})
		if err != nil {
			t.Fatalf("進捗取得に失敗: %v", err)
		}
		if progress.CurrentStep != 0 {
			t.Errorf("current_step: got %d, want 0（変更なし）", progress.CurrentStep)
		}
		// immediateのためnext_notification_at=nowのまま。次回スキャンで再選択される
		if !progress.NextNotificationAt.Equal(frozenNow) {
			t.Errorf("next_notification_at: got %v, want %v", progress.NextNotificationAt, frozenNow)
		}
	})

	t.Run("エンロール済みのシーケンスは二重登録されない", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		user := createUser(t, q, "user-1")
		createSequence(t, q, "seq-1", []store.CreateStepParams{
			{ID: "step-1", StepOrder: 1, Title: "ようこそ", Body: "本文", DelayType: "days", DelayValue: 1},
		})

		for i := 0; i < 2; i++ {
			if err := e.Enroll(context.Background(), user); err != nil {
				t.Fatalf("エンロールに失敗: %v", err)
			}
		}

		pending, err := q.ListPendingProgress(context.Background(), "seq-1")
		if err != nil {
			t.Fatalf("進捗一覧の取得に失敗: %v", err)
		}
		if len(pending) != 1 {
			t.Errorf("進捗数: got %d, want 1", len(pending))
		}
	})

	t.Run("テナント未割当ユーザーはグローバルシーケンスのみへエンロールされる", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		createTenant(t, q, "tenant-a")
		createScopedSequence(t, q, "seq-tenant-a", "tenant-a")
		createSequence(t, q, "seq-global", []store.CreateStepParams{
			{ID: "sg-1", StepOrder: 1, Title: "全体案内", Body: "本文", DelayType: "days", DelayValue: 1},
		})

		// createUserはtenant_idを設定しない（テナント未割当）
		user := createUser(t, q, "user-1")

		if err := e.Enroll(context.Background(), user); err != nil {
			t.Fatalf("エンロールに失敗: %v", err)
		}

		_, err := q.GetProgressByUserAndSequence(context.Background(), store.GetProgressByUserAndSequenceParams{
			UserID: "user-1", SequenceID: "seq-global",
		})
		if err != nil {
			t.Errorf("グローバルシーケンスへエンロールされていません: %v", err)
		}

		_, err = q.GetProgressByUserAndSequence(context.Background(), store.GetProgressByUserAndSequenceParams{
			UserID: "user-1", SequenceID: "seq-tenant-a",
		})
		if !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("テナント未割当ユーザーが他テナントのシーケンスへエンロールされています: %v", err)
		}
	})

	t.Run("テナント所属ユーザーは自テナントとグローバルのみへエンロールされる", func(t *testing.T) {
		t.Parallel()
		sender := &fakeSender{}
		e, q := setupEngine(t, sender)

		createTenant(t, q, "tenant-a")
		createTenant(t, q, "tenant-b")
		createScopedSequence(t, q, "seq-tenant-a", "tenant-a")
		createScopedSequence(t, q, "seq-tenant-b", "tenant-b")
		createSequence(t, q, "seq-global", []store.CreateStepParams{
			{ID: "sg-1", StepOrder: 1, Title: "全体案内", Body: "本文", DelayType: "days", DelayValue: 1},
		})

		err := q.CreateUser(context.Background(), store.CreateUserParams{
			ID:           "user-a",
			TenantID:     sql.NullString{String: "tenant-a", Valid: true},
			Endpoint:     "https://push.example.com/user-a",
			Subscription: testSubscription,
			DeviceType:   "Web",
			CreatedAt:    frozenNow,
		})
		if err != nil {
			t.Fatalf("ユーザー作成に失敗: %v", err)
		}
		user, err := q.GetUser(context.Background(), "user-a")
		if err != nil {
			t.Fatalf("ユーザー取得に失敗: %v", err)
		}

		if err := e.Enroll(context.Background(), user); err != nil {
			t.Fatalf("エンロールに失敗: %v", err)
		}

		for _, seqID := range []string{"seq-tenant-a", "seq-global"} {
			_, err := q.GetProgressByUserAndSequence(context.Background(), store.GetProgressByUserAndSequenceParams{
				UserID: "user-a", SequenceID: seqID,
			})
			if err != nil {
				t.Errorf("シーケンス %s へエンロールされていません: %v", seqID, err)
			}
		}

		_, err = q.GetProgressByUserAndSequence(context.Background(), store.GetProgressByUserAndSequenceParams{
			UserID: "user-a", SequenceID: "seq-tenant-b",
		})
		if !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("他テナントのシーケンスへエンロールされています: %v", err)
		}
	})
}
