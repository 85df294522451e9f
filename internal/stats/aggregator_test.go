package stats

import (
	"context"
	"database/sql"
	"testing"

	"github.com/pushdock/pushdock/internal/store"
)

// setupAggregator はインメモリストアで集計器を構築する。
func setupAggregator(t *testing.T) (*Aggregator, *store.Queries) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := store.New(db)
	return NewAggregator(q), q
}

// recordEvents は同一通知へ複数イベントを記録するヘルパー関数。
func recordEvents(t *testing.T, a *Aggregator, notificationID, eventType string, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		err := a.Record(context.Background(), RecordParams{
			NotificationID: notificationID,
			EventType:      eventType,
		})
		if err != nil {
			t.Fatalf("イベント %s の記録に失敗: %v", eventType, err)
		}
	}
}

// TestRecordRecomputesRates はイベントログからの率の再計算を検証する。
func TestRecordRecomputesRates(t *testing.T) {
	t.Parallel()

	t.Run("sent10 open4 click2 で開封率40% CTR20%", func(t *testing.T) {
		t.Parallel()
		a, q := setupAggregator(t)

		recordEvents(t, a, "notif-1", "sent", 10)
		recordEvents(t, a, "notif-1", "open", 4)
		recordEvents(t, a, "notif-1", "click", 2)

		stats, err := q.GetStats(context.Background(), "notif-1")
		if err != nil {
			t.Fatalf("統計取得に失敗: %v", err)
		}
		if stats.TotalSent != 10 {
			t.Errorf("total_sent: got %d, want 10", stats.TotalSent)
		}
		if stats.TotalOpened != 4 {
			t.Errorf("total_opened: got %d, want 4", stats.TotalOpened)
		}
		if stats.TotalClicked != 2 {
			t.Errorf("total_clicked: got %d, want 2", stats.TotalClicked)
		}
		if stats.OpenRate != 40.00 {
			t.Errorf("open_rate: got %v, want 40.00", stats.OpenRate)
		}
		if stats.CTR != 20.00 {
			t.Errorf("ctr: got %v, want 20.00", stats.CTR)
		}
	})

	t.Run("送信イベントが0件なら率は0", func(t *testing.T) {
		t.Parallel()
		a, q := setupAggregator(t)

		recordEvents(t, a, "notif-1", "open", 3)

		stats, err := q.GetStats(context.Background(), "notif-1")
		if err != nil {
			t.Fatalf("統計取得に失敗: %v", err)
		}
		if stats.OpenRate != 0 {
			t.Errorf("open_rate: got %v, want 0", stats.OpenRate)
		}
		if stats.CTR != 0 {
			t.Errorf("ctr: got %v, want 0", stats.CTR)
		}
	})

	t.Run("率は小数第2位で丸められる", func(t *testing.T) {
		t.Parallel()
		a, q := setupAggregator(t)

		recordEvents(t, a, "notif-1", "sent", 3)
		recordEvents(t, a, "notif-1", "open", 1)

		stats, err := q.GetStats(context.Background(), "notif-1")
		if err != nil {
			t.Fatalf("統計取得に失敗: %v", err)
		}
		// 1/3 × 100 = 33.333... → 33.33
		if stats.OpenRate != 33.33 {
			t.Errorf("open_rate: got %v, want 33.33", stats.OpenRate)
		}
	})
}

// TestRecomputeIsIdempotent は同じログへの再計算が結果を変えないことを検証する。
func TestRecomputeIsIdempotent(t *testing.T) {
	t.Parallel()

	a, q := setupAggregator(t)

	recordEvents(t, a, "notif-1", "sent", 10)
	recordEvents(t, a, "notif-1", "open", 4)

	before, err := q.GetStats(context.Background(), "notif-1")
	if err != nil {
		t.Fatalf("統計取得に失敗: %v", err)
	}

	// ログを変えずに再計算を繰り返す
	for i := 0; i < 3; i++ {
		err := a.Recompute(context.Background(), "notif-1", string(store.NotificationTypeScheduled), sql.NullString{})
		if err != nil {
			t.Fatalf("再計算に失敗: %v", err)
		}
	}

	after, err := q.GetStats(context.Background(), "notif-1")
	if err != nil {
		t.Fatalf("統計取得に失敗: %v", err)
	}
	if after.TotalSent != before.TotalSent || after.TotalOpened != before.TotalOpened {
		t.Errorf("カウンタがドリフトしました: before=%+v after=%+v", before, after)
	}
	if after.OpenRate != before.OpenRate {
		t.Errorf("open_rateがドリフトしました: before=%v after=%v", before.OpenRate, after.OpenRate)
	}
}

// TestRecordRecomputeBestEffort は再計算の失敗がイベント追記の成功を
// 上書きしないことを検証する。
func TestRecordRecomputeBestEffort(t *testing.T) {
	t.Parallel()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := store.New(db)
	a := NewAggregator(q)

	// 統計テーブルだけを落とし、追記は成功・再計算は失敗する状況を作る
	if _, err := db.Exec("DROP TABLE notification_stats"); err != nil {
		t.Fatalf("統計テーブルの削除に失敗: %v", err)
	}

	err = a.Record(context.Background(), RecordParams{
		NotificationID: "notif-1",
		EventType:      "open",
	})
	if err != nil {
		t.Errorf("再計算の失敗がRecordのエラーになっています: %v", err)
	}

	counts, err := q.CountEventsByType(context.Background(), "notif-1")
	if err != nil {
		t.Fatalf("イベント集計に失敗: %v", err)
	}
	if len(counts) != 1 || counts[0].Count != 1 {
		t.Errorf("イベントが記録されていません: %+v", counts)
	}
}

// TestRecordValidation は不正なイベントの拒否を検証する。
func TestRecordValidation(t *testing.T) {
	t.Parallel()

	t.Run("不明なイベント種別は拒否される", func(t *testing.T) {
		t.Parallel()
		a, _ := setupAggregator(t)

		err := a.Record(context.Background(), RecordParams{
			NotificationID: "notif-1",
			EventType:      "unknown",
		})
		if err == nil {
			t.Error("不明なイベント種別がエラーになりません")
		}
	})

	t.Run("notification_idが空なら拒否される", func(t *testing.T) {
		t.Parallel()
		a, _ := setupAggregator(t)

		err := a.Record(context.Background(), RecordParams{
			EventType: "sent",
		})
		if err == nil {
			t.Error("notification_id未指定がエラーになりません")
		}
	})

	t.Run("拒否されたイベントはログに残らない", func(t *testing.T) {
		t.Parallel()
		a, q := setupAggregator(t)

		_ = a.Record(context.Background(), RecordParams{
			NotificationID: "notif-1",
			EventType:      "unknown",
		})

		counts, err := q.CountEventsByType(context.Background(), "notif-1")
		if err != nil {
			t.Fatalf("イベント集計に失敗: %v", err)
		}
		if len(counts) != 0 {
			t.Errorf("拒否されたイベントが記録されています: %+v", counts)
		}
	})
}
