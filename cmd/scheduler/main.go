// スケジューラサービスのエントリポイント。
// 一定間隔で管理APIのcronエンドポイントを叩き、ステップ配信スキャンと
// スケジュール通知スイープを駆動する。配信ロジック自体は持たない。
package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/pushdock/pushdock/pkg/httpclient"
)

// stepScanResult はステップ配信スキャンのレスポンス。
type stepScanResult struct {
	// Processed は処理した進捗レコード数。
	Processed int `json:"processed"`
	// Delivered は配信に成功した件数。
	Delivered int `json:"delivered"`
	// Failed は配信に失敗した件数。
	Failed int `json:"failed"`
	// Completed はシーケンスを完了した件数。
	Completed int `json:"completed"`
}

// sweepResult はスケジュール通知スイープのレスポンス。
type sweepResult struct {
	// Swept は処理した通知数。
	Swept int `json:"swept"`
	// Sent は配信を確定した通知数。
	Sent int `json:"sent"`
	// Failed は失敗として確定した通知数。
	Failed int `json:"failed"`
}

// intervalFromEnv は環境変数から秒単位の間隔を読み取る。
func intervalFromEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		log.Printf("[Scheduler] %sの値が不正なためデフォルトを使用します: %q", key, v)
		return fallback
	}
	return time.Duration(sec) * time.Second
}

func main() {
	adminURL := os.Getenv("ADMIN_URL")
	if adminURL == "" {
		adminURL = "http://localhost:8080"
	}

	stepInterval := intervalFromEnv("STEP_SCAN_INTERVAL_SEC", 60*time.Second)
	sweepInterval := intervalFromEnv("SWEEP_INTERVAL_SEC", 60*time.Second)

	client := httpclient.New(adminURL)
	ctx := context.Background()
	if secret := os.Getenv("CRON_SECRET"); secret != "" {
		ctx = httpclient.WithBearerToken(ctx, secret)
	}

	log.Printf("[Scheduler] 起動しました: admin=%s step=%s sweep=%s", adminURL, stepInterval, sweepInterval)

	stepTicker := time.NewTicker(stepInterval)
	defer stepTicker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-stepTicker.C:
			var result stepScanResult
			if err := client.PostJSON(ctx, "/api/v1/cron/step-notifications", nil, &result); err != nil {
				log.Printf("[Scheduler] ステップ配信スキャンの呼び出しに失敗: %v", err)
				continue
			}
			if result.Processed > 0 {
				log.Printf("[Scheduler] ステップ配信スキャン完了: processed=%d delivered=%d failed=%d completed=%d",
					result.Processed, result.Delivered, result.Failed, result.Completed)
			}
		case <-sweepTicker.C:
			var result sweepResult
			if err := client.PostJSON(ctx, "/api/v1/cron/send-scheduled", nil, &result); err != nil {
				log.Printf("[Scheduler] 通知スイープの呼び出しに失敗: %v", err)
				continue
			}
			if result.Swept > 0 {
				log.Printf("[Scheduler] 通知スイープ完了: swept=%d sent=%d failed=%d",
					result.Swept, result.Sent, result.Failed)
			}
		}
	}
}
