package admin

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pushdock/pushdock/internal/stats"
	"github.com/pushdock/pushdock/internal/store"
	"github.com/pushdock/pushdock/internal/subscription"
)

// registerRequest はプッシュ購読登録リクエストのJSON構造。
type registerRequest struct {
	// Subscription はブラウザが発行したサブスクリプションJSON。
	Subscription json.RawMessage `json:"subscription" binding:"required"`
	// TenantID は所属テナントのID。省略可。
	TenantID string `json:"tenant_id"`
}

// registerResponse は購読登録のJSONレスポンス構造。
type registerResponse struct {
	// UserID は登録されたユーザーのID。
	UserID string `json:"user_id"`
	// DeviceType はエンドポイントから推定したデバイス系統。
	DeviceType string `json:"device_type"`
}

// handleRegister はプッシュ購読の登録を処理するハンドラを返す。
// エンドポイントをキーとしたupsertを行い、新規登録時は有効な
// シーケンスへの自動エンロールまで同期的に実行する。
// 同一エンドポイントの再登録はペイロードの更新のみで、再エンロールしない。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		sub, err := subscription.Parse(string(req.Subscription))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("サブスクリプションが不正です: %v", err)})
			return
		}

		tenantID := sql.NullString{String: req.TenantID, Valid: req.TenantID != ""}
		if tenantID.Valid {
			if _, err := s.queries.GetTenant(c.Request.Context(), tenantID.String); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "指定されたテナントが存在しません"})
				return
			}
		}

		encoded, err := sub.Encode()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "サブスクリプションの保存に失敗しました"})
			log.Printf("サブスクリプションのエンコードエラー: %v", err)
			return
		}

		deviceType := string(subscription.ClassifyDevice(sub.Endpoint))
		browser := detectBrowser(c.GetHeader("User-Agent"))

		// エンドポイントが既知なら再登録としてペイロードのみ更新する
		existing, err := s.queries.GetUserByEndpoint(c.Request.Context(), sub.Endpoint)
		if err == nil {
			err := s.queries.UpdateUserSubscription(c.Request.Context(), store.UpdateUserSubscriptionParams{
				Subscription: encoded,
				DeviceType:   deviceType,
				Browser:      browser,
				ID:           existing.ID,
			})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "購読の更新に失敗しました"})
				log.Printf("購読更新エラー: %v", err)
				return
			}
			c.JSON(http.StatusOK, registerResponse{UserID: existing.ID, DeviceType: deviceType})
			return
		}
		if !errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読の確認に失敗しました"})
			log.Printf("購読確認エラー: %v", err)
			return
		}

		user := store.User{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			Endpoint:     sub.Endpoint,
			Subscription: encoded,
			DeviceType:   deviceType,
			Browser:      browser,
		}
		err = s.queries.CreateUser(c.Request.Context(), store.CreateUserParams{
			ID:           user.ID,
			TenantID:     user.TenantID,
			Endpoint:     user.Endpoint,
			Subscription: user.Subscription,
			DeviceType:   user.DeviceType,
			Browser:      user.Browser,
			CreatedAt:    s.now(),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの作成に失敗しました"})
			log.Printf("ユーザー作成エラー: %v", err)
			return
		}

		// 有効なシーケンスへ自動エンロールする。immediateな最初のステップは
		// この中で同期配信される。エンロール失敗は登録自体を妨げない。
		if err := s.progress.Enroll(c.Request.Context(), user); err != nil {
			log.Printf("自動エンロールエラー: %v", err)
		}

		c.JSON(http.StatusCreated, registerResponse{UserID: user.ID, DeviceType: deviceType})
	}
}

// trackRequest はトラッキングイベント記録リクエストのJSON構造。
type trackRequest struct {
	// NotificationID は対象通知のID。
	NotificationID string `json:"notification_id" binding:"required"`
	// NotificationType は通知の種別（scheduled / step）。省略時はscheduled。
	NotificationType string `json:"notification_type"`
	// EventType はイベント種別。公開エンドポイントではopenとclickのみ受理する。
	EventType string `json:"event_type" binding:"required"`
	// UserID はイベントを発生させたユーザーのID。省略可。
	UserID string `json:"user_id"`
	// Metadata は付帯情報JSON。省略可。
	Metadata json.RawMessage `json:"metadata"`
}

// handleTrack はトラッキングイベントの記録を処理するハンドラを返す。
// ブラウザのService Workerから通知の開封・クリックを受け取る。
func (s *Server) handleTrack() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req trackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		// 公開エンドポイントから記録できるのはユーザー操作のイベントのみ
		if req.EventType != string(store.EventOpen) && req.EventType != string(store.EventClick) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("受理できないイベント種別です: %q", req.EventType)})
			return
		}

		// scheduled通知ならテナントを通知レコードから引き当てる（ベストエフォート）
		var tenantID sql.NullString
		if req.NotificationType == "" || req.NotificationType == string(store.NotificationTypeScheduled) {
			if n, err := s.queries.GetNotification(c.Request.Context(), req.NotificationID); err == nil {
				tenantID = n.TenantID
			}
		}

		err := s.stats.Record(c.Request.Context(), stats.RecordParams{
			NotificationID:   req.NotificationID,
			NotificationType: req.NotificationType,
			TenantID:         tenantID,
			UserID:           sql.NullString{String: req.UserID, Valid: req.UserID != ""},
			EventType:        req.EventType,
			Metadata:         string(req.Metadata),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの記録に失敗しました"})
			log.Printf("イベント記録エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "イベントを記録しました"})
	}
}

// detectBrowser はUser-Agentヘッダーからブラウザ名を推定する。
// 表示用のベストエフォートな推定であり、判定できない場合は空文字列を返す。
func detectBrowser(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Edg/"):
		return "Edge"
	case strings.Contains(userAgent, "Firefox/"):
		return "Firefox"
	case strings.Contains(userAgent, "Chrome/"):
		return "Chrome"
	case strings.Contains(userAgent, "Safari/"):
		return "Safari"
	default:
		return ""
	}
}
