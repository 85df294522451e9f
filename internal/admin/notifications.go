package admin

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/pushdock/pushdock/internal/broadcast"
	"github.com/pushdock/pushdock/internal/store"
)

const (
	// maxTitleLength は通知タイトルの最大文字数。
	maxTitleLength = 100
	// maxBodyLength は通知本文の最大文字数。
	maxBodyLength = 500
)

// createNotificationRequest はスケジュール通知作成リクエストのJSON構造。
type createNotificationRequest struct {
	// Title は通知タイトル。
	Title string `json:"title" binding:"required"`
	// Body は通知本文。
	Body string `json:"body" binding:"required"`
	// URL はクリック時の遷移先。省略可。
	URL string `json:"url"`
	// SendAt は配信予定時刻（RFC3339）。
	SendAt string `json:"send_at" binding:"required"`
	// TargetType は配信対象の種別（all / segment / custom_filter）。省略時はall。
	TargetType string `json:"target_type"`
	// TargetSegmentID はtarget_type=segment時の対象セグメントID。
	TargetSegmentID string `json:"target_segment_id"`
	// TargetFilter はtarget_type=custom_filter時のフィルタ条件JSON。
	TargetFilter json.RawMessage `json:"target_filter"`
}

// notificationResponse はスケジュール通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// TenantID は所属テナントのID。
	TenantID string `json:"tenant_id"`
	// Title は通知タイトル。
	Title string `json:"title"`
	// Body は通知本文。
	Body string `json:"body"`
	// URL はクリック時の遷移先。
	URL string `json:"url"`
	// SendAt は配信予定時刻。
	SendAt string `json:"send_at"`
	// TargetType は配信対象の種別。
	TargetType string `json:"target_type"`
	// TargetSegmentID は対象セグメントのID。
	TargetSegmentID string `json:"target_segment_id,omitempty"`
	// TargetUserCount は作成時点の対象ユーザー数見積もり。
	TargetUserCount int64 `json:"target_user_count"`
	// Sent は送信済みフラグ。
	Sent bool `json:"sent"`
	// Status は配信状態。
	Status string `json:"status"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
}

// toNotificationResponse はDB行をJSONレスポンスに変換する。
func toNotificationResponse(n store.Notification) notificationResponse {
	return notificationResponse{
		ID:              n.ID,
		TenantID:        n.TenantID.String,
		Title:           n.Title,
		Body:            n.Body,
		URL:             n.URL,
		SendAt:          formatTime(n.SendAt),
		TargetType:      n.TargetType,
		TargetSegmentID: n.TargetSegmentID.String,
		TargetUserCount: n.TargetUserCount,
		Sent:            n.Sent,
		Status:          n.Status,
		CreatedAt:       formatTime(n.CreatedAt),
	}
}

// validateContent はタイトル・本文・URLの境界バリデーションを行う。
func validateContent(title, body, rawURL string) error {
	if utf8.RuneCountInString(title) > maxTitleLength {
		return fmt.Errorf("タイトルは%d文字以内にしてください", maxTitleLength)
	}
	if utf8.RuneCountInString(body) > maxBodyLength {
		return fmt.Errorf("本文は%d文字以内にしてください", maxBodyLength)
	}
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("URLはhttp(s)の絶対URLを指定してください")
		}
	}
	return nil
}

// handleCreateNotification はスケジュール通知の作成を処理するハンドラを返す。
// 対象ユーザー数は作成時点で見積もられて保存される。
func (s *Server) handleCreateNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createNotificationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := validateContent(req.Title, req.Body, req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sendAt, err := time.Parse(time.RFC3339, req.SendAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("send_atの形式が不正です: %v", err)})
			return
		}

		scope := tenantScope(c)
		created, err := s.broadcast.Create(c.Request.Context(), broadcast.CreateParams{
			TenantID: scope,
			Title:    req.Title,
			Body:     req.Body,
			URL:      req.URL,
			SendAt:   sendAt.UTC(),
			Target: broadcast.Target{
				Type:       req.TargetType,
				TenantID:   scope,
				SegmentID:  req.TargetSegmentID,
				FilterJSON: string(req.TargetFilter),
			},
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("通知の作成に失敗しました: %v", err)})
			log.Printf("通知作成エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toNotificationResponse(created))
	}
}

// handleListNotifications は通知一覧取得を処理するハンドラを返す。
func (s *Server) handleListNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		notifications, err := s.queries.ListNotifications(c.Request.Context(), tenantScope(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			log.Printf("通知一覧取得エラー: %v", err)
			return
		}

		responses := make([]notificationResponse, 0, len(notifications))
		for _, n := range notifications {
			responses = append(responses, toNotificationResponse(n))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// notificationStatsResponse は通知の配信統計のJSONレスポンス構造。
type notificationStatsResponse struct {
	// TotalSent は送信イベント数。
	TotalSent int64 `json:"total_sent"`
	// TotalDelivered は到達イベント数。
	TotalDelivered int64 `json:"total_delivered"`
	// TotalOpened は開封イベント数。
	TotalOpened int64 `json:"total_opened"`
	// TotalClicked はクリックイベント数。
	TotalClicked int64 `json:"total_clicked"`
	// TotalDismissed は非表示イベント数。
	TotalDismissed int64 `json:"total_dismissed"`
	// OpenRate は開封率（%）。
	OpenRate float64 `json:"open_rate"`
	// CTR はクリック率（%）。
	CTR float64 `json:"ctr"`
}

// getScopedNotification は通知を取得し、管理者のテナントスコープを検査する。
// 取得できない場合はレスポンスを書き込み済みでfalseを返す。
func (s *Server) getScopedNotification(c *gin.Context) (store.Notification, bool) {
	n, err := s.queries.GetNotification(c.Request.Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
		return store.Notification{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
		log.Printf("通知取得エラー: %v", err)
		return store.Notification{}, false
	}

	scope := tenantScope(c)
	if scope.Valid && n.TenantID.String != scope.String {
		c.JSON(http.StatusForbidden, gin.H{"error": "この通知へのアクセス権がありません"})
		return store.Notification{}, false
	}
	return n, true
}

// handleGetNotification は通知詳細と配信統計の取得を処理するハンドラを返す。
func (s *Server) handleGetNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := s.getScopedNotification(c)
		if !ok {
			return
		}

		// 統計レコードはイベントが1件も届いていない間は存在しない
		var statsResp notificationStatsResponse
		st, err := s.queries.GetStats(c.Request.Context(), n.ID)
		if err == nil {
			statsResp = notificationStatsResponse{
				TotalSent:      st.TotalSent,
				TotalDelivered: st.TotalDelivered,
				TotalOpened:    st.TotalOpened,
				TotalClicked:   st.TotalClicked,
				TotalDismissed: st.TotalDismissed,
				OpenRate:       st.OpenRate,
				CTR:            st.CTR,
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "統計の取得に失敗しました"})
			log.Printf("統計取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"notification": toNotificationResponse(n),
			"stats":        statsResp,
		})
	}
}

// handleSendNotification は通知の即時配信を処理するハンドラを返す。
func (s *Server) handleSendNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := s.getScopedNotification(c)
		if !ok {
			return
		}

		status, err := s.broadcast.SendNow(c.Request.Context(), n.ID)
		if errors.Is(err, broadcast.ErrAlreadySent) {
			c.JSON(http.StatusConflict, gin.H{"error": "通知は既に送信済みです"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の配信に失敗しました"})
			log.Printf("即時配信エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を配信しました", "status": status})
	}
}

// handleDeleteNotification は未送信通知の削除を処理するハンドラを返す。
func (s *Server) handleDeleteNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := s.getScopedNotification(c)
		if !ok {
			return
		}

		if n.Sent {
			c.JSON(http.StatusConflict, gin.H{"error": "送信済みの通知は削除できません"})
			return
		}

		if err := s.queries.DeleteNotification(c.Request.Context(), n.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の削除に失敗しました"})
			log.Printf("通知削除エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を削除しました"})
	}
}
