package admin

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pushdock/pushdock/internal/store"
)

const (
	// defaultUserPageSize はユーザー一覧の既定の1ページあたり件数。
	defaultUserPageSize = 50
	// maxUserPageSize はユーザー一覧の1ページあたり件数の上限。
	maxUserPageSize = 200
)

// userResponse はユーザーのJSONレスポンス構造。
// サブスクリプションの暗号化キーは含めない。
type userResponse struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// TenantID は所属テナントのID。未割当の場合は空文字列。
	TenantID string `json:"tenant_id"`
	// Endpoint はプッシュサービスのエンドポイントURL。
	Endpoint string `json:"endpoint"`
	// DeviceType はエンドポイントから推定したデバイス系統。
	DeviceType string `json:"device_type"`
	// Browser はブラウザ名。
	Browser string `json:"browser"`
	// EngagementScore はエンゲージメントスコア。
	EngagementScore int64 `json:"engagement_score"`
	// CreatedAt は登録日時。
	CreatedAt string `json:"created_at"`
}

// toUserResponse はDB行をJSONレスポンスに変換する。
func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:              u.ID,
		TenantID:        u.TenantID.String,
		Endpoint:        u.Endpoint,
		DeviceType:      u.DeviceType,
		Browser:         u.Browser,
		EngagementScore: u.EngagementScore,
		CreatedAt:       formatTime(u.CreatedAt),
	}
}

// listUsersResponse はユーザー一覧のJSONレスポンス構造。
type listUsersResponse struct {
	// Users はページ内のユーザー一覧。
	Users []userResponse `json:"users"`
	// Total はスコープ内の総ユーザー数。
	Total int64 `json:"total"`
	// Page は現在のページ番号（1始まり）。
	Page int64 `json:"page"`
	// Limit は1ページあたりの件数。
	Limit int64 `json:"limit"`
}

// handleListUsers はユーザー一覧取得を処理するハンドラを返す。
// page / limit クエリパラメータでページングする。
func (s *Server) handleListUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.ParseInt(c.DefaultQuery("page", "1"), 10, 64)
		if page < 1 {
			page = 1
		}
		limit, _ := strconv.ParseInt(c.DefaultQuery("limit", strconv.Itoa(defaultUserPageSize)), 10, 64)
		if limit < 1 || limit > maxUserPageSize {
			limit = defaultUserPageSize
		}

		scope := tenantScope(c)
		users, err := s.queries.ListUsers(c.Request.Context(), store.ListUsersParams{
			TenantID: scope,
			Limit:    limit,
			Offset:   (page - 1) * limit,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー一覧の取得に失敗しました"})
			log.Printf("ユーザー一覧取得エラー: %v", err)
			return
		}

		total, err := s.queries.CountUsers(c.Request.Context(), scope)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー数の取得に失敗しました"})
			log.Printf("ユーザー数取得エラー: %v", err)
			return
		}

		responses := make([]userResponse, 0, len(users))
		for _, u := range users {
			responses = append(responses, toUserResponse(u))
		}

		c.JSON(http.StatusOK, listUsersResponse{
			Users: responses,
			Total: total,
			Page:  page,
			Limit: limit,
		})
	}
}

// getScopedUser はユーザーを取得し、管理者のテナントスコープを検査する。
// 取得できない場合はレスポンスを書き込み済みでfalseを返す。
func (s *Server) getScopedUser(c *gin.Context) (store.User, bool) {
	user, err := s.queries.GetUser(c.Request.Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
		return store.User{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
		log.Printf("ユーザー取得エラー: %v", err)
		return store.User{}, false
	}

	scope := tenantScope(c)
	if scope.Valid && user.TenantID.String != scope.String {
		c.JSON(http.StatusForbidden, gin.H{"error": "このユーザーへのアクセス権がありません"})
		return store.User{}, false
	}
	return user, true
}

// handleGetUser はユーザー詳細取得を処理するハンドラを返す。
func (s *Server) handleGetUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := s.getScopedUser(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, toUserResponse(user))
	}
}

// userEventResponse はユーザーのトラッキングイベントのJSONレスポンス構造。
type userEventResponse struct {
	// ID はイベントの一意識別子。
	ID string `json:"id"`
	// NotificationID は対象通知のID。
	NotificationID string `json:"notification_id"`
	// NotificationType は通知の種別。
	NotificationType string `json:"notification_type"`
	// EventType はイベント種別。
	EventType string `json:"event_type"`
	// Metadata は付帯情報JSON。
	Metadata string `json:"metadata"`
	// CreatedAt は記録日時。
	CreatedAt string `json:"created_at"`
}

// handleListUserEvents はユーザーのイベント履歴取得を処理するハンドラを返す。
func (s *Server) handleListUserEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := s.getScopedUser(c)
		if !ok {
			return
		}

		events, err := s.queries.ListEventsByUser(c.Request.Context(), user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベント履歴の取得に失敗しました"})
			log.Printf("イベント履歴取得エラー: %v", err)
			return
		}

		responses := make([]userEventResponse, 0, len(events))
		for _, e := range events {
			responses = append(responses, userEventResponse{
				ID:               e.ID,
				NotificationID:   e.NotificationID,
				NotificationType: e.NotificationType,
				EventType:        e.EventType,
				Metadata:         e.Metadata,
				CreatedAt:        formatTime(e.CreatedAt),
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleDeleteUser はユーザー削除を処理するハンドラを返す。
// 進捗レコードは外部キー制約により連鎖削除される。
func (s *Server) handleDeleteUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := s.getScopedUser(c)
		if !ok {
			return
		}

		if err := s.queries.DeleteUser(c.Request.Context(), user.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの削除に失敗しました"})
			log.Printf("ユーザー削除エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "ユーザーを削除しました"})
	}
}
