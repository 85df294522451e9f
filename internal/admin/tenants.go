package admin

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pushdock/pushdock/internal/store"
	"github.com/pushdock/pushdock/pkg/middleware"
)

// createTenantRequest はテナント作成リクエストのJSON構造。
type createTenantRequest struct {
	// Name はテナント名。
	Name string `json:"name" binding:"required"`
	// Plan は契約プラン。省略時はbasic。
	Plan string `json:"plan"`
}

// tenantResponse はテナントのJSONレスポンス構造。
type tenantResponse struct {
	// ID はテナントの一意識別子。
	ID string `json:"id"`
	// Name はテナント名。
	Name string `json:"name"`
	// Plan は契約プラン。
	Plan string `json:"plan"`
	// Status はテナントの状態。
	Status string `json:"status"`
	// UserCount は所属ユーザー数。
	UserCount int64 `json:"user_count"`
	// SentNotificationCount は送信済み通知数。
	SentNotificationCount int64 `json:"sent_notification_count"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
}

// toTenantResponse はDB行と利用状況カウンタをJSONレスポンスに変換する。
func toTenantResponse(t store.Tenant, userCount, sentCount int64) tenantResponse {
	return tenantResponse{
		ID:                    t.ID,
		Name:                  t.Name,
		Plan:                  t.Plan,
		Status:                t.Status,
		UserCount:             userCount,
		SentNotificationCount: sentCount,
		CreatedAt:             formatTime(t.CreatedAt),
	}
}

// tenantWithUsage はテナントの利用状況カウンタを集めてレスポンスを組み立てる。
func (s *Server) tenantWithUsage(c *gin.Context, t store.Tenant) tenantResponse {
	userCount, err := s.queries.CountUsers(c.Request.Context(), sql.NullString{String: t.ID, Valid: true})
	if err != nil {
		log.Printf("ユーザー数の取得エラー: %v", err)
	}
	sentCount, err := s.queries.CountTenantSentNotifications(c.Request.Context(), t.ID)
	if err != nil {
		log.Printf("送信済み通知数の取得エラー: %v", err)
	}
	return toTenantResponse(t, userCount, sentCount)
}

// handleListTenants はテナント一覧取得を処理するハンドラを返す。
// テナントスコープの管理者には自テナントのみを返す。
func (s *Server) handleListTenants() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := tenantScope(c)
		if scope.Valid {
			t, err := s.queries.GetTenant(c.Request.Context(), scope.String)
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusOK, []tenantResponse{})
				return
			}
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "テナントの取得に失敗しました"})
				log.Printf("テナント取得エラー: %v", err)
				return
			}
			c.JSON(http.StatusOK, []tenantResponse{s.tenantWithUsage(c, t)})
			return
		}

		tenants, err := s.queries.ListTenants(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "テナント一覧の取得に失敗しました"})
			log.Printf("テナント一覧取得エラー: %v", err)
			return
		}

		responses := make([]tenantResponse, 0, len(tenants))
		for _, t := range tenants {
			responses = append(responses, s.tenantWithUsage(c, t))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCreateTenant はテナント作成を処理するハンドラを返す。
// 全テナントを操作できる運営者のみが実行できる。
func (s *Server) handleCreateTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if middleware.GetTenantID(c) != "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "テナントの作成には運営者権限が必要です"})
			return
		}

		var req createTenantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		plan := req.Plan
		if plan == "" {
			plan = "basic"
		}

		id := uuid.NewString()
		err := s.queries.CreateTenant(c.Request.Context(), store.CreateTenantParams{
			ID:        id,
			Name:      req.Name,
			Plan:      plan,
			Status:    "active",
			CreatedAt: s.now(),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "テナントの作成に失敗しました"})
			log.Printf("テナント作成エラー: %v", err)
			return
		}

		created, err := s.queries.GetTenant(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "作成したテナントの取得に失敗しました"})
			log.Printf("テナント取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toTenantResponse(created, 0, 0))
	}
}

// handleGetTenant はテナント詳細取得を処理するハンドラを返す。
func (s *Server) handleGetTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("id")

		scope := tenantScope(c)
		if scope.Valid && scope.String != tenantID {
			c.JSON(http.StatusForbidden, gin.H{"error": "このテナントへのアクセス権がありません"})
			return
		}

		t, err := s.queries.GetTenant(c.Request.Context(), tenantID)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "テナントが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "テナントの取得に失敗しました"})
			log.Printf("テナント取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, s.tenantWithUsage(c, t))
	}
}
