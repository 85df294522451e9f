package admin

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pushdock/pushdock/internal/broadcast"
	"github.com/pushdock/pushdock/internal/store"
)

// createSegmentRequest はセグメント作成リクエストのJSON構造。
type createSegmentRequest struct {
	// Name はセグメント名。
	Name string `json:"name" binding:"required"`
	// Description は説明。省略可。
	Description string `json:"description"`
	// FilterConditions はフィルタ条件JSON。
	FilterConditions json.RawMessage `json:"filter_conditions" binding:"required"`
}

// segmentResponse はセグメントのJSONレスポンス構造。
type segmentResponse struct {
	// ID はセグメントの一意識別子。
	ID string `json:"id"`
	// TenantID は所属テナントのID。
	TenantID string `json:"tenant_id"`
	// Name はセグメント名。
	Name string `json:"name"`
	// Description は説明。
	Description string `json:"description"`
	// FilterConditions はフィルタ条件JSON。
	FilterConditions string `json:"filter_conditions"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
}

// toSegmentResponse はDB行をJSONレスポンスに変換する。
func toSegmentResponse(seg store.UserSegment) segmentResponse {
	return segmentResponse{
		ID:               seg.ID,
		TenantID:         seg.TenantID.String,
		Name:             seg.Name,
		Description:      seg.Description,
		FilterConditions: seg.FilterConditions,
		CreatedAt:        formatTime(seg.CreatedAt),
	}
}

// handleListSegments はセグメント一覧取得を処理するハンドラを返す。
func (s *Server) handleListSegments() gin.HandlerFunc {
	return func(c *gin.Context) {
		segments, err := s.queries.ListSegments(c.Request.Context(), tenantScope(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セグメント一覧の取得に失敗しました"})
			log.Printf("セグメント一覧取得エラー: %v", err)
			return
		}

		responses := make([]segmentResponse, 0, len(segments))
		for _, seg := range segments {
			responses = append(responses, toSegmentResponse(seg))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCreateSegment はセグメント作成を処理するハンドラを返す。
// フィルタ条件は保存時には検証しない。評価時に解釈できない条件は
// 無視される（絞り込みなしに縮退する）。
func (s *Server) handleCreateSegment() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSegmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		id := uuid.NewString()
		err := s.queries.CreateSegment(c.Request.Context(), store.CreateSegmentParams{
			ID:               id,
			TenantID:         tenantScope(c),
			Name:             req.Name,
			Description:      req.Description,
			FilterConditions: string(req.FilterConditions),
			CreatedAt:        s.now(),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セグメントの作成に失敗しました"})
			log.Printf("セグメント作成エラー: %v", err)
			return
		}

		created, err := s.queries.GetSegment(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "作成したセグメントの取得に失敗しました"})
			log.Printf("セグメント取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toSegmentResponse(created))
	}
}

// segmentPreviewRequest はセグメントプレビューリクエストのJSON構造。
type segmentPreviewRequest struct {
	// FilterConditions は評価するフィルタ条件JSON。
	FilterConditions json.RawMessage `json:"filter_conditions" binding:"required"`
}

// handleSegmentPreview はフィルタ条件に一致するユーザー数の見積もりを返す
// ハンドラを返す。セグメントを保存する前の動作確認に使用する。
func (s *Server) handleSegmentPreview() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req segmentPreviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		count, err := s.broadcast.EstimateTargetCount(c.Request.Context(), broadcast.Target{
			Type:       string(store.TargetCustomFilter),
			TenantID:   tenantScope(c),
			FilterJSON: string(req.FilterConditions),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "対象ユーザー数の見積もりに失敗しました"})
			log.Printf("セグメントプレビューエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleDeleteSegment はセグメント削除を処理するハンドラを返す。
// このセグメントを参照する未送信通知は対象0件として配信される。
func (s *Server) handleDeleteSegment() gin.HandlerFunc {
	return func(c *gin.Context) {
		seg, err := s.queries.GetSegment(c.Request.Context(), c.Param("id"))
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "セグメントが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セグメントの取得に失敗しました"})
			log.Printf("セグメント取得エラー: %v", err)
			return
		}

		scope := tenantScope(c)
		if scope.Valid && seg.TenantID.String != scope.String {
			c.JSON(http.StatusForbidden, gin.H{"error": "このセグメントへのアクセス権がありません"})
			return
		}

		if err := s.queries.DeleteSegment(c.Request.Context(), seg.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セグメントの削除に失敗しました"})
			log.Printf("セグメント削除エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "セグメントを削除しました"})
	}
}
