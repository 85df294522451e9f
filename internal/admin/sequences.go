package admin

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pushdock/pushdock/internal/delay"
	"github.com/pushdock/pushdock/internal/store"
)

// sequenceStepRequest はステップ1件分の作成リクエストのJSON構造。
type sequenceStepRequest struct {
	// StepOrder はシーケンス内の1始まりの順序。
	StepOrder int64 `json:"step_order" binding:"required"`
	// Title は通知タイトル。
	Title string `json:"title" binding:"required"`
	// Body は通知本文。
	Body string `json:"body" binding:"required"`
	// URL はクリック時の遷移先。省略可。
	URL string `json:"url"`
	// DelayType は遅延種別（immediate / minutes / hours / days / scheduled）。
	DelayType string `json:"delay_type" binding:"required"`
	// DelayValue は遅延量。
	DelayValue int64 `json:"delay_value"`
	// ScheduledTime はdelay_type=scheduled時の壁時計時刻（HH:MM:SS）。
	ScheduledTime string `json:"scheduled_time"`
}

// createSequenceRequest はシーケンス作成リクエストのJSON構造。
type createSequenceRequest struct {
	// Name はシーケンス名。
	Name string `json:"name" binding:"required"`
	// Description は説明。省略可。
	Description string `json:"description"`
	// IsActive は有効フラグ。省略時はtrue。
	IsActive *bool `json:"is_active"`
	// Steps はシーケンスを構成するステップの一覧。
	Steps []sequenceStepRequest `json:"steps" binding:"required"`
}

// sequenceStepResponse はステップのJSONレスポンス構造。
type sequenceStepResponse struct {
	// ID はステップの一意識別子。
	ID string `json:"id"`
	// StepOrder はシーケンス内の順序。
	StepOrder int64 `json:"step_order"`
	// Title は通知タイトル。
	Title string `json:"title"`
	// Body は通知本文。
	Body string `json:"body"`
	// URL はクリック時の遷移先。
	URL string `json:"url"`
	// DelayType は遅延種別。
	DelayType string `json:"delay_type"`
	// DelayValue は遅延量。
	DelayValue int64 `json:"delay_value"`
	// ScheduledTime はscheduled時の壁時計時刻。
	ScheduledTime string `json:"scheduled_time,omitempty"`
}

// sequenceResponse はシーケンスのJSONレスポンス構造。
type sequenceResponse struct {
	// ID はシーケンスの一意識別子。
	ID string `json:"id"`
	// TenantID は所属テナントのID。空文字列はグローバルを表す。
	TenantID string `json:"tenant_id"`
	// Name はシーケンス名。
	Name string `json:"name"`
	// Description は説明。
	Description string `json:"description"`
	// IsActive は有効フラグ。
	IsActive bool `json:"is_active"`
	// Steps はシーケンスを構成するステップの一覧。
	Steps []sequenceStepResponse `json:"steps"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
}

// toSequenceResponse はDB行とステップ一覧をJSONレスポンスに変換する。
func toSequenceResponse(seq store.StepSequence, steps []store.StepNotification) sequenceResponse {
	stepResponses := make([]sequenceStepResponse, 0, len(steps))
	for _, step := range steps {
		stepResponses = append(stepResponses, sequenceStepResponse{
			ID:            step.ID,
			StepOrder:     step.StepOrder,
			Title:         step.Title,
			Body:          step.Body,
			URL:           step.URL,
			DelayType:     step.DelayType,
			DelayValue:    step.DelayValue,
			ScheduledTime: step.ScheduledTime.String,
		})
	}
	return sequenceResponse{
		ID:          seq.ID,
		TenantID:    seq.TenantID.String,
		Name:        seq.Name,
		Description: seq.Description,
		IsActive:    seq.IsActive,
		Steps:       stepResponses,
		CreatedAt:   formatTime(seq.CreatedAt),
	}
}

// validateSteps はステップ定義の境界バリデーションを行う。
func validateSteps(steps []sequenceStepRequest) error {
	if len(steps) == 0 {
		return fmt.Errorf("ステップが1件もありません")
	}
	for _, step := range steps {
		if step.StepOrder < 1 {
			return fmt.Errorf("step_orderは1以上を指定してください")
		}
		if err := validateContent(step.Title, step.Body, step.URL); err != nil {
			return fmt.Errorf("ステップ%d: %w", step.StepOrder, err)
		}
		spec := delay.Spec{
			Type:          delay.Type(step.DelayType),
			Value:         step.DelayValue,
			ScheduledTime: step.ScheduledTime,
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("ステップ%d: %w", step.StepOrder, err)
		}
	}
	return nil
}

// handleListSequences はシーケンス一覧取得を処理するハンドラを返す。
// テナントスコープの場合は自テナントとグローバルの両方を含む。
func (s *Server) handleListSequences() gin.HandlerFunc {
	return func(c *gin.Context) {
		sequences, err := s.queries.ListSequences(c.Request.Context(), tenantScope(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "シーケンス一覧の取得に失敗しました"})
			log.Printf("シーケンス一覧取得エラー: %v", err)
			return
		}

		responses := make([]sequenceResponse, 0, len(sequences))
		for _, seq := range sequences {
			steps, err := s.queries.ListSteps(c.Request.Context(), seq.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "ステップ一覧の取得に失敗しました"})
				log.Printf("ステップ一覧取得エラー: %v", err)
				return
			}
			responses = append(responses, toSequenceResponse(seq, steps))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCreateSequence はシーケンスとステップの一括作成を処理するハンドラを返す。
// ステップの挿入に失敗した場合はシーケンス本体ごと補償削除され、
// 部分的に作成された状態は残らない。
func (s *Server) handleCreateSequence() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSequenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := validateSteps(req.Steps); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		isActive := true
		if req.IsActive != nil {
			isActive = *req.IsActive
		}

		steps := make([]store.CreateStepParams, 0, len(req.Steps))
		for _, step := range req.Steps {
			steps = append(steps, store.CreateStepParams{
				ID:            uuid.NewString(),
				StepOrder:     step.StepOrder,
				Title:         step.Title,
				Body:          step.Body,
				URL:           step.URL,
				DelayType:     step.DelayType,
				DelayValue:    step.DelayValue,
				ScheduledTime: sql.NullString{String: step.ScheduledTime, Valid: step.ScheduledTime != ""},
			})
		}

		id := uuid.NewString()
		err := s.queries.CreateSequenceWithSteps(c.Request.Context(), store.CreateSequenceParams{
			ID:          id,
			TenantID:    tenantScope(c),
			Name:        req.Name,
			Description: req.Description,
			IsActive:    isActive,
			CreatedAt:   s.now(),
		}, steps)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "シーケンスの作成に失敗しました"})
			log.Printf("シーケンス作成エラー: %v", err)
			return
		}

		created, err := s.queries.GetSequence(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "作成したシーケンスの取得に失敗しました"})
			log.Printf("シーケンス取得エラー: %v", err)
			return
		}
		createdSteps, err := s.queries.ListSteps(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ステップ一覧の取得に失敗しました"})
			log.Printf("ステップ一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toSequenceResponse(created, createdSteps))
	}
}

// getScopedSequence はシーケンスを取得し、管理者のテナントスコープを検査する。
// グローバルシーケンスは運営者のみが変更できる。
// 取得できない場合はレスポンスを書き込み済みでfalseを返す。
func (s *Server) getScopedSequence(c *gin.Context) (store.StepSequence, bool) {
	seq, err := s.queries.GetSequence(c.Request.Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "シーケンスが見つかりません"})
		return store.StepSequence{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "シーケンスの取得に失敗しました"})
		log.Printf("シーケンス取得エラー: %v", err)
		return store.StepSequence{}, false
	}

	scope := tenantScope(c)
	if scope.Valid && seq.TenantID.String != scope.String {
		c.JSON(http.StatusForbidden, gin.H{"error": "このシーケンスへのアクセス権がありません"})
		return store.StepSequence{}, false
	}
	return seq, true
}

// handleGetSequence はシーケンス詳細取得を処理するハンドラを返す。
func (s *Server) handleGetSequence() gin.HandlerFunc {
	return func(c *gin.Context) {
		seq, ok := s.getScopedSequence(c)
		if !ok {
			return
		}

		steps, err := s.queries.ListSteps(c.Request.Context(), seq.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ステップ一覧の取得に失敗しました"})
			log.Printf("ステップ一覧取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, toSequenceResponse(seq, steps))
	}
}

// handleToggleSequence はシーケンスの有効フラグ切り替えを処理するハンドラを返す。
// 無効化されたシーケンスの進捗はスキャンから外れ、再有効化で再開する。
func (s *Server) handleToggleSequence() gin.HandlerFunc {
	return func(c *gin.Context) {
		seq, ok := s.getScopedSequence(c)
		if !ok {
			return
		}

		err := s.queries.SetSequenceActive(c.Request.Context(), store.SetSequenceActiveParams{
			IsActive:  !seq.IsActive,
			UpdatedAt: s.now(),
			ID:        seq.ID,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "有効フラグの更新に失敗しました"})
			log.Printf("有効フラグ更新エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"id": seq.ID, "is_active": !seq.IsActive})
	}
}

// handleDeleteSequence はシーケンス削除を処理するハンドラを返す。
// ステップと進捗レコードは外部キー制約により連鎖削除される。
func (s *Server) handleDeleteSequence() gin.HandlerFunc {
	return func(c *gin.Context) {
		seq, ok := s.getScopedSequence(c)
		if !ok {
			return
		}

		if err := s.queries.DeleteSequence(c.Request.Context(), seq.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "シーケンスの削除に失敗しました"})
			log.Printf("シーケンス削除エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "シーケンスを削除しました"})
	}
}

// sequenceStatusResponse はシーケンスの配信状況のJSONレスポンス構造。
type sequenceStatusResponse struct {
	// ID はシーケンスの一意識別子。
	ID string `json:"id"`
	// Name はシーケンス名。
	Name string `json:"name"`
	// IsActive は有効フラグ。
	IsActive bool `json:"is_active"`
	// Overdue は配信予定時刻を過ぎている未完了の進捗数。
	Overdue int `json:"overdue"`
	// Upcoming は配信待ちの未完了の進捗数。
	Upcoming int `json:"upcoming"`
	// Completed は完了済みの進捗数。
	Completed int64 `json:"completed"`
}

// handleSequenceStatus は全シーケンスの配信状況の概観を返すハンドラを返す。
// 運用時にスキャンの滞留を確認するために使用する。
func (s *Server) handleSequenceStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		sequences, err := s.queries.ListSequences(c.Request.Context(), tenantScope(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "シーケンス一覧の取得に失敗しました"})
			log.Printf("シーケンス一覧取得エラー: %v", err)
			return
		}

		now := s.now()
		responses := make([]sequenceStatusResponse, 0, len(sequences))
		for _, seq := range sequences {
			pending, err := s.queries.ListPendingProgress(c.Request.Context(), seq.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "進捗一覧の取得に失敗しました"})
				log.Printf("進捗一覧取得エラー: %v", err)
				return
			}
			completed, err := s.queries.CountCompletedProgress(c.Request.Context(), seq.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "完了数の取得に失敗しました"})
				log.Printf("完了数取得エラー: %v", err)
				return
			}

			status := sequenceStatusResponse{
				ID:        seq.ID,
				Name:      seq.Name,
				IsActive:  seq.IsActive,
				Completed: completed,
			}
			for _, p := range pending {
				if p.NextNotificationAt.After(now) {
					status.Upcoming++
				} else {
					status.Overdue++
				}
			}
			responses = append(responses, status)
		}
		c.JSON(http.StatusOK, responses)
	}
}
