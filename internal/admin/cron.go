package admin

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleCronStepNotifications はステップ配信スキャンのcronトリガーを処理する
// ハンドラを返す。tenant_idクエリパラメータで1テナントに限定できる。
// スキャン自体の失敗のみが500になり、個々の配信失敗は結果の集計に含まれる。
func (s *Server) handleCronStepNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Query("tenant_id")
		scope := sql.NullString{String: tenantID, Valid: tenantID != ""}

		result, err := s.progress.RunScan(c.Request.Context(), scope)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信スキャンに失敗しました"})
			log.Printf("[StepCron] スキャンエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"processed": result.Processed,
			"delivered": result.Delivered,
			"failed":    result.Failed,
			"completed": result.Completed,
		})
	}
}

// handleCronSendScheduled はスケジュール通知スイープのcronトリガーを処理する
// ハンドラを返す。
func (s *Server) handleCronSendScheduled() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.broadcast.RunSweep(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知スイープに失敗しました"})
			log.Printf("[ScheduledCron] スイープエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"swept":  result.Swept,
			"sent":   result.Sent,
			"failed": result.Failed,
		})
	}
}
