// Package admin は管理APIのHTTPサーバーを実装する。
//
// 購読登録・トラッキングの公開エンドポイント、JWT認証付きの管理
// エンドポイント、共有シークレット認証のcronトリガーエンドポイントを
// 1つのサーバーに集約する。配信エンジンはここでは構築済みのものを
// 保持するだけで、配信ロジック自体はinternal/progressと
// internal/broadcastに委譲する。
package admin

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pushdock/pushdock/internal/broadcast"
	"github.com/pushdock/pushdock/internal/progress"
	"github.com/pushdock/pushdock/internal/push"
	"github.com/pushdock/pushdock/internal/stats"
	"github.com/pushdock/pushdock/internal/store"
	"github.com/pushdock/pushdock/pkg/middleware"
)

// Server は管理APIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// queries はストアへのクエリ実行オブジェクト。
	queries *store.Queries
	// progress はステップ配信エンジン。
	progress *progress.Engine
	// broadcast は一斉配信エンジン。
	broadcast *broadcast.Engine
	// stats はイベント記録と統計集計を行う集計器。
	stats *stats.Aggregator
	// jwtSecret はJWT検証用のシークレット。
	jwtSecret string
	// cronSecret はcronエンドポイントの共有シークレット。
	cronSecret string
	// corsOrigins はCORSで許可するオリジンの一覧。
	corsOrigins []string
	// now は現在時刻の供給源。テストで固定する。
	now func() time.Time
}

// NewServer は新しい管理APIサーバーを生成する。
// SQLiteデータベースの初期化とWeb Push送信クライアントの構築を行う。
func NewServer(port string) (*Server, error) {
	sqlDB, err := store.Open(getEnvOr("DB_PATH", "/data/pushdock.db"))
	if err != nil {
		return nil, fmt.Errorf("データベースの初期化に失敗: %w", err)
	}

	sender, err := push.NewWebPushSender(
		os.Getenv("VAPID_SUBSCRIBER_EMAIL"),
		os.Getenv("VAPID_PUBLIC_KEY"),
		os.Getenv("VAPID_PRIVATE_KEY"),
	)
	if err != nil {
		return nil, fmt.Errorf("Web Push送信クライアントの構築に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	queries := store.New(sqlDB)
	aggregator := stats.NewAggregator(queries)

	s := &Server{
		router:      router,
		port:        port,
		db:          sqlDB,
		queries:     queries,
		progress:    progress.NewEngine(queries, sender),
		broadcast:   broadcast.NewEngine(queries, sender, aggregator),
		stats:       aggregator,
		jwtSecret:   getEnvOr("JWT_SECRET", "dev-secret-key"),
		cronSecret:  os.Getenv("CRON_SECRET"),
		corsOrigins: strings.Split(getEnvOr("CORS_ORIGINS", "http://localhost:3000"), ","),
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ブラウザから直接呼ばれる公開エンドポイント
	public := s.router.Group("/api/v1")
	public.Use(middleware.CORS(s.corsOrigins))
	{
		// プッシュ購読の登録
		public.POST("/register", s.handleRegister())
		// トラッキングイベントの記録
		public.POST("/track", s.handleTrack())
	}

	// 管理画面向けのJWT認証付きエンドポイント
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	{
		tenants := api.Group("/tenants")
		{
			tenants.GET("", s.handleListTenants())
			tenants.POST("", s.handleCreateTenant())
			tenants.GET("/:id", s.handleGetTenant())
		}

		users := api.Group("/users")
		{
			users.GET("", s.handleListUsers())
			users.GET("/:id", s.handleGetUser())
			users.GET("/:id/events", s.handleListUserEvents())
			users.DELETE("/:id", s.handleDeleteUser())
		}

		notifications := api.Group("/notifications")
		{
			notifications.POST("", s.handleCreateNotification())
			notifications.GET("", s.handleListNotifications())
			notifications.GET("/:id", s.handleGetNotification())
			notifications.POST("/:id/send", s.handleSendNotification())
			notifications.DELETE("/:id", s.handleDeleteNotification())
		}

		segments := api.Group("/segments")
		{
			segments.GET("", s.handleListSegments())
			segments.POST("", s.handleCreateSegment())
			segments.POST("/preview", s.handleSegmentPreview())
			segments.DELETE("/:id", s.handleDeleteSegment())
		}

		sequences := api.Group("/step-sequences")
		{
			sequences.GET("", s.handleListSequences())
			sequences.POST("", s.handleCreateSequence())
			sequences.GET("/status", s.handleSequenceStatus())
			sequences.GET("/:id", s.handleGetSequence())
			sequences.POST("/:id/toggle", s.handleToggleSequence())
			sequences.DELETE("/:id", s.handleDeleteSequence())
		}
	}

	// 外部スケジューラから呼ばれるcronトリガー
	cron := s.router.Group("/api/v1/cron")
	cron.Use(middleware.CronAuth(s.cronSecret))
	{
		cron.POST("/step-notifications", s.handleCronStepNotifications())
		cron.POST("/send-scheduled", s.handleCronSendScheduled())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "admin"})
	})
}

// tenantScope はJWTクレームから管理者のテナントスコープを返す。
// 無効値は全テナントを操作できる運営者を表す。
func tenantScope(c *gin.Context) sql.NullString {
	id := middleware.GetTenantID(c)
	return sql.NullString{String: id, Valid: id != ""}
}

// formatTime はレスポンス用の日時表現へ変換する。
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// getEnvOr は環境変数を取得し、未設定の場合はフォールバック値を返す。
func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
