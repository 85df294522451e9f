package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// 管理者の識別情報とテナントスコープをリクエスト間で伝播するために使用する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// AdminID は認証済み管理者の一意識別子。
	AdminID string `json:"admin_id"`
	// Email は管理者のメールアドレス。
	Email string `json:"email"`
	// TenantID は管理者が操作できるテナント。空文字列は全テナント（運営者）を表す。
	TenantID string `json:"tenant_id"`
}

// GenerateJWT は管理者情報からJWTトークンを生成する。
func GenerateJWT(secret, adminID, email, tenantID string) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "pushdock-admin",
		},
		AdminID:  adminID,
		Email:    email,
		TenantID: tenantID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "admin_id" と "tenant_id" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set("admin_id", claims.AdminID)
		c.Set("email", claims.Email)
		c.Set("tenant_id", claims.TenantID)
		c.Next()
	}
}

// GetAdminID はGinコンテキストから管理者IDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetAdminID(c *gin.Context) string {
	adminID, _ := c.Get("admin_id")
	if id, ok := adminID.(string); ok {
		return id
	}
	return ""
}

// GetTenantID はGinコンテキストからテナントIDを取得する。
// 空文字列は全テナントを操作できる運営者を表す。
func GetTenantID(c *gin.Context) string {
	tenantID, _ := c.Get("tenant_id")
	if id, ok := tenantID.(string); ok {
		return id
	}
	return ""
}

// CronAuth はcronエンドポイント用の共有シークレット検証ミドルウェアを返す。
// 外部スケジューラからの定期実行リクエストのみを通す。
// secretが空の場合は認証をスキップする（ローカル開発用）。
func CronAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || token != secret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "cronシークレットが不正です",
			})
			return
		}
		c.Next()
	}
}
