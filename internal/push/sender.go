// Package push はプッシュ配信トランスポートの抽象と、そのWeb Push実装を提供する。
//
// 配信エンジンはSenderインターフェースにのみ依存し、具体的なトランスポートは
// 起動時に構築して注入する。遅延初期化されるグローバルなクライアントは持たない。
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/pushdock/pushdock/internal/subscription"
)

// Payload は通知1件分の表示内容を表す。
type Payload struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
	// URL はクリック時の遷移先。
	URL string `json:"url"`
	// Icon は通知アイコンのパス。
	Icon string `json:"icon"`
	// Badge はバッジアイコンのパス。
	Badge string `json:"badge"`
}

// NewPayload は表示内容から配信ペイロードを生成する。
// URLが空の場合はルートパスに縮退する。
func NewPayload(title, body, url string) Payload {
	if url == "" {
		url = "/"
	}
	return Payload{
		Title: title,
		Body:  body,
		URL:   url,
		Icon:  "/icons/icon-192.png",
		Badge: "/icons/icon-192.png",
	}
}

// Sender はプッシュ配信トランスポートの抽象。
type Sender interface {
	// Send はサブスクリプションへペイロードを配信する。
	Send(ctx context.Context, sub subscription.Subscription, payload Payload) error
}

// DeliveryError はトランスポートからの配信失敗を表す。
// StatusCodeが404または410の場合、そのサブスクリプションは恒久的に
// 無効であり削除対象となる。それ以外は一時的な失敗として扱う。
type DeliveryError struct {
	// StatusCode はプッシュサービスが返したHTTPステータスコード。
	StatusCode int
	// Err は元のエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("プッシュ配信に失敗 (status=%d): %v", e.StatusCode, e.Err)
}

// Unwrap はラップされた元のエラーを返す。
func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanent はサブスクリプションの恒久的な無効を示すエラーかを判定する。
func IsPermanent(err error) bool {
	var de *DeliveryError
	if !errors.As(err, &de) {
		return false
	}
	return de.StatusCode == http.StatusNotFound || de.StatusCode == http.StatusGone
}

// WebPushSender はWeb Push(VAPID)によるSender実装。
type WebPushSender struct {
	// subscriber はVAPIDのmailto連絡先。
	subscriber string
	// publicKey はVAPID公開鍵。
	publicKey string
	// privateKey はVAPID秘密鍵。
	privateKey string
	// ttl は通知の有効期間（秒）。
	ttl int
}

// NewWebPushSender はVAPIDキーからWeb Push送信クライアントを生成する。
func NewWebPushSender(subscriberEmail, publicKey, privateKey string) (*WebPushSender, error) {
	if publicKey == "" || privateKey == "" {
		return nil, fmt.Errorf("VAPIDキーが設定されていません")
	}
	if subscriberEmail == "" {
		subscriberEmail = "noreply@example.com"
	}
	return &WebPushSender{
		subscriber: "mailto:" + subscriberEmail,
		publicKey:  publicKey,
		privateKey: privateKey,
		ttl:        86400,
	}, nil
}

// Send はWeb Pushプロトコルで通知を配信する。
// プッシュサービスが2xx以外を返した場合はDeliveryErrorを返す。
func (s *WebPushSender) Send(ctx context.Context, sub subscription.Subscription, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}

	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, wpSub, &webpush.Options{
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             s.ttl,
	})
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("プッシュサービスがエラーを返しました"),
		}
	}
	return nil
}
