// Package subscription はWeb Pushサブスクリプションの解析・検証・分類を提供する。
//
// サブスクリプションはブラウザが発行した不透明なJSONペイロードとして
// 受け取り、文字列エンコードされたJSONとしてストアに保存される。
package subscription

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DeviceType はエンドポイントから推定したデバイス系統を表す。
// 表示用の推定値であり、配信経路の分岐には使用しない。
type DeviceType string

const (
	// DeviceAndroid はFCM経由のAndroid端末を表す。
	DeviceAndroid DeviceType = "Android"
	// DeviceWindows はWNS経由のWindows端末を表す。
	DeviceWindows DeviceType = "Windows"
	// DeviceFirefox はMozilla Push Service経由のFirefoxを表す。
	DeviceFirefox DeviceType = "Firefox"
	// DeviceWeb は上記以外のWebブラウザを表す。
	DeviceWeb DeviceType = "Web"
	// DeviceUnknown は分類できなかったことを表す。
	DeviceUnknown DeviceType = "Unknown"
)

// Keys はWeb Push暗号化キーのペア。値は不透明として扱い、存在のみ検証する。
type Keys struct {
	// P256dh はクライアントの公開鍵。
	P256dh string `json:"p256dh"`
	// Auth は認証シークレット。
	Auth string `json:"auth"`
}

// Subscription はブラウザ/PWAのプッシュ購読を表す。
type Subscription struct {
	// Endpoint はプッシュサービスの配信先URL。購読の一意キーとなる。
	Endpoint string `json:"endpoint"`
	// Keys はペイロード暗号化用のキーペア。
	Keys Keys `json:"keys"`
}

// Parse は文字列エンコードされたJSONペイロードを解析・検証する。
// 解析失敗は回復可能なエラーであり、呼び出し側は配信失敗として数える。
func Parse(raw string) (Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return Subscription{}, fmt.Errorf("サブスクリプションJSONの解析に失敗: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Validate はサブスクリプションの必須項目を検証する。
// endpointは絶対URL、keysは存在のみを要求する。
func (s Subscription) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpointは必須です")
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("endpointが絶対URLではありません: %q", s.Endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpointのスキームが不正です: %q", u.Scheme)
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return fmt.Errorf("keys(p256dh, auth)は必須です")
	}
	return nil
}

// Encode はストア保存用の文字列エンコードJSONへ変換する。
func (s Subscription) Encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("サブスクリプションのシリアライズに失敗: %w", err)
	}
	return string(b), nil
}

// ClassifyDevice はエンドポイントのホスト名から端末系統を推定する。
// 既知のプッシュサービスドメインとの部分一致で判定し、
// 解析不能な場合はDeviceUnknownを返す。
func ClassifyDevice(endpoint string) DeviceType {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return DeviceUnknown
	}

	switch {
	case strings.Contains(u.Host, "fcm.googleapis.com"):
		return DeviceAndroid
	case strings.Contains(u.Host, "wns2"):
		return DeviceWindows
	case strings.Contains(u.Host, "updates.push.services.mozilla.com"):
		return DeviceFirefox
	default:
		return DeviceWeb
	}
}
