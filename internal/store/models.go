package store

import (
	"database/sql"
	"time"
)

// NotificationType は通知の種別を表す。
type NotificationType string

const (
	// NotificationTypeScheduled は一回限りのスケジュール通知を表す。
	NotificationTypeScheduled NotificationType = "scheduled"
	// NotificationTypeStep はステップ配信の通知を表す。
	NotificationTypeStep NotificationType = "step"
)

// EventType はトラッキングイベントの種別を表す。
type EventType string

const (
	// EventSent は通知の送信を表す。
	EventSent EventType = "sent"
	// EventDelivered は通知の端末到達を表す。
	EventDelivered EventType = "delivered"
	// EventOpen は通知の開封を表す。
	EventOpen EventType = "open"
	// EventClick は通知のクリックを表す。
	EventClick EventType = "click"
	// EventDismiss は通知の非表示操作を表す。
	EventDismiss EventType = "dismiss"
)

// TargetType は一斉配信の対象選択方法を表す。
type TargetType string

const (
	// TargetAll はテナント内全ユーザーへの配信を表す。
	TargetAll TargetType = "all"
	// TargetSegment は保存済みセグメントへの配信を表す。
	TargetSegment TargetType = "segment"
	// TargetCustomFilter はアドホックなフィルタ条件への配信を表す。
	TargetCustomFilter TargetType = "custom_filter"
)

// NotificationStatus はスケジュール通知の状態を表す。
type NotificationStatus string

const (
	// StatusScheduled は配信待ちを表す。
	StatusScheduled NotificationStatus = "scheduled"
	// StatusSent は配信完了（1件以上成功、または対象0件）を表す。
	StatusSent NotificationStatus = "sent"
	// StatusFailed は対象が存在したが全件失敗したことを表す。
	StatusFailed NotificationStatus = "failed"
)

// Tenant はテナント（契約顧客）を表す。
type Tenant struct {
	// ID はテナントの一意識別子。
	ID string
	// Name はテナント名。
	Name string
	// Plan は契約プラン。
	Plan string
	// Status はテナントの状態。
	Status string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// User はプッシュ購読1件を持つユーザーを表す。
type User struct {
	// ID はユーザーの一意識別子。
	ID string
	// TenantID は所属テナント。未割当の場合は無効値。
	TenantID sql.NullString
	// Endpoint はプッシュサービスのエンドポイントURL。
	Endpoint string
	// Subscription は文字列エンコードされたサブスクリプションJSON。
	Subscription string
	// DeviceType はエンドポイントから推定したデバイス系統。
	DeviceType string
	// Browser はブラウザ名（ベストエフォート）。
	Browser string
	// EngagementScore はエンゲージメントスコア。
	EngagementScore int64
	// CreatedAt は登録日時。
	CreatedAt time.Time
}

// StepSequence はステップ配信のシーケンス（ドリップキャンペーン）を表す。
type StepSequence struct {
	// ID はシーケンスの一意識別子。
	ID string
	// TenantID は所属テナント。無効値はグローバルを表す。
	TenantID sql.NullString
	// Name はシーケンス名。
	Name string
	// Description は説明。
	Description string
	// IsActive は有効フラグ。
	IsActive bool
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// StepNotification はシーケンス内の1ステップ分の通知を表す。
type StepNotification struct {
	// ID はステップの一意識別子。
	ID string
	// SequenceID は所属シーケンス。
	SequenceID string
	// StepOrder はシーケンス内の1始まりの順序。
	StepOrder int64
	// Title は通知タイトル。
	Title string
	// Body は通知本文。
	Body string
	// URL はクリック時の遷移先。
	URL string
	// DelayType は遅延種別。
	DelayType string
	// DelayValue は遅延量。
	DelayValue int64
	// ScheduledTime はscheduled時の壁時計時刻。
	ScheduledTime sql.NullString
}

// UserStepProgress はユーザー×シーケンスごとの進捗状態を表す。
// 配信エンジンが進めるただ一つの可変状態である。
type UserStepProgress struct {
	// ID は進捗レコードの一意識別子。
	ID string
	// UserID は対象ユーザー。
	UserID string
	// SequenceID は対象シーケンス。
	SequenceID string
	// CurrentStep は配信済みの最終ステップ番号。0は未開始。
	CurrentStep int64
	// NextNotificationAt は次回配信予定時刻。
	NextNotificationAt time.Time
	// Completed は完了フラグ。trueは終端状態。
	Completed bool
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// DueProgress は配信スキャンで選択された進捗レコードと、
// 配信に必要なユーザー情報を結合した行を表す。
type DueProgress struct {
	// ID は進捗レコードの一意識別子。
	ID string
	// UserID は対象ユーザー。
	UserID string
	// SequenceID は対象シーケンス。
	SequenceID string
	// CurrentStep は配信済みの最終ステップ番号。
	CurrentStep int64
	// NextNotificationAt は次回配信予定時刻。
	NextNotificationAt time.Time
	// Subscription はユーザーのサブスクリプションJSON。
	Subscription string
}

// StepNotificationLog はステップ配信試行1件の監査ログを表す。追記専用。
type StepNotificationLog struct {
	// ID はログの一意識別子。
	ID string
	// UserID は対象ユーザー。
	UserID string
	// SequenceID は対象シーケンス。
	SequenceID string
	// StepOrder は配信を試行したステップ番号。
	StepOrder int64
	// Success は配信成否。
	Success bool
	// ErrorMessage は失敗時のエラー内容。
	ErrorMessage string
	// CreatedAt は記録日時。
	CreatedAt time.Time
}

// Notification は一回限りのスケジュール通知を表す。
type Notification struct {
	// ID は通知の一意識別子。
	ID string
	// TenantID は所属テナント。
	TenantID sql.NullString
	// Title は通知タイトル。
	Title string
	// Body は通知本文。
	Body string
	// URL はクリック時の遷移先。
	URL string
	// SendAt は配信予定時刻。
	SendAt time.Time
	// TargetType は配信対象の種別。
	TargetType string
	// TargetSegmentID はsegment時の対象セグメント。
	TargetSegmentID sql.NullString
	// TargetFilter はcustom_filter時のフィルタ条件JSON。
	TargetFilter sql.NullString
	// TargetUserCount は作成時点の対象ユーザー数見積もり。
	TargetUserCount int64
	// Sent は送信済みフラグ。
	Sent bool
	// Status は配信状態。
	Status string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// NotificationEvent はトラッキングイベント1件を表す。追記専用。
type NotificationEvent struct {
	// ID はイベントの一意識別子。
	ID string
	// NotificationID は対象通知のID。
	NotificationID string
	// NotificationType は通知の種別。
	NotificationType string
	// UserID はイベントを発生させたユーザー。不明な場合は無効値。
	UserID sql.NullString
	// EventType はイベント種別。
	EventType string
	// Metadata は付帯情報JSON。
	Metadata string
	// CreatedAt は記録日時。
	CreatedAt time.Time
}

// NotificationStats は通知ごとの非正規化された集計カウンタを表す。
// イベントログから常に再計算可能であり、破棄して再構築してよい。
type NotificationStats struct {
	// NotificationID は対象通知のID。
	NotificationID string
	// NotificationType は通知の種別。
	NotificationType string
	// TenantID は所属テナント。
	TenantID sql.NullString
	// TotalSent は送信イベント数。
	TotalSent int64
	// TotalDelivered は到達イベント数。
	TotalDelivered int64
	// TotalOpened は開封イベント数。
	TotalOpened int64
	// TotalClicked はクリックイベント数。
	TotalClicked int64
	// TotalDismissed は非表示イベント数。
	TotalDismissed int64
	// OpenRate は開封率（%）。
	OpenRate float64
	// CTR はクリック率（%）。
	CTR float64
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// UserSegment は再利用可能なフィルタ条件セットを表す。
type UserSegment struct {
	// ID はセグメントの一意識別子。
	ID string
	// TenantID は所属テナント。
	TenantID sql.NullString
	// Name はセグメント名。
	Name string
	// Description は説明。
	Description string
	// FilterConditions はフィルタ条件JSON。
	FilterConditions string
	// CreatedAt は作成日時。
	CreatedAt time.Time
}
