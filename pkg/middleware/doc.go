// Package middleware は管理APIで使用するGinミドルウェアを提供する。
//
// 管理者JWTの発行と検証、cronトリガー用の共有シークレット認証、
// 購読登録ページ向けのCORS設定、パニックリカバリを含む。
package middleware
