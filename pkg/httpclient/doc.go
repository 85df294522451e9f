// Package httpclient は管理APIへのHTTP通信を行うクライアントを提供する。
//
// スケジューラが配信エンジンのcronエンドポイントを定期的に呼び出す際に
// 使用する。タイムアウトと認証トークンの伝播を統一する。
package httpclient
