// Package store はSQLiteによる永続化層を提供する。
//
// スキーマは埋め込みマイグレーションで管理し、クエリはQueriesオブジェクトの
// メソッドとして提供する。各メソッドは単一行のupsert/updateであり、
// 複数行にまたがるトランザクションはシーケンス作成の補償削除を除き持たない。
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pushdock/pushdock/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open はSQLiteデータベースを開き、マイグレーションを適用する。
// dsnには ":memory:"（テスト用）またはファイルパスを指定する。
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	// SQLiteは単一ライターのため接続を1本に固定する。
	// インメモリDBが接続ごとに分離される問題もこれで回避できる。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("外部キー制約の有効化に失敗: %w", err)
	}

	if err := migration.Run(db, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}

	return db, nil
}

// DBTX はクエリ実行に必要なデータベース操作の抽象。
// *sql.DBと*sql.Txの両方が満たす。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries はストアに対するクエリ実行オブジェクト。
type Queries struct {
	db DBTX
}

// New は新しいクエリ実行オブジェクトを生成する。
func New(db DBTX) *Queries {
	return &Queries{db: db}
}
