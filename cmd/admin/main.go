// 管理APIサービスのエントリポイント。
// プッシュ購読の登録、テナント・ユーザー・通知・セグメント・
// ステップシーケンスの管理、cronトリガーの受け付けを担当する。
package main

import (
	"log"
	"os"

	"github.com/pushdock/pushdock/internal/admin"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server, err := admin.NewServer(port)
	if err != nil {
		log.Fatalf("管理サーバーの初期化に失敗: %v", err)
	}

	log.Printf("管理APIサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("管理APIサービスの起動に失敗: %v", err)
	}
}
