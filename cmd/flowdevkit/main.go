// Command flowdevkit はFlowウォレットのセッション管理APIを提供する。
//
//	flowdevkit [serve]            APIサーバーを起動する
//	flowdevkit worker             期限切れセッションの削除ジョブを実行する
//	flowdevkit migrate [up|down [N]|version]
//	flowdevkit healthcheck        /healthを確認する（Dockerヘルスチェック用）
package main

import (
	"log/slog"
	"os"

	"github.com/flowdevkit/flowdevkit/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("application exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
