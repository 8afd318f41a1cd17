// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

// WalletSessionRepository はウォレットプロバイダーの現在のユーザーの永続化インターフェース。
// スコープ（アプリケーションごとのキー）につき1件のレコードを保持する。
type WalletSessionRepository interface {
	// Load はスコープのユーザーを取得する。存在しない場合や期限切れの場合はnilを返す。
	Load(ctx context.Context, scope string) (*model.CurrentUser, error)

	// Save はユーザーを保存する。既存のレコードは上書きする。
	Save(ctx context.Context, scope string, user model.CurrentUser) error

	// Clear はスコープのユーザーを削除する。存在しない場合もエラーにしない。
	Clear(ctx context.Context, scope string) error

	// DeleteExpired は期限切れのレコードを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
