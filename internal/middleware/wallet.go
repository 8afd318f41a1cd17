// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// addressContextKey はリクエストコンテキストに接続中のウォレットアドレスを格納するためのキー。
var addressContextKey = contextKey("wallet_address")

// SessionSource は現在のセッションのスナップショットを提供する。session.Managerが実装する。
type SessionSource interface {
	Session() model.Session
}

// NewRequireWalletMiddleware はウォレットが接続済みの場合のみリクエストを通すミドルウェアを返す。
// 接続中のアドレスをリクエストコンテキストに注入する。
// 未接続の場合は401 Unauthorizedを返す。
func NewRequireWalletMiddleware(src SessionSource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := src.Session()
			if !s.IsAuthenticated {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewWalletNotConnectedError())
				return
			}

			ctx := ContextWithAddress(r.Context(), s.Address)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AddressFromContext はリクエストコンテキストからウォレットアドレスを取得する。
// RequireWalletミドルウェアを通過したリクエストでのみ有効。
func AddressFromContext(ctx context.Context) (string, error) {
	addr, ok := ctx.Value(addressContextKey).(string)
	if !ok || addr == "" {
		return "", fmt.Errorf("wallet address not found in context")
	}
	return addr, nil
}

// ContextWithAddress はコンテキストにウォレットアドレスを注入する。
func ContextWithAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, addressContextKey, addr)
}
