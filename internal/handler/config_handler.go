package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowdevkit/flowdevkit/internal/middleware"
)

// AppConfig はフロントエンドに公開するアプリケーション設定。
// ウォレット選択画面はブラウザ側で開くため、discoveryの各URLと計算量上限もここで渡す。
type AppConfig struct {
	AppTitle        string            `json:"appTitle"`
	AppIcon         string            `json:"appIcon,omitempty"`
	Network         string            `json:"network"`
	AccessNode      string            `json:"accessNode"`
	WalletDiscovery string            `json:"walletDiscovery"`
	DiscoveryAuthn  string            `json:"discoveryAuthn"`
	ComputeLimit    int               `json:"computeLimit"`
	Contracts       map[string]string `json:"contracts"`
}

// GetConfig はアプリケーション設定を返すハンドラーを生成する。
// GET /api/config
func GetConfig(cfg AppConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, cfg)
	}
}

// HealthChecker はデータベースの疎通確認のインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Health はヘルスチェックのハンドラーを生成する。
// GET /health
// checkerがnilの場合（インメモリストレージ）はプロセスの生存のみを示す。
func Health(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
