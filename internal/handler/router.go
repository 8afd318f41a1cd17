package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowdevkit/flowdevkit/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	// TrustProxy がtrueの場合はX-Forwarded-For等からクライアントIPを決める
	TrustProxy     bool
	StatusRecorder middleware.StatusRecorder

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// ウォレット
	Sessions SessionManager
	Flow     FlowService
	App      AppConfig
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → CSRF → RateLimit(General)
//
// /health と /metrics はCORS以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger,
		middleware.WithSessionSource(deps.Sessions),
		middleware.WithStatusRecorder(deps.StatusRecorder),
	))

	r.Get("/health", Health(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	sessionHandler := NewSessionHandler(deps.Sessions, deps.Logger)
	flowHandler := NewFlowHandler(deps.Flow)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)
		r.Get("/config", GetConfig(deps.App))

		// セッション
		r.Route("/session", func(r chi.Router) {
			r.Get("/", sessionHandler.GetSession)
			// POST /api/session/connect - 接続専用のレート制限を追加
			r.With(deps.RateLimiter.ConnectMiddleware()).Post("/connect", sessionHandler.Connect)
			r.Post("/disconnect", sessionHandler.Disconnect)
		})

		// アクセスノード
		r.Get("/accounts/{address}/balance", flowHandler.AccountBalance)
		r.Post("/scripts", flowHandler.ExecuteScript)
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", flowHandler.SubmitTransaction)
			r.Get("/{id}", flowHandler.GetTransaction)
		})

		// 接続中のウォレットが必要なルート
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireWalletMiddleware(deps.Sessions))
			r.Get("/account/balance", flowHandler.ConnectedBalance)
		})
	})

	return r
}
