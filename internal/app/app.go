package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/flowdevkit/flowdevkit/internal/appmeta"
	"github.com/flowdevkit/flowdevkit/internal/config"
	"github.com/flowdevkit/flowdevkit/internal/database"
	"github.com/flowdevkit/flowdevkit/internal/fcl"
	"github.com/flowdevkit/flowdevkit/internal/handler"
	"github.com/flowdevkit/flowdevkit/internal/logger"
	"github.com/flowdevkit/flowdevkit/internal/metrics"
	"github.com/flowdevkit/flowdevkit/internal/middleware"
	"github.com/flowdevkit/flowdevkit/internal/model"
	"github.com/flowdevkit/flowdevkit/internal/repository"
	"github.com/flowdevkit/flowdevkit/internal/security"
	"github.com/flowdevkit/flowdevkit/internal/session"
	"github.com/flowdevkit/flowdevkit/internal/worker/cleanup"
)

const (
	shutdownTimeout    = 30 * time.Second
	dbConnectTimeout   = 10 * time.Second
	iconResolveTimeout = 10 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMで終了する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("network", cfg.Network),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		var rest []string
		if len(args) > 1 {
			rest = args[1:]
		}
		action, err := ParseMigrateArgs(rest)
		if err != nil {
			return err
		}
		return runMigrate(cfg, action)
	default:
		return runServe(ctx, cfg)
	}
}

// application はserveモードで組み立てた依存関係を保持する。
type application struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	repo      repository.WalletSessionRepository
	registry  *prometheus.Registry
	collector *metrics.Collector
	client    *fcl.Client
	sessions  *session.Manager
	limiter   *middleware.RateLimiter
	appConfig handler.AppConfig
}

// newApplication は設定から全依存関係をワイヤリングし、セッション管理を開始する。
// DATABASE_URLが空の場合はログイン状態をインメモリに保持する。
// 戻り値のapplicationは必ずcloseすること。
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	a := &application{cfg: cfg, logger: log}

	// 1. 永続化
	if cfg.DatabaseURL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
		db, err := database.Connect(dbCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			return nil, err
		}
		a.db = db
		a.repo = repository.NewPostgresWalletSessionRepo(db)
		log.Info("database connection established")
	} else {
		a.repo = repository.NewMemoryWalletSessionRepo()
		log.Warn("DATABASE_URL is empty; wallet sessions are kept in memory")
	}

	// 2. メトリクス
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollector(a.registry)

	// 3. セキュリティ
	network := model.Network(cfg.Network)
	var guardOpts []security.GuardOption
	if network == model.NetworkMainnet {
		guardOpts = append(guardOpts, security.WithHTTPSOnly())
	}
	guard := security.NewSSRFGuard(guardOpts...)

	// 4. アプリ情報（APP_ICON未指定ならAPP_URLから検出する）
	appIcon := cfg.AppIcon
	if appIcon == "" && cfg.AppURL != "" {
		appIcon = resolveAppIcon(ctx, appmeta.NewIconResolver(guard, log), cfg.AppURL, log)
	}

	// 5. ウォレットプロバイダーとセッション管理
	a.client = fcl.NewClient(a.repo, log, fcl.ClientConfig{
		Scope:         cfg.SessionScope,
		Network:       network,
		PollInterval:  cfg.AuthnPollInterval,
		SessionMaxAge: time.Duration(cfg.SessionMaxAge) * time.Second,
	},
		fcl.WithSSRFGuard(guard),
		fcl.WithSanitizer(security.NewReasonSanitizer()),
		fcl.WithRecorder(a.collector),
	)

	opts := model.ProviderOptions{
		AccessNode:             cfg.AccessNode,
		DiscoveryWallet:        cfg.WalletDiscovery,
		DiscoveryAuthnEndpoint: cfg.WalletDiscoveryAuthn,
		AppTitle:               cfg.AppTitle,
		AppIcon:                appIcon,
		OpenIDScopes:           cfg.OpenIDScopes,
		ComputeLimit:           cfg.ComputeLimit,
	}
	a.sessions = session.NewManager(a.client, opts, log, a.collector)
	if err := a.sessions.Start(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to start session manager: %w", err)
	}

	a.limiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitConnect))
	a.appConfig = handler.AppConfig{
		AppTitle:        opts.AppTitle,
		AppIcon:         opts.AppIcon,
		Network:         string(network),
		AccessNode:      opts.AccessNode,
		WalletDiscovery: opts.DiscoveryWallet,
		DiscoveryAuthn:  opts.DiscoveryAuthnEndpoint,
		ComputeLimit:    opts.ComputeLimit,
		Contracts:       model.Contracts(network),
	}
	return a, nil
}

// handler はAPIルーターを構築する。
func (a *application) handler() http.Handler {
	deps := &handler.RouterDeps{
		Logger:            a.logger,
		CORSAllowedOrigin: a.cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: a.cfg.CookieSecure,
			CookieDomain: a.cfg.CookieDomain,
		},
		RateLimiter:    a.limiter,
		TrustProxy:     a.cfg.TrustProxy,
		StatusRecorder: a.collector,
		MetricsHandler: metrics.Handler(a.registry),
		Sessions:       a.sessions,
		Flow:           a.client,
		App:            a.appConfig,
	}
	// 型付きnilをインターフェースに入れないようDB接続時のみ設定する
	if a.db != nil {
		deps.HealthChecker = a.db
	}
	return handler.NewRouter(deps)
}

// cleanupJob は期限切れセッションの削除ジョブを生成する。
func (a *application) cleanupJob() *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(a.repo, a.logger, a.collector)
	job.Interval = a.cfg.CleanupInterval
	return job
}

// close は購読を解除し、リソースを解放する。何度呼んでもよい。
func (a *application) close() {
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// resolveAppIcon はサイトからアイコンを検出する。見つからない場合は空文字列を返す。
func resolveAppIcon(ctx context.Context, resolver *appmeta.IconResolver, siteURL string, log *slog.Logger) string {
	ctx, cancel := context.WithTimeout(ctx, iconResolveTimeout)
	defer cancel()

	icon, err := resolver.Resolve(ctx, siteURL)
	if err != nil {
		log.Warn("app icon could not be resolved",
			slog.String("app_url", siteURL),
			slog.String("error", err.Error()),
		)
		return ""
	}
	log.Info("app icon resolved", slog.String("app_icon", icon))
	return icon
}

// runServe はAPIサーバーモードで起動する。
// 依存関係をワイヤリングし、HTTPサーバーと期限切れセッションの削除ジョブを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApplication(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.close()

	// connectは認証完了まで待つため、WriteTimeoutは認証フローより長くする
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.ConnectWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.cleanupJob().Start(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 永続化されたセッションの削除ジョブのみを実行するため、DATABASE_URLが必須。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("worker requires DATABASE_URL")
	}

	dbCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	db, err := database.Connect(dbCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	registry := prometheus.NewRegistry()
	job := cleanup.NewCleanupJob(
		repository.NewPostgresWalletSessionRepo(db),
		slog.Default(),
		metrics.NewCollector(registry),
	)
	job.Interval = cfg.CleanupInterval

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("action", action.Kind),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action.Kind {
	case "down":
		if err := database.RollbackMigrations(cfg.DatabaseURL, action.Steps); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "version":
		status, err := database.CurrentVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migration version",
			slog.Bool("applied", status.Applied),
			slog.Uint64("version", uint64(status.Version)),
			slog.Bool("dirty", status.Dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
