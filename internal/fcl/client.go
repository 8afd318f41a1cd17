// Package fcl はFlowウォレットプロバイダー（Flow Client Library相当）のクライアントを提供する。
// ウォレットのHTTP/POSTバックチャネルによる認証、現在のユーザーの購読、
// アクセスノードREST APIへのスクリプト実行とトランザクション送信を含む。
package fcl

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

const (
	// fclVersion はウォレットに通知するクライアントのバージョン。
	fclVersion = "1.12.0"
	// defaultPollInterval はバックチャネルのポーリング間隔。
	defaultPollInterval = 500 * time.Millisecond
	// defaultRequestTimeout はアクセスノード・ウォレットへの1リクエストのタイムアウト。
	defaultRequestTimeout = 15 * time.Second
	// maxResponseSize はウォレット応答の最大サイズ（1MB）。
	maxResponseSize = 1 << 20
	// restoreTimeout は永続化済みユーザーの復元に使うタイムアウト。
	restoreTimeout = 5 * time.Second
)

var errNotConfigured = errors.New("provider is not configured")

// Storage は現在のユーザーを永続化するストレージのインターフェース。
// ブラウザ版のセッションストレージに相当し、再起動後もログイン状態を復元する。
type Storage interface {
	// Load はスコープに保存された有効なユーザーを返す。存在しない場合はnilを返す。
	Load(ctx context.Context, scope string) (*model.CurrentUser, error)
	// Save はユーザーを保存する。既存のレコードは上書きする。
	Save(ctx context.Context, scope string, user model.CurrentUser) error
	// Clear はスコープのユーザーを削除する。存在しない場合もエラーにしない。
	Clear(ctx context.Context, scope string) error
}

// SSRFGuard はウォレットから返されたURLにアクセスする際の検証器。
// security.SSRFGuardServiceの部分集合として定義する。
type SSRFGuard interface {
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
	ValidateURL(rawURL string) error
}

// Sanitizer はウォレットから返された文字列を表示前に無害化する。
type Sanitizer interface {
	Sanitize(raw string) string
}

// Recorder はアクセスノードへのリクエストを記録するメトリクスのインターフェース。
type Recorder interface {
	RecordAccessNodeRequest(endpoint string, statusCode int, duration time.Duration)
}

// ClientConfig はクライアントの動作設定。
type ClientConfig struct {
	Scope          string        // 永続化レコードのキー
	Network        model.Network // コントラクトアドレスの解決に使用
	PollInterval   time.Duration
	RequestTimeout time.Duration
	SessionMaxAge  time.Duration // ウォレットが有効期限を返さない場合のログイン有効期間
}

// Client はウォレットプロバイダーの実装。
// Configureを呼ぶまではSubscribe・Authenticate等はProviderUnavailableErrorを返す。
type Client struct {
	httpClient *http.Client
	guard      SSRFGuard
	sanitizer  Sanitizer
	storage    Storage
	recorder   Recorder
	logger     *slog.Logger
	config     ClientConfig
	now        func() time.Time

	mu         sync.RWMutex
	opts       model.ProviderOptions
	configured bool
	onPending  func(viewURL string)

	user *currentUser
}

// Option はClientの任意設定。
type Option func(*Client)

// WithHTTPClient は設定済みエンドポイント（アクセスノード、ウォレットのauthn）用のHTTPクライアントを差し替える。
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithSSRFGuard はウォレットが返したURLの検証器を設定する。
func WithSSRFGuard(g SSRFGuard) Option {
	return func(cl *Client) { cl.guard = g }
}

// WithSanitizer はウォレットが返した拒否理由の無害化処理を設定する。
func WithSanitizer(s Sanitizer) Option {
	return func(cl *Client) { cl.sanitizer = s }
}

// WithRecorder はアクセスノードリクエストのメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(cl *Client) { cl.recorder = r }
}

// NewClient はClientを生成する。storageがnilの場合はログイン状態を永続化しない。
func NewClient(storage Storage, logger *slog.Logger, config ClientConfig, opts ...Option) *Client {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.Scope == "" {
		config.Scope = "default"
	}
	if config.Network == "" {
		config.Network = model.NetworkTestnet
	}
	c := &Client{
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		storage:    storage,
		logger:     logger,
		config:     config,
		now:        time.Now,
		user:       newCurrentUser(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure はプロバイダー設定を適用する。何度呼んでもよい（冪等）。
// 初回の呼び出しで永続化済みのユーザーを復元し、通知の配信を開始する。
func (c *Client) Configure(ctx context.Context, opts model.ProviderOptions) error {
	if err := ValidateOptions(opts); err != nil {
		return err
	}

	c.mu.Lock()
	first := !c.configured
	c.opts = opts
	c.configured = true
	c.mu.Unlock()

	if !first {
		return nil
	}

	c.restore(ctx)
	c.user.start()

	c.logger.Info("wallet provider configured",
		slog.String("access_node", opts.AccessNode),
		slog.String("discovery_wallet", opts.DiscoveryWallet),
		slog.String("discovery_authn", opts.DiscoveryAuthnEndpoint),
		slog.String("app_title", opts.AppTitle),
	)
	return nil
}

// restore はストレージから有効なユーザーを読み込み現在の値とする。
// 失敗してもログアウト状態で起動を継続する。
func (c *Client) restore(ctx context.Context) {
	if c.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()

	u, err := c.storage.Load(ctx, c.config.Scope)
	if err != nil {
		c.logger.Warn("failed to restore current user",
			slog.String("scope", c.config.Scope),
			slog.String("error", err.Error()),
		)
		return
	}
	if u == nil || !u.LoggedIn || u.Expired(c.now()) {
		return
	}
	c.user.set(*u)
	c.logger.Info("current user restored",
		slog.String("address", u.Addr),
		slog.String("scope", c.config.Scope),
	)
}

// Options は適用済みの設定を返す。未設定の場合はfalseを返す。
func (c *Client) Options() (model.ProviderOptions, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts, c.configured
}

// SetPendingHandler は認証フロー中にウォレットが認証画面のURLを提示したときの通知先を設定する。
// フロー終了時には空文字列で呼び出される。
func (c *Client) SetPendingHandler(fn func(viewURL string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPending = fn
}

func (c *Client) notifyPending(viewURL string) {
	c.mu.RLock()
	fn := c.onPending
	c.mu.RUnlock()
	if fn != nil {
		fn(viewURL)
	}
}

// Subscribe は現在のユーザーの変更を購読する。
// コールバックはまず現在の値で呼ばれ、その後は変更のたびに発行順で呼ばれる。
func (c *Client) Subscribe(fn func(model.CurrentUser)) (func(), error) {
	if _, ok := c.Options(); !ok {
		return nil, &model.ProviderUnavailableError{Op: "subscribe", Err: errNotConfigured}
	}
	unsubscribe, err := c.user.subscribe(fn)
	if err != nil {
		return nil, &model.ProviderUnavailableError{Op: "subscribe", Err: err}
	}
	return unsubscribe, nil
}

// CurrentUser は現在のユーザーを返す。
func (c *Client) CurrentUser() model.CurrentUser {
	return c.user.get()
}

// Unauthenticate はログアウトする。永続化済みのユーザーを削除し、ログアウト状態を通知する。
// ストレージの削除に失敗しても通知は行い、エラーを返す。
func (c *Client) Unauthenticate(ctx context.Context) error {
	if _, ok := c.Options(); !ok {
		return &model.ProviderUnavailableError{Op: "unauthenticate", Err: errNotConfigured}
	}

	prev := c.user.get()
	c.user.set(model.CurrentUser{})

	if c.storage != nil {
		if err := c.storage.Clear(ctx, c.config.Scope); err != nil {
			return &model.ProviderUnavailableError{Op: "unauthenticate", Err: err}
		}
	}

	c.logger.Info("wallet unauthenticated", slog.String("address", prev.Addr))
	return nil
}

// Close は通知の配信を停止する。以降のSubscribeはエラーになる。
func (c *Client) Close() {
	c.user.close()
}

// login は認証に成功したユーザーを永続化し、ログイン状態を通知する。
func (c *Client) login(ctx context.Context, u model.CurrentUser) {
	if c.storage != nil {
		if err := c.storage.Save(ctx, c.config.Scope, u); err != nil {
			// 永続化に失敗してもログイン自体は有効とする
			c.logger.Warn("failed to persist current user",
				slog.String("address", u.Addr),
				slog.String("error", err.Error()),
			)
		}
	}
	c.user.set(u)
	c.logger.Info("wallet authenticated",
		slog.String("address", u.Addr),
		slog.Int("services_count", len(u.Services)),
	)
}
