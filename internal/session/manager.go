// Package session はウォレットセッションの管理を提供する。
//
// Managerはウォレットプロバイダーの現在のユーザーを購読し、アプリケーションに
// 認証状態のスナップショットを提供する。状態を決めるのはプロバイダーの通知のみで、
// ConnectやDisconnectはプロバイダーに操作を依頼するだけである。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flowdevkit/flowdevkit/internal/metrics"
	"github.com/flowdevkit/flowdevkit/internal/model"
)

// Provider はウォレットプロバイダーのインターフェース。fcl.Clientが実装する。
type Provider interface {
	Configure(ctx context.Context, opts model.ProviderOptions) error
	Authenticate(ctx context.Context) error
	Unauthenticate(ctx context.Context) error
	Subscribe(fn func(model.CurrentUser)) (func(), error)
}

// PendingNotifier は認証画面のURLを通知できるプロバイダーが実装する。
type PendingNotifier interface {
	SetPendingHandler(fn func(viewURL string))
}

// Recorder はセッション関連のメトリクスの記録先。
type Recorder interface {
	RecordConnect(outcome string, duration time.Duration)
	RecordSessionUpdate(authenticated bool)
}

const connectKey = "connect"

// Manager はウォレットセッションを管理する。
// 1つのプロバイダーに対して1つのManagerを生成し、Startで設定と購読を行う。
type Manager struct {
	provider Provider
	opts     model.ProviderOptions
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	mu          sync.RWMutex
	state       model.State
	changed     chan struct{} // 状態が変わるたびにcloseして差し替える
	inFlight    bool          // 認証フローの実行中
	awaitLogin  bool          // 認証成功後、ログイン通知の到着待ち
	started     bool
	closed      bool
	unsubscribe func()

	// 認証フローはManagerの寿命に紐づけ、呼び出し元のキャンセルでは止めない
	flowCtx    context.Context
	flowCancel context.CancelFunc

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once

	connects singleflight.Group
}

// NewManager はManagerを生成する。recorderはnilでもよい。
// 最初の通知が届くまで状態はロード中の未認証となる。
func NewManager(provider Provider, opts model.ProviderOptions, logger *slog.Logger, recorder Recorder) *Manager {
	flowCtx, flowCancel := context.WithCancel(context.Background())
	return &Manager{
		provider:   provider,
		opts:       opts,
		logger:     logger,
		recorder:   recorder,
		now:        time.Now,
		state:      model.State{Loading: true},
		changed:    make(chan struct{}),
		flowCtx:    flowCtx,
		flowCancel: flowCancel,
	}
}

// Start はプロバイダーを設定し、現在のユーザーの購読を開始する。
// 設定は最初の呼び出しで1度だけ行い、以降の呼び出しは最初の結果を返す。
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.startErr = m.start(ctx)
	})
	return m.startErr
}

func (m *Manager) start(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return &model.ProviderUnavailableError{Op: "start", Err: errors.New("session manager is closed")}
	}

	if err := m.provider.Configure(ctx, m.opts); err != nil {
		m.logger.Error("failed to configure wallet provider",
			slog.String("error", err.Error()),
		)
		// 通知が届くことはないためロード中を解除する
		m.setLoading(false)
		return err
	}

	if pn, ok := m.provider.(PendingNotifier); ok {
		pn.SetPendingHandler(m.onPending)
	}

	unsubscribe, err := m.provider.Subscribe(m.onUser)
	if err != nil {
		m.logger.Error("failed to subscribe to current user",
			slog.String("error", err.Error()),
		)
		m.setLoading(false)
		return err
	}

	m.mu.Lock()
	if m.closed {
		// Start中にCloseされた場合は購読を即座に解除する
		m.mu.Unlock()
		unsubscribe()
		return &model.ProviderUnavailableError{Op: "start", Err: errors.New("session manager is closed")}
	}
	m.started = true
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.logger.Info("session manager started", slog.String("app_title", m.opts.AppTitle))
	return nil
}

// Session は現在のセッションのスナップショットを返す。ブロックせず失敗しない。
func (m *Manager) Session() model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Session
}

// State はロード中フラグを含む現在の状態のスナップショットを返す。
func (m *Manager) State() model.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// WaitSettled はロード中フラグが下りるまで待ち、その時点の状態を返す。
// ctxが終了した場合やClose後は待たずに現在の状態を返す。
// 認証の成功はプロバイダーの通知で反映されるため、Connect直後の状態取得に使う。
func (m *Manager) WaitSettled(ctx context.Context) model.State {
	for {
		m.mu.RLock()
		state, changed, closed := m.state, m.changed, m.closed
		m.mu.RUnlock()
		if !state.Loading || closed {
			return state
		}
		select {
		case <-ctx.Done():
			return state
		case <-changed:
		}
	}
}

// Connect はウォレットの認証フローを開始し、確定するまで待機する。
//
// 実行中はロード中フラグが立つ。失敗やキャンセルは*model.AuthErrorとして返し、
// ロード中フラグを下ろす。セッションの更新はプロバイダーの通知で行われる。
// 既に認証済みの場合は何もせずnilを返す。同時に呼ばれた場合は1つの認証フローを共有する。
//
// ctxのキャンセルは呼び出し元の待機を打ち切るだけで、認証フローは止めない。
// フローを止めるのはプロバイダー側のキャンセルかCloseのみ。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.RLock()
	started, closed, authenticated := m.started, m.closed, m.state.IsAuthenticated
	m.mu.RUnlock()

	if !started || closed {
		return &model.AuthError{
			Reason: "wallet provider is not ready",
			Err:    &model.ProviderUnavailableError{Op: "connect", Err: errors.New("session manager is not started")},
		}
	}
	if authenticated {
		return nil
	}

	ch := m.connects.DoChan(connectKey, func() (interface{}, error) {
		return nil, m.runConnect(m.flowCtx)
	})

	select {
	case <-ctx.Done():
		return &model.AuthError{Reason: "connect canceled", Canceled: true, Err: ctx.Err()}
	case res := <-ch:
		return res.Err
	}
}

// runConnect は1回分の認証フローを実行する。同時に呼ばれたConnectはこの結果を共有する。
func (m *Manager) runConnect(ctx context.Context) error {
	start := m.now()
	m.mu.Lock()
	if !m.closed {
		m.inFlight = true
		m.awaitLogin = false
		m.state.Loading = true
		m.notifyLocked()
	}
	m.mu.Unlock()
	m.logger.Info("wallet connect started")

	err := m.provider.Authenticate(ctx)
	if err == nil {
		// ログイン通知が既に届いていなければ、届くまでロード中のままにする
		m.mu.Lock()
		m.inFlight = false
		if !m.closed {
			if m.state.IsAuthenticated {
				m.state.Loading = false
			} else {
				m.awaitLogin = true
			}
			m.notifyLocked()
		}
		m.mu.Unlock()
		m.record(metrics.OutcomeSuccess, start)
		return nil
	}

	m.mu.Lock()
	m.inFlight = false
	if !m.closed {
		m.state.Loading = false
		m.state.PendingAuthn = ""
		m.notifyLocked()
	}
	m.mu.Unlock()

	authErr := toAuthError(err)
	outcome := metrics.OutcomeDeclined
	var provErr *model.ProviderUnavailableError
	switch {
	case authErr.Canceled:
		outcome = metrics.OutcomeCanceled
	case errors.As(authErr, &provErr):
		outcome = metrics.OutcomeUnavailable
	}
	m.record(outcome, start)

	m.logger.Warn("wallet connect failed",
		slog.String("outcome", outcome),
		slog.String("reason", authErr.Reason),
	)
	return authErr
}

// Disconnect はプロバイダーにログアウトを依頼する。
// ローカルの状態は変更せず、プロバイダーの通知で未認証に切り替わる。
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.RLock()
	started, closed, addr := m.started, m.closed, m.state.Address
	m.mu.RUnlock()

	if !started || closed {
		return &model.ProviderUnavailableError{Op: "disconnect", Err: errors.New("session manager is not started")}
	}

	if err := m.provider.Unauthenticate(ctx); err != nil {
		m.logger.Warn("wallet disconnect failed",
			slog.String("address", addr),
			slog.String("error", err.Error()),
		)
		return err
	}
	m.logger.Info("wallet disconnect requested", slog.String("address", addr))
	return nil
}

// Close は購読を解除する。何度呼んでもよい。
// Close後の通知は無視され、最後のスナップショットが保持される。
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		unsubscribe := m.unsubscribe
		m.unsubscribe = nil
		m.notifyLocked()
		m.mu.Unlock()

		m.flowCancel()

		if unsubscribe != nil {
			unsubscribe()
		}
		if pn, ok := m.provider.(PendingNotifier); ok {
			pn.SetPendingHandler(nil)
		}
		m.logger.Info("session manager closed")
	})
}

// onUser はプロバイダーからの通知を受け取り、状態を上書きする。
// 通知は発行順に1件ずつ届くため、最後に届いたものが現在の状態になる。
// 認証フローの実行中と、成功後にログイン通知を待っている間はロード中フラグを下ろさない。
func (m *Manager) onUser(u model.CurrentUser) {
	s := u.Session()
	if u.LoggedIn && !s.IsAuthenticated {
		m.logger.Warn("provider reported logged in user without address")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.state.Session
	m.state.Session = s
	if s.IsAuthenticated {
		m.awaitLogin = false
	}
	if !m.inFlight && !m.awaitLogin {
		m.state.Loading = false
	}
	m.notifyLocked()
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordSessionUpdate(s.IsAuthenticated)
	}
	if prev != s {
		m.logger.Info("session updated",
			slog.String("address", s.Address),
			slog.Bool("authenticated", s.IsAuthenticated),
		)
	}
}

func (m *Manager) onPending(viewURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.state.PendingAuthn = viewURL
	m.notifyLocked()
}

func (m *Manager) setLoading(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.state.Loading = v
	m.notifyLocked()
}

// notifyLocked はWaitSettledで待機中の呼び出し元を起こす。m.muを保持して呼ぶこと。
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) record(outcome string, start time.Time) {
	if m.recorder != nil {
		m.recorder.RecordConnect(outcome, m.now().Sub(start))
	}
}

// toAuthError はプロバイダーのエラーを*model.AuthErrorに変換する。
func toAuthError(err error) *model.AuthError {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	var provErr *model.ProviderUnavailableError
	if errors.As(err, &provErr) {
		return &model.AuthError{Reason: "wallet provider is unavailable", Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &model.AuthError{Reason: "connect canceled", Canceled: true, Err: err}
	}
	return &model.AuthError{Reason: err.Error(), Err: err}
}
