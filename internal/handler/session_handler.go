package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowdevkit/flowdevkit/internal/middleware"
	"github.com/flowdevkit/flowdevkit/internal/model"
)

// SessionManager はセッションハンドラーが必要とするインターフェース。session.Managerが実装する。
type SessionManager interface {
	Session() model.Session
	State() model.State
	WaitSettled(ctx context.Context) model.State
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// connectSettleTimeout は認証成功後、プロバイダーの通知が反映されるまで待つ上限。
const connectSettleTimeout = 5 * time.Second

// SessionHandler はウォレットセッションのHTTPハンドラー。
type SessionHandler struct {
	manager SessionManager
	logger  *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(manager SessionManager, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{manager: manager, logger: logger}
}

// sessionResponse はセッション状態のAPIレスポンス。
type sessionResponse struct {
	Address         string `json:"address,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	Loading         bool   `json:"loading"`
	AuthnURL        string `json:"authnUrl,omitempty"`
}

func toSessionResponse(s model.State) sessionResponse {
	return sessionResponse{
		Address:         s.Address,
		IsAuthenticated: s.IsAuthenticated,
		Loading:         s.Loading,
		AuthnURL:        s.PendingAuthn,
	}
}

// GetSession は現在のセッションのスナップショットを返す。
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(h.manager.State()))
}

// Connect はウォレットの認証フローを開始し、確定するまで待機する。
// POST /api/session/connect
// 認証画面のURLは処理中にGET /api/sessionのauthnUrlで取得できる。
// 成功時は通知が反映された後のセッションを200で返す。
// 上限時間内に反映されなかった場合はロード中の状態を202で返し、クライアントはGET /api/sessionで確認する。
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Connect(r.Context()); err != nil {
		h.logger.Warn("connect request failed", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectSettleTimeout)
	defer cancel()
	state := h.manager.WaitSettled(ctx)
	if state.Loading {
		middleware.WriteJSON(w, http.StatusAccepted, toSessionResponse(state))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(state))
}

// Disconnect はウォレットにログアウトを依頼する。
// POST /api/session/disconnect
// セッションはプロバイダーの通知で更新されるため、受付のみを示す202を返す。
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Disconnect(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, toSessionResponse(h.manager.State()))
}
