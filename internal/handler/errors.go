package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/flowdevkit/flowdevkit/internal/middleware"
	"github.com/flowdevkit/flowdevkit/internal/model"
)

// handleServiceError はセッションマネージャーとアクセスノードのエラーを統一エラーレスポンスに変換する。
//
//	*model.AuthError（キャンセル）      → 401 AUTH_CANCELED
//	*model.AuthError（プロバイダー不通）→ 503 PROVIDER_UNAVAILABLE
//	*model.AuthError                    → 401 AUTH_FAILED
//	*model.ProviderUnavailableError     → 503 PROVIDER_UNAVAILABLE
//	*model.ScriptError                  → 400 SCRIPT_FAILED
//	*model.APIError                     → コードに応じたステータス
//	その他                              → 500 INTERNAL_ERROR
func handleServiceError(w http.ResponseWriter, err error) {
	var (
		authErr   *model.AuthError
		provErr   *model.ProviderUnavailableError
		scriptErr *model.ScriptError
		apiErr    *model.APIError
	)

	switch {
	case errors.As(err, &authErr):
		switch {
		case errors.As(authErr, &provErr):
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewProviderUnavailableError())
		case authErr.Canceled:
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthCanceledError())
		default:
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthFailedError(authErr.Reason))
		}
	case errors.As(err, &provErr):
		slog.Warn("provider unavailable", slog.String("op", provErr.Op), slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewProviderUnavailableError())
	case errors.As(err, &scriptErr):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewScriptFailedError(scriptErr.Message))
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	default:
		// 詳細はログのみに記録する
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeAuthFailed, model.ErrCodeAuthCanceled, model.ErrCodeWalletNotConnected:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidAddress, model.ErrCodeInvalidScript, model.ErrCodeInvalidTransaction, model.ErrCodeScriptFailed:
		return http.StatusBadRequest
	case model.ErrCodeTransactionNotFound:
		return http.StatusNotFound
	case model.ErrCodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeCSRFInvalid:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
