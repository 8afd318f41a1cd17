// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeAuthCanceled        = "AUTH_CANCELED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeWalletNotConnected  = "WALLET_NOT_CONNECTED"
	ErrCodeInvalidAddress      = "INVALID_ADDRESS"
	ErrCodeInvalidScript       = "INVALID_SCRIPT"
	ErrCodeInvalidTransaction  = "INVALID_TRANSACTION"
	ErrCodeScriptFailed        = "SCRIPT_FAILED"
	ErrCodeTransactionNotFound = "TRANSACTION_NOT_FOUND"
	ErrCodeCSRFInvalid         = "CSRF_INVALID"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewAuthFailedError はウォレット認証失敗エラーを生成する。
func NewAuthFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  fmt.Sprintf("ウォレットの接続に失敗しました: %s", reason),
		Category: "auth",
		Action:   "ウォレットの状態を確認し、もう一度接続してください。",
	}
}

// NewAuthCanceledError はウォレット認証がキャンセルされた場合のエラーを生成する。
func NewAuthCanceledError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthCanceled,
		Message:  "ウォレットの接続がキャンセルされました。",
		Category: "auth",
		Action:   "接続する場合はもう一度「Connect Wallet」を押してください。",
	}
}

// NewProviderUnavailableError はプロバイダーに到達できない場合のエラーを生成する。
func NewProviderUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  "Flowネットワークまたはウォレットサービスに接続できません。",
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewWalletNotConnectedError はウォレット未接続エラーを生成する。
func NewWalletNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeWalletNotConnected,
		Message:  "ウォレットが接続されていません。",
		Category: "auth",
		Action:   "ウォレットを接続してから再度お試しください。",
	}
}

// NewInvalidAddressError は無効なFlowアドレスエラーを生成する。
func NewInvalidAddressError(addr string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAddress,
		Message:  fmt.Sprintf("無効なFlowアドレスです: %s", addr),
		Category: "validation",
		Action:   "0xで始まる16桁の16進数アドレスを指定してください。",
	}
}

// NewInvalidScriptError は無効なスクリプトリクエストのエラーを生成する。
func NewInvalidScriptError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidScript,
		Message:  fmt.Sprintf("無効なスクリプトです: %s", reason),
		Category: "validation",
		Action:   "Cadenceスクリプトと引数を確認してください。",
	}
}

// NewInvalidTransactionError は無効なトランザクションリクエストのエラーを生成する。
func NewInvalidTransactionError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransaction,
		Message:  fmt.Sprintf("無効なトランザクションです: %s", reason),
		Category: "validation",
		Action:   "署名済みのトランザクションを送信してください。",
	}
}

// NewScriptFailedError はアクセスノードがスクリプト実行を拒否した場合のエラーを生成する。
func NewScriptFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeScriptFailed,
		Message:  fmt.Sprintf("スクリプトの実行に失敗しました: %s", reason),
		Category: "provider",
		Action:   "スクリプトの内容と引数を確認してください。",
	}
}

// NewTransactionNotFoundError はトランザクションが見つからない場合のエラーを生成する。
func NewTransactionNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeTransactionNotFound,
		Message:  fmt.Sprintf("指定されたトランザクションが見つかりません: %s", id),
		Category: "provider",
		Action:   "トランザクションIDを確認してください。",
	}
}

// NewCSRFInvalidError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "validation",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はリクエストが多すぎる場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// ConfigurationError はプロバイダー設定が拒否されたことを表す。
// 起動時に一度だけ報告し、以降の操作を行わない。
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid provider configuration %q: %s", e.Key, e.Reason)
}

// AuthError はConnectの失敗またはキャンセルを表す。
// 呼び出し元に値として返し、セッションは未認証のまま維持される。
type AuthError struct {
	Reason   string
	Canceled bool
	Err      error
}

func (e *AuthError) Error() string {
	if e.Canceled {
		return "authentication canceled: " + e.Reason
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProviderUnavailableError はプロバイダーへの呼び出しがネットワークに到達できなかったことを表す。
// セッションは最後に確認された値のまま維持され、自動リトライは行わない。
type ProviderUnavailableError struct {
	Op  string
	Err error
}

func (e *ProviderUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider unavailable during %s", e.Op)
	}
	return fmt.Sprintf("provider unavailable during %s: %v", e.Op, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// ScriptError はアクセスノードがスクリプトやトランザクションを拒否したことを表す（4xx応答）。
type ScriptError struct {
	StatusCode int
	Message    string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("access node rejected request (%d): %s", e.StatusCode, e.Message)
}

// ErrNotFound はアクセスノード上に対象が存在しないことを示す。
var ErrNotFound = errors.New("not found")
