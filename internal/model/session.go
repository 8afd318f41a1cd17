// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Session はアプリケーションから見た現在のウォレットセッションを表す。
// 値として受け渡し、呼び出し元が保持するのは常にスナップショットである。
// IsAuthenticated が true のとき Address は空でなく、false のとき Address は空。
type Session struct {
	Address         string
	IsAuthenticated bool
}

// NewAuthenticatedSession は認証済みセッションを生成する。
// アドレスは加工せずそのまま保持する。空の場合は未認証セッションを返す。
func NewAuthenticatedSession(addr string) Session {
	if addr == "" {
		return Session{}
	}
	return Session{Address: addr, IsAuthenticated: true}
}

// Valid はAddressとIsAuthenticatedの組が整合しているかを返す。
func (s Session) Valid() bool {
	return s.IsAuthenticated == (s.Address != "")
}

// State はセッションにロード中フラグと保留中の認証情報を加えたスナップショット。
type State struct {
	Session
	Loading bool
	// PendingAuthn はウォレットが提示した認証画面のURL。認証フロー中のみ設定される。
	PendingAuthn string
}

// Service はウォレットが返すサービス記述子（authn, authz, user-signature 等）。
type Service struct {
	FType    string            `json:"f_type,omitempty"`
	Type     string            `json:"type"`
	Method   string            `json:"method,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	UID      string            `json:"uid,omitempty"`
	ID       string            `json:"id,omitempty"`
	Identity map[string]string `json:"identity,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// CurrentUser はプロバイダーが保持する現在のプリンシパル。
// 購読コールバックのペイロードとして渡される。
type CurrentUser struct {
	Addr      string
	LoggedIn  bool
	ExpiresAt time.Time
	Services  []Service
}

// Session はCurrentUserからセッションを導出する。
// アドレスはプロバイダーが通知した値のまま使う。
// LoggedInでもアドレスが空の場合は未認証として扱う。
func (u CurrentUser) Session() Session {
	if !u.LoggedIn {
		return Session{}
	}
	return NewAuthenticatedSession(u.Addr)
}

// Expired は有効期限が設定されておりnowを過ぎているかを返す。
func (u CurrentUser) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}

// WithPrefix はFlowアドレスに0xプレフィックスを付与する。空文字列はそのまま返す。
func WithPrefix(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	return "0x" + SansPrefix(addr)
}

// SansPrefix はFlowアドレスから0xプレフィックスを取り除く。
func SansPrefix(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return addr[2:]
	}
	return addr
}

// ProviderOptions はウォレットプロバイダーに一度だけ渡す設定値。
type ProviderOptions struct {
	AccessNode             string
	DiscoveryWallet        string
	DiscoveryAuthnEndpoint string
	AppTitle               string
	AppIcon                string
	OpenIDScopes           string
	ComputeLimit           int
}

// IsValidAddress はFlowアドレス（0xプレフィックス任意、16桁の16進数）かを検証する。
func IsValidAddress(addr string) bool {
	s := SansPrefix(addr)
	if len(s) != 16 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
