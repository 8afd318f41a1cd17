package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAccessNode      = "https://rest-testnet.onflow.org"
	defaultWalletDiscovery = "https://fcl-discovery.onflow.org/testnet/authn"
	defaultAppTitle        = "FlowDevKit"
	defaultAppIcon         = "https://flowdevkit.vercel.app/favicon.ico"
	defaultOpenIDScopes    = "email email_verified name zoneinfo"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Flow
	AccessNode           string
	WalletDiscovery      string
	WalletDiscoveryAuthn string
	Network              string
	ComputeLimit         int
	AuthnPollInterval    time.Duration
	OpenIDScopes         string

	// App detail（ウォレットの認証画面に表示される）
	AppTitle string
	AppIcon  string
	AppURL   string

	// Session
	SessionScope  string
	SessionMaxAge int

	// Database（空の場合はインメモリのストレージを使用する）
	DatabaseURL string

	// Rate Limit
	RateLimitConnect int

	// Worker
	CleanupInterval time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort          string
	ConnectWriteTimeout time.Duration

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Proxy（trueの場合はX-Forwarded-For等からクライアントIPを決める）
	TrustProxy bool
}

// Load は環境変数からConfigを読み込む。
// すべての項目にデフォルト値があり、値の妥当性の検証はfcl.Options.Validateで行う。
// 数値・期間として解釈できない値が指定された場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var invalid []string

	cfg.AccessNode = getEnvString("FLOW_ACCESS_NODE", defaultAccessNode)
	cfg.WalletDiscovery = getEnvString("FLOW_WALLET_DISCOVERY", defaultWalletDiscovery)
	cfg.WalletDiscoveryAuthn = getEnvString("FLOW_WALLET_DISCOVERY_AUTHN", cfg.WalletDiscovery)
	cfg.Network = strings.ToLower(getEnvString("FLOW_NETWORK", "testnet"))
	cfg.OpenIDScopes = getEnvString("OPENID_SCOPES", defaultOpenIDScopes)

	cfg.AppTitle = getEnvString("APP_TITLE", defaultAppTitle)
	cfg.AppURL = getEnvString("APP_URL", "")
	// APP_URLが指定されAPP_ICONが未指定の場合はサイトからアイコンを検出する
	if cfg.AppURL != "" {
		cfg.AppIcon = getEnvString("APP_ICON", "")
	} else {
		cfg.AppIcon = getEnvString("APP_ICON", defaultAppIcon)
	}

	cfg.SessionScope = getEnvString("SESSION_SCOPE", "default")
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	var err error
	if cfg.ComputeLimit, err = getEnvInt("FCL_LIMIT", 9999); err != nil {
		invalid = append(invalid, "FCL_LIMIT")
	}
	if cfg.SessionMaxAge, err = getEnvInt("SESSION_MAX_AGE", 86400); err != nil {
		invalid = append(invalid, "SESSION_MAX_AGE")
	}
	if cfg.RateLimitConnect, err = getEnvInt("RATE_LIMIT_CONNECT", 10); err != nil {
		invalid = append(invalid, "RATE_LIMIT_CONNECT")
	}
	if cfg.AuthnPollInterval, err = getEnvDuration("AUTHN_POLL_INTERVAL", 500*time.Millisecond); err != nil {
		invalid = append(invalid, "AUTHN_POLL_INTERVAL")
	}
	if cfg.CleanupInterval, err = getEnvDuration("CLEANUP_INTERVAL", time.Hour); err != nil {
		invalid = append(invalid, "CLEANUP_INTERVAL")
	}
	if cfg.ConnectWriteTimeout, err = getEnvDuration("CONNECT_WRITE_TIMEOUT", 5*time.Minute); err != nil {
		invalid = append(invalid, "CONNECT_WRITE_TIMEOUT")
	}
	if cfg.CookieSecure, err = getEnvBool("COOKIE_SECURE", strings.HasPrefix(cfg.AppURL, "https://")); err != nil {
		invalid = append(invalid, "COOKIE_SECURE")
	}

	if cfg.TrustProxy, err = getEnvBool("TRUST_PROXY", false); err != nil {
		invalid = append(invalid, "TRUST_PROXY")
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("environment variables have invalid values: %v", invalid)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}
