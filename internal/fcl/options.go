package fcl

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

// ValidateOptions はプロバイダー設定を検証する。
// 不正な値が見つかった場合は最初の1件を*model.ConfigurationErrorとして返す。
func ValidateOptions(opts model.ProviderOptions) error {
	endpoints := []struct {
		key   string
		value string
	}{
		{"accessNode.api", opts.AccessNode},
		{"discovery.wallet", opts.DiscoveryWallet},
		{"discovery.authn.endpoint", opts.DiscoveryAuthnEndpoint},
	}
	for _, e := range endpoints {
		if err := validateEndpoint(e.value); err != nil {
			return &model.ConfigurationError{Key: e.key, Reason: err.Error()}
		}
	}

	if strings.TrimSpace(opts.AppTitle) == "" {
		return &model.ConfigurationError{Key: "app.detail.title", Reason: "must not be empty"}
	}
	// アイコンは任意。指定された場合のみ検証する
	if opts.AppIcon != "" {
		if err := validateEndpoint(opts.AppIcon); err != nil {
			return &model.ConfigurationError{Key: "app.detail.icon", Reason: err.Error()}
		}
	}
	if opts.ComputeLimit <= 0 {
		return &model.ConfigurationError{Key: "fcl.limit", Reason: fmt.Sprintf("must be positive, got %d", opts.ComputeLimit)}
	}
	return nil
}

// validateEndpoint はhttp/httpsの絶対URLであることを検証する。
func validateEndpoint(raw string) error {
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
