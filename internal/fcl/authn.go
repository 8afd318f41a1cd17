package fcl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

// ポーリング応答のステータス
const (
	statusPending  = "PENDING"
	statusApproved = "APPROVED"
	statusDeclined = "DECLINED"
)

// pollingResponse はウォレットのHTTP/POSTバックチャネルの応答。
type pollingResponse struct {
	FType   string          `json:"f_type"`
	FVsn    string          `json:"f_vsn"`
	Status  string          `json:"status"`
	Reason  *string         `json:"reason"`
	Data    json.RawMessage `json:"data"`
	Updates *model.Service  `json:"updates"`
	Local   *model.Service  `json:"local"`
}

// authnResponse はAPPROVED時のdata（AuthnResponse）。
type authnResponse struct {
	FType     string          `json:"f_type"`
	Addr      string          `json:"addr"`
	Services  []model.Service `json:"services"`
	ExpiresAt int64           `json:"expiresAt"` // UNIXミリ秒。0の場合はSessionMaxAgeを使う
}

// authnRequest はauthnエンドポイントに送るリクエストボディ。
type authnRequest struct {
	FCLVersion string            `json:"fclVersion"`
	App        appDetail         `json:"app"`
	Config     authnConfig       `json:"config"`
	Service    map[string]string `json:"service"`
}

type appDetail struct {
	Title string `json:"title"`
	Icon  string `json:"icon,omitempty"`
}

type authnConfig struct {
	App      appDetail         `json:"app"`
	Services map[string]string `json:"services,omitempty"`
}

// Authenticate はウォレットの認証フローを実行し、完了まで待機する。
//
// 認証エンドポイントにPOSTしてPollingResponseを受け取り、PENDINGの間は
// updatesエンドポイントをPollInterval間隔でポーリングする。
// PENDING応答のlocal（ユーザーが開く認証画面）はSetPendingHandlerの通知先に渡す。
// APPROVEDでログイン状態を永続化・通知し、DECLINEDやctxのキャンセルは*model.AuthErrorを返す。
// ウォレットやネットワークに到達できない場合は*model.ProviderUnavailableErrorを返す。
func (c *Client) Authenticate(ctx context.Context) error {
	opts, ok := c.Options()
	if !ok {
		return &model.ProviderUnavailableError{Op: "authenticate", Err: errNotConfigured}
	}
	defer c.notifyPending("")

	resp, err := c.postAuthn(ctx, opts)
	if err != nil {
		return err
	}

	var notified string
	for {
		switch resp.Status {
		case statusApproved:
			user, err := c.decodeApproval(resp.Data)
			if err != nil {
				return &model.AuthError{Reason: "invalid wallet response", Err: err}
			}
			c.login(ctx, user)
			return nil

		case statusDeclined:
			reason := "declined by wallet"
			if resp.Reason != nil && *resp.Reason != "" {
				reason = c.sanitize(*resp.Reason)
			}
			c.logger.Info("wallet declined authentication", slog.String("reason", reason))
			return &model.AuthError{Reason: reason}

		case statusPending:
			if resp.Local != nil && resp.Local.Endpoint != "" && resp.Local.Endpoint != notified {
				viewURL, err := c.serviceURL(resp.Local)
				if err != nil {
					return &model.AuthError{Reason: "wallet returned an unsafe view endpoint", Err: err}
				}
				notified = resp.Local.Endpoint
				c.notifyPending(viewURL)
			}
			if resp.Updates == nil || resp.Updates.Endpoint == "" {
				return &model.AuthError{Reason: "wallet returned no updates endpoint"}
			}

			select {
			case <-ctx.Done():
				return &model.AuthError{Reason: "authentication canceled", Canceled: true, Err: ctx.Err()}
			case <-time.After(c.config.PollInterval):
			}

			resp, err = c.poll(ctx, resp.Updates)
			if err != nil {
				return err
			}

		default:
			return &model.AuthError{Reason: fmt.Sprintf("unexpected wallet status %q", resp.Status)}
		}
	}
}

// postAuthn はdiscovery.authn.endpointに認証開始リクエストを送る。
// discovery.walletはブラウザ向けの選択画面のためここでは使わない。
func (c *Client) postAuthn(ctx context.Context, opts model.ProviderOptions) (*pollingResponse, error) {
	body, err := json.Marshal(authnRequest{
		FCLVersion: fclVersion,
		App:        appDetail{Title: opts.AppTitle, Icon: opts.AppIcon},
		Config: authnConfig{
			App:      appDetail{Title: opts.AppTitle, Icon: opts.AppIcon},
			Services: openIDServices(opts.OpenIDScopes),
		},
		Service: map[string]string{"type": "authn"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode authn request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.DiscoveryAuthnEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &model.ProviderUnavailableError{Op: "authenticate", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doPolling(ctx, c.httpClient, req)
}

// poll はウォレットが返したupdatesエンドポイントを1回問い合わせる。
// URLはウォレットが指定するため、SSRFガードを通したクライアントを使う。
func (c *Client) poll(ctx context.Context, updates *model.Service) (*pollingResponse, error) {
	endpoint, err := c.serviceURL(updates)
	if err != nil {
		return nil, &model.AuthError{Reason: "wallet returned an unsafe updates endpoint", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &model.ProviderUnavailableError{Op: "authenticate", Err: err}
	}

	return c.doPolling(ctx, c.walletClient(), req)
}

// doPolling はリクエストを送信しPollingResponseとしてデコードする。
func (c *Client) doPolling(ctx context.Context, client *http.Client, req *http.Request) (*pollingResponse, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "FlowDevKit/1.0")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &model.AuthError{Reason: "authentication canceled", Canceled: true, Err: ctx.Err()}
		}
		return nil, &model.ProviderUnavailableError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &model.ProviderUnavailableError{
			Op:  "authenticate",
			Err: fmt.Errorf("wallet returned status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &model.AuthError{Reason: fmt.Sprintf("wallet returned status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &model.ProviderUnavailableError{Op: "authenticate", Err: err}
	}

	var pr pollingResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, &model.AuthError{Reason: "invalid wallet response", Err: err}
	}
	return &pr, nil
}

// decodeApproval はAPPROVED応答のdataから現在のユーザーを組み立てる。
func (c *Client) decodeApproval(data json.RawMessage) (model.CurrentUser, error) {
	var ar authnResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return model.CurrentUser{}, fmt.Errorf("failed to decode authn response: %w", err)
	}
	if !model.IsValidAddress(ar.Addr) {
		return model.CurrentUser{}, fmt.Errorf("wallet returned invalid address %q", ar.Addr)
	}

	expiresAt := time.Time{}
	if ar.ExpiresAt > 0 {
		expiresAt = time.UnixMilli(ar.ExpiresAt)
	} else if c.config.SessionMaxAge > 0 {
		expiresAt = c.now().Add(c.config.SessionMaxAge)
	}

	return model.CurrentUser{
		Addr:      model.WithPrefix(ar.Addr),
		LoggedIn:  true,
		ExpiresAt: expiresAt,
		Services:  ar.Services,
	}, nil
}

// serviceURL はサービス記述子のendpointとparamsからURLを組み立て、SSRFガードで検証する。
func (c *Client) serviceURL(s *model.Service) (string, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if len(s.Params) > 0 {
		q := u.Query()
		for k, v := range s.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	raw := u.String()

	if c.guard != nil {
		if err := c.guard.ValidateURL(raw); err != nil {
			return "", err
		}
	} else if err := validateEndpoint(raw); err != nil {
		return "", err
	}
	return raw, nil
}

// walletClient はウォレット指定のURLへアクセスするためのHTTPクライアントを返す。
func (c *Client) walletClient() *http.Client {
	if c.guard != nil {
		return c.guard.NewSafeClient(c.config.RequestTimeout, maxResponseSize)
	}
	return c.httpClient
}

func (c *Client) sanitize(s string) string {
	if c.sanitizer == nil {
		return s
	}
	return c.sanitizer.Sanitize(s)
}

// openIDServices はOpenIDスコープ設定をウォレットに渡す形式に変換する。
func openIDServices(scopes string) map[string]string {
	if scopes == "" {
		return nil
	}
	return map[string]string{"OpenID.scopes": scopes}
}

// IsCanceled はerrがユーザーまたは呼び出し元によるキャンセルかを返す。
func IsCanceled(err error) bool {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr.Canceled
	}
	return errors.Is(err, context.Canceled)
}
