package fcl

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

// Value はJSON-Cadence形式の値。
type Value struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// AddressArg はAddress型のスクリプト引数を生成する。
func AddressArg(addr string) Value {
	v, _ := json.Marshal(model.WithPrefix(addr))
	return Value{Type: "Address", Value: v}
}

// StringValue は値をJSON文字列として解釈する（UFix64、Address、String等）。
func (v Value) StringValue() (string, error) {
	var s string
	if err := json.Unmarshal(v.Value, &s); err != nil {
		return "", fmt.Errorf("value of type %s is not a string: %w", v.Type, err)
	}
	return s, nil
}

// TransactionResult はアクセスノードが返すトランザクションの実行結果。
type TransactionResult struct {
	BlockID         string             `json:"block_id"`
	Status          string             `json:"status"`
	StatusCode      int                `json:"status_code"`
	ErrorMessage    string             `json:"error_message"`
	ComputationUsed string             `json:"computation_used"`
	Events          []TransactionEvent `json:"events"`
}

// TransactionEvent はトランザクションが発行したイベント。payloadはbase64のJSON-Cadence。
type TransactionEvent struct {
	Type             string `json:"type"`
	TransactionID    string `json:"transaction_id"`
	TransactionIndex string `json:"transaction_index"`
	EventIndex       string `json:"event_index"`
	Payload          string `json:"payload"`
}

// Sealed はトランザクションが封印済み（確定）かを返す。
func (r *TransactionResult) Sealed() bool {
	return r.Status == "Sealed"
}

// accessError はアクセスノードのエラーレスポンス。
type accessError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// scriptRequest は/v1/scriptsのリクエストボディ。
type scriptRequest struct {
	Script    string   `json:"script"`
	Arguments []string `json:"arguments"`
}

// Query は読み取り専用のCadenceスクリプトを封印済みブロックに対して実行する。
// 引数はJSON-Cadence形式で渡し、結果もJSON-Cadence形式で返す。
func (c *Client) Query(ctx context.Context, script string, args []Value) (*Value, error) {
	opts, ok := c.Options()
	if !ok {
		return nil, &model.ProviderUnavailableError{Op: "query", Err: errNotConfigured}
	}
	if strings.TrimSpace(script) == "" {
		return nil, &model.ScriptError{StatusCode: http.StatusBadRequest, Message: "script is empty"}
	}

	encodedArgs := make([]string, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument: %w", err)
		}
		encodedArgs = append(encodedArgs, base64.StdEncoding.EncodeToString(b))
	}

	body, err := json.Marshal(scriptRequest{
		Script:    base64.StdEncoding.EncodeToString([]byte(script)),
		Arguments: encodedArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode script request: %w", err)
	}

	data, err := c.doAccess(ctx, opts, "query", http.MethodPost, "/v1/scripts", url.Values{"block_height": {"sealed"}}, body)
	if err != nil {
		return nil, err
	}

	// レスポンスはbase64エンコードされたJSON-CadenceのJSON文字列
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, &model.ProviderUnavailableError{Op: "query", Err: fmt.Errorf("unexpected script response: %w", err)}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &model.ProviderUnavailableError{Op: "query", Err: fmt.Errorf("invalid base64 in script response: %w", err)}
	}

	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &model.ProviderUnavailableError{Op: "query", Err: fmt.Errorf("invalid JSON-Cadence value: %w", err)}
	}
	return &v, nil
}

// Mutate は署名済みトランザクションをアクセスノードに送信し、トランザクションIDを返す。
// 署名はウォレットのauthzサービスで事前に行う。
func (c *Client) Mutate(ctx context.Context, tx json.RawMessage) (string, error) {
	opts, ok := c.Options()
	if !ok {
		return "", &model.ProviderUnavailableError{Op: "mutate", Err: errNotConfigured}
	}
	if !json.Valid(tx) {
		return "", &model.ScriptError{StatusCode: http.StatusBadRequest, Message: "transaction is not valid JSON"}
	}

	data, err := c.doAccess(ctx, opts, "mutate", http.MethodPost, "/v1/transactions", nil, tx)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID == "" {
		return "", &model.ProviderUnavailableError{Op: "mutate", Err: fmt.Errorf("unexpected transaction response")}
	}

	c.logger.Info("transaction submitted", slog.String("transaction_id", resp.ID))
	return resp.ID, nil
}

// TransactionStatus はトランザクションの実行結果を取得する。
// 存在しない場合はmodel.ErrNotFoundを返す。
func (c *Client) TransactionStatus(ctx context.Context, id string) (*TransactionResult, error) {
	opts, ok := c.Options()
	if !ok {
		return nil, &model.ProviderUnavailableError{Op: "transaction_status", Err: errNotConfigured}
	}

	data, err := c.doAccess(ctx, opts, "transaction_status", http.MethodGet, "/v1/transaction_results/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}

	var result TransactionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &model.ProviderUnavailableError{Op: "transaction_status", Err: fmt.Errorf("unexpected transaction result: %w", err)}
	}
	return &result, nil
}

// balanceScript はアカウントのFLOW残高を取得するスクリプト。
// コントラクトアドレスはネットワークに応じて埋め込む。
const balanceScript = `import FungibleToken from %s
import FlowToken from %s

access(all) fun main(address: Address): UFix64 {
  let account = getAccount(address)
  let vaultRef = account.capabilities.borrow<&{FungibleToken.Balance}>(/public/flowTokenBalance)
    ?? panic("Could not borrow Balance reference to the Vault")

  return vaultRef.balance
}
`

// FlowBalance は指定アドレスのFLOW残高をUFix64の文字列（例: "10.00100000"）で返す。
func (c *Client) FlowBalance(ctx context.Context, address string) (string, error) {
	if !model.IsValidAddress(address) {
		return "", &model.ScriptError{StatusCode: http.StatusBadRequest, Message: "invalid address " + address}
	}
	contracts := model.Contracts(c.config.Network)
	script := fmt.Sprintf(balanceScript, contracts["FungibleToken"], contracts["FlowToken"])

	v, err := c.Query(ctx, script, []Value{AddressArg(address)})
	if err != nil {
		return "", err
	}
	if v.Type != "UFix64" {
		return "", &model.ProviderUnavailableError{Op: "query", Err: fmt.Errorf("unexpected balance type %q", v.Type)}
	}
	return v.StringValue()
}

// doAccess はアクセスノードREST APIにリクエストを送る。
// 4xxは*model.ScriptError（404はmodel.ErrNotFound）、5xxと通信エラーは*model.ProviderUnavailableErrorを返す。
func (c *Client) doAccess(ctx context.Context, opts model.ProviderOptions, op, method, path string, query url.Values, body []byte) ([]byte, error) {
	endpoint := strings.TrimRight(opts.AccessNode, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create access node request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(op, 0, time.Since(start))
		c.logger.Error("access node request failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, &model.ProviderUnavailableError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.record(op, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &model.ProviderUnavailableError{Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, model.ErrNotFound
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var ae accessError
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &ae) == nil && ae.Message != "" {
			msg = ae.Message
		}
		return nil, &model.ScriptError{StatusCode: resp.StatusCode, Message: msg}
	default:
		c.logger.Error("access node returned error status",
			slog.String("op", op),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &model.ProviderUnavailableError{Op: op, Err: fmt.Errorf("access node returned status %d", resp.StatusCode)}
	}
}

func (c *Client) record(op string, status int, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordAccessNodeRequest(op, status, d)
	}
}
