package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/flowdevkit/flowdevkit/internal/fcl"
	"github.com/flowdevkit/flowdevkit/internal/middleware"
	"github.com/flowdevkit/flowdevkit/internal/model"
)

// mockFlowService はFlowServiceのモック実装。
type mockFlowService struct {
	queryFn       func(ctx context.Context, script string, args []fcl.Value) (*fcl.Value, error)
	mutateFn      func(ctx context.Context, tx json.RawMessage) (string, error)
	txStatusFn    func(ctx context.Context, id string) (*fcl.TransactionResult, error)
	flowBalanceFn func(ctx context.Context, address string) (string, error)
}

func (m *mockFlowService) Query(ctx context.Context, script string, args []fcl.Value) (*fcl.Value, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, script, args)
	}
	return &fcl.Value{Type: "Void"}, nil
}

func (m *mockFlowService) Mutate(ctx context.Context, tx json.RawMessage) (string, error) {
	if m.mutateFn != nil {
		return m.mutateFn(ctx, tx)
	}
	return "", nil
}

func (m *mockFlowService) TransactionStatus(ctx context.Context, id string) (*fcl.TransactionResult, error) {
	if m.txStatusFn != nil {
		return m.txStatusFn(ctx, id)
	}
	return &fcl.TransactionResult{}, nil
}

func (m *mockFlowService) FlowBalance(ctx context.Context, address string) (string, error) {
	if m.flowBalanceFn != nil {
		return m.flowBalanceFn(ctx, address)
	}
	return "0.00000000", nil
}

var (
	_ FlowService = (*mockFlowService)(nil)
	_ FlowService = (*fcl.Client)(nil)
)

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// --- 残高 ---

func TestFlowHandler_AccountBalance_Success(t *testing.T) {
	var gotAddr string
	h := NewFlowHandler(&mockFlowService{flowBalanceFn: func(ctx context.Context, address string) (string, error) {
		gotAddr = address
		return "10.00100000", nil
	}})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/accounts/01cf0e2f2f715450/balance", nil), "address", "01cf0e2f2f715450")
	w := httptest.NewRecorder()
	h.AccountBalance(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	// 0xプレフィックスを付与してから問い合わせる
	if gotAddr != "0x01cf0e2f2f715450" {
		t.Errorf("address = %q, want %q", gotAddr, "0x01cf0e2f2f715450")
	}
	var body balanceResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.Balance != "10.00100000" || body.Address != "0x01cf0e2f2f715450" {
		t.Errorf("body = %+v", body)
	}
}

func TestFlowHandler_AccountBalance_InvalidAddress_Returns400(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{flowBalanceFn: func(ctx context.Context, address string) (string, error) {
		t.Fatal("FlowBalance should not be called")
		return "", nil
	}})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/accounts/0xZZ/balance", nil), "address", "0xZZ")
	w := httptest.NewRecorder()
	h.AccountBalance(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidAddress {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidAddress)
	}
}

func TestFlowHandler_AccountBalance_AccessNodeDown_Returns503(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{flowBalanceFn: func(ctx context.Context, address string) (string, error) {
		return "", &model.ProviderUnavailableError{Op: "query"}
	}})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "address", "0x01cf0e2f2f715450")
	w := httptest.NewRecorder()
	h.AccountBalance(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestFlowHandler_ConnectedBalance_UsesContextAddress(t *testing.T) {
	var gotAddr string
	h := NewFlowHandler(&mockFlowService{flowBalanceFn: func(ctx context.Context, address string) (string, error) {
		gotAddr = address
		return "1.00000000", nil
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/account/balance", nil)
	req = req.WithContext(middleware.ContextWithAddress(req.Context(), "0xf8d6e0586b0a20c7"))
	w := httptest.NewRecorder()
	h.ConnectedBalance(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotAddr != "0xf8d6e0586b0a20c7" {
		t.Errorf("address = %q, want %q", gotAddr, "0xf8d6e0586b0a20c7")
	}
}

func TestFlowHandler_ConnectedBalance_NoWallet_Returns401(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{})

	w := httptest.NewRecorder()
	h.ConnectedBalance(w, httptest.NewRequest(http.MethodGet, "/api/account/balance", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- スクリプト ---

func TestFlowHandler_ExecuteScript_PassesArguments(t *testing.T) {
	var gotScript string
	var gotArgs []fcl.Value
	h := NewFlowHandler(&mockFlowService{queryFn: func(ctx context.Context, script string, args []fcl.Value) (*fcl.Value, error) {
		gotScript, gotArgs = script, args
		return &fcl.Value{Type: "Int", Value: json.RawMessage(`"42"`)}, nil
	}})

	body := `{"script":"access(all) fun main(a: Int): Int { return a }","arguments":[{"type":"Int","value":"42"}]}`
	w := httptest.NewRecorder()
	h.ExecuteScript(w, httptest.NewRequest(http.MethodPost, "/api/scripts", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(gotScript, "fun main") {
		t.Errorf("script = %q", gotScript)
	}
	if len(gotArgs) != 1 || gotArgs[0].Type != "Int" || string(gotArgs[0].Value) != `"42"` {
		t.Errorf("args = %+v", gotArgs)
	}

	var v fcl.Value
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if s, _ := v.StringValue(); v.Type != "Int" || s != "42" {
		t.Errorf("result = %+v", v)
	}
}

func TestFlowHandler_ExecuteScript_EmptyScript_Returns400(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{})

	w := httptest.NewRecorder()
	h.ExecuteScript(w, httptest.NewRequest(http.MethodPost, "/api/scripts", strings.NewReader(`{"script":"   "}`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidScript {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidScript)
	}
}

func TestFlowHandler_ExecuteScript_InvalidJSON_Returns400(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{})

	w := httptest.NewRecorder()
	h.ExecuteScript(w, httptest.NewRequest(http.MethodPost, "/api/scripts", strings.NewReader(`{`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestFlowHandler_ExecuteScript_Rejected_Returns400ScriptFailed(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{queryFn: func(ctx context.Context, script string, args []fcl.Value) (*fcl.Value, error) {
		return nil, &model.ScriptError{StatusCode: 400, Message: "cannot find declaration"}
	}})

	w := httptest.NewRecorder()
	h.ExecuteScript(w, httptest.NewRequest(http.MethodPost, "/api/scripts", strings.NewReader(`{"script":"import Missing from 0x01"}`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	body := parseAPIErrorResponse(t, w)
	if body["code"] != model.ErrCodeScriptFailed {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeScriptFailed)
	}
	if !strings.Contains(body["message"], "cannot find declaration") {
		t.Errorf("message = %q", body["message"])
	}
}

// --- トランザクション ---

func TestFlowHandler_SubmitTransaction_Returns202WithID(t *testing.T) {
	var gotBody string
	h := NewFlowHandler(&mockFlowService{mutateFn: func(ctx context.Context, tx json.RawMessage) (string, error) {
		gotBody = string(tx)
		return "a1b2c3", nil
	}})

	tx := `{"script":"dHJhbnNhY3Rpb24ge30=","arguments":[],"gas_limit":"9999"}`
	w := httptest.NewRecorder()
	h.SubmitTransaction(w, httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(tx)))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if gotBody != tx {
		t.Errorf("tx = %q, want passthrough", gotBody)
	}
	var body transactionSubmittedResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.ID != "a1b2c3" {
		t.Errorf("id = %q, want a1b2c3", body.ID)
	}
}

func TestFlowHandler_SubmitTransaction_InvalidJSON_Returns400(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{mutateFn: func(ctx context.Context, tx json.RawMessage) (string, error) {
		t.Fatal("Mutate should not be called")
		return "", nil
	}})

	w := httptest.NewRecorder()
	h.SubmitTransaction(w, httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(`not json`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidTransaction {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInvalidTransaction)
	}
}

func TestFlowHandler_SubmitTransaction_TooLarge_Returns413(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{})

	big := `{"script":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	w := httptest.NewRecorder()
	h.SubmitTransaction(w, httptest.NewRequest(http.MethodPost, "/api/transactions", strings.NewReader(big)))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestFlowHandler_GetTransaction_Sealed(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{txStatusFn: func(ctx context.Context, id string) (*fcl.TransactionResult, error) {
		return &fcl.TransactionResult{Status: "Sealed", StatusCode: 0}, nil
	}})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/transactions/a1b2c3", nil), "id", "a1b2c3")
	w := httptest.NewRecorder()
	h.GetTransaction(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["id"] != "a1b2c3" || body["sealed"] != true || body["status"] != "Sealed" {
		t.Errorf("body = %v", body)
	}
	if events, ok := body["events"].([]any); !ok || len(events) != 0 {
		t.Errorf("events = %v, want empty array", body["events"])
	}
}

func TestFlowHandler_GetTransaction_NotFound_Returns404(t *testing.T) {
	h := NewFlowHandler(&mockFlowService{txStatusFn: func(ctx context.Context, id string) (*fcl.TransactionResult, error) {
		return nil, model.ErrNotFound
	}})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/transactions/missing", nil), "id", "missing")
	w := httptest.NewRecorder()
	h.GetTransaction(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeTransactionNotFound {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeTransactionNotFound)
	}
}
