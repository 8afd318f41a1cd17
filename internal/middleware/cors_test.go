package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowdevkit/flowdevkit/internal/model"
)

// TestCORS_ConnectPreflight_DoesNotStartWalletFlow は接続APIのプリフライトが204で終わり、
// CSRFヘッダーとCookieの送信を許可することを検証する。
func TestCORS_ConnectPreflight_DoesNotStartWalletFlow(t *testing.T) {
	connects := 0
	handler := NewCORSMiddleware("https://dapp.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connects++
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/session/connect", nil)
	req.Header.Set("Origin", "https://dapp.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type, x-csrf-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if connects != 0 {
		t.Errorf("connect handler ran %d times on preflight, want 0", connects)
	}

	h := w.Header()
	if got := h.Get("Access-Control-Allow-Origin"); got != "https://dapp.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want configured origin", got)
	}
	if got := h.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want true (csrf cookie)", got)
	}
	if got := h.Get("Access-Control-Allow-Headers"); !strings.Contains(got, csrfHeaderName) {
		t.Errorf("Access-Control-Allow-Headers = %q, want to allow %s", got, csrfHeaderName)
	}
	if got := h.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Errorf("Access-Control-Allow-Methods = %q, want POST for connect/disconnect", got)
	}
}

// TestCORS_RateLimitedConnect_ExposesRetryAfter は接続の試行制限時にフロントエンドが
// Retry-Afterを読めることを検証する。
func TestCORS_RateLimitedConnect_ExposesRetryAfter(t *testing.T) {
	handler := NewCORSMiddleware("https://dapp.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/session/connect", nil)
	req.Header.Set("Origin", "https://dapp.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "Retry-After" {
		t.Errorf("Access-Control-Expose-Headers = %q, want Retry-After", got)
	}
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
}

// TestCORS_SessionRead_VariesByOrigin はセッション参照の応答がオリジンごとにキャッシュされることを検証する。
func TestCORS_SessionRead_VariesByOrigin(t *testing.T) {
	handler := NewCORSMiddleware("http://localhost:3000")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"isAuthenticated": false, "loading": true})
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Values("Vary"); len(got) != 1 || got[0] != "Origin" {
		t.Errorf("Vary = %v, want [Origin]", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got == "*" {
		t.Error("wildcard origin must not be used with credentials")
	}
}
