package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap はhttp.ResponseControllerから元のResponseWriterを参照するために使う。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// StatusRecorder はHTTPステータスコードのメトリクス記録先。
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

// LoggingOption はロギングミドルウェアのオプション。
type LoggingOption func(*loggingConfig)

type loggingConfig struct {
	sessions SessionSource
	recorder StatusRecorder
}

// WithSessionSource は接続中のウォレットアドレスをログに含める。
func WithSessionSource(src SessionSource) LoggingOption {
	return func(c *loggingConfig) { c.sessions = src }
}

// WithStatusRecorder はレスポンスのステータスコードをメトリクスに記録する。
func WithStatusRecorder(rec StatusRecorder) LoggingOption {
	return func(c *loggingConfig) { c.recorder = rec }
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、wallet_address（接続済みの場合）を含む。
func NewLoggingMiddleware(logger *slog.Logger, opts ...LoggingOption) func(next http.Handler) http.Handler {
	cfg := &loggingConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			// Connectの完了後はレスポンス時点のセッションを記録する
			if cfg.sessions != nil {
				if s := cfg.sessions.Session(); s.IsAuthenticated {
					args = append(args, slog.String("wallet_address", s.Address))
				}
			} else if addr, err := AddressFromContext(r.Context()); err == nil {
				args = append(args, slog.String("wallet_address", addr))
			}

			if cfg.recorder != nil {
				cfg.recorder.RecordHTTPStatus(rec.statusCode)
			}

			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
