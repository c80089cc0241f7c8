package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/storefront/internal/metrics"
	"github.com/hitoshi/storefront/internal/model"
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

// requestLogKey はアクセスログ用の付加情報を格納するためのキー。
var requestLogKey = contextKey("request_log")

// requestLog は内側のミドルウェアが判明させた情報をアクセスログへ渡す。
// 認証はロギングより内側で行われるため、コンテキストの値ではなく共有の入れ物を使う。
type requestLog struct {
	mu          sync.Mutex
	principalID string
	role        model.Role
}

// annotateRequestLog は認証済みidentityをアクセスログの付加情報に記録する。
func annotateRequestLog(ctx context.Context, p *model.Principal) {
	rl, ok := ctx.Value(requestLogKey).(*requestLog)
	if !ok || p == nil {
		return
	}
	rl.mu.Lock()
	rl.principalID = p.ID
	rl.role = p.Role
	rl.mu.Unlock()
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、principal_idとrole（認証済みの場合）を含む。
// ステータスコードと処理時間はメトリクスにも記録する。
func NewLoggingMiddleware(logger *slog.Logger, recorder metrics.Recorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			rl := &requestLog{}
			ctx := context.WithValue(r.Context(), requestLogKey, rl)

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			recorder.RecordHTTPStatus(rec.statusCode)
			recorder.RecordRequestLatency(duration)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			rl.mu.Lock()
			if rl.principalID != "" {
				attrs = append(attrs,
					slog.String("principal_id", rl.principalID),
					slog.String("role", string(rl.role)),
				)
			}
			rl.mu.Unlock()

			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}
