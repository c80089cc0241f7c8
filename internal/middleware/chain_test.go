package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/metrics"
	"github.com/hitoshi/storefront/internal/model"
)

// newChainRouter は本番と同じ順序でミドルウェアを組み立てたルーターを返す。
func newChainRouter(t *testing.T, authenticator Authenticator) http.Handler {
	t.Helper()
	var buf bytes.Buffer
	rl := NewRateLimiter(DefaultRateLimiterConfig(), metrics.Nop{})
	t.Cleanup(rl.Stop)

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(newJSONLogger(&buf)))
	r.Use(NewLoggingMiddleware(newJSONLogger(&buf), metrics.Nop{}))
	r.Use(NewSecurityHeadersMiddleware(false))
	r.Use(NewCORSMiddleware("http://localhost:3000"))

	r.Group(func(r chi.Router) {
		r.Use(NewAuthMiddleware(authenticator, metrics.Nop{}))
		r.Use(rl.GeneralMiddleware())

		r.Get("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin(metrics.Nop{}))
			r.Get("/api/admin/users", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		})
	})

	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	return r
}

func chainAuthenticator() Authenticator {
	return &mockAuthenticator{
		authenticateFn: func(ctx context.Context, token string) (*model.Principal, error) {
			switch token {
			case "admin-token":
				return newPrincipal("admin-1", model.RoleAdmin), nil
			case "user-token":
				return newPrincipal("user-1", model.RoleUser), nil
			case "expired-token":
				return nil, auth.ErrTokenExpired
			default:
				return nil, auth.ErrTokenInvalid
			}
		},
	}
}

// TestMiddlewareChain_AuthAndRoleGate は認証とロールゲートを通過したリクエストのみが
// ハンドラーに到達することを検証する。
func TestMiddlewareChain_AuthAndRoleGate(t *testing.T) {
	router := newChainRouter(t, chainAuthenticator())

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"一般ユーザーは自身の情報にアクセスできる", "/api/auth/me", "user-token", http.StatusOK},
		{"管理者は管理ルートにアクセスできる", "/api/admin/users", "admin-token", http.StatusOK},
		{"一般ユーザーは管理ルートで403", "/api/admin/users", "user-token", http.StatusForbidden},
		{"トークンなしは401", "/api/admin/users", "", http.StatusUnauthorized},
		{"期限切れは401", "/api/admin/users", "expired-token", http.StatusUnauthorized},
		{"改ざんトークンは401", "/api/auth/me", "tampered", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
			}
		})
	}
}

// TestMiddlewareChain_RecoversPanic はpanicが500の統一エラーに変換されることを検証する。
func TestMiddlewareChain_RecoversPanic(t *testing.T) {
	router := newChainRouter(t, chainAuthenticator())

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}
