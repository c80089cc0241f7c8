package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/metrics"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/user"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator      middleware.Authenticator
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	Logger             *slog.Logger
	Metrics            metrics.Recorder
	MetricsHandler     http.Handler // nilの場合 /metrics は公開しない

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザー
	UserService  UserServiceInterface
	AdminService AdminServiceInterface

	// ヘルスチェック
	DB Pinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Auth → RateLimit(General) → RequireAdmin
//
// 登録・ログインと外部IdPログインは認証の外に置き、IPごとのログイン制限のみを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, recorder))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins...))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig, recorder)
	userHandler := NewUserHandler(deps.UserService)
	adminHandler := NewAdminHandler(deps.AdminService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.LoginMiddleware())

		r.Post("/api/auth/register", authHandler.Register)
		r.Post("/api/auth/login", authHandler.Login)

		// 外部IdPログイン（設定されている場合のみ）
		if deps.AuthService.OAuthEnabled() {
			r.Get("/auth/google/login", authHandler.GoogleLogin)
			r.Get("/auth/google/callback", authHandler.GoogleCallback)
		}
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Authenticator, recorder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)
		r.Patch("/api/users/me", userHandler.UpdateMe)

		// 管理者専用
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin(recorder))
			r.Get("/users", adminHandler.ListUsers)
			r.Get("/users/{id}", adminHandler.GetUser)
		})
	})

	return r
}

// --- compile-time interface checks ---

var (
	_ AuthServiceInterface     = (*auth.Service)(nil)
	_ middleware.Authenticator = (*auth.Service)(nil)
	_ UserServiceInterface     = (*user.Service)(nil)
	_ AdminServiceInterface    = (*user.Service)(nil)
)
