// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/metrics"
	"github.com/hitoshi/storefront/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証済みidentityを格納するためのキー。
var principalContextKey = contextKey("principal")

// Authenticator はBearerトークンを検証し、identityを解決するインターフェース。
// auth.Serviceの部分集合として定義する。
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.Principal, error)
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// スキーム名は大文字小文字を区別しない。ヘッダーがない場合や
// "Bearer <token>" の形式でない場合はfalseを返す。
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// NewAuthMiddleware はAuthorization: Bearerヘッダーのトークンを検証するミドルウェアを返す。
// 検証に成功した場合はパスワードハッシュを除いたidentityをコンテキストに注入する。
// 失敗した場合は後続のハンドラーを呼び出さずに401（ストア障害時は500）を返す。
func NewAuthMiddleware(authenticator Authenticator, recorder metrics.Recorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				recorder.RecordRejection(metrics.ReasonNoCredential)
				WriteUnauthorized(w, model.NewUnauthenticatedError())
				return
			}

			principal, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				reason, apiErr := classifyAuthError(err)
				recorder.RecordRejection(reason)
				if apiErr == nil {
					slog.Error("failed to authenticate request",
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				WriteUnauthorized(w, apiErr)
				return
			}

			annotateRequestLog(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// classifyAuthError は認証エラーをメトリクスの理由ラベルとAPIErrorに変換する。
// 想定外のエラー（ストア障害など）の場合、APIErrorはnilとなる。
func classifyAuthError(err error) (string, *model.APIError) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return metrics.ReasonTokenExpired, model.NewTokenExpiredError()
	case errors.Is(err, auth.ErrTokenRevoked):
		return metrics.ReasonTokenRevoked, model.NewTokenRevokedError()
	case errors.Is(err, auth.ErrIdentityNotFound):
		return metrics.ReasonUnknownIdentity, model.NewIdentityNotFoundError()
	case errors.Is(err, auth.ErrTokenInvalid):
		return metrics.ReasonInvalidToken, model.NewInvalidTokenError()
	default:
		return metrics.ReasonStoreUnavailable, nil
	}
}

// RequireRole は認証済みidentityのロールが指定ロールと一致する場合のみ通過させるミドルウェアを返す。
// NewAuthMiddlewareの後に配置する。identityがコンテキストにない場合も403を返す。
func RequireRole(role model.Role, recorder metrics.Recorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok || principal.Role != role {
				recorder.RecordRejection(metrics.ReasonInsufficientRole)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin は管理者ロールのみ通過させるミドルウェアを返す。
func RequireAdmin(recorder metrics.Recorder) func(next http.Handler) http.Handler {
	return RequireRole(model.RoleAdmin, recorder)
}

// PrincipalFromContext はリクエストコンテキストから認証済みidentityを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*model.Principal)
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}

// ContextWithPrincipal はコンテキストに認証済みidentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
