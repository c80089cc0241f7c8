package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/metrics"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
)

const oauthStateCookie = "oauth_state"

// ログイン方式と結果のメトリクスラベル
const (
	loginMethodPassword = "password"
	loginMethodRegister = "register"
	loginMethodGoogle   = "google"
	outcomeSuccess      = "success"
	outcomeFailure      = "failure"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.LoginResult, error)
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	Logout(ctx context.Context, token string) error
	OAuthEnabled() bool
	GetLoginURL(state string) (string, error)
	LoginWithProvider(ctx context.Context, code string) (*auth.LoginResult, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string // 外部IdPログイン完了後のリダイレクト先（フロントエンド）
	CookieSecure bool
}

// AuthHandler は登録・ログイン・ログアウトと外部IdPログインのHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	config   AuthHandlerConfig
	recorder metrics.Recorder
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig, recorder metrics.Recorder) *AuthHandler {
	return &AuthHandler{
		service:  service,
		config:   config,
		recorder: recorder,
	}
}

// registerRequest は会員登録リクエストのボディ。
type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// tokenResponse はトークン発行時のAPIレスポンス。
type tokenResponse struct {
	Token     string           `json:"token"`
	TokenType string           `json:"token_type"`
	ExpiresAt time.Time        `json:"expires_at"`
	User      *model.Principal `json:"user"`
}

func toTokenResponse(result *auth.LoginResult) tokenResponse {
	return tokenResponse{
		Token:     result.Token.Token,
		TokenType: "Bearer",
		ExpiresAt: result.Token.ExpiresAt.UTC(),
		User:      result.Principal,
	}
}

// Register は会員登録を処理し、トークンを発行する。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		h.recorder.RecordLogin(loginMethodRegister, outcomeFailure)
		handleServiceError(w, err)
		return
	}

	h.recorder.RecordLogin(loginMethodRegister, outcomeSuccess)
	writeJSON(w, http.StatusCreated, toTokenResponse(result))
}

// Login はメールアドレスとパスワードで認証し、トークンを発行する。
// 失敗理由（メールアドレス不明・パスワード不一致）はレスポンスで区別しない。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		h.recorder.RecordLogin(loginMethodPassword, outcomeFailure)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.recorder.RecordLogin(loginMethodPassword, outcomeFailure)
		handleServiceError(w, err)
		return
	}

	h.recorder.RecordLogin(loginMethodPassword, outcomeSuccess)
	writeJSON(w, http.StatusOK, toTokenResponse(result))
}

// Logout は提示されたトークンを失効させる。
// 認証ミドルウェアの後に配置する。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	if err := h.service.Logout(r.Context(), token); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	writeJSON(w, http.StatusOK, principal)
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.service.GetLoginURL(state)
	if err != nil {
		if errors.Is(err, auth.ErrProviderDisabled) {
			http.NotFound(w, r)
			return
		}
		handleServiceError(w, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth/google",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理し、フロントエンドへトークンを引き渡す。
// トークンはURLフラグメントに載せるため、サーバーログやRefererには残らない。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("stateパラメータが一致しません"))
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth/google",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("認可コードがありません"))
		return
	}

	// 3. 認証処理
	result, err := h.service.LoginWithProvider(r.Context(), code)
	if err != nil {
		h.recorder.RecordLogin(loginMethodGoogle, outcomeFailure)
		apiErr := toAPIError(err)
		if apiErr == nil {
			slog.Error("oauth callback failed", slog.String("error", err.Error()))
			apiErr = model.NewInternalError()
		}
		http.Redirect(w, r, h.callbackURL(url.Values{"error": {apiErr.Code}}), http.StatusSeeOther)
		return
	}

	// 4. フロントエンドにリダイレクト
	h.recorder.RecordLogin(loginMethodGoogle, outcomeSuccess)
	http.Redirect(w, r, h.callbackURL(url.Values{
		"token":      {result.Token.Token},
		"expires_at": {result.Token.ExpiresAt.UTC().Format(time.RFC3339)},
	}), http.StatusSeeOther)
}

// callbackURL はフロントエンドのコールバックURLを、値をフラグメントに付けて組み立てる。
func (h *AuthHandler) callbackURL(fragment url.Values) string {
	return strings.TrimRight(h.config.BaseURL, "/") + "/auth/callback#" + fragment.Encode()
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
