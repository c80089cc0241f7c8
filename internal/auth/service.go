// Package auth はパスワードログイン・外部IdPログイン、トークンの発行・検証・失効を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/repository"
	"github.com/hitoshi/storefront/internal/security"
)

// ErrProviderDisabled は外部IdPログインが設定されていないことを表す。
var ErrProviderDisabled = errors.New("auth: oauth provider is not configured")

// dummyPassword はメールアドレス不明時にも照合コストを発生させるためのダミー。
const dummyPassword = "storefront-login-timing-equalizer"

// RegisterInput は会員登録の入力。
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Token     *IssuedToken
	Principal *model.Principal
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	store       repository.IdentityStore
	hasher      PasswordHasher
	tokens      *TokenManager
	revocations repository.RevocationStore
	oauth       OAuthProvider
	sanitizer   *security.ProfileSanitizer

	dummyOnce sync.Once
	dummyHash string
}

// NewService はServiceを生成する。
// oauthがnilの場合、外部IdPログインはErrProviderDisabledを返す。
func NewService(
	store repository.IdentityStore,
	hasher PasswordHasher,
	tokens *TokenManager,
	revocations repository.RevocationStore,
	oauth OAuthProvider,
) *Service {
	return &Service{
		store:       store,
		hasher:      hasher,
		tokens:      tokens,
		revocations: revocations,
		oauth:       oauth,
		sanitizer:   security.NewProfileSanitizer(),
	}
}

// OAuthEnabled は外部IdPログインが利用可能かを返す。
func (s *Service) OAuthEnabled() bool {
	return s.oauth != nil
}

// GetLoginURL は外部IdPの認証URLを生成する。
func (s *Service) GetLoginURL(state string) (string, error) {
	if s.oauth == nil {
		return "", ErrProviderDisabled
	}
	return s.oauth.GetLoginURL(state), nil
}

// Register は顧客アカウントを作成し、トークンを発行する。
// メールアドレスが既にいずれかのパーティションに存在する場合はEMAIL_TAKENを返す。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*LoginResult, error) {
	email := model.NormalizeEmail(in.Email)
	if !model.IsValidEmail(email) {
		return nil, model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	existing, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("アカウントの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailTakenError()
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.tokens.now()
	identity := &model.Identity{
		ID:           uuid.NewString(),
		Kind:         model.KindUser,
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		FirstName:    s.sanitizer.Clean(in.FirstName),
		LastName:     s.sanitizer.Clean(in.LastName),
		Phone:        s.sanitizer.Clean(in.Phone),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.save(ctx, identity); err != nil {
		return nil, err
	}

	slog.Info("user registered", slog.String("user_id", identity.ID))
	return s.issue(identity)
}

// Login はメールアドレスとパスワードで認証し、トークンを発行する。
// usersを先に、次にadminsを検索する。
// メールアドレス不明・パスワード不一致・外部IdP専用アカウントはすべてErrInvalidCredentialsを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	identity, err := s.store.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("アカウントの検索に失敗しました: %w", err)
	}

	if len(password) > MaxPasswordBytes {
		password = password[:MaxPasswordBytes]
	}

	if identity == nil || identity.PasswordHash == "" {
		s.compareDummy(password)
		slog.Warn("login rejected", slog.String("reason", "unknown_or_federated"))
		return nil, ErrInvalidCredentials
	}

	if err := s.hasher.Compare(identity.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			slog.Warn("login rejected",
				slog.String("reason", "password_mismatch"),
				slog.String("user_id", identity.ID),
			)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	slog.Info("login succeeded",
		slog.String("user_id", identity.ID),
		slog.String("kind", string(identity.Kind)),
	)
	return s.issue(identity)
}

// LoginWithProvider は外部IdPの認可コードを処理し、トークンを発行する。
// 未登録の場合はパスワードを持たない顧客アカウントを作成する。
// 同じメールアドレスのパスワードアカウントが存在する場合は自動で統合せずEMAIL_TAKENを返す。
func (s *Service) LoginWithProvider(ctx context.Context, code string) (*LoginResult, error) {
	if s.oauth == nil {
		return nil, ErrProviderDisabled
	}

	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	if !info.EmailVerified {
		slog.Warn("oauth login rejected", slog.String("reason", "email_not_verified"))
		return nil, ErrInvalidCredentials
	}

	identity, err := s.store.FindByProvider(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("連携アカウントの検索に失敗しました: %w", err)
	}

	if identity == nil {
		identity, err = s.createFederated(ctx, info)
		if err != nil {
			return nil, err
		}
	}

	slog.Info("oauth login succeeded",
		slog.String("user_id", identity.ID),
		slog.String("provider", info.Provider),
	)
	return s.issue(identity)
}

func (s *Service) createFederated(ctx context.Context, info *OAuthUserInfo) (*model.Identity, error) {
	email := model.NormalizeEmail(info.Email)
	if !model.IsValidEmail(email) {
		return nil, model.NewValidationError("外部IdPから有効なメールアドレスが取得できませんでした")
	}

	existing, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("アカウントの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailTakenError()
	}

	now := s.tokens.now()
	identity := &model.Identity{
		ID:             uuid.NewString(),
		Kind:           model.KindUser,
		Email:          email,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		Role:           model.RoleUser,
		FirstName:      s.sanitizer.Clean(info.FirstName),
		LastName:       s.sanitizer.Clean(info.LastName),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.store.Save(ctx, identity)
	if errors.Is(err, repository.ErrDuplicateIdentity) {
		// 同時ログインで先に作成された場合
		created, findErr := s.store.FindByProvider(ctx, info.Provider, info.ProviderUserID)
		if findErr != nil {
			return nil, fmt.Errorf("連携アカウントの再取得に失敗しました: %w", findErr)
		}
		if created == nil {
			return nil, fmt.Errorf("連携アカウントの再取得に失敗しました: %w", err)
		}
		return created, nil
	}
	if errors.Is(err, repository.ErrDuplicateEmail) {
		return nil, model.NewEmailTakenError()
	}
	if err != nil {
		return nil, fmt.Errorf("連携アカウントの作成に失敗しました: %w", err)
	}

	slog.Info("federated user created",
		slog.String("user_id", identity.ID),
		slog.String("provider", info.Provider),
	)
	return identity, nil
}

// Authenticate はトークンを検証し、対応するidentityの射影を返す。
// 署名・有効期限の検証、失効リストの確認、usersからadminsへのフォールバック検索の順に行う。
// 同じトークンに対しては何度呼び出しても同じ結果を返す。
func (s *Service) Authenticate(ctx context.Context, token string) (*model.Principal, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	if !model.IsValidID(claims.Subject) {
		return nil, fmt.Errorf("%w: malformed subject", ErrTokenInvalid)
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("失効リストの確認に失敗しました: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	identity, err := s.store.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("アカウントの検索に失敗しました: %w", err)
	}
	if identity == nil {
		return nil, ErrIdentityNotFound
	}

	return identity.Sanitized(), nil
}

// Logout はトークンを有効期限まで失効リストに登録する。
// 既に期限切れのトークンは失効させる必要がないため成功として扱う。
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(token)
	if errors.Is(err, ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("トークンの失効に失敗しました: %w", err)
	}

	slog.Info("user logged out", slog.String("user_id", claims.Subject))
	return nil
}

// CreateAdmin は管理者アカウントを作成する。create-adminコマンドから使用する。
func (s *Service) CreateAdmin(ctx context.Context, email, password string) (*model.Principal, error) {
	email = model.NormalizeEmail(email)
	if !model.IsValidEmail(email) {
		return nil, model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	if err := ValidatePassword(password); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	existing, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("アカウントの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailTakenError()
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := s.tokens.now()
	identity := &model.Identity{
		ID:           uuid.NewString(),
		Kind:         model.KindAdmin,
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.save(ctx, identity); err != nil {
		return nil, err
	}

	slog.Info("admin created", slog.String("admin_id", identity.ID))
	return identity.Sanitized(), nil
}

func (s *Service) save(ctx context.Context, identity *model.Identity) error {
	err := s.store.Save(ctx, identity)
	if errors.Is(err, repository.ErrDuplicateEmail) {
		return model.NewEmailTakenError()
	}
	if err != nil {
		return fmt.Errorf("アカウントの保存に失敗しました: %w", err)
	}
	return nil
}

func (s *Service) issue(identity *model.Identity) (*LoginResult, error) {
	token, err := s.tokens.Issue(identity.ID, identity.Role, identity.Kind)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, Principal: identity.Sanitized()}, nil
}

// compareDummy はダミーハッシュとの照合を行い、照合にかかる時間を揃える。
func (s *Service) compareDummy(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(dummyPassword)
		if err != nil {
			slog.Error("failed to prepare dummy hash", slog.String("error", err.Error()))
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		_ = s.hasher.Compare(s.dummyHash, password)
	}
}
