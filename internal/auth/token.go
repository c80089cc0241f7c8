package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/storefront/internal/model"
)

// MinSecretLength はHS256署名シークレットの最小バイト長。
const MinSecretLength = 32

var (
	// ErrTokenInvalid は署名不正・形式不正・発行者不一致のトークンを表す。
	ErrTokenInvalid = errors.New("auth: invalid token")
	// ErrTokenExpired は有効期限に到達したトークンを表す。
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenRevoked はログアウトにより失効したトークンを表す。
	ErrTokenRevoked = errors.New("auth: token revoked")
	// ErrIdentityNotFound はトークンの主体がどのパーティションにも存在しないことを表す。
	ErrIdentityNotFound = errors.New("auth: identity not found")
	// ErrInvalidCredentials はログイン失敗を表す。
	// メールアドレス不明とパスワード不一致を区別しない。
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// TokenConfig はTokenManagerの設定。
// シークレットは環境変数から直接読まず、起動時に構築して渡す。
type TokenConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string

	// Now は現在時刻を返す。nilの場合はtime.Nowを使用する。
	Now func() time.Time
}

// Claims はトークンに埋め込むクレーム。
// 認可判定にはトークン内のroleではなく、検証時にストアから読み直したroleを使用する。
type Claims struct {
	Role model.Role `json:"role"`
	Kind model.Kind `json:"kind"`
	jwt.RegisteredClaims
}

// IssuedToken は発行済みトークンを表す。
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// TokenManager はHS256署名トークンの発行と検証を行う。
// 状態を持たないため、複数goroutineから同時に使用できる。
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenManager はTokenManagerを生成する。
// シークレットが空またはMinSecretLength未満の場合はエラーを返す。
func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive: %v", cfg.TTL)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		now:    now,
	}, nil
}

// TTL はトークンの有効期間を返す。
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Issue はidentityのIDを主体とするトークンを発行する。
func (m *TokenManager) Issue(subject string, role model.Role, kind model.Kind) (*IssuedToken, error) {
	// NumericDateは秒精度でエンコードされるため、発行時刻を秒単位に揃える
	issuedAt := m.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(m.ttl)
	tokenID := uuid.NewString()

	claims := Claims{
		Role: role,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &IssuedToken{Token: signed, ID: tokenID, ExpiresAt: expiresAt}, nil
}

// Parse はトークンの署名・有効期限・発行者を検証し、クレームを返す。
// HS256以外のアルゴリズムは拒否する。有効期限ちょうどの時刻は期限切れとして扱う。
func (m *TokenManager) Parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrTokenInvalid
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing sub or jti", ErrTokenInvalid)
	}

	return claims, nil
}
