package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/storefront/internal/model"
)

const testSecret = "test-signing-secret-0123456789abcdef"

// fakeClock はテスト用の手動で進める時計。
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestTokenManager(t *testing.T, clock *fakeClock) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(TokenConfig{
		Secret: testSecret,
		TTL:    time.Hour,
		Issuer: "storefront",
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}
	return m
}

func TestNewTokenManager_RejectsShortSecret(t *testing.T) {
	for _, secret := range []string{"", "short-secret"} {
		_, err := NewTokenManager(TokenConfig{Secret: secret, TTL: time.Hour})
		if err == nil {
			t.Errorf("NewTokenManager(secret=%q) expected error, got nil", secret)
		}
	}
}

func TestNewTokenManager_RejectsNonPositiveTTL(t *testing.T) {
	_, err := NewTokenManager(TokenConfig{Secret: testSecret, TTL: 0})
	if err == nil {
		t.Fatal("expected error for zero TTL")
	}
}

func TestTokenManager_IssueThenParse_Succeeds(t *testing.T) {
	clock := newFakeClock()
	m := newTestTokenManager(t, clock)

	issued, err := m.Issue("user-1", model.RoleAdmin, model.KindAdmin)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if issued.Token == "" || issued.ID == "" {
		t.Fatalf("Issue() returned empty token or id: %+v", issued)
	}
	if !issued.ExpiresAt.Equal(clock.now.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", issued.ExpiresAt, clock.now.Add(time.Hour))
	}

	claims, err := m.Parse(issued.Token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("sub = %q, want %q", claims.Subject, "user-1")
	}
	if claims.ID != issued.ID {
		t.Errorf("jti = %q, want %q", claims.ID, issued.ID)
	}
	if claims.Issuer != "storefront" {
		t.Errorf("iss = %q, want %q", claims.Issuer, "storefront")
	}
	if claims.Role != model.RoleAdmin || claims.Kind != model.KindAdmin {
		t.Errorf("role/kind = %q/%q, want admin/admin", claims.Role, claims.Kind)
	}
	if !claims.IssuedAt.Time.Equal(clock.now) {
		t.Errorf("iat = %v, want %v", claims.IssuedAt.Time, clock.now)
	}
}

func TestTokenManager_Issue_UniqueTokenIDs(t *testing.T) {
	m := newTestTokenManager(t, newFakeClock())

	a, _ := m.Issue("user-1", model.RoleUser, model.KindUser)
	b, _ := m.Issue("user-1", model.RoleUser, model.KindUser)
	if a.ID == b.ID {
		t.Error("two tokens issued at the same instant must have distinct jti")
	}
}

func TestTokenManager_Parse_ExpiryBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantErr error
	}{
		{"発行直後は有効", 0, nil},
		{"期限の1秒前は有効", time.Hour - time.Second, nil},
		{"期限ちょうどは期限切れ", time.Hour, ErrTokenExpired},
		{"期限の1秒後は期限切れ", time.Hour + time.Second, ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestTokenManager(t, clock)

			issued, err := m.Issue("user-1", model.RoleUser, model.KindUser)
			if err != nil {
				t.Fatalf("Issue() error = %v", err)
			}

			clock.Advance(tt.elapsed)
			_, err = m.Parse(issued.Token)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Parse() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenManager_Parse_SubSecondIssueTime(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 700_000_000, time.UTC)}
	m := newTestTokenManager(t, clock)

	issued, err := m.Issue("user-1", model.RoleUser, model.KindUser)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock.now = issued.ExpiresAt
	if _, err := m.Parse(issued.Token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Parse() at reported ExpiresAt error = %v, want ErrTokenExpired", err)
	}
}

func TestTokenManager_Parse_RejectsForeignSignature(t *testing.T) {
	clock := newFakeClock()
	m := newTestTokenManager(t, clock)

	other, err := NewTokenManager(TokenConfig{
		Secret: "another-signing-secret-0123456789abcdef",
		TTL:    time.Hour,
		Issuer: "storefront",
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}
	issued, _ := other.Issue("user-1", model.RoleAdmin, model.KindAdmin)

	if _, err := m.Parse(issued.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Parse() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenManager_Parse_RejectsTamperedPayload(t *testing.T) {
	m := newTestTokenManager(t, newFakeClock())

	issued, _ := m.Issue("user-1", model.RoleUser, model.KindUser)
	parts := strings.Split(issued.Token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token format: %q", issued.Token)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	forged := strings.Replace(string(payload), `"role":"user"`, `"role":"admin"`, 1)
	if forged == string(payload) {
		t.Fatalf("payload does not contain role claim: %s", payload)
	}
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))

	if _, err := m.Parse(strings.Join(parts, ".")); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Parse() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenManager_Parse_RejectsAlgNone(t *testing.T) {
	clock := newFakeClock()
	m := newTestTokenManager(t, clock)

	claims := Claims{
		Role: model.RoleAdmin,
		Kind: model.KindAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "storefront",
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	if _, err := m.Parse(unsigned); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Parse() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenManager_Parse_RejectsOtherHMACAlgorithm(t *testing.T) {
	clock := newFakeClock()
	m := newTestTokenManager(t, clock)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "storefront",
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign HS512: %v", err)
	}

	if _, err := m.Parse(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Parse() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenManager_Parse_RejectsMissingExpiry(t *testing.T) {
	m := newTestTokenManager(t, newFakeClock())

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "storefront", ID: "jti-1"},
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))

	if _, err := m.Parse(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Parse() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenManager_Parse_RejectsWrongIssuer(t *testing.T) {
	clock := newFakeClock()
	m := newTestTokenManager(t, clock)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
		},
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))

	if _, err := m.Parse(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("Parse() error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenManager_Parse_RejectsMalformed(t *testing.T) {
	m := newTestTokenManager(t, newFakeClock())

	for _, token := range []string{"", "not-a-jwt", "a.b.c", "Bearer abc"} {
		if _, err := m.Parse(token); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Parse(%q) error = %v, want ErrTokenInvalid", token, err)
		}
	}
}
