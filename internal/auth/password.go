package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 8
	// MaxPasswordBytes はbcryptが扱えるパスワードの最大バイト長。
	MaxPasswordBytes = 72
)

// PasswordHasher はパスワードの一方向ハッシュ化と照合を行う。
type PasswordHasher interface {
	// Hash は平文パスワードをハッシュ化する。
	Hash(password string) (string, error)
	// Compare はハッシュと平文パスワードを照合する。
	// 一致しない場合はErrInvalidCredentialsを返す。
	Compare(hash, password string) error
}

// BcryptHasher はbcryptによるPasswordHasherの実装。
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher はBcryptHasherを生成する。
func NewBcryptHasher(cost int) *BcryptHasher {
	return &BcryptHasher{cost: cost}
}

// Hash は平文パスワードをbcryptでハッシュ化する。
func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Compare はbcryptハッシュと平文パスワードを照合する。
func (h *BcryptHasher) Compare(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("failed to compare password: %w", err)
	}
	return nil
}

// ValidatePassword はパスワードの長さを検証する。
// エラーメッセージはそのまま利用者に提示できる。
func ValidatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return fmt.Errorf("パスワードは%d文字以上で入力してください", MinPasswordLength)
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("パスワードは%dバイト以下で入力してください", MaxPasswordBytes)
	}
	return nil
}

// compile-time interface check
var _ PasswordHasher = (*BcryptHasher)(nil)
