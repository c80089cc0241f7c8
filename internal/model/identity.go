// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role は認可判定に使うロールを表す。
type Role string

const (
	// RoleUser は一般顧客のロール。
	RoleUser Role = "user"
	// RoleAdmin は管理者のロール。管理用ルートへのアクセスが許可される。
	RoleAdmin Role = "admin"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Kind はidentityレコードが格納されているパーティション（usersまたはadmins）を表す。
type Kind string

const (
	// KindUser はusersテーブルに格納された顧客アカウント。
	KindUser Kind = "user"
	// KindAdmin はadminsテーブルに格納された管理者アカウント。
	KindAdmin Kind = "admin"
)

// Address は配送先などの住所を表す。
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Identity は永続化されたユーザーまたは管理者のアカウントを表す。
// PasswordHashとProviderUserIDはどちらか一方のみが設定される。
type Identity struct {
	ID             string
	Kind           Kind
	Email          string
	PasswordHash   string
	Provider       string // "google" 等。外部IdP連携アカウントのみ
	ProviderUserID string
	Role           Role
	FirstName      string
	LastName       string
	Phone          string
	Addresses      []Address
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsFederated は外部IdP連携アカウントかどうかを返す。
func (i *Identity) IsFederated() bool {
	return i.ProviderUserID != ""
}

// Validate はidentityレコードの不変条件を検証する。
func (i *Identity) Validate() error {
	if i.Email == "" || i.Email != NormalizeEmail(i.Email) {
		return fmt.Errorf("email must be non-empty and normalized: %q", i.Email)
	}
	hasPassword := i.PasswordHash != ""
	hasFederated := i.ProviderUserID != ""
	if hasPassword == hasFederated {
		return fmt.Errorf("exactly one of password hash or federated identifier must be set")
	}
	if hasFederated != (i.Provider != "") {
		return fmt.Errorf("provider and provider user id must be set together")
	}
	if !i.Role.Valid() {
		return fmt.Errorf("invalid role: %q", i.Role)
	}
	if i.Kind != KindUser && i.Kind != KindAdmin {
		return fmt.Errorf("invalid kind: %q", i.Kind)
	}
	return nil
}

// Sanitized はパスワードハッシュを除いたリクエストスコープの射影を返す。
func (i *Identity) Sanitized() *Principal {
	addrs := make([]Address, len(i.Addresses))
	copy(addrs, i.Addresses)
	return &Principal{
		ID:        i.ID,
		Kind:      i.Kind,
		Email:     i.Email,
		Role:      i.Role,
		Provider:  i.Provider,
		FirstName: i.FirstName,
		LastName:  i.LastName,
		Phone:     i.Phone,
		Addresses: addrs,
		CreatedAt: i.CreatedAt,
	}
}

// Principal は認証済みリクエストに紐付くidentityの射影。
// パスワードハッシュを含まないため、そのままレスポンスに使用できる。
type Principal struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Provider  string    `json:"provider,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Addresses []Address `json:"addresses"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin は管理者ロールかどうかを返す。
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// NormalizeEmail はメールアドレスを比較用に正規化する（前後空白除去・小文字化）。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidID はidがハイフン区切り36文字のUUIDかを返す。
// uuid.Parseが受け付けるurn:uuid:形式や波括弧形式はPostgreSQLのuuid型と一致しないため拒否する。
func IsValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// IsValidEmail は正規化済みメールアドレスが単一のアドレスとして解釈できるかを返す。
// 表示名付きの形式（"Alice <alice@example.com>"）は受け付けない。
func IsValidEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
