// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/storefront/internal/model"
)

var (
	// ErrDuplicateEmail はメールアドレスが既にいずれかのパーティションに存在することを表す。
	ErrDuplicateEmail = errors.New("repository: email already exists")
	// ErrDuplicateIdentity はprovider+provider_user_idの組が既に存在することを表す。
	ErrDuplicateIdentity = errors.New("repository: federated identity already exists")
)

// IdentityRepository は1つのパーティション（usersまたはadmins）に対する永続化インターフェース。
type IdentityRepository interface {
	// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByEmail は正規化済みメールアドレスでidentityを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)

	// FindByProvider はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProvider(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Save はidentityを作成または更新する。
	// メールアドレスの一意制約違反はErrDuplicateEmailを返す。
	Save(ctx context.Context, identity *model.Identity) error

	// List はidentityを作成日時の降順で返す。
	List(ctx context.Context, limit, offset int) ([]*model.Identity, error)
}

// IdentityStore はTokenVerifierやログイン処理が参照するidentityストア。
// usersとadminsの2つのパーティションを統一的に扱う。
type IdentityStore interface {
	FindByID(ctx context.Context, id string) (*model.Identity, error)
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)
	FindByProvider(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	Save(ctx context.Context, identity *model.Identity) error
}

// RevocationStore はログアウト済みトークンの失効リストの永続化インターフェース。
type RevocationStore interface {
	// Revoke はトークンIDを有効期限まで失効リストに登録する。冪等。
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error

	// IsRevoked はトークンIDが失効リストに含まれるかを返す。
	IsRevoked(ctx context.Context, tokenID string) (bool, error)

	// DeleteExpired は有効期限を過ぎたエントリを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
