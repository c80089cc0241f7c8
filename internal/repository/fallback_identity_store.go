package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/storefront/internal/model"
)

// FallbackIdentityStore はusersとadminsの2つのパーティションを1つのストアとして扱う。
// 検索はprimary（users）を先に行い、見つからない場合のみfallback（admins）を参照する。
// ID衝突時はprimary側のレコードが採用される。
type FallbackIdentityStore struct {
	primary  IdentityRepository
	fallback IdentityRepository
}

// NewFallbackIdentityStore はFallbackIdentityStoreを生成する。
func NewFallbackIdentityStore(users, admins IdentityRepository) *FallbackIdentityStore {
	return &FallbackIdentityStore{primary: users, fallback: admins}
}

// FindByID はusers、adminsの順にidentityを検索する。
func (s *FallbackIdentityStore) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	identity, err := s.primary.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		return identity, nil
	}
	return s.fallback.FindByID(ctx, id)
}

// FindByEmail はusers、adminsの順にidentityを検索する。
func (s *FallbackIdentityStore) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	email = model.NormalizeEmail(email)
	identity, err := s.primary.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		return identity, nil
	}
	return s.fallback.FindByEmail(ctx, email)
}

// FindByProvider は外部IdP連携アカウントを検索する。連携アカウントはusersにのみ存在する。
func (s *FallbackIdentityStore) FindByProvider(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	return s.primary.FindByProvider(ctx, provider, providerUserID)
}

// Save はKindに応じたパーティションにidentityを保存する。
// メールアドレスはパーティションをまたいで一意でなければならないため、
// 反対側のパーティションに同一メールアドレスが存在する場合はErrDuplicateEmailを返す。
func (s *FallbackIdentityStore) Save(ctx context.Context, identity *model.Identity) error {
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("invalid identity: %w", err)
	}

	target, other := s.primary, s.fallback
	if identity.Kind == model.KindAdmin {
		target, other = s.fallback, s.primary
	}

	existing, err := other.FindByEmail(ctx, identity.Email)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != identity.ID {
		return ErrDuplicateEmail
	}

	return target.Save(ctx, identity)
}

// List は指定パーティションのidentityを返す。
func (s *FallbackIdentityStore) List(ctx context.Context, kind model.Kind, limit, offset int) ([]*model.Identity, error) {
	if kind == model.KindAdmin {
		return s.fallback.List(ctx, limit, offset)
	}
	return s.primary.List(ctx, limit, offset)
}

// compile-time interface check
var _ IdentityStore = (*FallbackIdentityStore)(nil)
