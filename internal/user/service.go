// Package user は会員プロフィールの参照・更新と、管理者向けのアカウント参照を提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/repository"
	"github.com/hitoshi/storefront/internal/security"
)

const (
	// DefaultListLimit は一覧取得の既定件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得の最大件数。
	MaxListLimit = 100
	// MaxAddresses は1アカウントに登録できる住所の上限。
	MaxAddresses = 10
)

// Directory はユーザー管理に必要なidentityストア。
type Directory interface {
	repository.IdentityStore
	List(ctx context.Context, kind model.Kind, limit, offset int) ([]*model.Identity, error)
}

// ProfileInput はプロフィール更新の入力。nilのフィールドは変更しない。
type ProfileInput struct {
	FirstName *string
	LastName  *string
	Phone     *string
	Addresses *[]model.Address

	Email           *string
	Password        *string
	CurrentPassword string // Email/Password変更時に必須
}

// Service はユーザー管理のサービス層。
type Service struct {
	store     Directory
	hasher    auth.PasswordHasher
	sanitizer *security.ProfileSanitizer
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(store Directory, hasher auth.PasswordHasher) *Service {
	return &Service{
		store:     store,
		hasher:    hasher,
		sanitizer: security.NewProfileSanitizer(),
	}
}

// GetProfile は指定IDのアカウントを返す。
func (s *Service) GetProfile(ctx context.Context, id string) (*model.Principal, error) {
	identity, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return identity.Sanitized(), nil
}

// GetUser は管理者向けに指定IDのアカウントを返す。
func (s *Service) GetUser(ctx context.Context, id string) (*model.Principal, error) {
	return s.GetProfile(ctx, id)
}

// ListUsers は指定パーティションのアカウントを作成日時の降順で返す。
// limitは1〜MaxListLimitに丸める。
func (s *Service) ListUsers(ctx context.Context, kind model.Kind, limit, offset int) ([]*model.Principal, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	identities, err := s.store.List(ctx, kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}

	principals := make([]*model.Principal, 0, len(identities))
	for _, identity := range identities {
		principals = append(principals, identity.Sanitized())
	}
	return principals, nil
}

// UpdateProfile はプロフィールを更新する。
// パスワード変更時は再ハッシュ化し、メールアドレス変更時は正規化と一意性の再確認を行う。
// メールアドレス・パスワードの変更には現在のパスワードが必要で、外部IdP連携アカウントでは変更できない。
func (s *Service) UpdateProfile(ctx context.Context, id string, in ProfileInput) (*model.Principal, error) {
	identity, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.FirstName != nil {
		identity.FirstName = s.sanitizer.Clean(*in.FirstName)
	}
	if in.LastName != nil {
		identity.LastName = s.sanitizer.Clean(*in.LastName)
	}
	if in.Phone != nil {
		identity.Phone = s.sanitizer.Clean(*in.Phone)
	}
	if in.Addresses != nil {
		addresses, err := s.cleanAddresses(*in.Addresses)
		if err != nil {
			return nil, err
		}
		identity.Addresses = addresses
	}

	if in.Email != nil || in.Password != nil {
		if err := s.updateCredentials(ctx, identity, in); err != nil {
			return nil, err
		}
	}

	identity.UpdatedAt = time.Now()
	if err := s.store.Save(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("プロフィールの保存に失敗しました: %w", err)
	}

	slog.Info("profile updated", slog.String("user_id", identity.ID))
	return identity.Sanitized(), nil
}

func (s *Service) updateCredentials(ctx context.Context, identity *model.Identity, in ProfileInput) error {
	if identity.IsFederated() {
		return model.NewValidationError("外部IdP連携アカウントのメールアドレス・パスワードは変更できません")
	}
	if err := s.hasher.Compare(identity.PasswordHash, in.CurrentPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return model.NewValidationError("現在のパスワードが正しくありません")
		}
		return err
	}

	if in.Email != nil {
		email := model.NormalizeEmail(*in.Email)
		if !model.IsValidEmail(email) {
			return model.NewValidationError("メールアドレスの形式が正しくありません")
		}
		if email != identity.Email {
			existing, err := s.store.FindByEmail(ctx, email)
			if err != nil {
				return fmt.Errorf("アカウントの検索に失敗しました: %w", err)
			}
			if existing != nil && existing.ID != identity.ID {
				return model.NewEmailTakenError()
			}
			identity.Email = email
		}
	}

	if in.Password != nil {
		if err := auth.ValidatePassword(*in.Password); err != nil {
			return model.NewValidationError(err.Error())
		}
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return err
		}
		identity.PasswordHash = hash
	}
	return nil
}

func (s *Service) cleanAddresses(in []model.Address) ([]model.Address, error) {
	if len(in) > MaxAddresses {
		return nil, model.NewValidationError(fmt.Sprintf("住所は%d件まで登録できます", MaxAddresses))
	}
	out := make([]model.Address, 0, len(in))
	for _, a := range in {
		cleaned := model.Address{
			Line1:      s.sanitizer.Clean(a.Line1),
			Line2:      s.sanitizer.Clean(a.Line2),
			City:       s.sanitizer.Clean(a.City),
			State:      s.sanitizer.Clean(a.State),
			PostalCode: s.sanitizer.Clean(a.PostalCode),
			Country:    s.sanitizer.Clean(a.Country),
		}
		if cleaned.Line1 == "" || cleaned.City == "" || cleaned.PostalCode == "" || cleaned.Country == "" {
			return nil, model.NewValidationError("住所にはline1, city, postal_code, countryが必要です")
		}
		out = append(out, cleaned)
	}
	return out, nil
}

// find はIDでアカウントを検索する。UUID形式でないIDは存在しないものとして扱う。
func (s *Service) find(ctx context.Context, id string) (*model.Identity, error) {
	if !model.IsValidID(id) {
		return nil, model.NewUserNotFoundError()
	}
	identity, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if identity == nil {
		return nil, model.NewUserNotFoundError()
	}
	return identity, nil
}
