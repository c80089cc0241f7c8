package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/lib/pq"
)

const (
	usersTable  = "users"
	adminsTable = "admins"

	uniqueViolation = "23505"
)

// identityColumns は両パーティション共通のカラム一覧。
const identityColumns = `id, email, password_hash, provider, provider_user_id, role,
	first_name, last_name, phone, addresses, created_at, updated_at`

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
// usersテーブルとadminsテーブルは同一のスキーマを持ち、tableで切り替える。
type PostgresIdentityRepo struct {
	db    *sql.DB
	table string
	kind  model.Kind
}

// NewPostgresUserRepo はusersテーブルを対象とするPostgresIdentityRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db, table: usersTable, kind: model.KindUser}
}

// NewPostgresAdminRepo はadminsテーブルを対象とするPostgresIdentityRepoを生成する。
func NewPostgresAdminRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db, table: adminsTable, kind: model.KindAdmin}
}

// Kind はこのリポジトリが扱うパーティションを返す。
func (r *PostgresIdentityRepo) Kind() model.Kind {
	return r.kind
}

// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, identityColumns, r.table)
	identity, err := r.scanIdentity(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s by ID: %w", r.kind, err)
	}
	return identity, nil
}

// FindByEmail は正規化済みメールアドレスでidentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE lower(email) = $1`, identityColumns, r.table)
	identity, err := r.scanIdentity(r.db.QueryRowContext(ctx, query, model.NormalizeEmail(email)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s by email: %w", r.kind, err)
	}
	return identity, nil
}

// FindByProvider はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProvider(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE provider = $1 AND provider_user_id = $2`, identityColumns, r.table)
	identity, err := r.scanIdentity(r.db.QueryRowContext(ctx, query, provider, providerUserID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s by provider: %w", r.kind, err)
	}
	return identity, nil
}

// Save はidentityを作成または更新する。
// idが既に存在する場合はプロフィールと認証情報を上書きする。
func (r *PostgresIdentityRepo) Save(ctx context.Context, identity *model.Identity) error {
	addresses, err := json.Marshal(nonNilAddresses(identity.Addresses))
	if err != nil {
		return fmt.Errorf("failed to encode addresses: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			password_hash = EXCLUDED.password_hash,
			provider = EXCLUDED.provider,
			provider_user_id = EXCLUDED.provider_user_id,
			role = EXCLUDED.role,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			phone = EXCLUDED.phone,
			addresses = EXCLUDED.addresses,
			updated_at = EXCLUDED.updated_at`, r.table, identityColumns)

	_, err = r.db.ExecContext(ctx, query,
		identity.ID,
		identity.Email,
		nullIfEmpty(identity.PasswordHash),
		nullIfEmpty(identity.Provider),
		nullIfEmpty(identity.ProviderUserID),
		string(identity.Role),
		identity.FirstName,
		identity.LastName,
		identity.Phone,
		addresses,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err, r.kind)
	}
	return nil
}

// List はidentityを作成日時の降順で返す。
func (r *PostgresIdentityRepo) List(ctx context.Context, limit, offset int) ([]*model.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, identityColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.kind, err)
	}
	defer rows.Close()

	var identities []*model.Identity
	for rows.Next() {
		identity, err := r.scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", r.kind, err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", r.kind, err)
	}
	return identities, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresIdentityRepo) scanIdentity(row rowScanner) (*model.Identity, error) {
	var (
		identity       model.Identity
		passwordHash   sql.NullString
		provider       sql.NullString
		providerUserID sql.NullString
		role           string
		addresses      []byte
	)
	err := row.Scan(
		&identity.ID,
		&identity.Email,
		&passwordHash,
		&provider,
		&providerUserID,
		&role,
		&identity.FirstName,
		&identity.LastName,
		&identity.Phone,
		&addresses,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	identity.Kind = r.kind
	identity.PasswordHash = passwordHash.String
	identity.Provider = provider.String
	identity.ProviderUserID = providerUserID.String
	identity.Role = model.Role(role)
	if len(addresses) > 0 {
		if err := json.Unmarshal(addresses, &identity.Addresses); err != nil {
			return nil, fmt.Errorf("failed to decode addresses: %w", err)
		}
	}
	return &identity, nil
}

// mapWriteError は一意制約違反をドメインのエラーに変換する。
func mapWriteError(err error, kind model.Kind) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		if strings.Contains(pqErr.Constraint, "email") {
			return ErrDuplicateEmail
		}
		if strings.Contains(pqErr.Constraint, "provider") {
			return ErrDuplicateIdentity
		}
	}
	return fmt.Errorf("failed to save %s: %w", kind, err)
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilAddresses(addrs []model.Address) []model.Address {
	if addrs == nil {
		return []model.Address{}
	}
	return addrs
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
