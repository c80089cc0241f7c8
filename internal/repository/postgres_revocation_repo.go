package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRevocationRepo はPostgreSQLを使用したトークン失効リスト。
type PostgresRevocationRepo struct {
	db *sql.DB
}

// NewPostgresRevocationRepo はPostgresRevocationRepoを生成する。
func NewPostgresRevocationRepo(db *sql.DB) *PostgresRevocationRepo {
	return &PostgresRevocationRepo{db: db}
}

// Revoke はトークンIDを失効リストに登録する。登録済みの場合は何もしない。
func (r *PostgresRevocationRepo) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_id, expires_at, revoked_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (token_id) DO NOTHING`,
		tokenID, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked はトークンIDが失効リストに含まれるかを返す。
func (r *PostgresRevocationRepo) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = $1)`,
		tokenID,
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("failed to check revoked token: %w", err)
	}
	return revoked, nil
}

// DeleteExpired は有効期限を過ぎたエントリを削除する。
// 期限切れトークンは検証段階で拒否されるため、失効リストに残す必要はない。
func (r *PostgresRevocationRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired revocations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ RevocationStore = (*PostgresRevocationRepo)(nil)
