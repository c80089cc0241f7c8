package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const revocationNamespace = "revoked_tokens"

// RedisRevocationRepo はRedisを使用したトークン失効リスト。
// エントリにはトークンの残り有効期間をTTLとして設定するため、期限切れエントリは自動的に消える。
type RedisRevocationRepo struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisRevocationRepo はRedisRevocationRepoを生成する。
func NewRedisRevocationRepo(client redis.UniversalClient) *RedisRevocationRepo {
	return &RedisRevocationRepo{client: client, now: time.Now}
}

// Revoke はトークンIDを残り有効期間のTTL付きで登録する。
// 既に期限切れのトークンは登録しない。
func (r *RedisRevocationRepo) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, revocationKey(tokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked はトークンIDが失効リストに含まれるかを返す。
func (r *RedisRevocationRepo) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revoked token: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired はTTLで自動削除されるため何もしない。
func (r *RedisRevocationRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

func revocationKey(tokenID string) string {
	return revocationNamespace + ":" + tokenID
}

// compile-time interface check
var _ RevocationStore = (*RedisRevocationRepo)(nil)
