// Package cleanup は失効リストの定期削除ジョブを提供する。
// 有効期限を過ぎたトークンは署名検証の段階で拒否されるため、
// 失効リストから削除しても安全である。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/storefront/internal/metrics"
)

// ExpiredPurger は期限切れエントリを削除するインターフェース。
// repository.RevocationStoreの部分集合として定義する。
type ExpiredPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupJob は失効リストから期限切れエントリを削除するジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	store    ExpiredPurger
	logger   *slog.Logger
	recorder metrics.Recorder
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store ExpiredPurger, logger *slog.Logger, recorder metrics.Recorder) *CleanupJob {
	return &CleanupJob{
		store:    store,
		logger:   logger,
		recorder: recorder,
	}
}

// Run は期限切れの失効エントリを1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.store.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("失効リストのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("失効リストのクリーンアップに失敗: %w", err)
	}

	j.recorder.RecordRevocationsPurged(deletedCount)

	duration := time.Since(start)
	j.logger.Info("失効リストのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

const (
	// initialRetryDelay は失敗時の初回リトライ遅延。
	initialRetryDelay = 30 * time.Second
	// DefaultInterval は実行間隔が不正な場合に使用する間隔。
	DefaultInterval = time.Hour
)

// calculateRetryDelay は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加し、通常の実行間隔を上限とする。
func calculateRetryDelay(consecutiveErrors int, interval time.Duration) time.Duration {
	delay := initialRetryDelay
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay >= interval {
			return interval
		}
	}
	if delay > interval {
		return interval
	}
	return delay
}

// Start はinterval間隔でRunを実行する。起動直後にも1回実行する。
// 失敗した場合は指数バックオフで再試行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		j.logger.Warn("クリーンアップ間隔が不正なため既定値を使用します",
			slog.Duration("interval", interval),
			slog.Duration("default", DefaultInterval),
		)
		interval = DefaultInterval
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	j.logger.Info("失効リストのクリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("失効リストのクリーンアップジョブを停止しました")
			return
		case <-timer.C:
			// エラーはRun内でログ出力済み
			if err := j.Run(ctx); err != nil {
				delay := calculateRetryDelay(consecutiveErrors, interval)
				consecutiveErrors++
				j.logger.Warn("クリーンアップを再試行します",
					slog.Int("consecutive_errors", consecutiveErrors),
					slog.Duration("retry_in", delay),
				)
				timer.Reset(delay)
				continue
			}
			consecutiveErrors = 0
			timer.Reset(interval)
		}
	}
}
