package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/storefront/internal/metrics"
)

// mockPurger はExpiredPurgerのモック。
type mockPurger struct {
	calls   atomic.Int32
	deleted int64
	err     error
}

func (m *mockPurger) DeleteExpired(ctx context.Context) (int64, error) {
	m.calls.Add(1)
	return m.deleted, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogEntry はJSONログから指定キーを持つ最初のエントリを返す。
func findLogEntry(t *testing.T, buf *bytes.Buffer, key string) map[string]interface{} {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry[key]; ok {
			return entry
		}
	}
	return nil
}

func TestCleanupJob_Run_LogsAndRecordsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	purger := &mockPurger{deleted: 42}

	job := NewCleanupJob(purger, newTestLogger(&buf), collector)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if purger.calls.Load() != 1 {
		t.Errorf("DeleteExpired calls = %d, want 1", purger.calls.Load())
	}

	entry := findLogEntry(t, &buf, "deleted_count")
	if entry == nil || entry["deleted_count"] != float64(42) {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather: %v", err)
	}
	var purged float64
	for _, mf := range families {
		if mf.GetName() == "storefront_revocations_purged_total" {
			purged = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if purged != 42 {
		t.Errorf("storefront_revocations_purged_total = %v, want 42", purged)
	}
}

func TestCleanupJob_Run_NothingToDelete_NoError(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{}, newTestLogger(&buf), metrics.Nop{})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("削除対象なしでもエラーにならないこと: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("2回目の実行もエラーにならないこと: %v", err)
	}
}

func TestCleanupJob_Run_StoreError(t *testing.T) {
	var buf bytes.Buffer
	storeErr := errors.New("connection refused")
	job := NewCleanupJob(&mockPurger{err: storeErr}, newTestLogger(&buf), metrics.Nop{})

	err := job.Run(context.Background())
	if !errors.Is(err, storeErr) {
		t.Fatalf("Run() error = %v, want wrapping %v", err, storeErr)
	}

	if entry := findLogEntry(t, &buf, "error"); entry == nil || entry["level"] != "ERROR" {
		t.Errorf("エラーログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{}
	job := NewCleanupJob(purger, newTestLogger(&buf), metrics.Nop{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for purger.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if purger.calls.Load() != 1 {
		t.Errorf("DeleteExpired calls = %d, want 1 immediately after start", purger.calls.Load())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after context cancel")
	}
}

func TestCleanupJob_Start_RunsOnEveryTick(t *testing.T) {
	purger := &mockPurger{}
	job := NewCleanupJob(purger, newTestLogger(&bytes.Buffer{}), metrics.Nop{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go job.Start(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for purger.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if purger.calls.Load() < 3 {
		t.Errorf("DeleteExpired calls = %d, want >= 3", purger.calls.Load())
	}
}

func TestCleanupJob_Start_KeepsRetryingAfterFailure(t *testing.T) {
	purger := &mockPurger{err: errors.New("temporary")}
	job := NewCleanupJob(purger, newTestLogger(&bytes.Buffer{}), metrics.Nop{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 実行間隔が短い場合はバックオフも実行間隔で頭打ちになる
	go job.Start(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for purger.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if purger.calls.Load() < 3 {
		t.Errorf("DeleteExpired calls = %d, want >= 3", purger.calls.Load())
	}
}

func TestCalculateRetryDelay(t *testing.T) {
	tests := []struct {
		name              string
		consecutiveErrors int
		interval          time.Duration
		want              time.Duration
	}{
		{"first failure", 0, time.Hour, 30 * time.Second},
		{"second failure", 1, time.Hour, time.Minute},
		{"third failure", 2, time.Hour, 2 * time.Minute},
		{"capped at interval", 10, time.Hour, time.Hour},
		{"interval shorter than initial delay", 0, 10 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateRetryDelay(tt.consecutiveErrors, tt.interval); got != tt.want {
				t.Errorf("calculateRetryDelay(%d, %v) = %v, want %v", tt.consecutiveErrors, tt.interval, got, tt.want)
			}
		})
	}
}

func TestCleanupJob_Start_NonPositiveInterval_UsesDefault(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Minute} {
		t.Run(interval.String(), func(t *testing.T) {
			var buf bytes.Buffer
			purger := &mockPurger{}
			job := NewCleanupJob(purger, newTestLogger(&buf), metrics.Nop{})

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			job.Start(ctx, interval)

			// 起動直後の1回のみ実行され、連続実行にならない
			if got := purger.calls.Load(); got != 1 {
				t.Errorf("DeleteExpired calls = %d, want 1", got)
			}
			if entry := findLogEntry(t, &buf, "default"); entry == nil || entry["level"] != "WARN" {
				t.Errorf("不正な間隔の警告ログが記録されていない。ログ出力: %s", buf.String())
			}
		})
	}
}
