package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/storefront/internal/model"
)

// mockAuthenticator はAuthenticatorのモック。
type mockAuthenticator struct {
	authenticateFn func(ctx context.Context, token string) (*model.Principal, error)
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, token string) (*model.Principal, error) {
	return m.authenticateFn(ctx, token)
}

// spyRecorder は記録されたメトリクスを保持するRecorder。
type spyRecorder struct {
	mu         sync.Mutex
	rejections []string
	statuses   []int
	latencies  int
}

func (s *spyRecorder) RecordLogin(string, string) {}

func (s *spyRecorder) RecordRejection(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections = append(s.rejections, reason)
}

func (s *spyRecorder) RecordHTTPStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, code)
}

func (s *spyRecorder) RecordRequestLatency(time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies++
}

func (s *spyRecorder) RecordRevocationsPurged(int64) {}

func (s *spyRecorder) rejectionReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejections...)
}

func newPrincipal(id string, role model.Role) *model.Principal {
	kind := model.KindUser
	if role == model.RoleAdmin {
		kind = model.KindAdmin
	}
	return &model.Principal{
		ID:        id,
		Kind:      kind,
		Email:     id + "@example.com",
		Role:      role,
		Addresses: []model.Address{},
	}
}
