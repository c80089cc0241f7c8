package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/metrics"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/repository"
	"github.com/hitoshi/storefront/internal/user"
)

const testSecret = "handler-test-secret-at-least-32-bytes"

// --- インメモリのストア ---

// memoryIdentityRepo は1パーティション分のインメモリIdentityRepository。
type memoryIdentityRepo struct {
	mu   sync.Mutex
	byID map[string]*model.Identity
}

func newMemoryIdentityRepo() *memoryIdentityRepo {
	return &memoryIdentityRepo{byID: make(map[string]*model.Identity)}
}

func (r *memoryIdentityRepo) FindByID(_ context.Context, id string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		c := *i
		return &c, nil
	}
	return nil, nil
}

func (r *memoryIdentityRepo) FindByEmail(_ context.Context, email string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.byID {
		if i.Email == email {
			c := *i
			return &c, nil
		}
	}
	return nil, nil
}

func (r *memoryIdentityRepo) FindByProvider(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.byID {
		if i.Provider == provider && i.ProviderUserID == providerUserID {
			c := *i
			return &c, nil
		}
	}
	return nil, nil
}

func (r *memoryIdentityRepo) Save(_ context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, i := range r.byID {
		if id != identity.ID && i.Email == identity.Email {
			return repository.ErrDuplicateEmail
		}
	}
	c := *identity
	r.byID[identity.ID] = &c
	return nil
}

func (r *memoryIdentityRepo) List(_ context.Context, limit, offset int) ([]*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*model.Identity, 0, len(r.byID))
	for _, i := range r.byID {
		c := *i
		all = append(all, &c)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	if offset >= len(all) {
		return []*model.Identity{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

// memoryRevocations はインメモリのRevocationStore。
type memoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func (m *memoryRevocations) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tokenID] = expiresAt
	return nil
}

func (m *memoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[tokenID]
	return ok, nil
}

func (m *memoryRevocations) DeleteExpired(context.Context) (int64, error) {
	return 0, nil
}

// fakeClock はテスト用に進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

// --- 実サービスで構成したテスト用スタック ---

type testStack struct {
	handler http.Handler
	auth    *auth.Service
	tokens  *auth.TokenManager
	clock   *fakeClock
	users   *memoryIdentityRepo
	admins  *memoryIdentityRepo
	revoked *memoryRevocations
}

// newTestStack は本番と同じ構成（ルーター・ミドルウェア・auth/userサービス）を
// インメモリのストアで組み立てる。
func newTestStack(t *testing.T) *testStack {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret: testSecret,
		TTL:    time.Hour,
		Issuer: "storefront",
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}

	users := newMemoryIdentityRepo()
	admins := newMemoryIdentityRepo()
	store := repository.NewFallbackIdentityStore(users, admins)
	revoked := &memoryRevocations{entries: make(map[string]time.Time)}
	hasher := auth.NewBcryptHasher(bcrypt.MinCost)

	authService := auth.NewService(store, hasher, tokens, revoked, nil)
	userService := user.NewService(store, hasher)

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), metrics.Nop{})
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		Authenticator:      authService,
		CORSAllowedOrigins: []string{"http://localhost:3000"},
		RateLimiter:        rl,
		Metrics:            metrics.Nop{},
		AuthService:        authService,
		AuthConfig:         AuthHandlerConfig{BaseURL: "http://localhost:3000"},
		UserService:        userService,
		AdminService:       userService,
		DB:                 fakePinger{},
	})

	return &testStack{
		handler: router,
		auth:    authService,
		tokens:  tokens,
		clock:   clock,
		users:   users,
		admins:  admins,
		revoked: revoked,
	}
}

func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp middleware.ErrorResponseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode error response: %v\nbody: %s", err, body)
	}
	return resp.Code
}

// do はリクエストをルーターに送り、レスポンスを返す。bodyがnilでない場合はJSONとして送る。
func (s *testStack) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

// login はパスワードログインを行い、発行されたトークンを返す。
func (s *testStack) login(t *testing.T, email, password string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	return resp.Token
}
