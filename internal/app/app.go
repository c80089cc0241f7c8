package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/config"
	"github.com/hitoshi/storefront/internal/database"
	"github.com/hitoshi/storefront/internal/handler"
	"github.com/hitoshi/storefront/internal/logger"
	"github.com/hitoshi/storefront/internal/metrics"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/repository"
	"github.com/hitoshi/storefront/internal/security"
	"github.com/hitoshi/storefront/internal/user"
	"github.com/hitoshi/storefront/internal/worker/cleanup"
)

// oauthTimeout はIdPとの通信1回あたりのタイムアウト。
const oauthTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCreateAdmin:
		return runCreateAdmin(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveとcreate-adminで共有する依存関係。
type components struct {
	db          *sql.DB
	identities  *repository.FallbackIdentityStore
	revocations repository.RevocationStore
	hasher      *auth.BcryptHasher
	authService *auth.Service
	closers     []func() error
}

// close は開いた接続を逆順に閉じる。
func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			slog.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
}

// buildComponents はDB接続を開き、ストアと認証サービスをワイヤリングする。
// 戻り値のcloseは呼び出し側で必ず実行すること。
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.db = db
	c.closers = append(c.closers, db.Close)

	if err := db.PingContext(ctx); err != nil {
		c.close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. identityストア（usersを先に、adminsを後に参照する）
	c.identities = repository.NewFallbackIdentityStore(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresAdminRepo(db),
	)

	// 3. 失効リスト（REDIS_URLが設定されていればRedis、なければPostgreSQL）
	revocations, closeRevocations, err := openRevocationStore(ctx, cfg, db)
	if err != nil {
		c.close()
		return nil, err
	}
	c.revocations = revocations
	if closeRevocations != nil {
		c.closers = append(c.closers, closeRevocations)
	}

	// 4. トークン・パスワード
	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret: cfg.JWTSecret,
		TTL:    cfg.TokenTTL,
		Issuer: cfg.TokenIssuer,
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}
	c.hasher = auth.NewBcryptHasher(cfg.BcryptCost)

	// 5. 外部IdP（設定が揃っている場合のみ）
	var oauthProvider auth.OAuthProvider
	if cfg.GoogleOAuthEnabled() {
		oauthProvider = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			HTTPClient:   security.NewOutboundClient(oauthTimeout),
		})
	}

	c.authService = auth.NewService(c.identities, c.hasher, tokens, c.revocations, oauthProvider)
	return c, nil
}

// openRevocationStore は失効リストのストアを開く。
// Redisを使用する場合のみクライアントのcloseを返す。
func openRevocationStore(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.RevocationStore, func() error, error) {
	if cfg.RedisURL == "" {
		slog.Info("revocation store: postgres")
		return repository.NewPostgresRevocationRepo(db), nil, nil
	}

	client, err := database.OpenRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open redis: %w", err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("revocation store: redis")
	return repository.NewRedisRevocationRepo(client), client.Close, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	c, err := buildComponents(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer c.close()

	userService := user.NewService(c.identities, c.hasher)

	registry := newMetricsRegistry()
	collector := metrics.NewCollector(registry)

	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin),
		collector,
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Authenticator:      c.authService,
		CORSAllowedOrigins: []string{cfg.CORSAllowedOrigin, cfg.CORSAdminOrigin},
		RateLimiter:        rateLimiter,
		Logger:             slog.Default(),
		Metrics:            collector,
		MetricsHandler:     metrics.Handler(registry),

		AuthService: c.authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieSecure: strings.HasPrefix(cfg.BaseURL, "https://"),
		},
		UserService:  userService,
		AdminService: userService,
		DB:           c.db,
	}

	router := handler.NewRouter(deps)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Bool("oauth_enabled", c.authService.OAuthEnabled()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 失効リストのクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	revocations, closeRevocations, err := openRevocationStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	if closeRevocations != nil {
		defer closeRevocations()
	}

	registry := newMetricsRegistry()
	cleanupJob := cleanup.NewCleanupJob(revocations, slog.Default(), metrics.NewCollector(registry))

	// 削除件数のメトリクスを公開する
	metricsServer := newWorkerMetricsServer(":"+cfg.WorkerMetricsPort, registry)
	go func() {
		slog.Info("worker metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("failed to shut down worker metrics server", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.RevocationCleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.RevocationCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// newMetricsRegistry はGo/プロセスメトリクスを登録済みのレジストリを生成する。
func newMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// newWorkerMetricsServer はworkerの/metricsのみを公開するHTTPサーバーを生成する。
func newWorkerMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(gatherer))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
	)
	return nil
}

// runCreateAdmin はADMIN_EMAILとADMIN_PASSWORDから管理者アカウントを作成する。
// 管理者はAPI経由では作成できないため、このコマンドが唯一の作成手段となる。
func runCreateAdmin(cfg *config.Config) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required for %s", CommandCreateAdmin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	admin, err := c.authService.CreateAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}

	slog.Info("admin account created",
		slog.String("admin_id", admin.ID),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// 解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User == nil {
		return u.Scheme + "://" + u.Host + u.Path
	}
	return u.Scheme + "://***@" + u.Host + u.Path
}
