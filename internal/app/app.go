// Package app はサブコマンドごとの依存関係の組み立てとプロセスのライフサイクルを管理する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/subgate/internal/auth"
	"github.com/hitoshi/subgate/internal/config"
	"github.com/hitoshi/subgate/internal/database"
	"github.com/hitoshi/subgate/internal/handler"
	"github.com/hitoshi/subgate/internal/logger"
	"github.com/hitoshi/subgate/internal/membership"
	"github.com/hitoshi/subgate/internal/metrics"
	"github.com/hitoshi/subgate/internal/middleware"
	"github.com/hitoshi/subgate/internal/repository"
	"github.com/hitoshi/subgate/internal/security"
	"github.com/hitoshi/subgate/internal/telegram"
	"github.com/hitoshi/subgate/internal/worker/cleanup"
	"github.com/hitoshi/subgate/internal/worker/reconcile"
)

const (
	defaultServerPort = "3000"
	shutdownTimeout   = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルを反映し、ボットトークンをマスク対象に登録する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel), cfg.BotToken)

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
			port = defaultServerPort
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
		slog.String("channel", cfg.ChannelID),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, args[1:])
	case CommandReconcile:
		return runReconcile(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveとreconcileで共有する依存関係。
type components struct {
	db        *sql.DB
	redis     *redis.Client // メモリキャッシュの場合はnil
	cache     membership.Cache
	oracle    *membership.Oracle
	sessions  *repository.PostgresSessionRepo
	registry  *prometheus.Registry
	collector *metrics.Collector
}

// buildComponents はDB、購読キャッシュ、Bot APIクライアント、購読判定を組み立てる。
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, cfg.DBMaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.db = db

	if err := db.PingContext(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("max_open_conns", cfg.DBMaxOpenConns),
	)

	c.sessions = repository.NewPostgresSessionRepo(db)

	// 2. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.collector = metrics.NewCollector(c.registry)

	// 3. 購読キャッシュ（REDIS_URLが設定されていればRedis）
	if cfg.RedisURL != "" {
		client, err := membership.NewRedisClient(cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.cache = membership.NewRedisCache(client, cfg.MembershipCacheTTL, slog.Default(), nil)
		slog.Info("membership cache: redis", slog.Duration("ttl", cfg.MembershipCacheTTL))
	} else {
		c.cache = membership.NewMemoryCache(cfg.MembershipCacheTTL, nil)
		slog.Info("membership cache: memory", slog.Duration("ttl", cfg.MembershipCacheTTL))
	}

	// 4. Bot APIクライアントと購読判定
	policy, err := membership.ParseFailurePolicy(cfg.MembershipFailPolicy)
	if err != nil {
		c.Close()
		return nil, err
	}
	tg := telegram.NewClient(newTelegramHTTPClient(cfg, security.NewURLGuard()), slog.Default(), cfg.TelegramAPIBase, cfg.BotToken)
	c.oracle = membership.NewOracle(tg, c.cache, cfg.ChannelID, policy, slog.Default(), c.collector)

	return c, nil
}

// Close はRedis、DBの順に接続を閉じる。
func (c *components) Close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			slog.Warn("failed to close redis", slog.String("error", err.Error()))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			slog.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}
}

// newTelegramHTTPClient はBot API呼び出し用のHTTPクライアントを返す。
// 公式エンドポイントへはSSRF防止クライアントで接続し、
// TELEGRAM_API_BASE_URLで差し替えた場合（ローカルのBot APIサーバー等）は通常のクライアントを使う。
func newTelegramHTTPClient(cfg *config.Config, guard security.URLGuard) *http.Client {
	if cfg.TelegramAPIBase == "" {
		return guard.NewSafeClient(cfg.TelegramTimeout)
	}
	return &http.Client{Timeout: cfg.TelegramTimeout}
}

// newReconcileJob は設定値を反映したリコンシリエーションジョブを生成する。
func newReconcileJob(cfg *config.Config, c *components) *reconcile.Job {
	job := reconcile.NewJob(c.sessions, c.oracle, slog.Default(), c.collector)
	job.InitialDelay = cfg.ReconcileInitialDelay
	job.Interval = cfg.ReconcileInterval
	job.SubjectDelay = cfg.ReconcileSubjectDelay
	return job
}

// warnIfBotNotAdmin はボットがチャンネル管理者でない場合に警告を出す。
// 管理者でなくても起動は継続する。
func warnIfBotNotAdmin(ctx context.Context, oracle *membership.Oracle, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, 2*timeout)
	defer cancel()

	ok, err := oracle.CheckBotAdmin(ctx)
	switch {
	case err != nil:
		slog.Warn("failed to verify bot permissions", slog.String("error", err.Error()))
	case !ok:
		slog.Warn("bot is not an administrator of the channel; membership checks may fail")
	default:
		slog.Info("bot permissions verified")
	}
}

// runServe はAPIサーバーモードで起動する。
// HTTPサーバーと同一プロセスでキャッシュのスイープ、リコンシリエーション、
// （保持期間が設定されていれば）古いセッションの削除を実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 依存関係の構築
	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	warnIfBotNotAdmin(ctx, c.oracle, cfg.TelegramTimeout)

	// 2. 認証サービスの初期化
	authService := auth.NewService(
		auth.NewVerifier(cfg.BotToken, nil),
		c.oracle,
		c.sessions,
		security.NewProfileSanitizer(),
		auth.ServiceConfig{
			BotUsername:        cfg.BotUsername,
			ChannelLink:        cfg.ChannelLink(),
			StatusRecheckAfter: cfg.StatusRecheckAfter,
		},
		slog.Default(),
	)

	// 3. バックグラウンドジョブの起動
	var wg sync.WaitGroup
	goBackground := func(fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	goBackground(membership.NewSweeper(c.cache, cfg.CacheSweepInterval, slog.Default(), c.collector.RecordCacheEntries).Start)
	goBackground(newReconcileJob(cfg, c).Start)
	if cfg.SessionRetentionDays > 0 {
		cleanupJob := cleanup.NewSessionCleanupJob(c.db, slog.Default(), cfg.SessionRetentionDays)
		goBackground(func(ctx context.Context) {
			cleanupJob.Start(ctx, cleanup.DefaultInterval)
		})
	}

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral), slog.Default())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustedProxies:    cfg.TrustedProxies,
		RateLimiter:       rateLimiter,
		Metrics:           c.collector,
		MetricsHandler:    metrics.Handler(c.registry),
		AuthService:       authService,
		HealthChecker:     c.db,
		StaticDir:         cfg.StaticDir,
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
		slog.Info("shutting down API server...")
	case err := <-serverErr:
		cancel()
		wg.Wait()
		return fmt.Errorf("server listen error: %w", err)
	}

	// 6. 新規リクエストの受付を停止し、処理中のリクエストを待つ
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownErr := server.Shutdown(shutdownCtx)

	// 7. バックグラウンドジョブを停止する。Redis、DBはdeferで閉じる
	cancel()
	wg.Wait()

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runReconcile はリコンシリエーションを1回実行して終了する。
// cronなど外部スケジューラから起動する用途を想定する。
func runReconcile(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	summary, err := newReconcileJob(cfg, c).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed (run_id=%s): %w", summary.RunID, err)
	}

	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしまたはupで未適用分を適用、downで1件巻き戻し、versionで現在のバージョンを出力する。
func runMigrate(cfg *config.Config, args []string) error {
	action, ok := ParseMigrateAction(args)
	if !ok {
		return fmt.Errorf("unknown migrate action: %q (want up, down or version)", args[0])
	}

	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL, 1); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case MigrateVersion:
		state, err := database.CurrentMigrationState(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database schema version",
			slog.Uint64("version", uint64(state.Version)),
			slog.Bool("dirty", state.Dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(endpoint string) error {
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

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
