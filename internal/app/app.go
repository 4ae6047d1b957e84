package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/investdesk/internal/backend"
	"github.com/hitoshi/investdesk/internal/catalog"
	"github.com/hitoshi/investdesk/internal/config"
	"github.com/hitoshi/investdesk/internal/dashboard"
	"github.com/hitoshi/investdesk/internal/database"
	"github.com/hitoshi/investdesk/internal/handler"
	"github.com/hitoshi/investdesk/internal/handoff"
	"github.com/hitoshi/investdesk/internal/logger"
	"github.com/hitoshi/investdesk/internal/metrics"
	"github.com/hitoshi/investdesk/internal/middleware"
	"github.com/hitoshi/investdesk/internal/repository"
	"github.com/hitoshi/investdesk/internal/security"
	"github.com/hitoshi/investdesk/internal/tracing"
	"github.com/hitoshi/investdesk/internal/visitor"
)

// Init はアプリケーションの初期化を行う。
// .envを取り込み、JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの取り込み（既存の環境変数が優先）
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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

	// migrate はバックエンド設定を必要としない
	if cmd == CommandMigrate {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))
		return runMigrate(os.Getenv("DATABASE_URL"))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("catalog_source", cfg.CatalogSource),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runServe(ctx, cfg)
}

// application はrunServeが起動するコンポーネント一式。
type application struct {
	handler  http.Handler
	registry *visitor.Registry
	sweeper  *visitor.SweepJob
	limiter  *middleware.RateLimiter
	db       *sql.DB
}

// close は保持しているリソースを解放する。
func (a *application) close() {
	a.limiter.Stop()
	if a.db != nil {
		a.db.Close()
	}
}

// build は設定から全依存関係をワイヤリングする。
// 価格表の読み込みに失敗した場合はエラーを返し、起動しない。
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	app := &application{}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 2. 価格表
	src, db, err := catalogSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.db = db
	cat, err := catalog.Load(ctx, src, log)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	// 3. 外部データAPIクライアント
	client := backend.NewClient(&http.Client{Timeout: cfg.BackendTimeout}, log, cfg.BackendURL, cfg.BackendAnonKey)

	// 4. 訪問者単位のコンポーネント
	app.registry = visitor.NewRegistry(visitor.Deps{
		Auth:             client,
		Backend:          client,
		Logger:           log,
		AuthRecorder:     collector,
		GatewayRecorder:  collector,
		MutationRecorder: collector,
		Dashboard:        dashboard.Config{TransactionLimit: cfg.TransactionLimit},
	}, collector)
	app.sweeper = visitor.NewSweepJob(app.registry, log, cfg.VisitorIdleTTL)

	// 5. 引き継ぎリンク
	linker := handoff.NewLinker(cfg.WhatsAppNumber, security.NewInputSanitizer(0), collector)

	// 6. ルーター
	app.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	deps := &handler.RouterDeps{
		Logger:   log,
		Visitors: app.registry,
		VisitorConfig: middleware.VisitorConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       app.limiter,
		StatusRecorder:    collector,
		Catalog:           cat,
		Linker:            linker,
		MetricsHandler:    metrics.Handler(reg),
	}
	if db != nil {
		deps.HealthChecker = db
	}
	app.handler = handler.NewRouter(deps)

	return app, nil
}

// catalogSource はCATALOG_SOURCEに応じた価格表ソースを返す。
// postgresの場合は接続済みの*sql.DBも返す。
func catalogSource(ctx context.Context, cfg *config.Config) (catalog.Source, *sql.DB, error) {
	switch cfg.CatalogSource {
	case config.CatalogSourceFile:
		return catalog.FileSource{Path: cfg.CatalogFile}, nil, nil
	case config.CatalogSourcePostgres:
		db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxOpenConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		return repository.NewPostgresPackageRepo(db), db, nil
	default:
		return catalog.EmbeddedSource{}, nil, nil
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーと訪問者の掃除ジョブを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. トレース
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: logger.ServiceName,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// 2. ワイヤリング
	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	// 3. 訪問者の掃除ジョブ
	go app.sweeper.Start(ctx, cfg.VisitorSweepInterval)

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully",
		slog.Int("active_visitors", app.registry.Len()),
	)
	return nil
}

// runMigrate はpackagesテーブルのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(databaseURL string) error {
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}
	available, err := database.EmbeddedVersions()
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(databaseURL)),
		slog.Int("available", len(available)),
	)

	version, err := database.RunMigrations(databaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
