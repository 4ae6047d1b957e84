package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/investdesk/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Visitors          middleware.VisitorSource
	VisitorConfig     middleware.VisitorConfig
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.HTTPStatusRecorder // 任意

	// カタログ・引き継ぎ
	Catalog CatalogService
	Linker  HandoffLinker

	// 運用
	HealthChecker  HealthChecker // 任意
	MetricsHandler http.Handler  // 任意
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → SecurityHeaders → CORS → Metrics
//	  → Visitor → Logging → CSRF → RateLimit(General)
//
// /health と /metrics は訪問者を生成しないよう、Visitor以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler()
	catalogHandler := NewCatalogHandler(deps.Catalog, deps.Linker)
	handoffHandler := NewHandoffHandler(deps.Catalog, deps.Linker)
	dashboardHandler := NewDashboardHandler()

	// --- 訪問者単位のルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewVisitorMiddleware(deps.Visitors, deps.VisitorConfig))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

		// 認証（サインイン・サインアップはIP単位の制限を追加）
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/signin", authHandler.SignIn)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/signup", authHandler.SignUp)
			r.Post("/signout", authHandler.SignOut)
			r.Get("/me", authHandler.Me)
		})

		// カタログ
		r.Route("/api/packages", func(r chi.Router) {
			r.Get("/", catalogHandler.ListPackages)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", catalogHandler.GetPackage)
				r.Post("/select", catalogHandler.SelectPackage)
				r.Get("/interest", handoffHandler.Interest)
				r.Post("/handoff", handoffHandler.ClientDetails)
			})
		})

		r.Get("/api/handoff/chat", handoffHandler.Chat)

		// ダッシュボード（サインイン必須）
		r.Route("/api/dashboard", func(r chi.Router) {
			r.Use(middleware.NewRequireSignInMiddleware())
			r.Get("/", dashboardHandler.Get)
			r.Post("/deposit", dashboardHandler.Deposit)
			r.Post("/withdraw", dashboardHandler.Withdraw)
		})
	})

	return r
}
