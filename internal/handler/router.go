package handler

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/subgate/internal/metrics"
	"github.com/hitoshi/subgate/internal/middleware"
)

// MaxBodyBytes はリクエストボディの上限サイズ。
const MaxBodyBytes = 10 << 10

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	TrustedProxies    []netip.Prefix // X-Forwarded-Forを信頼する接続元
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler // nilの場合は/metricsを公開しない

	// ハンドラー依存
	AuthService   AuthServiceInterface
	HealthChecker HealthChecker

	// StaticDir が指定された場合はフロントエンドの静的ファイルをルートに配信する。
	StaticDir string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	ClientIP → RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS → RateLimit → RequestSize
//
// /healthと/metricsはレート制限の対象外とする。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(metrics.NewHTTPMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Use(chimw.RequestSize(MaxBodyBytes))

		r.Get("/config", authHandler.Config)
		r.Post("/auth", authHandler.Login)
		r.Get("/user/{appId}", authHandler.GetUser)
		r.Get("/subscription-status/{appId}", authHandler.SubscriptionStatus)
		r.Delete("/logout/{appId}", authHandler.Logout)
	})

	if deps.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(deps.StaticDir)))
	}

	return r
}
