package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/tripchat/internal/middleware"
)

// ChatRouterDeps はNewChatRouterに必要な依存関係をまとめた構造体。
type ChatRouterDeps struct {
	Logger *slog.Logger

	// Gateway はチャット接続の入室判定とWebSocket処理を行うハンドラー。
	Gateway http.Handler

	// HealthChecker はGET /healthで疎通確認する依存先（データベース）。
	HealthChecker HealthChecker

	// Metrics はPrometheusのスクレイプ用ハンドラー。nilの場合は公開しない。
	Metrics http.Handler
	// StatusRecorder はレスポンスステータスを記録する。nilの場合は記録しない。
	StatusRecorder middleware.StatusRecorder

	// UpgradeLimiter は接続元IP単位で接続確立を制限する。nilの場合は制限しない。
	UpgradeLimiter *middleware.RateLimiter
}

// NewChatRouter はチャットサーバーのルーティングを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → StatusMetrics → (チャットのみ) RateLimit
func NewChatRouter(deps *ChatRouterDeps) http.Handler {
	r := chi.NewRouter()
	useCommonMiddleware(r, deps.Logger, deps.StatusRecorder)

	health := NewHealthHandler(deps.HealthChecker)
	r.Get("/health", health.Health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		if deps.UpgradeLimiter != nil {
			// 拒否理由を区別させないため、本文なしの429のみ返す
			r.Use(deps.UpgradeLimiter.Middleware(middleware.ClientIPKey, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			}))
		}

		r.Get("/chat/{tripID}", deps.Gateway.ServeHTTP)
		// 既存クライアント向けのパス
		r.Get("/ws/chat/{tripID}/", deps.Gateway.ServeHTTP)
	})

	return r
}

// LocationRouterDeps はNewLocationRouterに必要な依存関係をまとめた構造体。
type LocationRouterDeps struct {
	Logger *slog.Logger

	Service LocationSubmitter
	APIKey  string

	Metrics        http.Handler
	StatusRecorder middleware.StatusRecorder

	// Limiter はAPIキー単位で位置情報の送信を制限する。nilの場合は制限しない。
	Limiter *middleware.RateLimiter
}

// NewLocationRouter は位置情報APIのルーティングを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → StatusMetrics → APIKey → RateLimit
func NewLocationRouter(deps *LocationRouterDeps) http.Handler {
	r := chi.NewRouter()
	useCommonMiddleware(r, deps.Logger, deps.StatusRecorder)

	health := NewHealthHandler(nil)
	r.Get("/health", health.Health)
	r.Get("/health/", health.Health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	h := NewLocationHandler(deps.Service, deps.APIKey)
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAPIKey)
		if deps.Limiter != nil {
			r.Use(deps.Limiter.Middleware(middleware.HeaderKey("X-API-Key"), nil))
		}

		r.Post("/locations/", h.SubmitLocation)
		r.Post("/locations", h.SubmitLocation)
	})

	return r
}

func useCommonMiddleware(r chi.Router, logger *slog.Logger, recorder middleware.StatusRecorder) {
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if recorder != nil {
		r.Use(middleware.NewStatusMetricsMiddleware(recorder))
	}
}

// NewOpsRouter はワーカー向けにヘルスチェックとメトリクスのみを公開するchi.Routerを返す。
func NewOpsRouter(logger *slog.Logger, checker HealthChecker, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	useCommonMiddleware(r, logger, nil)

	health := NewHealthHandler(checker)
	r.Get("/health", health.Health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}
