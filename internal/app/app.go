package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/netutil"

	"github.com/hitoshi/tripchat/internal/auth"
	"github.com/hitoshi/tripchat/internal/broker"
	"github.com/hitoshi/tripchat/internal/chat"
	"github.com/hitoshi/tripchat/internal/config"
	"github.com/hitoshi/tripchat/internal/database"
	"github.com/hitoshi/tripchat/internal/gateway"
	"github.com/hitoshi/tripchat/internal/handler"
	"github.com/hitoshi/tripchat/internal/location"
	"github.com/hitoshi/tripchat/internal/logger"
	"github.com/hitoshi/tripchat/internal/membership"
	"github.com/hitoshi/tripchat/internal/metrics"
	"github.com/hitoshi/tripchat/internal/middleware"
	"github.com/hitoshi/tripchat/internal/relay"
	"github.com/hitoshi/tripchat/internal/repository"
	"github.com/hitoshi/tripchat/internal/security"
	"github.com/hitoshi/tripchat/internal/worker/ingest"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの制限時間。
const shutdownTimeout = 30 * time.Second

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

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandServe:
		return runServe(ctx, cfg)
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandLocationAPI:
		return runLocationAPI(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// newMetrics はプロセス・Goランタイムのメトリクスを含むレジストリとCollectorを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// openDatabase はDB接続を開き、応答するまで待機する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.WaitForReady(ctx, db, 5, 2*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// runServe はチャットサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()
	reg, collector := newMetrics()

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	tripRepo := repository.NewPostgresTripRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)

	// 3. ドメインサービスの初期化
	authService := auth.NewService(userRepo, auth.ServiceConfig{SigningKey: cfg.JWTSigningKey})
	oracle := membership.NewOracle(tripRepo, log)
	sink := chat.NewService(messageRepo, security.NewContentSanitizer(), cfg.ChatMaxMessageLength)

	// 4. ルームレジストリとGatewayの初期化（プロセスで1つ）
	rooms := relay.New(log, collector)
	gw := gateway.New(authService, oracle, sink, rooms, gateway.Config{
		AdmissionTimeout: cfg.AdmissionTimeout,
		SendBuffer:       cfg.ChatSendBuffer,
		AllowedOrigins:   cfg.ChatAllowedOrigins,
	}, log, collector)

	// 5. ルーターの構築
	upgradeLimiter := middleware.NewRateLimiter("chat_upgrade", middleware.PerMinute(cfg.RateLimitUpgrade))
	defer upgradeLimiter.Stop()

	router := handler.NewChatRouter(&handler.ChatRouterDeps{
		Logger:         log,
		Gateway:        gw,
		HealthChecker:  db,
		Metrics:        metrics.Handler(reg),
		StatusRecorder: collector,
		UpgradeLimiter: upgradeLimiter,
	})

	// 6. HTTPサーバーの起動
	// WebSocket接続は長寿命のため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// ハイジャック済みの接続はShutdownで閉じられないため、全ルームの接続を閉じる
	server.RegisterOnShutdown(rooms.CloseAll)

	return serveHTTP(ctx, server, cfg.MaxConnections, "chat server")
}

// runWorker は位置情報取り込みワーカーモードで起動する。
// DB接続を開き、ブローカーを購読する取り込みパイプラインを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとパイプラインを停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()
	reg, collector := newMetrics()

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	tripRepo := repository.NewPostgresTripRepo(db)
	locationRepo := repository.NewPostgresLocationRepo(db)

	// 3. ブローカーとパイプラインの初期化
	b := broker.NewJetStreamBroker(broker.JetStreamConfig{
		URL:      cfg.NATSURL,
		Stream:   cfg.LocationStream,
		Subject:  cfg.LocationSubject,
		Consumer: cfg.LocationConsumer,
		Name:     "tripchat-worker",
	}, log)

	pipeline := ingest.NewPipeline(b, tripRepo, userRepo, locationRepo, broker.RetryPolicy{
		Attempts: cfg.BrokerConnectAttempts,
		Delay:    cfg.BrokerRetryDelay,
	}, log, collector)

	// 4. ヘルスチェック・メトリクス用サーバーをバックグラウンドで起動
	opsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler.NewOpsRouter(log, db, metrics.Handler(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	opsCtx, cancelOps := context.WithCancel(ctx)
	defer cancelOps()
	go func() {
		if err := serveHTTP(opsCtx, opsServer, 0, "worker ops server"); err != nil {
			slog.Error("worker ops server failed", slog.String("error", err.Error()))
		}
	}()

	// 5. シグナル受信でパイプラインを停止する
	stopPipeline := context.AfterFunc(ctx, func() {
		slog.Info("shutting down worker...")
		pipeline.Stop()
	})
	defer stopPipeline()

	slog.Info("worker starting",
		slog.String("nats_url", cfg.NATSURL),
		slog.String("subject", cfg.LocationSubject),
		slog.String("consumer", cfg.LocationConsumer),
	)

	if err := pipeline.Run(ctx); err != nil {
		return fmt.Errorf("location ingestion failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runLocationAPI は位置情報APIモードで起動する。
// ブローカーに接続し、端末からの位置情報をサブジェクトに送信するHTTPサーバーを起動する。
func runLocationAPI(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireLocationAPIKey(); err != nil {
		return err
	}

	log := slog.Default()
	reg, collector := newMetrics()

	// 1. ブローカーへの接続
	publisher, err := broker.DialPublisher(ctx, broker.JetStreamConfig{
		URL:     cfg.NATSURL,
		Stream:  cfg.LocationStream,
		Subject: cfg.LocationSubject,
		Name:    "tripchat-location-api",
	}, broker.RetryPolicy{
		Attempts: cfg.BrokerConnectAttempts,
		Delay:    cfg.BrokerRetryDelay,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer publisher.Close()

	// 2. サービスとルーターの構築
	service := location.NewService(publisher, cfg.LocationSubject, log, collector)

	limiter := middleware.NewRateLimiter("location", middleware.PerMinute(cfg.RateLimitLocation))
	defer limiter.Stop()

	router := handler.NewLocationRouter(&handler.LocationRouterDeps{
		Logger:         log,
		Service:        service,
		APIKey:         cfg.LocationAPIKey,
		Metrics:        metrics.Handler(reg),
		StatusRecorder: collector,
		Limiter:        limiter,
	})

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return serveHTTP(ctx, server, cfg.MaxConnections, "location API")
}

// serveHTTP はctxがキャンセルされるまでサーバーを実行し、その後グレースフルシャットダウンを行う。
// maxConnsが正の場合は同時接続数をその値に制限する。
func serveHTTP(ctx context.Context, server *http.Server, maxConns int, name string) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
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
