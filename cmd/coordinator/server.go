package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/api/handlers"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/config"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/coordination"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/database"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/metrics"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/migration"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/server"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 装配协调核心、HTTP 路由与中间件，并管理它们的生命周期
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	db        *database.PoolManager
	core      *coordination.Core
	collector *metrics.Collector
	reloader  *config.Reloader

	handler     http.Handler
	httpManager *server.Manager

	// 限流器后台清理的生命周期
	limiterCancel context.CancelFunc
}

// NewServer 按配置构建服务器，不监听端口
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	return newServer(cfg, logger, "coordinator")
}

// newServer 的 namespace 决定 Prometheus 指标前缀；同一进程内不可重复
func newServer(cfg *config.Config, logger *zap.Logger, namespace string) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	var db *gorm.DB
	if cfg.Persistence.Type == string(persistence.StoreTypeSQL) {
		if db, err = s.openDatabase(); err != nil {
			s.release()
			return nil, err
		}
	}

	s.collector = metrics.NewCollector(namespace, logger)
	s.core, err = coordination.New(coordination.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: s.collector,
		DB:      db,
	})
	if err != nil {
		s.release()
		return nil, fmt.Errorf("build coordination core: %w", err)
	}

	s.handler = s.routes()
	s.httpManager = server.NewManager(s.handler, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	return s, nil
}

// openDatabase 连接 sql 后端，AutoMigrate 打开时先执行迁移
func (s *Server) openDatabase() (*gorm.DB, error) {
	if s.cfg.Database.AutoMigrate {
		m, err := migration.NewMigratorFromConfig(s.cfg.Database, s.logger)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		err = m.Up(context.Background())
		_ = m.Close()
		if err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pm, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return nil, err
	}
	s.db = pm
	return pm.DB(), nil
}

// =============================================================================
// 🌐 路由
// =============================================================================

// publicPaths 不需要认证
var publicPaths = []string{"/health", "/ready", "/version", "/metrics"}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewPingCheck("store", s.core.Ping))
	if s.db != nil {
		health.RegisterCheck(handlers.NewPingCheck("database", s.db.Ping))
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	handlers.NewCoordinationHandler(s.core, s.logger).Register(mux)
	mux.HandleFunc("GET /v1/events", handlers.NewEventsHandler(s.core.Events, s.logger).HandleEvents)

	limiterCtx, cancel := context.WithCancel(context.Background())
	s.limiterCancel = cancel

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		chain = append(chain, APIKeyAuth(s.cfg.Server.APIKeys, publicPaths, s.logger))
	}
	if s.cfg.Server.JWTSecret != "" {
		chain = append(chain, JWTAuth(JWTConfig{
			Secret: s.cfg.Server.JWTSecret,
			Issuer: s.cfg.Server.JWTIssuer,
		}, publicPaths, s.logger))
	}
	// 放在认证之后，以便按 agent_id 限流
	if s.cfg.Server.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(limiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	return Chain(mux, chain...)
}

// Handler 返回带中间件的根处理器
func (s *Server) Handler() http.Handler { return s.handler }

// =============================================================================
// 🔄 配置重载
// =============================================================================

// WatchConfig 轮询配置文件，把工具目录变更应用到协调核心
func (s *Server) WatchConfig(ctx context.Context, loader *config.Loader, interval time.Duration) error {
	r, err := config.NewReloader(loader, s.cfg, interval, s.logger)
	if err != nil {
		return err
	}
	r.OnReload(s.core.OnConfigReload)
	s.reloader = r
	go r.Run(ctx)
	return nil
}

// =============================================================================
// 🚀 生命周期
// =============================================================================

// Run 启动后台循环与 HTTP 服务，阻塞到 ctx 结束，然后依次关闭
func (s *Server) Run(ctx context.Context) error {
	s.core.Start(ctx)
	s.logger.Info("coordinator listening",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("agents", len(s.core.Registry.List())),
		zap.Strings("tools", s.core.Tools.Tools()),
	)
	err := s.httpManager.Run(ctx)
	s.release()
	return err
}

// release 关闭核心、数据库与遥测；可重复调用
func (s *Server) release() {
	if s.limiterCancel != nil {
		s.limiterCancel()
	}
	if s.core != nil {
		s.core.Close()
	}
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.telemetry.Shutdown(ctx))
		cancel()
		s.telemetry = nil
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("shutdown cleanup failed", zap.Error(err))
	}
	s.logger.Info("graceful shutdown completed")
}
