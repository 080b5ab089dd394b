package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow"
	"github.com/BaSui01/convoflow/batchsum"
	"github.com/BaSui01/convoflow/config"
	"github.com/BaSui01/convoflow/internal/metrics"
	"github.com/BaSui01/convoflow/internal/telemetry"
	"github.com/BaSui01/convoflow/objstore"
	"github.com/BaSui01/convoflow/providers/gemini"
	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/store/gormstore"
	"github.com/BaSui01/convoflow/store/mongo"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 ConvoFlow 的主服务进程
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 遥测
	otelProviders *telemetry.Providers

	// 指标收集器
	collector *metrics.Collector

	// 对话引擎（持有 store，停机时由引擎关闭）
	engine *convoflow.Engine

	// Redis 客户端（未启用时为 nil）
	rdb redis.UniversalClient

	httpServer *http.Server
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	ctx := context.Background()

	// 1. 初始化指标收集器
	s.collector = metrics.NewCollector("convoflow", s.logger)

	// 2. 打开持久化存储
	st, err := s.openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// 3. 初始化 LLM 供应商
	provider := gemini.New(s.cfg.Gemini, s.logger)

	// 4. 组装引擎选项
	opts := []convoflow.Option{
		convoflow.WithLogger(s.logger),
		convoflow.WithMetrics(s.collector),
	}

	// 批处理工件桶（未配置 bucket 时不启用批量摘要）
	if s.cfg.GCS.Bucket != "" {
		bucket, err := objstore.NewGCSBucket(ctx, s.cfg.GCS, s.logger)
		if err != nil {
			return fmt.Errorf("failed to open GCS bucket: %w", err)
		}
		s.cfg.Batch.URIFor = bucket.URI
		opts = append(opts, convoflow.WithBucket(bucket))
	}

	// Redis 分布式锁
	if rdb := s.cfg.Redis.Client(); rdb != nil {
		s.rdb = rdb
		opts = append(opts, convoflow.WithRedis(rdb))
	}

	// 调度器轮询的 chat 列表
	if len(s.cfg.Chats) > 0 {
		chats := append([]int64(nil), s.cfg.Chats...)
		opts = append(opts, convoflow.WithChatLister(batchsum.ChatListerFunc(
			func(ctx context.Context) ([]int64, error) { return chats, nil },
		)))
	}

	// 5. 创建并启动引擎
	eng, err := convoflow.New(s.cfg, st, provider, opts...)
	if err != nil {
		st.Close(ctx)
		return fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = eng
	s.engine.Start()

	// 6. 启动 HTTP 服务器（健康检查 + 指标）
	s.startHTTPServer()

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("store_driver", s.cfg.Store.Driver),
		zap.Bool("batch_enabled", s.cfg.GCS.Bucket != ""),
		zap.Int("scheduled_chats", len(s.cfg.Chats)),
	)

	return nil
}

// openStore 根据配置打开持久化存储
func (s *Server) openStore(ctx context.Context) (store.Store, error) {
	switch s.cfg.Store.Driver {
	case "mongo":
		return mongo.New(ctx, s.cfg.Store.Mongo, s.logger)
	case "sqlite", "postgres":
		dbCfg := s.cfg.Store.Database
		dbCfg.Driver = s.cfg.Store.Driver
		return gormstore.New(dbCfg, s.logger)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", s.cfg.Store.Driver)
	}
}

// startHTTPServer 启动健康检查与指标端点
func (s *Server) startHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, Version)
	})
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// =============================================================================
// 🛑 停机流程
// =============================================================================

// WaitForShutdown 阻塞直到收到停止信号，然后优雅停机
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	s.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.engine != nil {
		if err := s.engine.Close(ctx); err != nil {
			s.logger.Warn("Engine shutdown error", zap.Error(err))
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Warn("Redis close error", zap.Error(err))
		}
	}

	if err := s.otelProviders.Shutdown(ctx); err != nil {
		s.logger.Warn("Telemetry shutdown error", zap.Error(err))
	}
}
