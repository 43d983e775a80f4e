package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-screener-go/internal/api/handler"
	"ai-screener-go/internal/api/router"
	"ai-screener-go/internal/config"
	"ai-screener-go/internal/llm"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/metrics"
	"ai-screener-go/internal/outbox"
	"ai-screener-go/internal/scorer"
	"ai-screener-go/internal/screening"
	"ai-screener-go/internal/storage"
	"ai-screener-go/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"
)

var (
	version     = "1.0.0"          //nolint:gochecknoglobals
	serviceName = "ai-screener-go" //nolint:gochecknoglobals
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}
	logger.Init(logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})
	logger.Info().Str("version", version).Str("service", serviceName).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = serviceName
	}
	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化链路追踪失败")
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer storageManager.Close()
	logger.Info().Msg("存储服务初始化成功")

	pipeline, err := buildPipeline(ctx, cfg, storageManager)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化打分流程失败")
	}

	dispatcher, err := screening.NewDispatcher(storageManager.RabbitMQ, storageManager.RabbitMQ, pipeline, screening.SettingsFromConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化消费者失败")
	}

	recovery := screening.NewRecovery(storageManager.MySQL.DB(), storageManager.Results, storageManager.Recommendations, cfg.RabbitMQ.ScreeningQueue)

	// 重放消息最终投递失败时恢复 failed 状态
	messageRelay := outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ,
		outbox.WithFailedHandler(recovery.RevertReplay))
	messageRelay.Start(ctx)

	screeningHandler := handler.NewScreeningHandler(recovery, storageManager.Results, storageManager.Recommendations)

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	router.RegisterRoutes(h, screeningHandler, cfg.Server.APIKey, cfg.Server.APIKeyHeader)
	glog.Info("HTTP路由注册成功")

	go func() {
		glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
		if err := h.Run(); err != nil {
			logger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("指标服务退出")
			}
		}()
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- dispatcher.Run(consumerCtx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info().Msg("接收到终止信号，正在优雅退出...")
	case err := <-consumerDone:
		logger.Error().Err(err).Msg("消费者意外退出")
	}

	// 先停止消费，处理中的消息确认后再关闭其余组件
	stopConsumer()
	select {
	case <-consumerDone:
	case <-time.After(2 * time.Minute):
		logger.Warn().Msg("等待处理中的消息超时")
	}

	messageRelay.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP服务器关闭失败")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("关闭链路追踪失败")
	}
	logger.Info().Msg("优雅退出完成")
}

// buildPipeline 组装评估器和可选子评分。Redis 不可用时缓存为空。
func buildPipeline(ctx context.Context, cfg *config.Config, s *storage.Storage) (*screening.Pipeline, error) {
	chatModel, err := llm.NewChatModel(ctx, &cfg.LLM)
	if err != nil {
		return nil, err
	}
	embedder, err := llm.NewEmbedder(&cfg.Embedding, &cfg.LLM)
	if err != nil {
		return nil, err
	}

	var cache scorer.Cache
	scoreTTL, requirementTTL := time.Duration(0), time.Duration(0)
	if s.Redis != nil {
		cache = s.Redis
		scoreTTL = s.Redis.ScoreCacheTTL()
		requirementTTL = s.Redis.RequirementCacheTTL()
	}

	opts := []screening.PipelineOption{
		screening.WithKeywordScorer(scorer.NewKeywordScorer(chatModel, cfg.Screening.KeywordFactor, cache, scoreTTL)),
		screening.WithVectorScorer(scorer.NewVectorScorer(embedder, cfg.Screening.VectorFactor, cache, scoreTTL)),
		screening.WithRequirementAnalyzer(scorer.NewRequirementAnalyzer(chatModel, cache, requirementTTL)),
		screening.WithRecommendationWriter(s.Recommendations),
	}
	if cfg.Screening.NormalizeCV {
		opts = append(opts, screening.WithNormalizer(scorer.NewResumeNormalizer(chatModel)))
	} else {
		opts = append(opts, screening.WithNormalizer(scorer.NewResumeNormalizer(nil)))
	}

	return screening.NewPipeline(s.MinIO, scorer.NewRubricEvaluator(chatModel), s.Results, opts...)
}
