package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docmem-go/internal/api/handler"
	"docmem-go/internal/api/router"
	"docmem-go/internal/cache"
	"docmem-go/internal/clustering"
	"docmem-go/internal/config"
	"docmem-go/internal/constants"
	"docmem-go/internal/jobqueue"
	appLogger "docmem-go/internal/logger"
	"docmem-go/internal/memory"
	"docmem-go/internal/outbox"
	"docmem-go/internal/parser"
	"docmem-go/internal/processor"
	"docmem-go/internal/ratelimit"
	"docmem-go/internal/storage"
	"docmem-go/internal/tracing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	var configPath, sampleConfig string
	pflag.StringVarP(&configPath, "config", "c", "", "配置文件路径，为空时按默认位置查找")
	pflag.StringVar(&sampleConfig, "init-config", "", "把默认配置写到指定文件后退出")
	pflag.Parse()

	if sampleConfig != "" {
		if err := config.CreateSampleConfig(sampleConfig); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("示例配置已写入 %s\n", sampleConfig)
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logCloser := initLogger(cfg)
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing, constants.ServiceName, constants.ServiceVersion)
	if err != nil {
		appLogger.Warn().Err(err).Msg("初始化链路追踪失败，继续运行")
	} else {
		defer func() {
			tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer tcancel()
			if err := shutdownTracing(tctx); err != nil {
				appLogger.Warn().Err(err).Msg("关闭链路追踪失败")
			}
		}()
	}

	st, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer st.Close()
	appLogger.Info().Msg("存储服务初始化成功")

	embedder := buildEmbedder(cfg)
	chat := buildChatModel(cfg)

	memories := memory.NewService(st.MySQL, st.Vector, embedder, memory.WithLogger(appLogger.Component("memory")))

	clusterOpts := []clustering.Option{
		clustering.WithLogger(appLogger.Component("clustering")),
		clustering.WithParams(clustering.Params{
			Eps:               cfg.Clustering.Eps,
			MinSamples:        cfg.Clustering.MinSamples,
			FetchLimit:        cfg.Clustering.FetchLimit,
			MaxSummaryMembers: cfg.Clustering.MaxSummaryMembers,
			LockTTL:           config.GetDuration(cfg.Clustering.LockTTL, 0),
		}),
	}
	if chat != nil {
		clusterOpts = append(clusterOpts, clustering.WithChatModel(chat))
	}
	if st.Redis != nil {
		clusterOpts = append(clusterOpts, clustering.WithLocker(st.Redis))
	}
	clusterer := clustering.NewTrigger(st.Vector, st.MySQL, cfg.Vector.Dimension, clusterOpts...)

	extractor, err := parser.NewEinoPDFExtractor(ctx, parser.WithEinoLogger(appLogger.Component("pdf")))
	if err != nil {
		appLogger.Fatal().Err(err).Msg("创建PDF提取器失败")
	}
	summarizer := parser.NewSectionSummarizer(chat,
		parser.WithSummaryTemperature(float32(cfg.LLM.Temperature)),
		parser.WithSummarizerLogger(appLogger.Component("summarizer")))
	executor := ratelimit.NewExecutor(config.GetDuration(cfg.JobQueue.RateLimitDelay, 2*time.Second),
		ratelimit.WithLogger(appLogger.Component("ratelimit")))

	compOpts := []processor.ComponentOpt{processor.WithClusterer(clusterer)}
	if cfg.SummaryCache.Enabled {
		cacheOpts := []cache.Option{cache.WithLogger(appLogger.Component("summary_cache"))}
		if st.Redis != nil {
			cacheOpts = append(cacheOpts, cache.WithRemote(st.Redis))
		}
		summaryCache, err := cache.NewSummaryCache(cfg.SummaryCache.LocalMaxCost,
			config.GetDuration(cfg.SummaryCache.TTL, constants.DefaultSummaryCacheTTL), cacheOpts...)
		if err != nil {
			appLogger.Warn().Err(err).Msg("创建摘要缓存失败，不使用缓存")
		} else {
			defer summaryCache.Close()
			compOpts = append(compOpts, processor.WithSummaryCache(summaryCache))
		}
	}

	docProcessor, err := processor.NewDocumentProcessor(extractor, summarizer, executor, memories, compOpts,
		processor.WithLogger(appLogger.Component("processor")))
	if err != nil {
		appLogger.Fatal().Err(err).Msg("创建文档处理器失败")
	}

	queueOpts := []jobqueue.Option{
		jobqueue.WithProcessor(docProcessor),
		jobqueue.WithLogger(appLogger.Component("jobqueue")),
		jobqueue.WithMaxRetries(cfg.JobQueue.MaxRetries),
		jobqueue.WithBackoff(cfg.JobQueue.BackoffMultiplier, config.GetDuration(cfg.JobQueue.BackoffUnit, time.Second)),
		jobqueue.WithTickInterval(config.GetDuration(cfg.JobQueue.TickInterval, time.Second)),
	}
	if archive := st.Archive(); archive != nil {
		queueOpts = append(queueOpts, jobqueue.WithArchive(archive))
	}
	jobs := jobqueue.NewService(st.MySQL, queueOpts...)
	jobs.Start(ctx)
	appLogger.Info().Msg("后台任务队列已启动")

	var relay *outbox.MessageRelay
	if st.RabbitMQ != nil {
		relay = outbox.NewMessageRelay(st.MySQL.DB(), st.RabbitMQ, appLogger.Component("outbox"),
			outbox.WithPollingInterval(config.GetDuration(cfg.RabbitMQ.RelayPollInterval, 5*time.Second)),
			outbox.WithBatchSize(cfg.RabbitMQ.RelayBatchSize),
			outbox.WithMaxRetryCount(cfg.RabbitMQ.RelayMaxRetryCount))
		relay.Start(ctx)
		appLogger.Info().Msg("消息中继服务已启动")
	}

	h := router.NewServer(cfg.Server.Address)
	memHandler := handler.NewMemoryHandler(jobs, memories, clusterer, appLogger.Component("http"))
	router.RegisterRoutes(h, memHandler, cfg.Server.APIKeys)
	if len(cfg.Server.APIKeys) == 0 {
		appLogger.Warn().Msg("未配置 api_keys，接口不做鉴权")
	}

	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("HTTP 服务器启动中")
		if err := h.Run(); err != nil {
			appLogger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info().Msg("接收到终止信号，正在优雅退出...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("HTTP服务器关闭失败")
	}
	// 先停入口，再停后台任务
	jobs.Shutdown()
	if relay != nil {
		relay.Stop()
	}
	cancel()
	appLogger.Info().Msg("优雅退出完成")
}

// initLogger 初始化应用日志并把 hertz 的日志接到同一个 zerolog 实例上
func initLogger(cfg *config.Config) io.Closer {
	closer, err := appLogger.Init(appLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
		FilePath:     cfg.Logger.FilePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志文件失败，只输出到控制台: %v\n", err)
	}

	appLogger.Logger = appLogger.Logger.With().
		Str("app", constants.ServiceName).
		Str("version", constants.ServiceVersion).
		Logger()

	glog.SetLogger(hertzadapter.From(appLogger.Logger))
	if cfg.Logger.Level == "debug" {
		glog.SetLevel(glog.LevelDebug)
	} else {
		glog.SetLevel(glog.LevelInfo)
	}
	return closer
}

// buildEmbedder 未配置密钥时返回 nil，长期记忆只落库不写向量
func buildEmbedder(cfg *config.Config) embedding.Embedder {
	if cfg.Aliyun.APIKey == "" {
		appLogger.Warn().Msg("未配置 aliyun.api_key，长期记忆不会写入向量索引")
		return nil
	}
	e, err := parser.NewAliyunEmbedder(cfg.Aliyun.APIKey, cfg.Aliyun.Embedding,
		parser.WithEmbedderLogger(appLogger.Component("embedder")))
	if err != nil {
		appLogger.Warn().Err(err).Msg("初始化阿里云Embedder失败")
		return nil
	}
	return e
}

// buildChatModel 返回 nil 时摘要使用兜底文本
func buildChatModel(cfg *config.Config) model.BaseChatModel {
	opts := []parser.ChatModelOption{
		parser.WithChatTemperature(float32(cfg.LLM.Temperature)),
		parser.WithChatMaxTokens(cfg.LLM.MaxTokens),
		parser.WithChatTimeout(config.GetDuration(cfg.LLM.Timeout, time.Minute)),
		parser.WithChatLogger(appLogger.Component("llm")),
	}

	switch cfg.LLM.Provider {
	case "anthropic":
		modelName := cfg.LLM.Model
		if cfg.Anthropic.Model != "" {
			modelName = cfg.Anthropic.Model
		}
		m, err := parser.NewAnthropicChatModel(cfg.Anthropic.APIKey, modelName, "", opts...)
		if err != nil {
			appLogger.Warn().Err(err).Msg("初始化Anthropic模型失败，摘要将使用兜底文本")
			return nil
		}
		return m
	case "aliyun":
		m, err := parser.NewAliyunChatModel(cfg.Aliyun.APIKey, cfg.LLM.Model, cfg.Aliyun.APIURL, opts...)
		if err != nil {
			appLogger.Warn().Err(err).Msg("初始化阿里云模型失败，摘要将使用兜底文本")
			return nil
		}
		return m
	default:
		appLogger.Info().Msg("未启用对话模型，摘要将使用兜底文本")
		return nil
	}
}
