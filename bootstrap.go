package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/dispatch"
	"github.com/any-hub/offline-hub/internal/kvstore"
	"github.com/any-hub/offline-hub/internal/kvstore/redis"
	"github.com/any-hub/offline-hub/internal/kvstore/sqlite"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/notify"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/queue"
	"github.com/any-hub/offline-hub/internal/reconnect"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/tier"
)

// hubRuntime 持有一次进程运行所需的全部组件，按构建顺序的逆序关闭。
type hubRuntime struct {
	cfg        *config.Config
	logger     *logrus.Logger
	app        *fiber.App
	cache      *cache.Service
	dispatcher *dispatch.Dispatcher
	queue      *queue.Queue
	machine    *lifecycle.Machine
	trigger    *reconnect.Trigger
	watcher    *reconnect.Watcher
	metrics    *metrics.Metrics

	closers []func() error
}

// setupTracing 在 TraceStdout=true 时安装 stdouttrace 导出器，否则沿用全局（默认 noop）provider。
func setupTracing(cfg *config.Config, out io.Writer) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Global.TraceStdout {
		return otel.GetTracerProvider(), func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

// buildRuntime 按“指标 → 元数据索引 → 内容存储 → 缓存服务 → 分发器 → 变更队列 → 生命周期 → Fiber”顺序组装组件。
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger, tp trace.TracerProvider) (_ *hubRuntime, err error) {
	rt := &hubRuntime{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	metaStore, err := openMetadataStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, metaStore.Close)

	diskStore, err := cache.NewStore(filepath.Join(cfg.Global.StoragePath, "content"))
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	content, closeMemory, err := cache.NewMemoryLayer(diskStore, cfg.Global.MaxMemoryCache)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { closeMemory(); return nil })

	rt.cache, err = cache.NewService(cache.ServiceOptions{
		Registry: tier.NewRegistry(),
		Content:  content,
		Index:    cache.NewMetadataIndex(metaStore),
		Logger:   logger,
		Observer: rt.metrics,
	})
	if err != nil {
		return nil, err
	}

	client := dispatch.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue())
	fetcher, err := dispatch.NewHTTPFetcher(client, cfg.Global.Upstream)
	if err != nil {
		return nil, err
	}
	placeholder, err := dispatch.LoadPlaceholder(cfg.Global.OfflinePage)
	if err != nil {
		return nil, err
	}
	rt.dispatcher, err = dispatch.New(dispatch.Options{
		Cache:          rt.cache,
		Fetcher:        fetcher,
		Classifier:     dispatch.NewClassifier(classificationRules(cfg), dispatch.Rule{Tier: cfg.Global.DefaultTier}),
		Placeholder:    placeholder,
		Logger:         logger,
		Observer:       rt.metrics,
		TracerProvider: tp,
	})
	if err != nil {
		return nil, err
	}

	notifier, err := buildNotifier(cfg, client, logger)
	if err != nil {
		return nil, err
	}

	rt.machine, err = lifecycle.New(lifecycle.Options{
		Tiers:        cfg.TierConfigs(),
		Registrar:    rt.cache,
		Precacher:    rt.dispatcher,
		Pruner:       rt.cache,
		Precache:     cfg.Global.Precache,
		PrecacheTier: cfg.PrecacheTier(),
		Notifier:     notifier,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	queueStore, err := sqlite.Open(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("打开变更队列失败: %w", err)
	}
	rt.closers = append(rt.closers, queueStore.Close)

	sender, err := queue.NewHTTPSender(client, cfg.Global.Upstream)
	if err != nil {
		return nil, err
	}
	rt.queue, err = queue.Open(ctx, queue.Options{
		Store:          queueStore,
		Sender:         sender,
		Notifier:       notifier,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		AttemptTimeout: cfg.Queue.ReplayTimeout.DurationValue(),
		Logger:         logger,
		Observer:       rt.metrics,
		TracerProvider: tp,
	})
	if err != nil {
		return nil, err
	}

	rt.trigger, err = reconnect.NewTrigger(reconnect.Options{
		Replayer: rt.queue,
		Window:   cfg.Queue.CoalesceWindow.DurationValue(),
		Gate:     func() (func(), error) { return rt.machine.Begin(lifecycle.ActivityReplay) },
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if interval := cfg.Global.ProbeInterval.DurationValue(); interval > 0 {
		probe := reconnect.NewHTTPProbe(client, cfg.Global.Upstream+cfg.Global.HealthPath, cfg.Global.UpstreamTimeout.DurationValue())
		backlog := func(ctx context.Context) (bool, error) { return rt.queue.HasPending(ctx) }
		rt.watcher, err = reconnect.NewWatcher(probe, rt.trigger, backlog, interval, logger)
		if err != nil {
			return nil, err
		}
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Dispatcher: rt.dispatcher,
		Queue:      rt.queue,
		Mutations:  mutationRoutes(cfg),
		Gate:       rt.machine.Begin,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	rt.app, err = server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterCacheRoutes(rt.app, rt.cache)
	routes.RegisterQueueRoutes(rt.app, rt.queue, rt.machine.Begin)
	routes.RegisterReconnectRoute(rt.app, rt.trigger)
	routes.RegisterStateRoutes(rt.app, rt.machine)
	routes.RegisterMetricsRoute(rt.app, rt.metrics.Handler())
	return rt, nil
}

// start 执行 Install（注册 Tier、预取）、修复两侧存储残留，并激活状态机。
func (rt *hubRuntime) start(ctx context.Context) error {
	report, err := rt.machine.Install(ctx)
	if err != nil {
		return err
	}
	for _, t := range rt.cache.Registry().List() {
		if _, err := rt.cache.Reconcile(ctx, t.ID); err != nil {
			rt.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_reconcile", "tier": t.ID}).Warn("reconcile failed")
		}
	}
	if err := rt.machine.Activate(ctx); err != nil {
		return err
	}
	pending, err := rt.queue.ListPending(ctx)
	if err != nil {
		return err
	}
	rt.logger.WithFields(logrus.Fields{
		"action":    "startup",
		"tiers":     report.Tiers,
		"precached": report.Precached,
		"pending":   len(pending),
	}).Info("offline hub ready")
	return nil
}

// Close 按逆序释放资源并等待异步缓存写入完成。
func (rt *hubRuntime) Close() error {
	if rt.dispatcher != nil {
		rt.dispatcher.Settle()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func openMetadataStore(ctx context.Context, cfg *config.Config) (kvstore.Store, error) {
	switch cfg.Metadata.Backend {
	case config.BackendRedis:
		store := redis.New(redis.Options{
			Addr:     cfg.Metadata.RedisAddr,
			Password: cfg.Metadata.RedisPassword,
			DB:       cfg.Metadata.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("连接 Redis 元数据存储失败: %w", err)
		}
		return store, nil
	default:
		store, err := sqlite.Open(filepath.Join(cfg.Global.StoragePath, "metadata.db"))
		if err != nil {
			return nil, fmt.Errorf("打开元数据索引失败: %w", err)
		}
		return store, nil
	}
}

func buildNotifier(cfg *config.Config, client *http.Client, logger *logrus.Logger) (notify.Notifier, error) {
	channels := notify.Multi{notify.Log{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhook(cfg.Notify.WebhookURL, client))
	}
	if cfg.Notify.SendGridEnabled() {
		sg, err := notify.NewSendGrid(cfg.Notify.SendGridAPIKey, cfg.Notify.SendGridFrom, cfg.Notify.SendGridTo, logger)
		if err != nil {
			return nil, err
		}
		channels = append(channels, sg)
	}
	return channels, nil
}

func classificationRules(cfg *config.Config) []dispatch.Rule {
	rules := make([]dispatch.Rule, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		rules = append(rules, dispatch.Rule{
			Pattern:      r.Pattern,
			ContentClass: r.ContentClass,
			Strategy:     dispatch.Strategy(r.Strategy),
			Tier:         r.Tier,
		})
	}
	return rules
}

func mutationRoutes(cfg *config.Config) queue.Routes {
	result := make(queue.Routes, 0, len(cfg.Mutations))
	for _, m := range cfg.Mutations {
		result = append(result, queue.Route{Pattern: m.Pattern, Method: m.Method, Kind: queue.Kind(m.Kind)})
	}
	return result
}
