package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["tiers"] = len(cfg.Tiers)
		fields["routes"] = len(cfg.Routes)
		fields["mutations"] = len(cfg.Mutations)
		fields["notify"] = cfg.NotifyChannels()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := setupTracing(cfg, stdOut)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化追踪失败: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	// CLI 启动遵循“配置 → 存储 → 分发器/队列 → 生命周期 → Fiber server”顺序，
	// 保证所有请求共享统一的缓存与队列实例。
	rt, err := buildRuntime(ctx, cfg, logger, tp)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("资源释放失败")
		}
	}()

	if err := rt.start(ctx); err != nil {
		fmt.Fprintf(stdErr, "启动失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["tiers"] = len(cfg.Tiers)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["upstream"] = cfg.Global.Upstream
	fields["notify"] = cfg.NotifyChannels()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, rt); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startHTTPServer 启动连通性探测与 Fiber 监听，ctx 结束时优雅关闭。
func startHTTPServer(ctx context.Context, rt *hubRuntime) error {
	if rt.watcher != nil {
		go rt.watcher.Run(ctx)
	}
	go func() {
		<-ctx.Done()
		_ = rt.app.ShutdownWithTimeout(10 * time.Second)
	}()

	port := rt.cfg.Global.ListenPort
	rt.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return rt.app.Listen(fmt.Sprintf(":%d", port))
}
