package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/layer-cache/layer-cache/internal/config"
	"github.com/layer-cache/layer-cache/internal/gateway"
	"github.com/layer-cache/layer-cache/internal/logging"
	"github.com/layer-cache/layer-cache/internal/metrics"
	"github.com/layer-cache/layer-cache/internal/origin"
	"github.com/layer-cache/layer-cache/internal/populate"
	"github.com/layer-cache/layer-cache/internal/server"
	"github.com/layer-cache/layer-cache/internal/server/routes"
	"github.com/layer-cache/layer-cache/internal/tier"
	"github.com/layer-cache/layer-cache/internal/transform"
	"github.com/layer-cache/layer-cache/internal/version"
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
		fields["tiers"] = cfg.TierSummaries()
		fields["origin"] = cfg.Global.OriginURL
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	fast, durable, err := openTiers(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储层失败: %v\n", err)
		return 1
	}

	httpClient := origin.NewUpstreamClient(cfg)
	originClient, err := origin.NewHTTPClient(httpClient, cfg.Global.OriginURL)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化源站客户端失败: %v\n", err)
		return 1
	}

	m := metrics.Init(nil)

	// 启动遵循“配置 → 存储层 → 协调器 → Fiber server”顺序，
	// 保证所有请求共享同一组层实例与在途填充表。
	coord := populate.New(populate.Options{
		Origin:          originClient,
		Durable:         durable,
		Fast:            fast,
		Logger:          logger,
		Metrics:         m,
		MaxRetries:      cfg.Global.MaxRetries,
		InitialBackoff:  cfg.Global.InitialBackoff.DurationValue(),
		PopulateTimeout: cfg.Global.PopulateTimeout.DurationValue(),
		NegativeTTL:     cfg.Global.NegativeTTL.DurationValue(),
	})
	handler := gateway.NewHandler(fast, durable, coord, logger, m)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["tiers"] = cfg.TierSummaries()
	fields["origin"] = cfg.Global.OriginURL
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, handler, fast, durable, coord, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// openTiers 按配置构建 Fast/Durable 两个层实例。
func openTiers(cfg *config.Config) (tier.Tier, tier.Tier, error) {
	fast, err := openTier("fast", cfg.FastTier)
	if err != nil {
		return nil, nil, err
	}
	durable, err := openTier("durable", cfg.DurableTier)
	if err != nil {
		fast.Close()
		return nil, nil, err
	}
	return fast, durable, nil
}

func openTier(name string, tc config.TierConfig) (tier.Tier, error) {
	trans, err := transform.New(tc.Compression, tc.ZstdLevel)
	if err != nil {
		return nil, fmt.Errorf("%s 层压缩配置无效: %w", name, err)
	}
	return tier.Open(name, tier.Options{
		Backend:   tc.Backend,
		Path:      tc.Path,
		MaxBytes:  tc.MaxBytes,
		Transform: trans,
	})
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("layer-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 LAYER_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("LAYER_CACHE_CONFIG")
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

func startHTTPServer(
	cfg *config.Config,
	handler server.LayerHandler,
	fast, durable tier.Tier,
	coord *populate.Coordinator,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    handler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Tiers:    []tier.Tier{fast, durable},
		Inflight: coord.Inflight,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
