package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clusterlb/clusterlb/internal/affinity"
	"github.com/clusterlb/clusterlb/internal/config"
	"github.com/clusterlb/clusterlb/internal/health"
	"github.com/clusterlb/clusterlb/internal/proxy"
	"github.com/clusterlb/clusterlb/internal/rediscluster"
	"github.com/clusterlb/clusterlb/internal/registry"
	"github.com/clusterlb/clusterlb/internal/selector"
	"github.com/clusterlb/clusterlb/internal/webapi"
)

var rootCmd = &cobra.Command{
	Use:   "clusterlb",
	Short: "A protocol-aware TCP load balancer for MongoDB and Redis Cluster backends",

	Run: func(cmd *cobra.Command, args []string) {
		run()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to the configuration file")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "watch the configuration file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvPrefix("clusterlb")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(configFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logLevel, logger
}

func run() {
	logLevel, logger := getLogger()
	defer logger.Sync() //nolint:errcheck

	if cfgFile == "" {
		logger.Fatal("--config is required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if lvl, lerr := zapcore.ParseLevel(viper.GetString("log-level")); lerr == nil {
		logLevel.SetLevel(lvl)
	}

	logger.Info("starting clusterlb",
		zap.String("config", cfgFile),
		zap.String("mode", string(cfg.Mode())),
		zap.Bool("watch-config", watchCfgFile),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	status := newStatusAdapter(cfg)

	web := webapi.New(webapi.Options{
		Logger:        logger,
		LogLevel:      &logLevel,
		ListenAddress: cfg.WebListenAddr,
		Status:        status,
	})
	go func() {
		if err := web.ListenAndServe(); err != nil {
			logger.Warn("admin web server stopped", zap.Error(err))
		}
	}()

	switch cfg.Mode() {
	case config.ModeMongoDB:
		runMongoMode(ctx, logger, cfg, status)
	case config.ModeRedis:
		runRedisMode(ctx, logger, cfg, status)
	}

	if watchCfgFile {
		watcher := config.NewWatcher(cfgFile, cfg)
		watcher.OnError = func(err error) {
			logger.Warn("configuration reload failed", zap.Error(err))
		}
		watcher.OnChange = func(newCfg *config.Config) {
			logger.Info("configuration file change detected")
			status.update(newCfg)
		}
		watcher.Start()
	}

	awaitShutdown(ctx, cancel, logger)
}

func awaitShutdown(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 10)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	hasReceivedSigInt := false
	for sig := range sigCh {
		switch sig {
		case syscall.SIGINT:
			if hasReceivedSigInt {
				logger.Info("received SIGINT a second time, terminating")
				os.Exit(1)
			}
			logger.Info("received SIGINT, attempting graceful shutdown")
			hasReceivedSigInt = true
			cancel()
			time.Sleep(200 * time.Millisecond)
			return
		case syscall.SIGTERM:
			logger.Info("received SIGTERM, attempting graceful shutdown")
			cancel()
			time.Sleep(200 * time.Millisecond)
			return
		}
	}
}

func runMongoMode(ctx context.Context, logger *zap.Logger, cfg *config.Config, status *statusAdapter) {
	reg := registry.New()
	for _, addr := range cfg.MongoDB.MongosEndpoints {
		reg.Add(registry.Backend{ID: addr, Address: addr, Weight: 1, Mode: registry.ModeMongoDB}, true)
	}
	status.reg = reg

	sel := selector.New()

	var aff *affinity.Engine
	if cfg.MongoDB.SessionAffinityEnabled {
		aff = affinity.New(affinity.Options{
			Strategy:       parseStrategy(cfg.MongoDB.IdentificationStrategy),
			SessionTimeout: cfg.MongoDB.SessionTimeout(),
			EvictOnRelease: cfg.MongoDB.EvictOnDisconnect,
		})
		status.aff = aff
		go sweepLoop(ctx, aff, cfg.MongoDB.SessionTimeout())
	}

	checker := health.MongoChecker{}
	eng := health.New(reg, checker, health.Options{
		Interval:   cfg.Health.Interval(),
		Timeout:    cfg.Health.Timeout(),
		RetryCount: cfg.Health.RetryCount,
		RetryDelay: cfg.Health.RetryDelay(),
		Logger:     logger,
	})
	go func() {
		if err := eng.Run(ctx); err != nil {
			logger.Warn("mongodb health engine stopped", zap.Error(err))
		}
	}()

	srv, err := proxy.NewMongoServer(proxy.MongoServerOptions{
		Logger:         logger,
		ListenAddr:     cfg.ListenAddr,
		Registry:       reg,
		Selector:       sel,
		Affinity:       aff,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		logger.Fatal("failed to start mongodb listener", zap.Error(err))
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Warn("mongodb proxy server stopped", zap.Error(err))
		}
	}()
}

func runRedisMode(ctx context.Context, logger *zap.Logger, cfg *config.Config, status *statusAdapter) {
	topo := rediscluster.New(rediscluster.Options{
		Logger:          logger,
		Seeds:           cfg.Redis.ClusterEndpoints,
		RefreshInterval: cfg.Redis.SlotRefreshInterval(),
		DialTimeout:     cfg.Redis.ConnectionTimeout(),
	})
	status.topo = topo

	go func() {
		if err := topo.Run(ctx); err != nil {
			logger.Warn("redis topology engine stopped", zap.Error(err))
		}
	}()

	reg := registry.New()
	status.reg = reg
	for _, addr := range cfg.Redis.ClusterEndpoints {
		reg.Add(registry.Backend{ID: addr, Address: addr, Weight: 1, Mode: registry.ModeRedis}, true)
	}

	checker := health.RedisChecker{CheckClusterStatus: cfg.Redis.CheckClusterStatus}
	eng := health.New(reg, checker, health.Options{
		Interval:   cfg.Health.Interval(),
		Timeout:    cfg.Health.Timeout(),
		RetryCount: cfg.Health.RetryCount,
		RetryDelay: cfg.Health.RetryDelay(),
		Logger:     logger,
	})
	go func() {
		if err := eng.Run(ctx); err != nil {
			logger.Warn("redis health engine stopped", zap.Error(err))
		}
	}()

	srv, err := proxy.NewRedisServer(proxy.RedisServerOptions{
		Logger:          logger,
		ListenAddr:      cfg.ListenAddr,
		Topology:        topo,
		MaxRedirections: cfg.Redis.MaxRedirections,
		DialTimeout:     cfg.Redis.ConnectionTimeout(),
		MaxConnections:  cfg.MaxConnections,
	})
	if err != nil {
		logger.Fatal("failed to start redis listener", zap.Error(err))
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Warn("redis proxy server stopped", zap.Error(err))
		}
	}()
}

func sweepLoop(ctx context.Context, aff *affinity.Engine, sessionTimeout time.Duration) {
	ticker := time.NewTicker(sessionTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			aff.Sweep(now)
		}
	}
}

func parseStrategy(s string) affinity.Strategy {
	switch s {
	case "ConnectionFingerprint":
		return affinity.ConnectionFingerprint
	case "SessionId":
		return affinity.SessionID
	case "Hybrid":
		return affinity.Hybrid
	default:
		return affinity.SourceAddress
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
