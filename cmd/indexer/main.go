package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/atp-indexer/firehose-indexer/internal/backfill"
	"github.com/atp-indexer/firehose-indexer/internal/config"
	"github.com/atp-indexer/firehose-indexer/internal/consumer"
	"github.com/atp-indexer/firehose-indexer/internal/discovery"
	"github.com/atp-indexer/firehose-indexer/internal/httpapi"
	"github.com/atp-indexer/firehose-indexer/internal/maintenance"
	"github.com/atp-indexer/firehose-indexer/internal/metrics"
	"github.com/atp-indexer/firehose-indexer/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: firehose-indexer <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the websocket consumer, discovery stream, backfill pipeline, and HTTP server")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run store housekeeping (ANALYZE hot tables)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting firehose-indexer",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	tlsCfg, err := cfg.Websocket.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}

	var wg sync.WaitGroup

	// --- Websocket consumer: one dispatch pool, one session per host ---
	dispatch := consumer.NewPool(pool, logger.Named("dispatch"), cfg.Websocket.QueueSize)
	dispatch.Start(ctx, cfg.Websocket.WorkerCount)

	sessions := make(map[string]*consumer.Session, len(cfg.Websocket.Hosts))
	consumerStatuses := make(map[string]httpapi.ConsumerStatus, len(cfg.Websocket.Hosts))
	for _, host := range cfg.Websocket.Hosts {
		session := &consumer.Session{
			Host:      host,
			TLSConfig: tlsCfg,
			Store:     pool,
			Dispatch:  dispatch,
			Logger:    logger.Named("consumer").With(zap.String("host", host)),
		}
		sessions[host] = session
		consumerStatuses[host] = session

		wg.Add(1)
		go func() {
			defer wg.Done()
			session.Run(ctx)
		}()
	}

	logger.Info("websocket sessions started", zap.Strings("hosts", cfg.Websocket.Hosts))

	// --- Discovery stream feeding the backfill pipeline ---
	discoveryStream := discovery.NewStream(pool, logger.Named("discovery"),
		cfg.Backfill.DiscoveryBatchSize, cfg.Backfill.DiscoveryCaughtUpBackoff)
	wg.Add(1)
	go func() {
		defer wg.Done()
		discoveryStream.Run(ctx)
	}()

	backfillPipeline := backfill.NewPipeline(pool, logger.Named("backfill"), cfg.Backfill)
	wg.Add(1)
	go func() {
		defer wg.Done()
		backfillPipeline.Run(ctx, discoveryStream.Out())
	}()

	logger.Info("discovery stream and backfill pipeline started")

	// --- HTTP server ---
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, pool, consumerStatuses, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all components started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	dispatch.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("firehose-indexer stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN)))

	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := store.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running store maintenance")

	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	runner := maintenance.NewRunner(pool, logger)
	if err := runner.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("store maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	// url.UserPassword would percent-escape "***", so the redacted
	// userinfo is spliced in by hand.
	username := u.User.Username()
	u.User = nil
	rest := strings.TrimPrefix(u.String(), u.Scheme+"://")
	return u.Scheme + "://" + url.User(username).String() + ":***@" + rest
}
