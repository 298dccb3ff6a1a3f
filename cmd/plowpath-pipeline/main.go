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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/plowpath/pipeline/internal/api"
	"github.com/plowpath/pipeline/internal/batch"
	"github.com/plowpath/pipeline/internal/config"
	"github.com/plowpath/pipeline/internal/db"
	"github.com/plowpath/pipeline/internal/matcher"
	"github.com/plowpath/pipeline/internal/metrics"
	"github.com/plowpath/pipeline/internal/processor"
	"github.com/plowpath/pipeline/internal/queue"
	"github.com/plowpath/pipeline/internal/retention"
	"github.com/plowpath/pipeline/internal/segcache"
	"github.com/plowpath/pipeline/internal/segment"
	"github.com/plowpath/pipeline/internal/store"
	"github.com/plowpath/pipeline/internal/worker"
	"github.com/plowpath/pipeline/internal/writer"
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
	fmt.Println("Usage: plowpath-pipeline <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the queue worker and ReadAPI")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run processing_log retention")
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

func apiAddr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting plowpath-pipeline",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("api_port", cfg.API.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DB.DSN, cfg.DB.MaxConns, cfg.DB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.Queue.URL)
	if err != nil {
		logger.Fatal("failed to parse queue.url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	st := store.New(pool, logger)
	jobQueue := queue.New(redisClient, logger)

	matcherClient, err := matcher.New(matcher.Config{
		BaseURL:    cfg.Matcher.BaseURL,
		TimeoutMS:  cfg.Matcher.TimeoutMs,
		CacheSize:  cfg.Matcher.CacheSize,
		MaxRetries: cfg.Processing.MaxRetries,
	}, logger)
	if err != nil {
		logger.Fatal("failed to construct matcher client", zap.Error(err))
	}

	segCache := segcache.New(st, logger)
	if err := segCache.Refresh(ctx); err != nil {
		logger.Warn("initial segment cell index refresh failed; falling back to unfiltered queries", zap.Error(err))
	}
	go segCache.RunRefreshLoop(ctx, 10*time.Minute)

	polylineWriter := writer.New(st)
	activator := segment.New(st, segCache)
	deviceProcessor := processor.New(st, matcherClient, polylineWriter, activator, processor.Config{
		Batch: batch.Config{
			SizeMax:              cfg.Processing.BatchSizeMax,
			WindowMinutesMax:     cfg.Processing.WindowMinutesMax,
			MinMovementM:         float64(cfg.Processing.MinMovementM),
			ConnectGapMinutesMax: cfg.Processing.ConnectGapMinutesMax,
		},
		MaxRetries: cfg.Processing.MaxRetries,
	}, logger)

	w := worker.New(jobQueue, deviceProcessor, st, worker.Config{
		PopTimeout:    time.Duration(cfg.Queue.PopTimeoutS) * time.Second,
		StatsInterval: time.Duration(cfg.Processing.StatsIntervalMs) * time.Millisecond,
	}, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); w.Run(ctx) }()
	go func() { defer wg.Done(); w.RunStatsPeriodically(ctx) }()

	logger.Info("worker loop started")

	httpServer := api.NewServer(apiAddr(cfg.API.Port), st, api.Config{
		DefaultHours: cfg.API.DefaultHours,
		MaxHours:     cfg.API.MaxHours,
		CORSOrigin:   cfg.API.CORSOrigin,
	}, logger)
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("worker and ReadAPI started")

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

	// Stop taking new work; let any in-flight DeviceProcessor run finish.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, worker may not have finished its in-flight batch")
	}

	logger.Info("plowpath-pipeline stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.DB.DSN)))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DB.DSN, cfg.DB.MaxConns, cfg.DB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running processing_log retention",
		zap.Int("retention_days", cfg.Retention.ProcessingLogDays),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DB.DSN, cfg.DB.MaxConns, cfg.DB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	rm := retention.New(pool, cfg.Retention.ProcessingLogDays, cfg.Retention.Timezone, logger)
	if err := rm.Run(ctx); err != nil {
		logger.Fatal("retention pass failed", zap.Error(err))
	}

	logger.Info("retention pass complete")
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
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
