package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/nvstore/internal/config"
	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/handler"
	"github.com/devrev/nvstore/internal/health"
	"github.com/devrev/nvstore/internal/metrics"
	"github.com/devrev/nvstore/internal/server"
	"github.com/devrev/nvstore/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfigOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("store_id", cfg.Server.StoreID),
		zap.String("region", cfg.Region.Path),
		zap.Int("page_size", cfg.Region.PageSize),
		zap.Int("page_count", cfg.Region.PageCount))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("nvsd failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	region, err := flash.OpenFileRegion(cfg.Region.Path, cfg.Region.PageSize, cfg.Region.PageCount)
	if err != nil {
		return fmt.Errorf("failed to open region: %w", err)
	}
	defer region.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.StoreID, reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := service.Open(ctx, region, service.NewStoreConfig(cfg), logger, m)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		StoreID:  cfg.Server.StoreID,
		Interval: cfg.Store.HealthCheckInterval,
	}, store, logger)

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConnections)),
		grpc.ChainUnaryInterceptor(
			handler.RecoveryInterceptor(logger),
			handler.LoggingInterceptor(logger),
			handler.TimeoutInterceptor(cfg.Server.RequestTimeout),
		),
	)
	handler.RegisterStoreServer(grpcServer, handler.NewStorageHandler(store, logger))
	hs := handler.RegisterHealthServer(grpcServer)
	if cfg.Server.Reflection {
		reflection.Register(grpcServer)
	}
	checker.OnReadinessChange(func(ready bool) { handler.SetServing(hs, ready) })

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("nvsd starting",
			zap.String("store_id", cfg.Server.StoreID),
			zap.String("address", addr))
		return grpcServer.Serve(listener)
	})

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, reg, checker, logger)
		g.Go(metricsServer.Serve)
	}

	// Handle graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		checker.SetReadiness(false)
		handler.SetServing(hs, false)
		grpcServer.GracefulStop()

		var errs []error
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			errs = append(errs, metricsServer.Stop(shutdownCtx))
		}
		errs = append(errs, store.Commit(context.Background()))
		return stderrors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	logger.Info("nvsd stopped")
	return nil
}

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
