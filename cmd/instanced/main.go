package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/devghori1264/aerophoenix/instanced/internal/adapter/wsbridge"
	"github.com/devghori1264/aerophoenix/instanced/internal/api"
	"github.com/devghori1264/aerophoenix/instanced/internal/config"
	"github.com/devghori1264/aerophoenix/instanced/internal/forwarder"
	"github.com/devghori1264/aerophoenix/instanced/internal/logging"
	"github.com/devghori1264/aerophoenix/instanced/internal/manager"
	"github.com/devghori1264/aerophoenix/instanced/internal/media"
	natsclient "github.com/devghori1264/aerophoenix/instanced/internal/nats"
	"github.com/devghori1264/aerophoenix/instanced/internal/registry"
	"github.com/devghori1264/aerophoenix/instanced/internal/storage"
	"github.com/devghori1264/aerophoenix/instanced/internal/tracing"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "instanced",
		Short:         "Run the messaging instance manager",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	f.Int("port", 0, "HTTP API port")
	f.String("storage-dir", "", "directory of the instance database")
	f.String("bridge-url", "", "websocket base URL of the messaging bridge")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("server.port", f.Lookup("port"))
	_ = v.BindPFlag("storage.dir", f.Lookup("storage-dir"))
	_ = v.BindPFlag("bridge.url", f.Lookup("bridge-url"))
	_ = v.BindPFlag("log.level", f.Lookup("log-level"))

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Create storage
	store, err := storage.NewBadgerStore(cfg.Storage.Dir, storage.Options{Logger: logging.Badger(logger)})
	if err != nil {
		logger.Error("failed to open badger store", zap.String("dir", cfg.Storage.Dir), zap.Error(err))
		return err
	}
	defer store.Close()

	var bus forwarder.EventPublisher
	if cfg.NATS.URL != "" {
		pub, err := natsclient.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			// Webhooks still work without the bus.
			logger.Warn("nats unavailable, event bus disabled", zap.String("url", cfg.NATS.URL), zap.Error(err))
		} else {
			defer pub.Close()
			bus = pub
		}
	}

	fwd, err := forwarder.New(forwarder.Options{
		Workers:    cfg.Forwarder.Workers,
		QueueSize:  cfg.Forwarder.QueueSize,
		Timeout:    cfg.Forwarder.Timeout,
		Bus:        bus,
		Logger:     logger,
		Registerer: promReg,
	})
	if err != nil {
		return err
	}

	starter, err := wsbridge.New(wsbridge.Options{URL: cfg.Bridge.URL, Logger: logger, Registerer: promReg})
	if err != nil {
		return err
	}

	instances := registry.New()
	promReg.MustRegister(registry.NewCollector(instances))

	mgr, err := manager.New(manager.Options{
		Store:              store,
		Starter:            starter,
		Forwarder:          fwd,
		Fetcher:            media.NewHTTPFetcher(cfg.Media.FetchTimeout, cfg.Media.MaxBytes),
		Registry:           instances,
		Logger:             logger,
		Registerer:         promReg,
		StartTimeout:       cfg.Manager.StartTimeout,
		RestoreTimeout:     cfg.Manager.RestoreTimeout,
		RestoreConcurrency: cfg.Manager.RestoreConcurrency,
		SendTimeout:        cfg.Manager.SendTimeout,
		AddressSuffix:      cfg.Bridge.AddressSuffix,
	})
	if err != nil {
		return err
	}

	// gRPC health, flipped to SERVING once the restore finished.
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.GRPCAddr(), err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr(),
		Handler:           api.NewHTTPHandler(mgr, api.Options{APIKey: cfg.Server.APIKey, Version: version, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux, promReg)
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr(),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Prometheus metrics available", zap.String("addr", metricsServer.Addr+"/metrics"))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	if err := mgr.Init(gctx); err != nil {
		logger.Error("restore failed", zap.Error(err))
	}
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		healthSrv.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		_ = metricsServer.Shutdown(sctx)
		grpcServer.GracefulStop()

		if err := mgr.Shutdown(sctx); err != nil {
			logger.Warn("closing instances", zap.Error(err))
		}
		if err := fwd.Close(sctx); err != nil {
			logger.Warn("draining forwarder", zap.Error(err))
		}
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flushing traces", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
