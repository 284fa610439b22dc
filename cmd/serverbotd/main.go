package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/devghori1264/aerophoenix/serverbot/internal/api"
	"github.com/devghori1264/aerophoenix/serverbot/internal/app"
	"github.com/devghori1264/aerophoenix/serverbot/internal/config"
	"github.com/devghori1264/aerophoenix/serverbot/internal/server"
	"github.com/devghori1264/aerophoenix/serverbot/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("serverbotd failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing("serverbotd", cfg.Tracing.Exporter)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	metrics := telemetry.NewMetrics()
	a, err := app.Build(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer a.Close()

	w := a.Worker()
	srv := server.New(server.Options{
		Commands:      a.Commands,
		Events:        a.Events,
		HandleCommand: w.HandleCommand,
		HandleEvent:   server.EventHandler(w, a.Router),
		Concurrency:   cfg.Worker.Concurrency,
	}, log)

	// gRPC health
	lis, err := net.Listen("tcp", cfg.HTTP.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTP.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	srv.RegisterGRPC(grpcServer)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", cfg.HTTP.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc serve error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewHTTPHandler(a.Frontend(), a.Store, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http listen", zap.Error(err))
			stop()
		}
	}()

	mux := http.NewServeMux()
	api.RegisterMetrics(mux, metrics)
	metricsServer := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("Prometheus metrics available", zap.String("addr", cfg.HTTP.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	runErr := srv.Run(ctx)
	log.Info("shutdown initiated")

	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
	return runErr
}
