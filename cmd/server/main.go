package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"schoolportal/identity/internal/app"
	"schoolportal/identity/internal/config"
	identitygrpc "schoolportal/identity/internal/grpc"
	internalhttp "schoolportal/identity/internal/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger("error", "json").Error("config load failed", "error", err.Error())
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pipeline, err := app.Build(ctx, cfg, logger, registry)
	if err != nil {
		logger.Error("startup failed", "error", err.Error())
		os.Exit(1)
	}
	defer pipeline.Close()

	server := internalhttp.NewServer(pipeline.Registrar, pipeline.Sessions, pipeline.Importer, internalhttp.Options{
		Gatherer: registry,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.ServiceAuthToken == "" {
		logger.Warn("SERVICE_AUTH_TOKEN not set; grpc listener is unauthenticated")
	}
	grpcServer, err := identitygrpc.NewServer(cfg.ServiceAuthToken, pipeline.Sessions, logger)
	if err != nil {
		logger.Error("grpc init failed", "error", err.Error())
		os.Exit(1)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("grpc listen failed", "addr", cfg.GRPCAddr, "error", err.Error())
		os.Exit(1)
	}

	go func() {
		logger.Info("identity http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err.Error())
			stop()
		}
	}()
	go func() {
		logger.Info("identity grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("grpc server error", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err.Error())
	}
	grpcServer.Stop(shutdownCtx)
}
