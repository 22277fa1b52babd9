// Caption digest server - serves the video caption workflow over HTTP/WebSocket
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/caption-digest/internal/app"
	"github.com/GriffinCanCode/caption-digest/internal/config"
	"github.com/GriffinCanCode/caption-digest/internal/server"
	"github.com/GriffinCanCode/caption-digest/internal/trace"
	"github.com/GriffinCanCode/caption-digest/internal/workflow"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}

	configPath := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	healthSrv := health.NewServer()
	providers, err := app.Build(cfg, app.HealthHook(healthSrv))
	if err != nil {
		slog.Error("failed to wire providers", "error", err)
		os.Exit(1)
	}
	providers.MarkServing(healthSrv)

	sessions := workflow.NewManager(providers.Deps, cfg.WorkflowOptions(), cfg.SessionTTL).
		WithMaxSessions(cfg.MaxSessions)
	srv := server.New(sessions, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions.Start(ctx)
	srv.Start(ctx)

	if configPath != "" {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			sessions.SetOptions(next.WorkflowOptions())
			srv.SetConfig(next)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
	}

	// Health over gRPC, one service per provider breaker, plus session reads
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(trace.UnaryServerInterceptor()))
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	server.RegisterSessions(grpcServer, sessions)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("grpc server error", "error", err)
		}
	}()

	// No WriteTimeout: summary and speech requests hold the connection through retries
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
	}

	go func() {
		slog.Info("caption digest server starting",
			"http", cfg.HTTPAddr, "grpc", cfg.GRPCAddr, "summary_providers", cfg.SummaryProviders)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	healthSrv.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	grpcServer.GracefulStop()
	slog.Info("shutdown complete")
}
