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

	"google.golang.org/grpc"

	"qazna.org/entitlements/internal/app"
	"qazna.org/entitlements/internal/auth"
	"qazna.org/entitlements/internal/config"
	"qazna.org/entitlements/internal/httpapi"
	"qazna.org/entitlements/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load(".env")
	if err == nil {
		err = cfg.ValidateServer()
	}
	// Инициализация observability (JSON-логгер, метрики, build info)
	log := obs.InitLogging(obs.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "entitlements-api"})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Хранилище, аудит и клиент Google Play
	deps, err := app.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("wire service")
	}
	defer func() { _ = deps.Close() }()

	tokens, err := auth.NewTokens(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
	if err != nil {
		log.Fatal().Err(err).Msg("auth")
	}
	probe := httpapi.ReadyProbe{Store: deps.Store}

	// HTTP API
	api := httpapi.New(probe, version, deps.Service, tokens,
		httpapi.WithPushToken(cfg.PushToken),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithEventStream(deps.Events),
		httpapi.WithLogger(log.With().Str("component", "httpapi").Logger()),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC API
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(httpapi.AuthInterceptor(tokens)))
	purchases := httpapi.NewGRPCServer(probe, version, deps.Service)
	purchases.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("grpc listen")
	}

	log.Info().
		Str("version", version).
		Str("http_addr", srv.Addr).
		Str("grpc_addr", cfg.GRPCAddr).
		Str("store", cfg.Store).
		Str("package", cfg.PackageName).
		Msg("starting entitlements-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http listen")
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatal().Err(err).Msg("grpc serve")
		}
	}()
	go refreshHealth(ctx, purchases)

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	purchases.Shutdown()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info().Msg("stopped")
}

// refreshHealth периодически переносит readiness хранилища в gRPC health.
func refreshHealth(ctx context.Context, s *httpapi.GRPCServer) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := s.RefreshHealth(checkCtx); err != nil {
			obs.Logger().Warn().Err(err).Msg("store not ready")
		}
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
