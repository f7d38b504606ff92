package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gatewayproxy/internal/config"
	"gatewayproxy/internal/dedup"
	"gatewayproxy/internal/httpapi"
	"gatewayproxy/internal/lifecycle"
	"gatewayproxy/internal/logging"
	"gatewayproxy/internal/oauthstore"
	"gatewayproxy/internal/pool"
	"gatewayproxy/internal/tokencount"
)

func main() {
	configPath := getEnv("GATEWAY_CONFIG", "./config.yaml")
	port := getEnv("GATEWAY_PORT", "8080")
	metricsPort := getEnv("GATEWAY_METRICS_PORT", "9090")

	cfg, err := config.Load(configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalf("load config %s: %v", configPath, err)
	}

	logger, err := logging.New(cfg.Settings.LogLevel)
	if err != nil {
		zap.NewExample().Sugar().Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	p := pool.New(cfg, reg)
	store := oauthstore.NewMemoryStore()
	broadcaster := dedup.New(reg)
	tc, err := tokencount.New()
	if err != nil {
		logger.Fatal("init token counter", zap.Error(err))
	}

	lc := lifecycle.New(cfg, p, store, broadcaster, logger)
	srv := httpapi.New(lc, p, store, tc, logger)

	apiServer := &http.Server{
		Addr:    ":" + port,
		Handler: srv.Handler(),
	}
	metricsServer := &http.Server{
		Addr:    ":" + metricsPort,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	go func() {
		logger.Info("metrics listening", zap.String("port", metricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		apiServer.Shutdown(ctx)
		metricsServer.Shutdown(ctx)
	}()

	logger.Info("gateway listening", zap.String("port", port), zap.Int("providers", len(cfg.Providers)))
	if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
