package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glowread/read-gateway/internal/config"
	"github.com/glowread/read-gateway/internal/observability"
	"github.com/glowread/read-gateway/internal/server"
	"github.com/glowread/read-gateway/internal/speech"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("speech_backend_url", cfg.SpeechBackendURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Read Gateway Service starting")

	// Shared speech client; the circuit breaker inside it spans all sessions
	synth := speech.NewClient(cfg)
	defer synth.Close()

	// Probe the speech backend so a dead backend surfaces at startup rather
	// than on the first read-aloud request. Failure is not fatal: readiness
	// stays red until the backend comes up.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := synth.Probe(probeCtx); err != nil {
		logger.Warn().Err(err).Msg("Speech backend not reachable at startup")
	} else {
		logger.Info().Msg("Speech backend reachable")
	}
	probeCancel()

	mux := http.NewServeMux()

	// Reader websocket handler
	mux.HandleFunc("/ws/reader", server.HandleReaderWS(cfg, synth))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint with a live speech backend probe
	speechCheck := func(ctx context.Context) (bool, error) {
		if err := synth.Probe(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"speech_backend": speechCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/reader", cfg.Port)).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
