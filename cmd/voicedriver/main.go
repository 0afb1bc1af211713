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

	"github.com/ocivoice/agent-plugins/internal/agent"
	"github.com/ocivoice/agent-plugins/internal/config"
	"github.com/ocivoice/agent-plugins/internal/llm"
	"github.com/ocivoice/agent-plugins/internal/observability"
	"github.com/ocivoice/agent-plugins/internal/stt"
	"github.com/ocivoice/agent-plugins/internal/tts"
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
		Str("stt_host", cfg.STTHost).
		Str("llm_host", cfg.LLMHost).
		Str("llm_backend", cfg.LLMBackend).
		Str("tts_host", cfg.TTSHost).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("OCI voice driver starting")

	sttClient, err := stt.NewClient(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create speech recognition client")
	}
	llmClient, err := llm.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create chat client")
	}
	ttsClient, err := tts.NewClient(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create speech synthesis client")
	}

	providers := agent.Providers{
		STT:          sttClient,
		LLM:          llmClient,
		TTS:          ttsClient,
		Registry:     demoTools(),
		SystemPrompt: cfg.AgentSystemPrompt,
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Audio pipeline websocket
	mux.HandleFunc("/streams/audio", agent.HandleAudioWS(cfg, providers))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness checks validate that each adapter's configuration and
	// credentials produce a usable client; they do not call the services.
	checks := map[string]observability.HealthCheckFunc{
		"stt": func(ctx context.Context) (bool, error) {
			_, err := stt.NewClient(cfg)
			return err == nil, err
		},
		"llm": func(ctx context.Context) (bool, error) {
			_, err := llm.New(cfg)
			return err == nil, err
		},
		"tts": func(ctx context.Context) (bool, error) {
			_, err := tts.NewClient(cfg)
			return err == nil, err
		},
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
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
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/audio", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
