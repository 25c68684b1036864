package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Rrens/pagemind/internal/api"
	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/llm"
	"github.com/Rrens/pagemind/internal/llm/anthropic"
	"github.com/Rrens/pagemind/internal/llm/deepseek"
	"github.com/Rrens/pagemind/internal/llm/gemini"
	"github.com/Rrens/pagemind/internal/llm/ollama"
	"github.com/Rrens/pagemind/internal/llm/openai"
	"github.com/Rrens/pagemind/internal/logger"
	"github.com/Rrens/pagemind/internal/page"
	"github.com/Rrens/pagemind/internal/relay"
	"github.com/Rrens/pagemind/internal/security"
	"github.com/Rrens/pagemind/internal/service"
)

func main() {
	// Load .env file - try multiple locations
	for _, p := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(p); err == nil {
			fmt.Printf("Loaded .env from: %s\n", p)
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logger.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("backend", cfg.Model.Backend).
		Msg("Starting pagemind daemon")

	backends := newBackendRouter(cfg)

	model := service.NewModelService(backends, service.ModelOptions{
		Backend:              cfg.Model.Backend,
		SerializeGenerations: cfg.Model.SerializeGenerations,
		SyntheticChunkDelay:  cfg.Model.SyntheticChunkDelay,
		GenerationTimeout:    cfg.Model.GenerationTimeout,
	})

	// Bring the session up in the background, like a browser startup hook.
	if cfg.Model.InitOnStartup {
		go func() {
			if err := model.Initialize(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Model not ready at startup; it will initialize on first use")
			}
		}()
	}

	hub := relay.NewHub(model, cfg.Relay)

	router := api.NewRouter(cfg, api.Dependencies{
		Model:    model,
		Pages:    page.NewExtractor(cfg.Page),
		Backends: backends,
		Stream:   hub,
		Tokens:   security.NewTokenManager(cfg.Auth.SharedSecret, cfg.Auth.TokenTTL),
	})

	if cfg.Auth.SharedSecret == "" {
		log.Warn().Msg("PAGEMIND_SECRET is empty, the daemon accepts unauthenticated clients")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by the server.
	if err := hub.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Relay forced to shutdown")
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	model.Cleanup()

	log.Info().Msg("Server stopped")
}

// newBackendRouter registers every backend that has enough configuration
// to be tried.
func newBackendRouter(cfg *config.Config) *llm.Router {
	router := llm.NewRouter(cfg.Model.Backend)

	log.Info().Msgf("Initializing model backends. Default: %s", cfg.Model.Backend)

	if cfg.LLM.Ollama.Host != "" {
		log.Info().Str("host", cfg.LLM.Ollama.Host).Msg("Registering Ollama backend")
		router.RegisterBackend(ollama.NewBackend(cfg.LLM.Ollama))
	}
	if cfg.LLM.OpenAI.APIKey != "" {
		router.RegisterBackend(openai.NewBackend(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.Model))
	}
	if cfg.LLM.Anthropic.APIKey != "" {
		router.RegisterBackend(anthropic.NewBackend(cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.Model))
	}
	if cfg.LLM.DeepSeek.APIKey != "" {
		router.RegisterBackend(deepseek.NewBackend(cfg.LLM.DeepSeek.APIKey, cfg.LLM.DeepSeek.Model))
	}
	if cfg.LLM.Gemini.APIKey != "" {
		log.Info().Int("key_len", len(cfg.LLM.Gemini.APIKey)).Msg("Registering Gemini backend")
		router.RegisterFactory("gemini", func() llm.Backend { return gemini.NewBackend(cfg.LLM.Gemini) })
	} else {
		log.Debug().Msg("Gemini API key is empty, skipping registration")
	}

	return router
}
