// Package main is the entry point for the reference agent server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/capitalize-ai/formchat/internal/config"
	"github.com/capitalize-ai/formchat/internal/handler"
	"github.com/capitalize-ai/formchat/internal/llm"
	"github.com/capitalize-ai/formchat/internal/middleware"
	natsclient "github.com/capitalize-ai/formchat/internal/nats"
	"github.com/capitalize-ai/formchat/internal/schema"
	"github.com/capitalize-ai/formchat/internal/service"
	"github.com/capitalize-ai/formchat/pkg/logger"
	"github.com/capitalize-ai/formchat/pkg/tracing"
)

const (
	janitorInterval  = 5 * time.Minute
	shutdownDeadline = 30 * time.Second
)

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("agentd exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting agent server")

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "formchat-agentd", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	agents, err := schema.LoadAgents(cfg.AgentsFile)
	if err != nil {
		return err
	}
	log.Info("agents loaded", zap.String("file", cfg.AgentsFile), zap.Strings("slugs", agents.Slugs()))

	var (
		recorder service.Recorder
		journal  handler.Checker
	)
	if cfg.JournalEnabled() {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer nc.Close()

		if err := natsclient.EnsureStream(ctx, nc.JetStream()); err != nil {
			return err
		}
		recorder = natsclient.NewJournal(nc.JetStream())
		journal = nc
	} else {
		log.Info("NATS_URL not set, session journal disabled")
	}

	var llmClient llm.Client
	if provider, key := cfg.LLMKey(); key != "" {
		llmClient, err = llm.NewClient(llm.Provider(provider), key, cfg.LLMBaseURL)
		if err != nil {
			return err
		}
		log.Info("LLM replies enabled", zap.String("provider", provider), zap.String("model", cfg.LLMModel))
	} else {
		log.Info("no LLM key configured, using template replies")
	}

	tokens := middleware.NewSessionTokens(cfg.JWTSecret, cfg.JWTExpiration)
	sessions := service.NewSessionService(agents, tokens, recorder, log)
	turns := service.NewTurnService(sessions, llmClient, cfg.LLMModel)

	go sessions.RunJanitor(ctx, janitorInterval, cfg.SessionTTL)

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handler.RouterConfig{
			Sessions:          sessions,
			Turns:             turns,
			Tokens:            tokens,
			Journal:           journal,
			Logger:            log,
			CORSOrigins:       cfg.CORSOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
