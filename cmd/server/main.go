package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xaenox/relay-bot/internal/ai"
	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/platform"
	"github.com/xaenox/relay-bot/internal/processor"
	"github.com/xaenox/relay-bot/internal/queue"
	"github.com/xaenox/relay-bot/internal/storage"
	"github.com/xaenox/relay-bot/internal/webhook"
	"github.com/xaenox/relay-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.ConversationStore
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStore()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}
		store, err = storage.NewPostgresStore(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize AI providers
	orchestrator := buildOrchestrator(cfg, logger)

	// Initialize platform dispatcher
	dispatcher := platform.NewDispatcher()
	if cfg.Telegram.Token != "" {
		telegram, err := platform.NewTelegramSender(cfg.Telegram.Token, logger)
		if err != nil {
			logger.Fatal("Failed to initialize telegram sender", zap.Error(err))
		}
		dispatcher.Register(models.PlatformTelegram, telegram)
	}
	if cfg.Slack.BotToken != "" {
		dispatcher.Register(models.PlatformSlack, platform.NewSlackSender(cfg.Slack.BotToken, cfg.Slack.APIRoot, logger))
	}

	// Initialize queue
	queueConfig := queue.Config{
		Concurrency:        cfg.Queue.Concurrency,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		BackoffBase:        cfg.Queue.BackoffBase,
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
		StallInterval:      cfg.Queue.StallInterval,
	}
	events := queue.Events{
		OnStalled: func(jobID string) {
			logger.Warn("Queue reported stalled job", zap.String("job_id", jobID))
		},
	}

	var q queue.Queue
	if cfg.Redis.UseInMemory {
		logger.Info("Using in-memory queue")
		q = queue.NewMemoryQueue(queueConfig, events, logger)
	} else {
		logger.Info("Using Redis queue", zap.String("prefix", cfg.Redis.KeyPrefix))
		q, err = queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.KeyPrefix, queueConfig, events, logger)
		if err != nil {
			logger.Fatal("Failed to initialize queue", zap.Error(err))
		}
	}

	// Register the message processor and start workers
	proc := processor.New(store, orchestrator, dispatcher, logger)
	q.Register(proc.Handle)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := q.Start(ctx); err != nil {
		logger.Fatal("Failed to start queue workers", zap.Error(err))
	}

	// Initialize webhook endpoint
	verifier := webhook.NewVerifier(webhook.VerifierConfig{
		TelegramSecretToken: cfg.Telegram.SecretToken,
		TelegramBotToken:    cfg.Telegram.Token,
		SlackSigningSecret:  cfg.Slack.SigningSecret,
		AllowUnsigned:       cfg.Telegram.AllowUnsigned,
	}, logger)
	handler := webhook.NewHandler(verifier, q, orchestrator, cfg.Server.BodyLimit, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Webhook server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Webhook server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down webhook server", zap.Error(err))
	}
	if err := q.Stop(cfg.Server.ShutdownGrace); err != nil {
		logger.Error("Failed to drain queue", zap.Error(err))
	}
}

func buildOrchestrator(cfg *config.Config, logger *zap.Logger) *ai.Orchestrator {
	build := func(name string) ai.Provider {
		switch name {
		case "selfhosted", "self_hosted":
			return ai.NewSelfHostedProvider(ai.SelfHostedConfig{
				BaseURL:      cfg.AI.SelfHosted.BaseURL,
				Model:        cfg.AI.SelfHosted.Model,
				MaxTokens:    cfg.AI.SelfHosted.MaxTokens,
				Temperature:  cfg.AI.SelfHosted.Temperature,
				Timeout:      cfg.AI.SelfHosted.Timeout,
				SystemPrompt: cfg.AI.SystemPrompt,
			}, logger)
		default:
			return ai.NewOpenAIProvider(ai.OpenAIConfig{
				APIKey:       cfg.AI.OpenAI.APIKey,
				BaseURL:      cfg.AI.OpenAI.BaseURL,
				Model:        cfg.AI.OpenAI.Model,
				MaxTokens:    cfg.AI.OpenAI.MaxTokens,
				Temperature:  cfg.AI.OpenAI.Temperature,
				SystemPrompt: cfg.AI.SystemPrompt,
			}, logger)
		}
	}

	primary := build(cfg.AI.Primary)
	var fallback ai.Provider
	if cfg.AI.Fallback != "" {
		fallback = build(cfg.AI.Fallback)
	}

	return ai.NewOrchestrator(primary, fallback, logger)
}
