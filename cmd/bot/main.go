package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xaenox/whoop-insight-bot/internal/assistant"
	"github.com/xaenox/whoop-insight-bot/internal/bot"
	"github.com/xaenox/whoop-insight-bot/internal/exchange"
	"github.com/xaenox/whoop-insight-bot/internal/llm"
	"github.com/xaenox/whoop-insight-bot/internal/logging"
	"github.com/xaenox/whoop-insight-bot/internal/storage"
	"github.com/xaenox/whoop-insight-bot/internal/viz"
	"github.com/xaenox/whoop-insight-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	bootLogger, _ := zap.NewProduction()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		bootLogger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize logger
	logger, err := logging.New(cfg.Log)
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := cfg.ValidateAssistant(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	dbConfig := storage.ConfigFrom(cfg.Database, cfg.Assistant.QueryTimeout)
	store, err := storage.Open(dbConfig, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	logger.Info("Connected to health database", zap.String("dialect", store.Dialect()))

	client, err := llm.New(cfg.LLM, logger)
	if err != nil {
		logger.Fatal("Failed to create LLM client", zap.Error(err))
	}

	cache := assistant.NewCache(cfg.Assistant.CacheSize, cfg.Assistant.CacheTTL)
	if dbConfig.Driver == storage.DriverPostgres {
		listener, err := storage.NewListener(dbConfig, cache.Purge, logger)
		if err != nil {
			logger.Warn("Sync notifications unavailable, relying on cache TTL", zap.Error(err))
		} else {
			defer listener.Close()
			go listener.Run(ctx)
		}
	}

	translator := assistant.NewSQLTranslator(client, cache, cfg.Assistant.UserID, store.Dialect(), cfg.Assistant.ReadOnlySQL, logger)
	advisor := assistant.NewAdvisor(client)

	sandbox, err := viz.NewSandbox(cfg.Visualization, logger)
	if err != nil {
		logger.Fatal("Failed to create sandbox", zap.Error(err))
	}
	executor, err := viz.NewExecutor(cfg.Visualization, sandbox, logger)
	if err != nil {
		logger.Fatal("Failed to create executor", zap.Error(err))
	}
	generator := viz.NewGenerator(client, cfg.Visualization.MaxAttempts, cfg.Visualization.RetryDelay, logger)

	deps := exchange.Deps{
		Translator:  translator,
		Querier:     store,
		Advisor:     advisor,
		Generator:   generator,
		Renderer:    executor,
		History:     storage.NewMemoryHistory(cfg.Assistant.HistoryLimit),
		PreviewRows: cfg.Assistant.PreviewRows,
	}

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, cfg.Telegram.Debug, func(chatID int64) *exchange.Session {
		return exchange.NewSession(chatID, deps, logger)
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Bot stopped")
}
