package main

import (
	"context"
	"log" // Only for fatal errors before the logger is set up
	"time"

	"dipcatcher/config"
	"dipcatcher/internal/adapters/binanceclient"
	"dipcatcher/internal/adapters/logger"
	"dipcatcher/internal/adapters/sqlite"
	"dipcatcher/internal/adapters/telegram"
	"dipcatcher/internal/app"
	"dipcatcher/internal/orders"
	"dipcatcher/internal/ports"
	"dipcatcher/internal/risk"
	"dipcatcher/internal/threshold"
)

func main() {
	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize logger
	appLogger, err := logger.New(logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize repository
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()

	// 4. Initialize exchange client
	exchange, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Futures:    cfg.FuturesEnabled,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// 5. Optional Telegram surface; otherwise events are log-only
	var notifier ports.Notifier = ports.NopNotifier{}
	var bot *telegram.Bot
	if cfg.TelegramToken != "" {
		bot, err = telegram.New(telegram.Config{
			Token:  cfg.TelegramToken,
			ChatID: cfg.TelegramChatID,
			Logger: appLogger,
		})
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize Telegram bot: %v", err)
		}
		notifier = bot
	}

	// 6. Core components
	guard, err := risk.NewGuard(risk.GuardConfig{
		ReserveBalance: cfg.ReserveBalance,
		Cooldown:       time.Duration(cfg.CooldownHours * float64(time.Hour)),
		Logger:         appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize balance guard: %v", err)
	}

	tracker, err := threshold.New(threshold.Config{
		Logger:   appLogger,
		Repo:     repo,
		Exchange: exchange,
		Levels:   cfg.Thresholds,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize threshold tracker: %v", err)
	}

	manager, err := orders.NewManager(orders.ManagerConfig{
		Logger:             appLogger,
		Exchange:           exchange,
		Repo:               repo,
		Settings:           repo,
		Guard:              guard,
		Notifier:           notifier,
		BaseCurrency:       cfg.BaseCurrency,
		OrderAmount:        cfg.OrderAmount,
		OrderAmountPercent: cfg.OrderAmountPercent,
		UseLimitOrders:     cfg.UseLimitOrders,
		CancelWindow:       time.Duration(cfg.CancelAfterHours * float64(time.Hour)),
		OnlyLowerEntries:   cfg.OnlyLowerEntries,
		TPSLEnabled:        cfg.TPSLEnabled,
		TakeProfitPercent:  cfg.TakeProfitPercent,
		StopLossPercent:    cfg.StopLossPercent,
		PartialTPLevels:    cfg.PartialTPLevels,
		Trailing:           cfg.Trailing,
		FuturesEnabled:     cfg.FuturesEnabled,
		Leverage:           cfg.Leverage,
		MarginType:         cfg.MarginType,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize order manager: %v", err)
	}

	// 7. Application service
	service, err := app.NewService(app.Deps{
		Config:     cfg,
		Logger:     appLogger,
		Exchange:   exchange,
		Tracker:    tracker,
		Manager:    manager,
		Guard:      guard,
		SymbolRepo: repo,
		Settings:   repo,
		Notifier:   notifier,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize service: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if bot != nil {
		bot.AttachService(service)
		go bot.Run(runCtx)
	}

	// 8. Run
	if err := service.Start(runCtx); err != nil {
		appLogger.Error(ctx, err, "Service exited with error")
		log.Fatalf("FATAL: Service exited with error: %v", err)
	}
	appLogger.Info(ctx, "Application finished gracefully")
}
