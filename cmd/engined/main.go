package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copyd/internal/account"
	"copyd/internal/api"
	"copyd/internal/auth"
	"copyd/internal/broker"
	"copyd/internal/broker/paper"
	"copyd/internal/config"
	copysvc "copyd/internal/copy"
	"copyd/internal/feed"
	"copyd/internal/metrics"
	"copyd/internal/models"
	"copyd/internal/poslock"
	"copyd/internal/ratelimit"
	"copyd/internal/reconcile"
	"copyd/internal/risk"
	"copyd/internal/sequence"
	"copyd/internal/signalbus"
	"copyd/services/notify"
	"copyd/storage"

	"github.com/lmittmann/tint"
)

func main() {
	// Конфигурация slog для вывода в файл и stdout
	logFile, err := os.OpenFile(envOr("LOG_FILE", "copyd.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer logFile.Close()

	// Pretty handler для stdout с цветами
	prettyHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen, // "3:04PM"
		AddSource:  false,
		NoColor:    false,
	})

	// Обычный текстовый handler для файла
	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Мультиплексируем логи в оба handler'а
	logger := slog.New(&multiHandler{
		handlers: []slog.Handler{prettyHandler, fileHandler},
	})

	logger.Info("=== Copy Trading Execution Coordinator ===")

	cfg := config.Load(logger)

	store, err := storage.New(cfg.DBPath, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	limits, err := config.NewWatcher(cfg.LimitsPath, logger)
	if err != nil {
		logger.Error("Failed to load limits", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go limits.Watch(ctx.Done(), 10*time.Second)

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, logger)
	if err != nil {
		logger.Error("Failed to initialize notifier", slog.Any("error", err))
		os.Exit(1)
	}

	// breaker отключает аккаунт до ручного сброса через API
	breaker := risk.NewBreaker(limits.Snapshot().BreakerLimit, logger, func(accountID, reason string) {
		metrics.BreakerTrips.Inc()

		if err := store.SetDisabled(context.Background(), accountID, true); err != nil {
			logger.Error("Failed to disable tripped account", slog.Any("error", err))
		}

		notifier.Notify(fmt.Sprintf("🛑 Account %s disabled: %s", accountID, reason))
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				breaker.SetLimit(limits.Snapshot().BreakerLimit)
			}
		}
	}()

	seqAuth := sequence.New(store, logger)

	// tier аккаунта определяется последним снимком баланса
	var balances *account.Runner
	profileFor := func(accountID string) ratelimit.Profile {
		l := limits.Snapshot()

		balance := 0.0
		if balances != nil {
			balance = balances.Balance(accountID)
		}

		return ratelimit.ProfileFor(ratelimit.TierFor(balance, l.TierStandardMin, l.TierLargeMin))
	}
	budget := ratelimit.New(profileFor, logger)

	ports := broker.NewRegistry()
	if err := registerPorts(ctx, store, ports, cfg.DryRun, logger); err != nil {
		logger.Error("Failed to register broker connections", slog.Any("error", err))
		os.Exit(1)
	}

	balances = account.New(store, ports, budget, 30*time.Second, logger)
	go balances.Run(ctx)

	locks := poslock.New()

	orchestrator := copysvc.New(store, ports, seqAuth, budget, breaker, limits, locks, notifier, logger)

	bus := signalbus.New(logger)
	bus.Subscribe(func(sig models.TradeSignal) {
		if _, err := orchestrator.HandleSignal(context.Background(), sig); err != nil {
			logger.Error("Signal handling failed",
				slog.String("signal_id", sig.ID),
				slog.Any("error", err))
		}
	})

	reconciler := reconcile.New(store, ports, seqAuth, budget, limits, locks, notifier, logger)
	go reconciler.Run(ctx)

	if cfg.FeedURL != "" {
		master, err := store.GetMasterAccount(ctx)
		if err != nil {
			logger.Error("Feed configured but master account missing", slog.Any("error", err))
			os.Exit(1)
		}

		listener := feed.New(cfg.FeedURL, cfg.FeedToken, bus,
			func() float64 { return balances.Balance(master.ID) }, logger)
		go listener.Run(ctx)
	} else {
		logger.Warn("FEED_URL not set, master feed disabled")
	}

	// admin API
	authService := auth.NewService(cfg.JWTSecret, 24*time.Hour)

	adminHash, err := authService.HashPassword(cfg.AdminPassword)
	if err != nil {
		logger.Error("Failed to hash admin password", slog.Any("error", err))
		os.Exit(1)
	}

	apiHandler := api.New(store, authService, breaker, seqAuth, cfg.AdminUser, adminHash, logger)

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      apiHandler.SetupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("🚀 Admin API starting...", slog.String("address", cfg.Address))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed to start", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	logger.Info("✅ Stopped")
}

// registerPorts привязывает подключение брокера к каждому аккаунту.
// В dry-run режиме все аккаунты работают через общий paper брокер.
func registerPorts(ctx context.Context, store *storage.Storage, ports *broker.Registry,
	dryRun bool, logger *slog.Logger) error {
	accounts, err := store.GetAccounts(ctx)
	if err != nil {
		return err
	}

	paperBroker := paper.New()
	if err := paperBroker.Connect(ctx); err != nil {
		return err
	}

	for _, acc := range accounts {
		if !dryRun && acc.BrokerKind != "paper" {
			logger.Warn("No live adapter for broker kind, falling back to paper execution",
				slog.String("account", acc.ID),
				slog.String("broker_kind", acc.BrokerKind))
		}

		ports.Register(acc.ID, paperBroker)
	}

	logger.Info("✅ Broker connections registered", slog.Int("accounts", len(accounts)))

	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

// multiHandler отправляет логи в несколько handlers одновременно
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}

	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}

	return &multiHandler{handlers: handlers}
}
