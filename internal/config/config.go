package config

import (
	"log/slog"
	"os"
	"strconv"
)

// Config содержит процессную конфигурацию из переменных окружения.
// Тюнинг-параметры (риск, лимиты, reconciler) живут отдельно в yaml
// файле с горячей перезагрузкой, см. limits.go.
type Config struct {
	DBPath     string
	LimitsPath string
	Address    string // адрес admin HTTP API
	JWTSecret  string
	LogFile    string

	// Учетные данные оператора admin API
	AdminUser     string
	AdminPassword string

	// Режим тестирования - исполнение через paper брокер, без реальных сделок
	DryRun bool

	// FeedURL - websocket лента подтвержденных сделок мастера.
	// Пустое значение отключает ленту (сигналы только через bus напрямую).
	FeedURL   string
	FeedToken string

	// Telegram уведомления оператору (опционально)
	TelegramToken  string
	TelegramChatID int64
}

// Load загружает конфигурацию из переменных окружения
func Load(logger *slog.Logger) *Config {
	cfg := &Config{
		DBPath:     envOr("DB_PATH", "./copyd.db"),
		LimitsPath: envOr("LIMITS_PATH", "./limits.yaml"),
		Address:    envOr("ADDRESS", "0.0.0.0:8080"),
		LogFile:    envOr("LOG_FILE", "copyd.log"),
		FeedURL:    os.Getenv("FEED_URL"),
		FeedToken:  os.Getenv("FEED_TOKEN"),
	}

	// По умолчанию true для безопасности
	cfg.DryRun = true
	if os.Getenv("DRY_RUN") == "false" {
		cfg.DryRun = false

		logger.Warn("⚠️  DRY_RUN disabled - REAL TRADES WILL BE EXECUTED!")
	} else {
		logger.Info("🔍 DRY_RUN enabled - paper execution only")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "default-secret-change-me-in-production"

		logger.Warn("⚠️  JWT_SECRET not set, using default (insecure!)")
	}

	cfg.AdminUser = envOr("ADMIN_USER", "admin")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	if cfg.AdminPassword == "" {
		cfg.AdminPassword = "admin"

		logger.Warn("⚠️  ADMIN_PASSWORD not set, using default (insecure!)")
	}

	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = envInt64("TELEGRAM_CHAT_ID")
	if cfg.TelegramToken == "" {
		logger.Info("Telegram notifications disabled (TELEGRAM_BOT_TOKEN not set)")
	}

	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func envInt64(key string) int64 {
	n, _ := strconv.ParseInt(os.Getenv(key), 10, 64)
	return n
}
