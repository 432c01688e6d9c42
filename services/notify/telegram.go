// Package notify - Telegram уведомления оператору о событиях, требующих
// внимания: срабатывания breaker'а, отказы копирования, принудительные
// выходы.
package notify

import (
	"log/slog"
	"time"

	"copyd/services/httpmiddleware"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Service шлет сообщения в операторский чат
type Service struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// New создает Telegram сервис. Пустой токен - уведомления выключены,
// возвращается nil и все вызовы Notify безопасно игнорируются.
func New(token string, chatID int64, logger *slog.Logger) (*Service, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}

	client := httpmiddleware.NewClient(30*time.Second, httpmiddleware.Logger(logger))

	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, err
	}

	logger.Info("✅ Notifier authorized", slog.String("username", bot.Self.UserName))

	return &Service{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}, nil
}

// Notify отправляет текстовое сообщение оператору. Ошибка доставки
// логируется и не влияет на торговый цикл.
func (s *Service) Notify(text string) {
	if s == nil {
		return
	}

	msg := tgbotapi.NewMessage(s.chatID, text)
	if _, err := s.bot.Send(msg); err != nil {
		s.logger.Error("Failed to send notification", slog.Any("error", err))
	}
}
