// Package signalbus раздает сигналы подтвержденных сделок мастера
// подписчикам. Сигнал публикуется ровно один раз на сделку и только
// после подтвержденного исполнения - никогда до.
package signalbus

import (
	"log/slog"
	"sync"

	"copyd/internal/models"
)

// Handler обрабатывает один сигнал. Вызывается в отдельной горутине,
// медленный подписчик не задерживает остальных.
type Handler func(models.TradeSignal)

// Bus - in-process шина сигналов
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []Handler
}

func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe регистрирует подписчика. Подписки делаются на старте,
// до первой публикации.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, h)
}

// Publish раздает сигнал всем подписчикам
func (b *Bus) Publish(sig models.TradeSignal) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	b.logger.Info("📣 Trade signal published",
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("side", string(sig.Side)),
		slog.Float64("master_notional", sig.MasterNotional),
		slog.Bool("is_exit", sig.IsExit))

	for _, h := range handlers {
		go h(sig)
	}
}
