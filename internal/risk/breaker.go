package risk

import (
	"log/slog"
	"sync"
)

// TripFunc вызывается при срабатывании breaker'а (вне блокировки)
type TripFunc func(accountID, reason string)

// Breaker отслеживает подряд идущие ошибки и убытки по каждому аккаунту.
// N подряд идущих ошибок отключают аккаунт до ручного сброса - это
// единственный account-fatal исход, процесс продолжает работать.
type Breaker struct {
	logger *slog.Logger
	onTrip TripFunc

	mu      sync.Mutex
	limit   int
	counts  map[string]int
	tripped map[string]bool
}

func NewBreaker(limit int, logger *slog.Logger, onTrip TripFunc) *Breaker {
	if limit <= 0 {
		limit = 3
	}

	return &Breaker{
		logger:  logger,
		onTrip:  onTrip,
		limit:   limit,
		counts:  make(map[string]int),
		tripped: make(map[string]bool),
	}
}

// SetLimit обновляет порог (hot reload конфигурации)
func (b *Breaker) SetLimit(limit int) {
	if limit <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.limit = limit
}

// RecordFailure учитывает ошибку или убыток. Возвращает true если
// именно этот вызов перевел breaker в открытое состояние.
func (b *Breaker) RecordFailure(accountID, reason string) bool {
	b.mu.Lock()

	if b.tripped[accountID] {
		b.mu.Unlock()
		return false
	}

	b.counts[accountID]++
	count := b.counts[accountID]

	if count < b.limit {
		b.mu.Unlock()
		return false
	}

	b.tripped[accountID] = true
	b.mu.Unlock()

	b.logger.Warn("⚠️ Circuit breaker tripped",
		slog.String("account", accountID),
		slog.Int("consecutive_failures", count),
		slog.String("reason", reason))

	if b.onTrip != nil {
		b.onTrip(accountID, reason)
	}

	return true
}

// RecordSuccess сбрасывает счетчик подряд идущих ошибок
func (b *Breaker) RecordSuccess(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts[accountID] = 0
}

// Tripped возвращает true если аккаунт отключен breaker'ом
func (b *Breaker) Tripped(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tripped[accountID]
}

// Reset вручную возвращает аккаунт в строй
func (b *Breaker) Reset(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts[accountID] = 0
	delete(b.tripped, accountID)

	b.logger.Info("✅ Circuit breaker reset", slog.String("account", accountID))
}
