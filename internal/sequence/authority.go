// Package sequence выдает строго возрастающие sequence значения (nonce)
// для авторизованных запросов к брокерам. У каждого аккаунта своя
// независимая последовательность и своя блокировка: аккаунты никогда
// не ждут друг друга.
package sequence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Значения храним в миллисекундах epoch. Старая схема писала секунды:
// такие значения на порядки меньше текущих миллисекунд и детектируются
// по величине при загрузке.
const legacySecondsCeiling = int64(100_000_000_000) // ~5138 год в секундах

// Store - durable хранилище последнего выданного значения на аккаунт
type Store interface {
	LoadSequence(ctx context.Context, accountID string) (int64, error) // 0 если записи нет
	SaveSequence(ctx context.Context, accountID string, value int64) error
}

// Authority выдает sequence значения для всех аккаунтов процесса
type Authority struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex // защищает только map, не выдачу
	states map[string]*accountState
}

// accountState - счетчик одного аккаунта со своей блокировкой
type accountState struct {
	mu     sync.Mutex
	last   int64
	loaded bool
}

func New(store Store, logger *slog.Logger) *Authority {
	return &Authority{
		store:  store,
		logger: logger,
		now:    time.Now,
		states: make(map[string]*accountState),
	}
}

func (a *Authority) state(accountID string) *accountState {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[accountID]
	if !ok {
		st = &accountState{}
		a.states[accountID] = st
	}

	return st
}

// Next выдает следующее значение для аккаунта. Гарантии:
//   - строго больше любого ранее выданного значения этого аккаунта,
//     включая значения из предыдущих запусков процесса;
//   - первое значение превышает max(persisted, текущие wall-clock мс).
func (a *Authority) Next(ctx context.Context, accountID string) (int64, error) {
	st := a.state(accountID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		if err := a.load(ctx, accountID, st); err != nil {
			return 0, err
		}
	}

	value := a.now().UnixMilli()
	if value <= st.last {
		value = st.last + 1
	}
	st.last = value

	a.persist(ctx, accountID, value)

	return value, nil
}

// JumpForward продвигает последовательность минимум на d обычной выдачи.
// Используется при восстановлении после SequencingError: брокер считает
// наши значения устаревшими, перепрыгиваем спорный диапазон.
func (a *Authority) JumpForward(ctx context.Context, accountID string, d time.Duration) error {
	st := a.state(accountID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		if err := a.load(ctx, accountID, st); err != nil {
			return err
		}
	}

	base := a.now().UnixMilli()
	if st.last > base {
		base = st.last
	}
	st.last = base + d.Milliseconds()

	a.logger.Warn("Sequence jumped forward",
		slog.String("account", accountID),
		slog.Duration("jump", d),
		slog.Int64("new_value", st.last))

	a.persist(ctx, accountID, st.last)

	return nil
}

// load читает persisted значение и приводит его к текущей единице измерения.
// Значение в секундах (старая схема) детектируется по величине и
// масштабируется, прямое сравнение разных единиц недопустимо.
func (a *Authority) load(ctx context.Context, accountID string, st *accountState) error {
	persisted, err := a.store.LoadSequence(ctx, accountID)
	if err != nil {
		return err
	}

	if persisted > 0 && persisted < legacySecondsCeiling {
		rescaled := persisted * 1000
		a.logger.Warn("Persisted sequence recorded in seconds, rescaling to milliseconds",
			slog.String("account", accountID),
			slog.Int64("persisted", persisted),
			slog.Int64("rescaled", rescaled))
		persisted = rescaled
	}

	st.last = persisted
	st.loaded = true

	return nil
}

// persist записывает выданное значение best-effort: ошибка записи не
// отменяет выдачу, но логируется - следующий запуск процесса обязан
// увидеть значение не меньше последнего использованного.
func (a *Authority) persist(ctx context.Context, accountID string, value int64) {
	if err := a.store.SaveSequence(ctx, accountID, value); err != nil {
		a.logger.Error("Failed to persist sequence value",
			slog.String("account", accountID),
			slog.Int64("value", value),
			slog.Any("error", err))
	}
}
