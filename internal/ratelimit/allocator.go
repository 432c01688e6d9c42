// Package ratelimit распределяет бюджет API вызовов аккаунта между
// категориями операций в скользящем окне. Превышение опубликованных
// биржей лимитов ведет к блокировке всего аккаунта, поэтому Admit
// никогда не превышает потолок и никогда молча не отбрасывает вызов:
// отказ всегда возвращается вызывающему вместе со временем ожидания.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"copyd/internal/metrics"
)

// ProfileFunc возвращает актуальный профиль аккаунта. Вызывается при
// каждом открытии окна: смена tier (баланс вырос/упал) подхватывается
// без рестарта.
type ProfileFunc func(accountID string) Profile

// Allocator - аллокатор бюджета для всех аккаунтов процесса
type Allocator struct {
	profileFor ProfileFunc
	window     time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex // защищает только map
	accounts map[string]*accountBudget
}

// accountBudget - состояние окна одного аккаунта со своей блокировкой
type accountBudget struct {
	mu          sync.Mutex
	profile     Profile
	windowStart time.Time
	used        int
	monitorUsed int
	lastCall    map[Category]time.Time
}

func New(profileFor ProfileFunc, logger *slog.Logger) *Allocator {
	return &Allocator{
		profileFor: profileFor,
		window:     time.Minute,
		logger:     logger,
		now:        time.Now,
		accounts:   make(map[string]*accountBudget),
	}
}

func (a *Allocator) budget(accountID string) *accountBudget {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.accounts[accountID]
	if !ok {
		b = &accountBudget{lastCall: make(map[Category]time.Time)}
		a.accounts[accountID] = b
	}

	return b
}

// Admit запрашивает допуск одного вызова. Возвращает granted=false и
// время, через которое стоит повторить. Отказ не расходует бюджет.
func (a *Allocator) Admit(accountID string, cat Category) (granted bool, wait time.Duration) {
	b := a.budget(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := a.now()

	// новое окно: перечитываем профиль и обнуляем счетчики
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= a.window {
		b.profile = a.profileFor(accountID)
		b.windowStart = now
		b.used = 0
		b.monitorUsed = 0
	}

	windowEnds := b.windowStart.Add(a.window).Sub(now)

	// интервальный пол категории
	if last, ok := b.lastCall[cat]; ok {
		interval := b.profile.Intervals[cat]
		if since := now.Sub(last); since < interval {
			return false, interval - since
		}
	}

	// общий потолок окна
	if b.used >= b.profile.WindowBudget {
		return false, windowEnds
	}

	// monitor/query живут в своем sub-ceiling и не могут выесть
	// бюджет торговых операций
	if cat == CategoryMonitor || cat == CategoryQuery {
		if b.monitorUsed >= b.profile.MonitorBudget() {
			return false, windowEnds
		}
		b.monitorUsed++
	}

	b.used++
	b.lastCall[cat] = now

	return true, 0
}

// Wait блокирует до допуска или отмены контекста. Все ретраи с ожиданием
// проходят здесь, а не в разрозненных циклах по call site'ам.
func (a *Allocator) Wait(ctx context.Context, accountID string, cat Category) error {
	for {
		granted, wait := a.Admit(accountID, cat)
		if granted {
			return nil
		}

		metrics.BudgetDenials.WithLabelValues(string(cat)).Inc()

		a.logger.Debug("Budget exhausted, waiting",
			slog.String("account", accountID),
			slog.String("category", string(cat)),
			slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
