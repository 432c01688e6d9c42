// Package account - фоновый опрос балансов всех аккаунтов под monitor
// бюджетом. Снимки нужны расчету tier'ов и сигналам мастера, торговые
// операции всегда перечитывают баланс сами.
package account

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"copyd/internal/broker"
	"copyd/internal/models"
	"copyd/internal/ratelimit"

	"golang.org/x/sync/errgroup"
)

// Store - персистентность, нужная опросу балансов
type Store interface {
	GetAccounts(ctx context.Context) ([]models.Account, error)
	UpdateBalance(ctx context.Context, accountID string, balance float64) error
}

// Runner периодически обновляет снимки балансов
type Runner struct {
	store    Store
	ports    *broker.Registry
	budget   *ratelimit.Allocator
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	balances map[string]float64
}

func New(store Store, ports *broker.Registry, budget *ratelimit.Allocator,
	interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Runner{
		store:    store,
		ports:    ports,
		budget:   budget,
		interval: interval,
		logger:   logger,
		balances: make(map[string]float64),
	}
}

// Balance возвращает последний снимок баланса аккаунта
func (r *Runner) Balance(accountID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.balances[accountID]
}

// Run опрашивает балансы до отмены контекста
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("Balance polling started", slog.Duration("interval", r.interval))

	// первый проход сразу, чтобы сигналы не ждали целого интервала
	r.poll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Balance polling stopped")

			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	accounts, err := r.store.GetAccounts(ctx)
	if err != nil {
		r.logger.Error("Failed to list accounts for balance poll", slog.Any("error", err))

		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, acc := range accounts {
		acc := acc

		g.Go(func() error {
			r.pollAccount(ctx, acc)

			return nil
		})
	}

	g.Wait()
}

func (r *Runner) pollAccount(ctx context.Context, acc models.Account) {
	port, err := r.ports.Port(acc.ID)
	if err != nil || !port.Healthy() {
		return
	}

	if err := r.budget.Wait(ctx, acc.ID, ratelimit.CategoryMonitor); err != nil {
		return
	}

	balance, err := port.GetBalance(ctx, acc.ID)
	if err != nil {
		r.logger.Warn("Balance poll failed",
			slog.String("account", acc.ID),
			slog.Any("error", err))

		return
	}

	r.mu.Lock()
	r.balances[acc.ID] = balance
	r.mu.Unlock()

	if err := r.store.UpdateBalance(ctx, acc.ID, balance); err != nil {
		r.logger.Warn("Failed to persist balance snapshot",
			slog.String("account", acc.ID),
			slog.Any("error", err))
	}
}
