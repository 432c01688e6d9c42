// Package copy исполняет сигналы мастера на follower аккаунтах.
// Каждый follower обрабатывается в своей горутине и изолированно:
// отказ, медленный брокер или сработавший breaker одного аккаунта не
// влияют на остальных. Пара (сигнал, аккаунт) исполняется не более
// одного раза.
package copy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copyd/internal/broker"
	"copyd/internal/config"
	"copyd/internal/metrics"
	"copyd/internal/models"
	"copyd/internal/poslock"
	"copyd/internal/ratelimit"
	"copyd/internal/risk"
	"copyd/internal/sequence"
)

// staleJumpStep - базовый размер прыжка sequence при восстановлении.
// Повторные stale ошибки подряд увеличивают прыжок кратно.
const staleJumpStep = 5 * time.Second

// Store - персистентность, нужная оркестратору
type Store interface {
	GetMasterAccount(ctx context.Context) (models.Account, error)
	GetFollowerAccounts(ctx context.Context) ([]models.Account, error)
	UpdateBalance(ctx context.Context, accountID string, balance float64) error
	HasResult(ctx context.Context, signalID, accountID string) (bool, error)
	SaveResult(ctx context.Context, r models.CopyExecutionResult) error
	CreatePosition(ctx context.Context, p models.TrackedPosition) (int64, error)
	OpenBySymbol(ctx context.Context, accountID, symbol string) (models.TrackedPosition, error)
	CountOpen(ctx context.Context, accountID string) (int, error)
	MarkClosed(ctx context.Context, id int64, reason string) error
	AddLog(ctx context.Context, entry models.ActivityLog) error
}

// Notifier шлет уведомления оператору
type Notifier interface {
	Notify(text string)
}

// Summary - агрегат одного сигнала по всем follower'ам
type Summary struct {
	SignalID string
	Filled   int
	Skipped  int
	Rejected int
	Results  []models.CopyExecutionResult
}

// Orchestrator раздает сигнал всем eligible follower'ам
type Orchestrator struct {
	store    Store
	ports    *broker.Registry
	seq      *sequence.Authority
	budget   *ratelimit.Allocator
	breaker  *risk.Breaker
	limits   *config.Watcher
	locks    *poslock.Keeper
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	staleStreak map[string]int // подряд идущие stale sequence восстановления
}

func New(store Store, ports *broker.Registry, seq *sequence.Authority,
	budget *ratelimit.Allocator, breaker *risk.Breaker, limits *config.Watcher,
	locks *poslock.Keeper, notifier Notifier, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:       store,
		ports:       ports,
		seq:         seq,
		budget:      budget,
		breaker:     breaker,
		limits:      limits,
		locks:       locks,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		staleStreak: make(map[string]int),
	}
}

// HandleSignal исполняет один сигнал на всех eligible follower'ах.
// Каждый follower в своей горутине, провал одного не трогает других.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig models.TradeSignal) (Summary, error) {
	summary := Summary{SignalID: sig.ID}

	master, err := o.store.GetMasterAccount(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to resolve master account: %w", err)
	}
	if master.Disabled {
		o.logger.Warn("Signal dropped: master account disabled",
			slog.String("signal_id", sig.ID))

		return summary, nil
	}

	if port, err := o.ports.Port(master.ID); err != nil || !port.Healthy() {
		o.logger.Warn("Signal dropped: master broker connection unhealthy",
			slog.String("signal_id", sig.ID))

		return summary, nil
	}

	followers, err := o.store.GetFollowerAccounts(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list followers: %w", err)
	}
	if len(followers) == 0 {
		o.logger.Warn("Signal dropped: no follower accounts",
			slog.String("signal_id", sig.ID))

		return summary, nil
	}

	limits := o.limits.Snapshot()

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, follower := range followers {
		follower := follower

		wg.Add(1)
		go func() {
			defer wg.Done()

			result, ok := o.executeFollower(ctx, sig, follower, limits)
			if !ok {
				return // уже есть результат по этой паре
			}

			mu.Lock()
			summary.Results = append(summary.Results, result)
			mu.Unlock()
		}()
	}

	wg.Wait()

	for _, r := range summary.Results {
		switch r.Status {
		case models.CopyFilled, models.CopyPartiallyFilled:
			summary.Filled++
		case models.CopySkipped:
			summary.Skipped++
		case models.CopyRejected:
			summary.Rejected++
		}
	}

	o.logger.Info("🚀 Signal dispatch complete",
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.Int("filled", summary.Filled),
		slog.Int("skipped", summary.Skipped),
		slog.Int("rejected", summary.Rejected))

	o.logActivity(ctx, "", "signal_dispatched", fmt.Sprintf(
		"signal %s %s %s: %d filled, %d skipped, %d rejected",
		sig.ID, sig.Symbol, sig.Side, summary.Filled, summary.Skipped, summary.Rejected))

	if summary.Rejected > 0 && o.notifier != nil {
		o.notifier.Notify(fmt.Sprintf("⚠️ Signal %s (%s): %d of %d followers rejected",
			sig.ID, sig.Symbol, summary.Rejected, len(summary.Results)))
	}

	return summary, nil
}

// executeFollower исполняет сигнал на одном аккаунте. Возвращает ok=false
// если пара (сигнал, аккаунт) уже имеет записанный результат.
func (o *Orchestrator) executeFollower(ctx context.Context, sig models.TradeSignal,
	follower models.Account, limits config.Limits) (models.CopyExecutionResult, bool) {
	done, err := o.store.HasResult(ctx, sig.ID, follower.ID)
	if err != nil {
		o.logger.Error("Failed to check result record",
			slog.String("account", follower.ID),
			slog.Any("error", err))

		return models.CopyExecutionResult{}, false
	}
	if done {
		o.logger.Debug("Duplicate signal delivery ignored",
			slog.String("signal_id", sig.ID),
			slog.String("account", follower.ID))

		return models.CopyExecutionResult{}, false
	}

	started := o.now()
	result := o.evaluate(ctx, sig, follower, limits)
	result.SignalID = sig.ID
	result.AccountID = follower.ID
	result.LatencyMs = o.now().Sub(started).Milliseconds()

	metrics.DispatchLatency.Observe(float64(result.LatencyMs) / 1000)
	metrics.CopyResults.WithLabelValues(string(result.Status)).Inc()

	if err := o.store.SaveResult(ctx, result); err != nil {
		o.logger.Error("Failed to persist copy result",
			slog.String("signal_id", sig.ID),
			slog.String("account", follower.ID),
			slog.Any("error", err))
	}

	switch result.Status {
	case models.CopyRejected:
		o.logActivity(ctx, follower.ID, "copy_rejected", result.Reason)
	case models.CopyFilled, models.CopyPartiallyFilled:
		o.logActivity(ctx, follower.ID, "copy_filled", fmt.Sprintf(
			"%s %s notional %.2f", sig.Symbol, sig.Side, result.Notional))
	}

	return result, true
}

// evaluate прогоняет все gate'ы и размещает ордер
func (o *Orchestrator) evaluate(ctx context.Context, sig models.TradeSignal,
	follower models.Account, limits config.Limits) models.CopyExecutionResult {
	if follower.Disabled {
		return skipped("account disabled")
	}
	if o.breaker.Tripped(follower.ID) {
		return skipped("circuit breaker open")
	}
	if sig.IsExit && !follower.CopyExits {
		return skipped("exit copying disabled")
	}
	if !sig.IsExit && !follower.CopyEntries {
		return skipped("entry copying disabled")
	}

	port, err := o.ports.Port(follower.ID)
	if err != nil {
		return skipped("no broker connection")
	}
	if !port.Healthy() {
		return skipped("broker connection unhealthy")
	}

	// живой баланс, не снимок: расчет размера должен видеть актуальное
	// состояние счета
	if err := o.budget.Wait(ctx, follower.ID, ratelimit.CategoryQuery); err != nil {
		return rejected("budget wait cancelled")
	}

	balCtx, cancel := bounded(ctx, limits)
	balance, err := port.GetBalance(balCtx, follower.ID)
	cancel()
	if err != nil {
		o.recordFailure(follower.ID, fmt.Sprintf("balance query failed: %v", err))

		return rejected(fmt.Sprintf("failed to query balance: %v", err))
	}

	if err := o.store.UpdateBalance(ctx, follower.ID, balance); err != nil {
		o.logger.Warn("Failed to persist balance snapshot",
			slog.String("account", follower.ID),
			slog.Any("error", err))
	}

	if balance < limits.MinFollowerBalance {
		return skipped(fmt.Sprintf("balance %.2f below participation floor %.2f",
			balance, limits.MinFollowerBalance))
	}

	unlock := o.locks.Lock(follower.ID, sig.Symbol)
	defer unlock()

	if sig.IsExit {
		return o.executeExit(ctx, sig, follower, port, limits)
	}

	return o.executeEntry(ctx, sig, follower, port, balance, limits)
}

func (o *Orchestrator) executeEntry(ctx context.Context, sig models.TradeSignal,
	follower models.Account, port broker.Port, balance float64,
	limits config.Limits) models.CopyExecutionResult {
	open, err := o.store.CountOpen(ctx, follower.ID)
	if err != nil {
		return rejected(fmt.Sprintf("failed to count open positions: %v", err))
	}
	if open >= limits.MaxOpenPositions {
		return skipped(fmt.Sprintf("position cap reached: %d open", open))
	}

	sizing := risk.FollowerNotional(sig.MasterNotional, sig.MasterBalance,
		balance, limits.MaxRiskFraction, port.MinNotional(sig.Symbol))
	if sizing.Skip {
		return skipped(sizing.Reason)
	}

	orderResult, err := o.placeOrder(ctx, sig, follower, port, broker.OrderRequest{
		AccountID:     follower.ID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Notional:      sizing.Notional,
		ClientOrderID: sig.ID + ":" + follower.ID,
	}, limits)
	if err != nil {
		return o.orderError(follower.ID, err)
	}

	result := o.confirm(follower.ID, orderResult, sizing.Notional)
	if !result.Executed() {
		return result
	}

	if _, err := o.store.CreatePosition(ctx, models.TrackedPosition{
		AccountID:  follower.ID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   orderResult.FilledQuantity,
		EntryPrice: orderResult.FilledPrice,
		EntryTime:  o.now().UTC(),
		Source:     models.SourceCopy,
		State:      models.PositionOpen,
	}); err != nil {
		o.logger.Error("Order filled but position not tracked",
			slog.String("account", follower.ID),
			slog.String("symbol", sig.Symbol),
			slog.Any("error", err))
	}

	return result
}

func (o *Orchestrator) executeExit(ctx context.Context, sig models.TradeSignal,
	follower models.Account, port broker.Port, limits config.Limits) models.CopyExecutionResult {
	position, err := o.store.OpenBySymbol(ctx, follower.ID, sig.Symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return skipped("no open position for symbol")
	}
	if err != nil {
		return rejected(fmt.Sprintf("failed to load position: %v", err))
	}

	priceCtx, cancel := bounded(ctx, limits)
	price, err := port.GetMarkPrice(priceCtx, sig.Symbol)
	cancel()
	if err != nil {
		o.recordFailure(follower.ID, fmt.Sprintf("mark price failed: %v", err))

		return rejected(fmt.Sprintf("failed to get mark price: %v", err))
	}

	notional := position.Quantity * price

	orderResult, err := o.placeOrder(ctx, sig, follower, port, broker.OrderRequest{
		AccountID:     follower.ID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Notional:      notional,
		ReduceOnly:    true,
		ClientOrderID: sig.ID + ":" + follower.ID,
	}, limits)
	if err != nil {
		return o.orderError(follower.ID, err)
	}

	result := o.confirm(follower.ID, orderResult, notional)
	if !result.Executed() {
		return result
	}

	if err := o.store.MarkClosed(ctx, position.ID, "master exit copied"); err != nil {
		o.logger.Error("Exit filled but position not closed in tracker",
			slog.Int64("position_id", position.ID),
			slog.Any("error", err))
	}

	return result
}

// placeOrder размещает ордер под бюджетом торговой категории.
// Stale sequence восстанавливается прыжком вперед и одним повтором;
// повторные stale подряд увеличивают прыжок.
func (o *Orchestrator) placeOrder(ctx context.Context, sig models.TradeSignal,
	follower models.Account, port broker.Port, req broker.OrderRequest,
	limits config.Limits) (broker.OrderResult, error) {
	cat := ratelimit.CategoryEntry
	if req.ReduceOnly {
		cat = ratelimit.CategoryExit
	}

	callCtx, cancel := bounded(ctx, limits)
	defer cancel()

	for attempt := 0; ; attempt++ {
		if err := o.budget.Wait(callCtx, follower.ID, cat); err != nil {
			return broker.OrderResult{}, fmt.Errorf("budget wait: %w", err)
		}

		seq, err := o.seq.Next(callCtx, follower.ID)
		if err != nil {
			return broker.OrderResult{}, fmt.Errorf("failed to issue sequence: %w", err)
		}
		req.Sequence = seq

		result, err := port.PlaceOrder(callCtx, req)
		if err == nil {
			o.resetStaleStreak(follower.ID)
			return result, nil
		}

		if !errors.Is(err, broker.ErrStaleSequence) || attempt > 0 {
			return broker.OrderResult{}, err
		}

		o.jumpSequence(callCtx, follower.ID)
	}
}

// confirm интерпретирует ответ брокера. Неподтвержденное исполнение
// (pending или "filled" без исполненного объема) считается отказом:
// никогда не записываем fill, которого брокер не подтвердил.
func (o *Orchestrator) confirm(accountID string, res broker.OrderResult, notional float64) models.CopyExecutionResult {
	switch res.Status {
	case broker.OrderFilled, broker.OrderPartiallyFilled:
		if res.FilledQuantity <= 0 {
			o.recordFailure(accountID, "order not confirmed")

			return rejected("order placed but execution not confirmed")
		}

		o.breaker.RecordSuccess(accountID)

		if res.Status == broker.OrderPartiallyFilled {
			return models.CopyExecutionResult{
				Status:        models.CopyPartiallyFilled,
				Notional:      res.FilledQuantity * res.FilledPrice,
				BrokerOrderID: res.BrokerOrderID,
			}
		}

		return models.CopyExecutionResult{
			Status:        models.CopyFilled,
			Notional:      notional,
			BrokerOrderID: res.BrokerOrderID,
		}
	case broker.OrderPending:
		o.recordFailure(accountID, "order not confirmed")

		return rejected("order placed but execution not confirmed")
	default:
		o.recordFailure(accountID, "order rejected")

		return rejected("order rejected by broker")
	}
}

// orderError переводит ошибку размещения в результат
func (o *Orchestrator) orderError(accountID string, err error) models.CopyExecutionResult {
	o.recordFailure(accountID, err.Error())

	if errors.Is(err, broker.ErrStaleSequence) {
		return rejected("stale sequence persisted after jump recovery")
	}

	return rejected(err.Error())
}

func (o *Orchestrator) recordFailure(accountID, reason string) {
	o.breaker.RecordFailure(accountID, reason)
}

// jumpSequence продвигает последовательность аккаунта. Streak подряд
// идущих stale ошибок увеличивает прыжок: единичный конфликт решается
// маленьким шагом, систематический дрейф - большим.
func (o *Orchestrator) jumpSequence(ctx context.Context, accountID string) {
	o.mu.Lock()
	o.staleStreak[accountID]++
	streak := o.staleStreak[accountID]
	o.mu.Unlock()

	jump := time.Duration(streak) * staleJumpStep

	if streak > 1 {
		o.logger.Warn("Repeated stale sequence errors, escalating jump",
			slog.String("account", accountID),
			slog.Int("streak", streak),
			slog.Duration("jump", jump))
	}

	metrics.SequenceJumps.Inc()

	if err := o.seq.JumpForward(ctx, accountID, jump); err != nil {
		o.logger.Error("Failed to jump sequence forward",
			slog.String("account", accountID),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) resetStaleStreak(accountID string) {
	o.mu.Lock()
	delete(o.staleStreak, accountID)
	o.mu.Unlock()
}

func (o *Orchestrator) logActivity(ctx context.Context, accountID, action, message string) {
	level := "info"
	if action == "copy_rejected" {
		level = "error"
	}

	if err := o.store.AddLog(ctx, models.ActivityLog{
		AccountID: accountID,
		Level:     level,
		Action:    action,
		Message:   message,
	}); err != nil {
		o.logger.Warn("Failed to write activity log", slog.Any("error", err))
	}
}

// bounded ограничивает обращение к брокеру dispatch таймаутом: ни один
// вызов порта не может висеть дольше лимита и застопорить раздачу сигнала
func bounded(ctx context.Context, limits config.Limits) (context.Context, context.CancelFunc) {
	if d := limits.DispatchTimeout.D(); d > 0 {
		return context.WithTimeout(ctx, d)
	}

	return context.WithCancel(ctx)
}

func skipped(reason string) models.CopyExecutionResult {
	return models.CopyExecutionResult{Status: models.CopySkipped, Reason: reason}
}

func rejected(reason string) models.CopyExecutionResult {
	return models.CopyExecutionResult{Status: models.CopyRejected, Reason: reason}
}
