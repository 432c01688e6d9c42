// Package reconcile периодически сверяет отслеживаемые позиции с
// реальным состоянием брокера: усыновляет сирот, закрывает внешне
// закрытые записи, выводит зомби и постепенно разгружает аккаунты
// сверх потолка открытых позиций.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"copyd/internal/broker"
	"copyd/internal/config"
	"copyd/internal/metrics"
	"copyd/internal/models"
	"copyd/internal/poslock"
	"copyd/internal/ratelimit"
	"copyd/internal/sequence"

	"golang.org/x/sync/errgroup"
)

// Store - персистентность, нужная reconciler'у
type Store interface {
	GetFollowerAccounts(ctx context.Context) ([]models.Account, error)
	OpenByAccount(ctx context.Context, accountID string) ([]models.TrackedPosition, error)
	CreatePosition(ctx context.Context, p models.TrackedPosition) (int64, error)
	UpdatePosition(ctx context.Context, p models.TrackedPosition) error
	MarkClosed(ctx context.Context, id int64, reason string) error
	AddLog(ctx context.Context, entry models.ActivityLog) error
}

// Notifier шлет уведомления оператору
type Notifier interface {
	Notify(text string)
}

// Reconciler сверяет трекер с брокером по всем follower аккаунтам
type Reconciler struct {
	store    Store
	ports    *broker.Registry
	seq      *sequence.Authority
	budget   *ratelimit.Allocator
	limits   *config.Watcher
	locks    *poslock.Keeper
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, ports *broker.Registry, seq *sequence.Authority,
	budget *ratelimit.Allocator, limits *config.Watcher, locks *poslock.Keeper,
	notifier Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		ports:    ports,
		seq:      seq,
		budget:   budget,
		limits:   limits,
		locks:    locks,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Run запускает цикл сверки до отмены контекста
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("🔍 Reconciler started")

	for {
		interval := r.limits.Snapshot().ReconcileInterval.D()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("Reconciler stopped")

			return
		case <-timer.C:
		}

		r.ReconcileAll(ctx)
	}
}

// ReconcileAll сверяет все follower аккаунты. Аккаунты обрабатываются
// параллельно и независимо, ошибка одного не останавливает остальные.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	accounts, err := r.store.GetFollowerAccounts(ctx)
	if err != nil {
		r.logger.Error("Failed to list accounts for reconciliation", slog.Any("error", err))

		return
	}

	limits := r.limits.Snapshot()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, acc := range accounts {
		acc := acc

		g.Go(func() error {
			if err := r.reconcileAccount(ctx, acc, limits); err != nil {
				r.logger.Error("Account reconciliation failed",
					slog.String("account", acc.ID),
					slog.Any("error", err))
			}

			return nil
		})
	}

	g.Wait()
}

func (r *Reconciler) reconcileAccount(ctx context.Context, acc models.Account, limits config.Limits) error {
	port, err := r.ports.Port(acc.ID)
	if err != nil {
		return err
	}
	if !port.Healthy() {
		return fmt.Errorf("broker connection unhealthy")
	}

	if err := r.budget.Wait(ctx, acc.ID, ratelimit.CategoryMonitor); err != nil {
		return err
	}

	liveCtx, cancel := bounded(ctx, limits)
	live, err := port.GetOpenPositions(liveCtx, acc.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to query open positions: %w", err)
	}

	tracked, err := r.store.OpenByAccount(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("failed to load tracked positions: %w", err)
	}

	liveBySymbol := make(map[string]broker.Position, len(live))
	for _, p := range live {
		liveBySymbol[p.Symbol] = p
	}
	trackedBySymbol := make(map[string]bool, len(tracked))
	for _, p := range tracked {
		trackedBySymbol[p.Symbol] = true
	}

	now := r.now().UTC()

	// сироты: брокер знает позицию, трекер - нет
	for _, p := range live {
		if trackedBySymbol[p.Symbol] {
			continue
		}

		r.adopt(ctx, acc.ID, p, now, limits)
	}

	// внешне закрытые: запись есть, у брокера позиции нет
	open := tracked[:0]
	for _, p := range tracked {
		if _, ok := liveBySymbol[p.Symbol]; ok {
			open = append(open, p)
			continue
		}

		r.logger.Info("Position closed externally",
			slog.String("account", acc.ID),
			slog.String("symbol", p.Symbol))

		if err := r.store.MarkClosed(ctx, p.ID, "closed externally"); err != nil {
			r.logger.Error("Failed to close externally-closed position",
				slog.Int64("position_id", p.ID),
				slog.Any("error", err))
		}
	}

	exits := r.evaluateExits(ctx, acc.ID, port, open, liveBySymbol, now, limits)

	scheduled := make(map[int64]bool, len(exits))
	for _, e := range exits {
		scheduled[e.pos.ID] = true
	}
	exits = append(exits, r.overCapExits(open, liveBySymbol, now, limits, scheduled)...)

	for _, e := range exits {
		r.scheduleExit(ctx, acc.ID, port, e.pos, e.reason, e.price, limits)
	}

	metrics.OpenPositions.WithLabelValues(acc.ID).Set(float64(len(open)))

	return nil
}

// adopt заводит найденную у брокера позицию в трекер. Grace период
// защищает ее от немедленных решений по одному шумному чтению.
func (r *Reconciler) adopt(ctx context.Context, accountID string, p broker.Position,
	now time.Time, limits config.Limits) {
	r.logger.Info("🔍 Orphan position adopted",
		slog.String("account", accountID),
		slog.String("symbol", p.Symbol),
		slog.Float64("quantity", p.Quantity),
		slog.Float64("entry_price", p.EntryPrice))

	side := p.Side
	if side == "" {
		// брокер не сообщил направление - считаем long
		side = models.SideBuy
	}

	_, err := r.store.CreatePosition(ctx, models.TrackedPosition{
		AccountID:  accountID,
		Symbol:     p.Symbol,
		Side:       side,
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		EntryTime:  now,
		Source:     models.SourceAdopted,
		State:      models.PositionOpen,
		GraceUntil: now.Add(limits.GracePeriod.D()),
	})
	if err != nil {
		r.logger.Error("Failed to adopt position",
			slog.String("account", accountID),
			slog.String("symbol", p.Symbol),
			slog.Any("error", err))

		return
	}

	if err := r.store.AddLog(ctx, models.ActivityLog{
		AccountID: accountID,
		Level:     "warn",
		Action:    "position_adopted",
		Message:   fmt.Sprintf("%s qty %.8f found at broker without local record", p.Symbol, p.Quantity),
	}); err != nil {
		r.logger.Warn("Failed to write activity log", slog.Any("error", err))
	}
}

type exitCandidate struct {
	pos    models.TrackedPosition
	reason string
	price  float64
}

// evaluateExits проверяет каждую открытую позицию на зомби, take profit,
// stop loss и превышение срока удержания. Позиции в grace периоде не
// трогаются.
func (r *Reconciler) evaluateExits(ctx context.Context, accountID string, port broker.Port,
	open []models.TrackedPosition, live map[string]broker.Position,
	now time.Time, limits config.Limits) []exitCandidate {
	var exits []exitCandidate

	for i := range open {
		p := &open[i]

		if p.State == models.PositionExitScheduled {
			// выход уже назначен прошлым циклом, но не исполнился
			price := r.markPrice(ctx, accountID, port, p.Symbol, limits)
			if price > 0 {
				exits = append(exits, exitCandidate{pos: *p, reason: p.ExitReason, price: price})
			}

			continue
		}

		if p.InGrace(now) {
			continue
		}

		// синхронизируем количество с брокером
		if lp, ok := live[p.Symbol]; ok && lp.Quantity != p.Quantity {
			p.Quantity = lp.Quantity
			if err := r.store.UpdatePosition(ctx, *p); err != nil {
				r.logger.Warn("Failed to sync position quantity", slog.Any("error", err))
			}
		}

		price := r.markPrice(ctx, accountID, port, p.Symbol, limits)
		if price <= 0 {
			continue
		}

		if reason := r.checkExit(ctx, p, price, now, limits); reason != "" {
			exits = append(exits, exitCandidate{pos: *p, reason: reason, price: price})
		}
	}

	return exits
}

// checkExit возвращает причину выхода или пустую строку
func (r *Reconciler) checkExit(ctx context.Context, p *models.TrackedPosition,
	price float64, now time.Time, limits config.Limits) string {
	if limits.MaxHoldDuration.D() > 0 && now.Sub(p.EntryTime) >= limits.MaxHoldDuration.D() {
		return "max hold duration exceeded"
	}

	if !p.HasEntryPrice() {
		// цена входа неизвестна - P&L не вычислить. Такая позиция
		// считается дрейфующей с момента усыновления.
		if p.ZeroPnlSince.IsZero() {
			p.ZeroPnlSince = now
			r.persistPnlMark(ctx, p)

			return ""
		}
		if now.Sub(p.ZeroPnlSince) >= limits.ZombieThreshold.D() {
			return "zombie: entry price unknown"
		}

		return ""
	}

	pnl := p.Pnl(price)

	if limits.TakeProfitPct > 0 && pnl >= limits.TakeProfitPct {
		return "take profit"
	}
	if limits.StopLossPct > 0 && pnl <= -limits.StopLossPct {
		return "stop loss"
	}

	// зомби: P&L неотличим от нуля дольше порога
	if abs(pnl) <= limits.ZombieEpsilon {
		if p.ZeroPnlSince.IsZero() {
			p.ZeroPnlSince = now
			r.persistPnlMark(ctx, p)

			return ""
		}
		if now.Sub(p.ZeroPnlSince) >= limits.ZombieThreshold.D() {
			return "zombie: no price movement"
		}

		return ""
	}

	// P&L ожил - зомби-таймер сбрасывается
	if !p.ZeroPnlSince.IsZero() {
		p.ZeroPnlSince = time.Time{}
		r.persistPnlMark(ctx, p)
	}

	return ""
}

// overCapExits выбирает кандидатов на разгрузку аккаунта сверх потолка.
// Разгрузка постепенная: не больше MaxExitsPerCycle за цикл, сначала
// наименьший notional, затем худший P&L, затем самые старые. Свежие
// позиции не трогаются.
func (r *Reconciler) overCapExits(open []models.TrackedPosition, live map[string]broker.Position,
	now time.Time, limits config.Limits, scheduled map[int64]bool) []exitCandidate {
	over := len(open) - limits.MaxOpenPositions
	if over <= 0 {
		return nil
	}

	budget := limits.MaxExitsPerCycle - len(scheduled)
	if budget <= 0 {
		return nil
	}
	if over < budget {
		budget = over
	}

	type ranked struct {
		pos      models.TrackedPosition
		notional float64
		pnl      float64
		price    float64
	}

	var candidates []ranked
	for _, p := range open {
		if p.State == models.PositionExitScheduled || scheduled[p.ID] {
			continue
		}
		if p.InGrace(now) || now.Sub(p.EntryTime) < limits.NewPositionAge.D() {
			continue
		}

		lp, ok := live[p.Symbol]
		if !ok || lp.Quantity <= 0 {
			continue
		}

		price := lp.EntryPrice
		pnl := 0.0
		if p.HasEntryPrice() && price > 0 {
			pnl = p.Pnl(price)
		}
		if price <= 0 {
			price = p.EntryPrice
		}

		candidates = append(candidates, ranked{
			pos:      p,
			notional: p.Quantity * price,
			pnl:      pnl,
			price:    price,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].notional != candidates[j].notional {
			return candidates[i].notional < candidates[j].notional
		}
		if candidates[i].pnl != candidates[j].pnl {
			return candidates[i].pnl < candidates[j].pnl
		}

		return candidates[i].pos.EntryTime.Before(candidates[j].pos.EntryTime)
	})

	if len(candidates) > budget {
		candidates = candidates[:budget]
	}

	exits := make([]exitCandidate, 0, len(candidates))
	for _, c := range candidates {
		exits = append(exits, exitCandidate{pos: c.pos, reason: "over position cap", price: c.price})
	}

	return exits
}

// scheduleExit переводит позицию в exit_scheduled и размещает
// reduce-only ордер. Неисполнившийся выход остается exit_scheduled
// и повторяется следующим циклом.
func (r *Reconciler) scheduleExit(ctx context.Context, accountID string, port broker.Port,
	p models.TrackedPosition, reason string, price float64, limits config.Limits) {
	unlock := r.locks.Lock(accountID, p.Symbol)
	defer unlock()

	if p.State != models.PositionExitScheduled {
		p.State = models.PositionExitScheduled
		p.ExitReason = reason
		if err := r.store.UpdatePosition(ctx, p); err != nil {
			r.logger.Error("Failed to schedule exit",
				slog.Int64("position_id", p.ID),
				slog.Any("error", err))

			return
		}
	}

	r.logger.Info("Scheduling position exit",
		slog.String("account", accountID),
		slog.String("symbol", p.Symbol),
		slog.String("reason", reason))

	if err := r.budget.Wait(ctx, accountID, ratelimit.CategoryExit); err != nil {
		return
	}

	seq, err := r.seq.Next(ctx, accountID)
	if err != nil {
		r.logger.Error("Failed to issue sequence for exit", slog.Any("error", err))

		return
	}

	// short закрывается откупом, не дальнейшей продажей
	exitSide := models.SideSell
	if p.Side == models.SideSell {
		exitSide = models.SideBuy
	}

	orderCtx, cancel := bounded(ctx, limits)
	result, err := port.PlaceOrder(orderCtx, broker.OrderRequest{
		AccountID:     accountID,
		Symbol:        p.Symbol,
		Side:          exitSide,
		Notional:      p.Quantity * price,
		ReduceOnly:    true,
		Sequence:      seq,
		ClientOrderID: fmt.Sprintf("reconcile:%d", p.ID),
	})
	cancel()
	if err != nil {
		r.logger.Error("Exit order failed, will retry next cycle",
			slog.String("account", accountID),
			slog.String("symbol", p.Symbol),
			slog.Any("error", err))

		return
	}

	confirmed := result.Status == broker.OrderFilled || result.Status == broker.OrderPartiallyFilled
	if !confirmed || result.FilledQuantity <= 0 {
		r.logger.Warn("Exit order not confirmed, will retry next cycle",
			slog.String("account", accountID),
			slog.String("symbol", p.Symbol),
			slog.String("status", string(result.Status)))

		return
	}

	if err := r.store.MarkClosed(ctx, p.ID, reason); err != nil {
		r.logger.Error("Failed to mark position closed",
			slog.Int64("position_id", p.ID),
			slog.Any("error", err))

		return
	}

	metrics.ReconcilerExits.WithLabelValues(reason).Inc()

	if err := r.store.AddLog(ctx, models.ActivityLog{
		AccountID: accountID,
		Level:     "warn",
		Action:    "position_exited",
		Message:   fmt.Sprintf("%s exited: %s", p.Symbol, reason),
	}); err != nil {
		r.logger.Warn("Failed to write activity log", slog.Any("error", err))
	}

	if r.notifier != nil {
		r.notifier.Notify(fmt.Sprintf("⚠️ %s: %s exited (%s)", accountID, p.Symbol, reason))
	}
}

// markPrice запрашивает mark цену под monitor бюджетом, 0 при ошибке
func (r *Reconciler) markPrice(ctx context.Context, accountID string, port broker.Port,
	symbol string, limits config.Limits) float64 {
	if err := r.budget.Wait(ctx, accountID, ratelimit.CategoryMonitor); err != nil {
		return 0
	}

	priceCtx, cancel := bounded(ctx, limits)
	price, err := port.GetMarkPrice(priceCtx, symbol)
	cancel()
	if err != nil {
		r.logger.Warn("Failed to get mark price",
			slog.String("symbol", symbol),
			slog.Any("error", err))

		return 0
	}

	return price
}

func (r *Reconciler) persistPnlMark(ctx context.Context, p *models.TrackedPosition) {
	if err := r.store.UpdatePosition(ctx, *p); err != nil {
		r.logger.Warn("Failed to persist zombie timer", slog.Any("error", err))
	}
}

// bounded ограничивает обращение к брокеру dispatch таймаутом: висящий
// вызов порта не должен застопорить цикл сверки
func bounded(ctx context.Context, limits config.Limits) (context.Context, context.CancelFunc) {
	if d := limits.DispatchTimeout.D(); d > 0 {
		return context.WithTimeout(ctx, d)
	}

	return context.WithCancel(ctx)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}

	return v
}
