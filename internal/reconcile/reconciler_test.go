package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"copyd/internal/broker"
	"copyd/internal/broker/paper"
	"copyd/internal/config"
	"copyd/internal/models"
	"copyd/internal/poslock"
	"copyd/internal/ratelimit"
	"copyd/internal/sequence"
	"copyd/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openProfile(string) ratelimit.Profile {
	return ratelimit.Profile{
		WindowBudget: 100000,
		MonitorShare: 0.9,
		Intervals:    map[ratelimit.Category]time.Duration{},
	}
}

type harness struct {
	rec   *Reconciler
	store *storage.Storage
	ports *broker.Registry
	paper *paper.Broker
}

func newHarness(t *testing.T, limitsYAML string) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	st, err := storage.New(filepath.Join(dir, "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	limitsPath := filepath.Join(dir, "limits.yaml")
	if limitsYAML != "" {
		require.NoError(t, os.WriteFile(limitsPath, []byte(limitsYAML), 0o644))
	}

	watcher, err := config.NewWatcher(limitsPath, logger)
	require.NoError(t, err)

	pb := paper.New()
	require.NoError(t, pb.Connect(context.Background()))

	ports := broker.NewRegistry()
	ports.Register("f1", pb)

	require.NoError(t, st.AddAccount(context.Background(), models.Account{
		ID: "f1", Name: "f1", BrokerKind: "paper", CopyEntries: true, CopyExits: true,
	}))

	rec := New(st, ports, sequence.New(st, logger),
		ratelimit.New(openProfile, logger), watcher, poslock.New(), nil, logger)

	return &harness{rec: rec, store: st, ports: ports, paper: pb}
}

func TestReconcile_AdoptsOrphan(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	ctx := context.Background()

	h.paper.SeedPosition("f1", broker.Position{Symbol: "BTC_USDT", Quantity: 0.01, EntryPrice: 50000})
	h.paper.SetPrice("BTC_USDT", 50000)

	h.rec.ReconcileAll(ctx)

	open, err := h.store.OpenByAccount(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, open, 1)

	p := open[0]
	assert.Equal(t, models.SourceAdopted, p.Source)
	assert.Equal(t, models.PositionOpen, p.State)
	assert.True(t, p.InGrace(time.Now().UTC()), "adopted position starts in grace")
	assert.Equal(t, 0.01, p.Quantity)
}

func TestReconcile_ClosesExternallyClosedPositions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	ctx := context.Background()

	_, err := h.store.CreatePosition(ctx, models.TrackedPosition{
		AccountID: "f1", Symbol: "ETH_USDT", Quantity: 1, EntryPrice: 3000,
		EntryTime: time.Now().UTC().Add(-time.Hour),
		Source:    models.SourceCopy, State: models.PositionOpen,
	})
	require.NoError(t, err)

	// у брокера позиции нет
	h.rec.ReconcileAll(ctx)

	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReconcile_ZombieExit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "zombie_threshold: 1ms\ngrace_period: 0s\n")
	ctx := context.Background()

	h.paper.SeedPosition("f1", broker.Position{Symbol: "BTC_USDT", Quantity: 0.01, EntryPrice: 50000})
	h.paper.SetPrice("BTC_USDT", 50000) // P&L ровно ноль

	_, err := h.store.CreatePosition(ctx, models.TrackedPosition{
		AccountID: "f1", Symbol: "BTC_USDT", Quantity: 0.01, EntryPrice: 50000,
		EntryTime: time.Now().UTC().Add(-time.Hour),
		Source:    models.SourceCopy, State: models.PositionOpen,
	})
	require.NoError(t, err)

	// первый цикл взводит зомби-таймер
	h.rec.ReconcileAll(ctx)

	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, 1, n, "first observation does not exit")

	time.Sleep(10 * time.Millisecond)

	// второй цикл видит превышение порога и выводит позицию
	h.rec.ReconcileAll(ctx)

	n, err = h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReconcile_MovingPnlIsNotZombie(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "zombie_threshold: 1ms\ngrace_period: 0s\ntake_profit_pct: 0\nstop_loss_pct: 0\n")
	ctx := context.Background()

	h.paper.SeedPosition("f1", broker.Position{Symbol: "BTC_USDT", Quantity: 0.01, EntryPrice: 50000})
	h.paper.SetPrice("BTC_USDT", 50250) // +0.5%, от нуля отличим

	_, err := h.store.CreatePosition(ctx, models.TrackedPosition{
		AccountID: "f1", Symbol: "BTC_USDT", Quantity: 0.01, EntryPrice: 50000,
		EntryTime: time.Now().UTC().Add(-time.Hour),
		Source:    models.SourceCopy, State: models.PositionOpen,
	})
	require.NoError(t, err)

	h.rec.ReconcileAll(ctx)
	time.Sleep(10 * time.Millisecond)
	h.rec.ReconcileAll(ctx)

	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "position with live P&L is not a zombie")
}

func TestReconcile_GraceProtectsAdoptedPosition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "zombie_threshold: 1ms\ngrace_period: 1h\n")
	ctx := context.Background()

	// позиция без цены входа - кандидат в зомби, но в grace периоде
	h.paper.SeedPosition("f1", broker.Position{Symbol: "BTC_USDT", Quantity: 0.01})
	h.paper.SetPrice("BTC_USDT", 50000)

	h.rec.ReconcileAll(ctx)
	time.Sleep(10 * time.Millisecond)
	h.rec.ReconcileAll(ctx)

	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "grace period blocks any exit decision")
}

func TestReconcile_StopLossExit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "grace_period: 0s\nstop_loss_pct: 0.01\n")
	ctx := context.Background()

	h.paper.SeedPosition("f1", broker.Position{Symbol: "BTC_USDT", Quantity: 0.01, EntryPrice: 50000})
	h.paper.SetPrice("BTC_USDT", 49000) // -2%

	_, err := h.store.CreatePosition(ctx, models.TrackedPosition{
		AccountID: "f1", Symbol: "BTC_USDT", Quantity: 0.01, EntryPrice: 50000,
		EntryTime: time.Now().UTC().Add(-time.Hour),
		Source:    models.SourceCopy, State: models.PositionOpen,
	})
	require.NoError(t, err)

	h.rec.ReconcileAll(ctx)

	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReconcile_OverCapDrainIsGradual(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
grace_period: 0s
new_position_age: 0s
max_open_positions: 8
max_exits_per_cycle: 3
take_profit_pct: 0
stop_loss_pct: 0
zombie_threshold: 24h
`)
	ctx := context.Background()

	entryTime := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 12; i++ {
		symbol := fmt.Sprintf("SYM%02d_USDT", i)
		qty := float64(i) // notional растет с номером символа

		h.paper.SeedPosition("f1", broker.Position{Symbol: symbol, Quantity: qty, EntryPrice: 100})
		h.paper.SetPrice(symbol, 100)

		_, err := h.store.CreatePosition(ctx, models.TrackedPosition{
			AccountID: "f1", Symbol: symbol, Quantity: qty, EntryPrice: 100,
			EntryTime: entryTime, Source: models.SourceCopy, State: models.PositionOpen,
		})
		require.NoError(t, err)
	}

	h.rec.ReconcileAll(ctx)

	open, err := h.store.OpenByAccount(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, open, 9, "12 over cap 8 drains at most 3 per cycle")

	// ушли наименьшие по notional
	remaining := make(map[string]bool)
	for _, p := range open {
		remaining[p.Symbol] = true
	}
	assert.False(t, remaining["SYM01_USDT"])
	assert.False(t, remaining["SYM02_USDT"])
	assert.False(t, remaining["SYM03_USDT"])
	assert.True(t, remaining["SYM04_USDT"])
}

// hangingPositionsPort виснет на запросе позиций до отмены контекста
type hangingPositionsPort struct {
	broker.Port
}

func (p hangingPositionsPort) Healthy() bool { return true }

func (p hangingPositionsPort) GetOpenPositions(ctx context.Context, _ string) ([]broker.Position, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReconcile_HangingBrokerDoesNotBlockSweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "dispatch_timeout: 100ms\n")
	ctx := context.Background()

	require.NoError(t, h.store.AddAccount(ctx, models.Account{
		ID: "f2", Name: "f2", BrokerKind: "stub", CopyEntries: true, CopyExits: true,
	}))
	h.ports.Register("f2", hangingPositionsPort{})

	h.paper.SeedPosition("f1", broker.Position{Symbol: "BTC_USDT", Quantity: 0.01, EntryPrice: 50000})
	h.paper.SetPrice("BTC_USDT", 50000)

	started := time.Now()
	h.rec.ReconcileAll(ctx)
	assert.Less(t, time.Since(started), 3*time.Second,
		"hanging broker is bounded by dispatch timeout")

	// здоровый аккаунт сверен несмотря на висящего соседа
	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "orphan adopted on the healthy account")
}

// recordingPort запоминает размещенные ордера, исполняя их на paper брокере
type recordingPort struct {
	*paper.Broker
	mu     sync.Mutex
	orders []broker.OrderRequest
}

func (p *recordingPort) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	p.mu.Lock()
	p.orders = append(p.orders, req)
	p.mu.Unlock()

	return p.Broker.PlaceOrder(ctx, req)
}

func TestReconcile_ShortPositionExitBuysBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "grace_period: 0s\ntake_profit_pct: 0.01\n")
	ctx := context.Background()

	rp := &recordingPort{Broker: h.paper}
	h.ports.Register("f1", rp)

	h.paper.SeedPosition("f1", broker.Position{
		Symbol: "BTC_USDT", Side: models.SideSell, Quantity: 0.01, EntryPrice: 50000,
	})
	h.paper.SetPrice("BTC_USDT", 49000) // цена -2%, для short это +2%

	_, err := h.store.CreatePosition(ctx, models.TrackedPosition{
		AccountID: "f1", Symbol: "BTC_USDT", Side: models.SideSell,
		Quantity: 0.01, EntryPrice: 50000,
		EntryTime: time.Now().UTC().Add(-time.Hour),
		Source:    models.SourceCopy, State: models.PositionOpen,
	})
	require.NoError(t, err)

	h.rec.ReconcileAll(ctx)

	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "short in profit hits take profit")

	require.Len(t, rp.orders, 1)
	assert.Equal(t, models.SideBuy, rp.orders[0].Side, "short closes with a buy, not a further sell")
	assert.True(t, rp.orders[0].ReduceOnly)
}
