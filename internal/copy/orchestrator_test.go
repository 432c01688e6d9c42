package copy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"copyd/internal/broker"
	"copyd/internal/broker/paper"
	"copyd/internal/config"
	"copyd/internal/models"
	"copyd/internal/poslock"
	"copyd/internal/ratelimit"
	"copyd/internal/risk"
	"copyd/internal/sequence"
	"copyd/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openProfile(string) ratelimit.Profile {
	return ratelimit.Profile{
		WindowBudget: 10000,
		MonitorShare: 0.5,
		Intervals:    map[ratelimit.Category]time.Duration{},
	}
}

type harness struct {
	orch    *Orchestrator
	store   *storage.Storage
	ports   *broker.Registry
	paper   *paper.Broker
	breaker *risk.Breaker
}

// newHarness собирает оркестратор на реальном sqlite и paper брокере.
// limitsYAML пустой - работаем на дефолтных лимитах.
func newHarness(t *testing.T, limitsYAML string) *harness {
	t.Helper()

	logger := discardLogger()
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
	breaker := risk.NewBreaker(3, logger, nil)

	orch := New(st, ports, sequence.New(st, logger),
		ratelimit.New(openProfile, logger), breaker, watcher,
		poslock.New(), nil, logger)

	return &harness{orch: orch, store: st, ports: ports, paper: pb, breaker: breaker}
}

func (h *harness) addMaster(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.AddAccount(context.Background(), models.Account{
		ID: "master", Name: "Master", BrokerKind: "paper", IsMaster: true,
	}))
	h.ports.Register("master", h.paper)
}

func (h *harness) addFollower(t *testing.T, id string, balance float64) {
	t.Helper()
	require.NoError(t, h.store.AddAccount(context.Background(), models.Account{
		ID: id, Name: id, BrokerKind: "paper", CopyEntries: true, CopyExits: true,
	}))
	h.paper.SetBalance(id, balance)
	h.ports.Register(id, h.paper)
}

func TestHandleSignal_ProportionalFill(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	h.addFollower(t, "f1", 1000)
	h.paper.SetPrice("BTC_USDT", 50000)

	sig := models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false)
	summary, err := h.orch.HandleSignal(context.Background(), sig)
	require.NoError(t, err)

	require.Equal(t, 1, summary.Filled)
	require.Len(t, summary.Results, 1)
	r := summary.Results[0]
	assert.Equal(t, models.CopyFilled, r.Status)
	assert.InDelta(t, 50.0, r.Notional, 1e-9, "500 * 1000/10000")
	assert.NotEmpty(t, r.BrokerOrderID)

	// позиция попала в трекер
	n, err := h.store.CountOpen(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleSignal_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	h.addFollower(t, "f1", 1000)
	h.paper.SetPrice("BTC_USDT", 50000)

	sig := models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false)

	first, err := h.orch.HandleSignal(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, 1, first.Filled)

	// повторная доставка того же сигнала игнорируется
	second, err := h.orch.HandleSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.Empty(t, second.Results)

	results, err := h.store.ResultsBySignal(context.Background(), sig.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	n, err := h.store.CountOpen(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "no duplicate position")
}

// hangingPort виснет на размещении ордера до отмены контекста
type hangingPort struct {
	broker.Port
	balance float64
}

func (p hangingPort) Healthy() bool { return true }

func (p hangingPort) GetBalance(context.Context, string) (float64, error) {
	return p.balance, nil
}

func (p hangingPort) MinNotional(string) float64 { return 10 }

func (p hangingPort) PlaceOrder(ctx context.Context, _ broker.OrderRequest) (broker.OrderResult, error) {
	<-ctx.Done()
	return broker.OrderResult{}, ctx.Err()
}

func TestHandleSignal_SlowFollowerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "dispatch_timeout: 100ms\n")
	h.addMaster(t)
	h.addFollower(t, "f1", 1000)
	require.NoError(t, h.store.AddAccount(context.Background(), models.Account{
		ID: "f2", Name: "f2", BrokerKind: "paper", CopyEntries: true, CopyExits: true,
	}))
	h.ports.Register("f2", hangingPort{balance: 1000})
	h.paper.SetPrice("BTC_USDT", 50000)

	started := time.Now()
	summary, err := h.orch.HandleSignal(context.Background(),
		models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Filled)
	assert.Equal(t, 1, summary.Rejected)
	assert.Less(t, time.Since(started), 5*time.Second,
		"hanging follower is bounded by dispatch timeout")
}

// hangingBalancePort виснет на запросе баланса до отмены контекста
type hangingBalancePort struct {
	broker.Port
}

func (p hangingBalancePort) Healthy() bool { return true }

func (p hangingBalancePort) GetBalance(ctx context.Context, _ string) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (p hangingBalancePort) MinNotional(string) float64 { return 10 }

func TestHandleSignal_HangingBalanceQueryDoesNotBlockSummary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "dispatch_timeout: 100ms\n")
	h.addMaster(t)
	h.addFollower(t, "f1", 1000)
	require.NoError(t, h.store.AddAccount(context.Background(), models.Account{
		ID: "f2", Name: "f2", BrokerKind: "stub", CopyEntries: true, CopyExits: true,
	}))
	h.ports.Register("f2", hangingBalancePort{})
	h.paper.SetPrice("BTC_USDT", 50000)

	started := time.Now()
	summary, err := h.orch.HandleSignal(context.Background(),
		models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Filled)
	assert.Equal(t, 1, summary.Rejected)
	assert.Less(t, time.Since(started), 3*time.Second,
		"hanging balance query is bounded by dispatch timeout")
}

func TestHandleSignal_ExitClosesPosition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	h.addFollower(t, "f1", 1000)
	h.paper.SetPrice("BTC_USDT", 50000)

	ctx := context.Background()
	_, err := h.store.CreatePosition(ctx, models.TrackedPosition{
		AccountID: "f1", Symbol: "BTC_USDT", Quantity: 0.001, EntryPrice: 48000,
		EntryTime: time.Now().UTC(), Source: models.SourceCopy, State: models.PositionOpen,
	})
	require.NoError(t, err)

	sig := models.NewTradeSignal("BTC_USDT", models.SideSell, 500, 10000, true)
	summary, err := h.orch.HandleSignal(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Filled)

	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHandleSignal_ExitWithoutPositionSkips(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	h.addFollower(t, "f1", 1000)

	summary, err := h.orch.HandleSignal(context.Background(),
		models.NewTradeSignal("ETH_USDT", models.SideSell, 500, 10000, true))
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, models.CopySkipped, summary.Results[0].Status)
	assert.Equal(t, "no open position for symbol", summary.Results[0].Reason)
}

func TestHandleSignal_Gates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	ctx := context.Background()

	require.NoError(t, h.store.AddAccount(ctx, models.Account{
		ID: "disabled", Name: "disabled", BrokerKind: "paper",
		CopyEntries: true, Disabled: true,
	}))
	require.NoError(t, h.store.AddAccount(ctx, models.Account{
		ID: "no-entries", Name: "no-entries", BrokerKind: "paper",
	}))
	h.ports.Register("no-entries", h.paper)
	h.addFollower(t, "poor", 5) // ниже participation floor (25)
	h.paper.SetPrice("BTC_USDT", 50000)

	summary, err := h.orch.HandleSignal(ctx,
		models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, 0, summary.Filled)

	reasons := make(map[string]string)
	for _, r := range summary.Results {
		reasons[r.AccountID] = r.Reason
	}
	assert.Equal(t, "account disabled", reasons["disabled"])
	assert.Equal(t, "entry copying disabled", reasons["no-entries"])
	assert.Contains(t, reasons["poor"], "below participation floor")
}

func TestHandleSignal_MasterDisabledDropsSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	require.NoError(t, h.store.AddAccount(context.Background(), models.Account{
		ID: "master", Name: "Master", BrokerKind: "paper", IsMaster: true, Disabled: true,
	}))
	h.addFollower(t, "f1", 1000)

	summary, err := h.orch.HandleSignal(context.Background(),
		models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false))
	require.NoError(t, err)
	assert.Empty(t, summary.Results)
}

// staleOncePort отклоняет первый ордер как stale sequence
type staleOncePort struct {
	broker.Port
	balance   float64
	attempts  int
	sequences []int64
}

func (p *staleOncePort) Healthy() bool { return true }

func (p *staleOncePort) GetBalance(context.Context, string) (float64, error) {
	return p.balance, nil
}

func (p *staleOncePort) MinNotional(string) float64 { return 10 }

func (p *staleOncePort) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	p.attempts++
	p.sequences = append(p.sequences, req.Sequence)

	if p.attempts == 1 {
		return broker.OrderResult{}, broker.ErrStaleSequence
	}

	return broker.OrderResult{
		Status:         broker.OrderFilled,
		BrokerOrderID:  "order-1",
		FilledQuantity: 0.001,
		FilledPrice:    50000,
	}, nil
}

func TestHandleSignal_StaleSequenceRecovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	ctx := context.Background()

	port := &staleOncePort{balance: 1000}
	require.NoError(t, h.store.AddAccount(ctx, models.Account{
		ID: "f1", Name: "f1", BrokerKind: "stub", CopyEntries: true,
	}))
	h.ports.Register("f1", port)

	summary, err := h.orch.HandleSignal(ctx,
		models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false))
	require.NoError(t, err)

	require.Equal(t, 1, summary.Filled)
	require.Len(t, port.sequences, 2)
	assert.Greater(t, port.sequences[1], port.sequences[0],
		"retry carries a jumped-forward sequence")
	assert.GreaterOrEqual(t, port.sequences[1]-port.sequences[0],
		staleJumpStep.Milliseconds())
}

// pendingPort принимает ордер, но не подтверждает исполнение
type pendingPort struct {
	broker.Port
	balance float64
}

func (p pendingPort) Healthy() bool { return true }

func (p pendingPort) GetBalance(context.Context, string) (float64, error) {
	return p.balance, nil
}

func (p pendingPort) MinNotional(string) float64 { return 10 }

func (p pendingPort) PlaceOrder(context.Context, broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{Status: broker.OrderPending, BrokerOrderID: "order-2"}, nil
}

func TestHandleSignal_UnconfirmedOrderIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	ctx := context.Background()

	require.NoError(t, h.store.AddAccount(ctx, models.Account{
		ID: "f1", Name: "f1", BrokerKind: "stub", CopyEntries: true,
	}))
	h.ports.Register("f1", pendingPort{balance: 1000})

	summary, err := h.orch.HandleSignal(ctx,
		models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false))
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, models.CopyRejected, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Reason, "not confirmed")

	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unconfirmed order never becomes a tracked position")
}

// zeroFillPort заявляет исполнение без исполненного объема
type zeroFillPort struct {
	broker.Port
	balance float64
}

func (p zeroFillPort) Healthy() bool { return true }

func (p zeroFillPort) GetBalance(context.Context, string) (float64, error) {
	return p.balance, nil
}

func (p zeroFillPort) MinNotional(string) float64 { return 10 }

func (p zeroFillPort) PlaceOrder(context.Context, broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{Status: broker.OrderFilled, BrokerOrderID: "order-3"}, nil
}

func TestHandleSignal_ZeroQuantityFillIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	ctx := context.Background()

	require.NoError(t, h.store.AddAccount(ctx, models.Account{
		ID: "f1", Name: "f1", BrokerKind: "stub", CopyEntries: true,
	}))
	h.ports.Register("f1", zeroFillPort{balance: 1000})

	summary, err := h.orch.HandleSignal(ctx,
		models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false))
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, models.CopyRejected, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Reason, "not confirmed")

	n, err := h.store.CountOpen(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fill without executed quantity never becomes a tracked position")
}

func TestHandleSignal_ShortEntryTracksDirection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	h.addFollower(t, "f1", 1000)
	h.paper.SetPrice("BTC_USDT", 50000)

	summary, err := h.orch.HandleSignal(context.Background(),
		models.NewTradeSignal("BTC_USDT", models.SideSell, 500, 10000, false))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Filled)

	p, err := h.store.OpenBySymbol(context.Background(), "f1", "BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, models.SideSell, p.Side)
}

// failingPort возвращает ошибку на любой ордер
type failingPort struct {
	broker.Port
	balance float64
}

func (p failingPort) Healthy() bool { return true }

func (p failingPort) GetBalance(context.Context, string) (float64, error) {
	return p.balance, nil
}

func (p failingPort) MinNotional(string) float64 { return 10 }

func (p failingPort) PlaceOrder(context.Context, broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{}, errors.New("exchange 5xx")
}

func TestHandleSignal_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.addMaster(t)
	ctx := context.Background()

	require.NoError(t, h.store.AddAccount(ctx, models.Account{
		ID: "f1", Name: "f1", BrokerKind: "stub", CopyEntries: true,
	}))
	h.ports.Register("f1", failingPort{balance: 1000})

	for i := 0; i < 3; i++ {
		summary, err := h.orch.HandleSignal(ctx,
			models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false))
		require.NoError(t, err)
		require.Equal(t, 1, summary.Rejected)
	}

	require.True(t, h.breaker.Tripped("f1"))

	summary, err := h.orch.HandleSignal(ctx,
		models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false))
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, models.CopySkipped, summary.Results[0].Status)
	assert.Equal(t, "circuit breaker open", summary.Results[0].Reason)
}
