package signalbus

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"copyd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_ReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var mu sync.Mutex
	received := make(map[int]models.TradeSignal)
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		b.Subscribe(func(sig models.TradeSignal) {
			defer wg.Done()
			mu.Lock()
			received[i] = sig
			mu.Unlock()
		})
	}

	sig := models.NewTradeSignal("BTC_USDT", models.SideBuy, 500, 10000, false)
	b.Publish(sig)

	wg.Wait()

	require.Len(t, received, 3)
	for _, got := range received {
		assert.Equal(t, sig.ID, got.ID)
		assert.Equal(t, 500.0, got.MasterNotional)
	}
}

func TestPublish_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	slowRelease := make(chan struct{})
	fastDone := make(chan struct{})

	b.Subscribe(func(models.TradeSignal) { <-slowRelease })
	b.Subscribe(func(models.TradeSignal) { close(fastDone) })

	b.Publish(models.NewTradeSignal("ETH_USDT", models.SideSell, 100, 1000, true))

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber blocked by slow one")
	}

	close(slowRelease)
}

func TestNewTradeSignal_UniqueIDs(t *testing.T) {
	t.Parallel()

	a := models.NewTradeSignal("BTC_USDT", models.SideBuy, 1, 1, false)
	b := models.NewTradeSignal("BTC_USDT", models.SideBuy, 1, 1, false)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEmpty(t, a.ID)
}
