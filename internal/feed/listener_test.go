package feed

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"copyd/internal/models"
	"copyd/internal/signalbus"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedServer отдает заготовленные сообщения после login
func feedServer(t *testing.T, payloads []string) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// ждем login
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil || msg.Method != "login" {
			return
		}

		require.NoError(t, conn.WriteJSON(Message{Channel: "rs.login"}))

		for _, p := range payloads {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(p)))
		}

		// держим соединение, пока клиент не отключится
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestListener_PublishesConfirmedFills(t *testing.T) {
	t.Parallel()

	srv := feedServer(t, []string{
		// нулевой объем - не подтверждено, не публикуется
		`{"channel":"push.personal.order.deal","data":{"id":"d0","symbol":"BTC_USDT","side":1,"vol":0,"price":50000}}`,
		// подтвержденное открытие long
		`{"channel":"push.personal.order.deal","data":{"id":"d1","symbol":"BTC_USDT","side":1,"vol":0.01,"price":50000}}`,
		// подтвержденное закрытие long
		`{"channel":"push.personal.order.deal","data":{"id":"d2","symbol":"BTC_USDT","side":4,"vol":0.01,"price":51000}}`,
	})
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := signalbus.New(logger)

	signals := make(chan models.TradeSignal, 8)
	bus.Subscribe(func(sig models.TradeSignal) { signals <- sig })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	l := New(url, "token", bus, func() float64 { return 10000 }, logger)
	require.NoError(t, l.Connect())
	defer l.Disconnect()

	var got []models.TradeSignal
	for len(got) < 2 {
		select {
		case sig := <-signals:
			got = append(got, sig)
		case <-time.After(3 * time.Second):
			t.Fatalf("expected 2 signals, got %d", len(got))
		}
	}

	// подписчики вызываются в горутинах, порядок доставки не гарантирован
	entry, exit := got[0], got[1]
	if entry.IsExit {
		entry, exit = exit, entry
	}

	assert.Equal(t, models.SideBuy, entry.Side)
	assert.False(t, entry.IsExit)
	assert.InDelta(t, 500.0, entry.MasterNotional, 1e-9)
	assert.Equal(t, 10000.0, entry.MasterBalance)

	assert.Equal(t, models.SideSell, exit.Side)
	assert.True(t, exit.IsExit)

	select {
	case sig := <-signals:
		t.Fatalf("unexpected extra signal %s", sig.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMapSide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code   int
		side   models.Side
		isExit bool
		ok     bool
	}{
		{1, models.SideBuy, false, true},
		{2, models.SideBuy, true, true},
		{3, models.SideSell, false, true},
		{4, models.SideSell, true, true},
		{0, "", false, false},
		{9, "", false, false},
	}

	for _, tt := range tests {
		side, isExit, ok := mapSide(tt.code)
		assert.Equal(t, tt.side, side, "code %d", tt.code)
		assert.Equal(t, tt.isExit, isExit, "code %d", tt.code)
		assert.Equal(t, tt.ok, ok, "code %d", tt.code)
	}
}
