// Package feed слушает websocket ленту исполнений мастер аккаунта и
// публикует сигнал на каждое подтвержденное исполнение. Неподтвержденные
// и нулевые исполнения в шину не попадают.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copyd/internal/metrics"
	"copyd/internal/models"
	"copyd/internal/signalbus"

	"github.com/gorilla/websocket"
)

const reconnectDelay = 5 * time.Second

// Message - конверт протокола ленты
type Message struct {
	Method  string          `json:"method,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Param   json.RawMessage `json:"param,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// LoginParam - параметры аутентификации
type LoginParam struct {
	Token string `json:"token"`
}

// FillEvent - исполнение сделки мастера.
// Side: 1 открытие long, 2 закрытие short, 3 открытие short, 4 закрытие long.
type FillEvent struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Side      int     `json:"side"`
	Vol       float64 `json:"vol"`
	Price     float64 `json:"price"`
	Profit    float64 `json:"profit"`
	Timestamp int64   `json:"timestamp"`
	OrderID   string  `json:"orderId"`
}

// MasterBalanceFunc возвращает актуальный баланс мастера для сигнала
type MasterBalanceFunc func() float64

// Listener держит подключение к ленте мастера и переподключается при обрывах
type Listener struct {
	url           string
	token         string
	bus           *signalbus.Bus
	masterBalance MasterBalanceFunc
	logger        *slog.Logger

	conn   *websocket.Conn
	done   chan struct{}
	mu     sync.Mutex
	active bool
}

func New(url, token string, bus *signalbus.Bus, masterBalance MasterBalanceFunc, logger *slog.Logger) *Listener {
	return &Listener{
		url:           url,
		token:         token,
		bus:           bus,
		masterBalance: masterBalance,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// Run держит подключение живым до отмены контекста
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.Connect(); err != nil {
			l.logger.Error("Feed connection failed", slog.Any("error", err))
		} else {
			// ждем обрыва соединения
			l.mu.Lock()
			done := l.done
			l.mu.Unlock()

			select {
			case <-ctx.Done():
				l.Disconnect()
				return
			case <-done:
			}
		}

		select {
		case <-ctx.Done():
			l.Disconnect()
			return
		case <-time.After(reconnectDelay):
			l.logger.Info("Reconnecting to master feed")
		}
	}
}

func (l *Listener) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return fmt.Errorf("already connected")
	}

	l.logger.Info("Connecting to master feed", slog.String("url", l.url))

	conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	l.conn = conn
	l.active = true
	l.done = make(chan struct{})

	go l.readMessages(conn)
	go l.sendPings(conn)

	if err := l.login(conn); err != nil {
		return errors.Join(fmt.Errorf("login error: %w", err), l.disconnectLocked())
	}

	return nil
}

func (l *Listener) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.disconnectLocked()
}

func (l *Listener) disconnectLocked() error {
	if !l.active {
		return nil
	}

	l.active = false
	close(l.done)

	if l.conn != nil {
		l.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		l.conn.Close()
		l.conn = nil
	}

	l.logger.Info("Master feed disconnected")

	return nil
}

// IsActive возвращает true если подключение живо
func (l *Listener) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.active
}

func (l *Listener) login(conn *websocket.Conn) error {
	paramJSON, _ := json.Marshal(LoginParam{Token: l.token})

	return conn.WriteJSON(Message{Method: "login", Param: paramJSON})
}

func (l *Listener) readMessages(conn *websocket.Conn) {
	defer func() {
		if err := l.Disconnect(); err != nil {
			l.logger.Error("Feed disconnect error", slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-l.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			l.logger.Error("Feed read error", slog.Any("error", err))
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			l.logger.Error("Failed to unmarshal feed message",
				slog.Any("error", err),
				slog.String("raw", string(message)))

			continue
		}

		l.handleMessage(msg)
	}
}

func (l *Listener) handleMessage(msg Message) {
	switch msg.Channel {
	case "rs.login":
		l.logger.Info("✅ Master feed authenticated")

	case "push.personal.order.deal":
		var fill FillEvent
		if err := json.Unmarshal(msg.Data, &fill); err != nil {
			l.logger.Error("Failed to unmarshal fill event",
				slog.Any("error", err),
				slog.String("data", string(msg.Data)))

			return
		}

		l.handleFill(fill)

	case "pong", "push.personal.asset", "rs.sub.order":
		return

	default:
		return
	}
}

// handleFill публикует сигнал на подтвержденное исполнение.
// Сигнал создается ровно один раз и только после фактического fill'а.
func (l *Listener) handleFill(fill FillEvent) {
	if fill.Vol <= 0 || fill.Price <= 0 {
		l.logger.Debug("Ignoring unconfirmed fill event",
			slog.String("order_id", fill.OrderID),
			slog.String("symbol", fill.Symbol))

		return
	}

	side, isExit, ok := mapSide(fill.Side)
	if !ok {
		l.logger.Warn("Fill event with unknown side ignored",
			slog.String("order_id", fill.OrderID),
			slog.Int("side", fill.Side))

		return
	}

	sig := models.NewTradeSignal(fill.Symbol, side, fill.Vol*fill.Price, l.masterBalance(), isExit)

	metrics.SignalsPublished.Inc()
	l.bus.Publish(sig)
}

// mapSide переводит код направления ленты в сторону ордера и признак выхода
func mapSide(code int) (side models.Side, isExit, ok bool) {
	switch code {
	case 1: // открытие long
		return models.SideBuy, false, true
	case 2: // закрытие short
		return models.SideBuy, true, true
	case 3: // открытие short
		return models.SideSell, false, true
	case 4: // закрытие long
		return models.SideSell, true, true
	default:
		return "", false, false
	}
}

func (l *Listener) sendPings(conn *websocket.Conn) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(Message{Method: "ping"}); err != nil {
				l.logger.Error("Feed ping error", slog.Any("error", err))
				return
			}
		}
	}
}
