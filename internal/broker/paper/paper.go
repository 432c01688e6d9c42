// Package paper - in-memory брокер для dry-run режима и тестов.
// Исполняет ордера мгновенно по текущей mark цене, никогда не
// обращается к реальной бирже.
package paper

import (
	"context"
	"fmt"
	"sync"

	"copyd/internal/broker"

	"github.com/google/uuid"
)

// Broker симулирует исполнение: балансы и позиции в памяти,
// заполнение по последней известной цене символа.
type Broker struct {
	mu          sync.Mutex
	connected   bool
	prices      map[string]float64
	balances    map[string]float64
	positions   map[string][]broker.Position // ключ - accountID
	minNotional float64
	lastSeq     map[string]int64 // последний принятый sequence на аккаунт
}

func New() *Broker {
	return &Broker{
		prices:      make(map[string]float64),
		balances:    make(map[string]float64),
		positions:   make(map[string][]broker.Position),
		lastSeq:     make(map[string]int64),
		minNotional: 10,
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connected = true

	return nil
}

func (b *Broker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connected
}

// SetPrice задает mark цену символа
func (b *Broker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prices[symbol] = price
}

// SetBalance задает баланс аккаунта
func (b *Broker) SetBalance(accountID string, balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.balances[accountID] = balance
}

// SetMinNotional задает минимальный торгуемый размер
func (b *Broker) SetMinNotional(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.minNotional = v
}

// SeedPosition добавляет позицию напрямую, минуя исполнение
// (для тестов reconciler'а: "брокер знает, трекер - нет")
func (b *Broker) SeedPosition(accountID string, pos broker.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions[accountID] = append(b.positions[accountID], pos)
}

func (b *Broker) GetBalance(ctx context.Context, accountID string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return 0, broker.ErrNotConnected
	}

	return b.balances[accountID], nil
}

func (b *Broker) GetOpenPositions(ctx context.Context, accountID string) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, broker.ErrNotConnected
	}

	out := make([]broker.Position, len(b.positions[accountID]))
	copy(out, b.positions[accountID])

	return out, nil
}

func (b *Broker) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for symbol %s", symbol)
	}

	return price, nil
}

// PlaceOrder симулирует market ордер: мгновенное заполнение по mark цене.
// Sequence проверяется на монотонность как на реальной бирже.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return broker.OrderResult{}, broker.ErrNotConnected
	}

	if req.Sequence <= b.lastSeq[req.AccountID] {
		return broker.OrderResult{}, broker.ErrStaleSequence
	}
	b.lastSeq[req.AccountID] = req.Sequence

	if req.Notional < b.minNotional && !req.ReduceOnly {
		return broker.OrderResult{}, broker.RejectionError("below minimum notional")
	}

	price, ok := b.prices[req.Symbol]
	if !ok || price <= 0 {
		return broker.OrderResult{}, broker.RejectionError("unknown symbol")
	}

	qty := req.Notional / price
	b.applyFill(req, qty, price)

	return broker.OrderResult{
		Status:         broker.OrderFilled,
		BrokerOrderID:  uuid.NewString(),
		FilledQuantity: qty,
		FilledPrice:    price,
	}, nil
}

// applyFill обновляет симулируемые позиции аккаунта.
// Не reduce-only sell открывает short, закрытие - только через reduce-only.
func (b *Broker) applyFill(req broker.OrderRequest, qty, price float64) {
	positions := b.positions[req.AccountID]

	if req.ReduceOnly {
		kept := positions[:0]
		for _, p := range positions {
			if p.Symbol != req.Symbol {
				kept = append(kept, p)
				continue
			}

			if p.Quantity > qty*1.001 { // частичное закрытие
				p.Quantity -= qty
				kept = append(kept, p)
			}
		}
		b.positions[req.AccountID] = kept

		return
	}

	b.positions[req.AccountID] = append(positions, broker.Position{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   qty,
		EntryPrice: price,
	})
}

func (b *Broker) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	// market ордера заполняются мгновенно, отменять нечего
	return nil
}

func (b *Broker) MinNotional(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.minNotional
}
