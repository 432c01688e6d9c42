package broker

import (
	"context"
	"errors"
	"fmt"

	"copyd/internal/models"
)

var (
	// ErrStaleSequence - брокер отклонил переданный sequence как устаревший.
	// Восстанавливается прыжком вперед в SequenceAuthority и одним повтором.
	ErrStaleSequence = errors.New("stale sequence value")

	// ErrRejected - ордер отклонен брокером (права, минимальный размер,
	// неподдерживаемая пара). Автоматически не повторяется.
	ErrRejected = errors.New("order rejected")

	// ErrNotConnected - подключение к брокеру не установлено
	ErrNotConnected = errors.New("broker not connected")
)

// OrderStatus - статус ордера по данным брокера
type OrderStatus string

const (
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderPending         OrderStatus = "pending" // принят, но исполнение не подтверждено
	OrderRejected        OrderStatus = "rejected"
)

// OrderRequest - запрос на размещение ордера.
// Sequence обязателен: брокер прикрепляет его к запросу без изменений.
type OrderRequest struct {
	AccountID     string
	Symbol        string
	Side          models.Side
	Notional      float64 // размер в котируемой валюте
	ReduceOnly    bool    // только уменьшение позиции (выходы)
	Sequence      int64
	ClientOrderID string
}

// OrderResult - ответ брокера на размещение ордера
type OrderResult struct {
	Status         OrderStatus
	BrokerOrderID  string
	FilledQuantity float64
	FilledPrice    float64
}

// Position - открытая позиция по данным брокера
type Position struct {
	Symbol     string
	Side       models.Side // пустая строка если брокер не сообщил направление
	Quantity   float64
	EntryPrice float64 // 0 если брокер не сообщил цену входа
}

// Port - абстракция живого подключения одного аккаунта к брокеру.
// Реализуется адаптерами конкретных бирж, ядро только потребляет.
type Port interface {
	Connect(ctx context.Context) error
	Healthy() bool
	GetBalance(ctx context.Context, accountID string) (float64, error)
	GetOpenPositions(ctx context.Context, accountID string) ([]Position, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, accountID, brokerOrderID string) error

	// MinNotional возвращает минимальный торгуемый размер для символа
	MinNotional(symbol string) float64
}

// RejectionError оборачивает ErrRejected с машиночитаемой причиной
func RejectionError(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
