package models

import (
	"time"

	"github.com/google/uuid"
)

// Side - направление сделки
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Account представляет один брокерский аккаунт
type Account struct {
	ID          string // стабильный идентификатор, не меняется между рестартами
	Name        string
	BrokerKind  string // тип брокера (paper, mexc, ...)
	IsMaster    bool   // главный аккаунт, с которого копируются сделки
	Disabled    bool   // отключен circuit breaker'ом или вручную
	CopyEntries bool   // follower копирует входы
	CopyExits   bool   // follower копирует выходы
	Balance     float64
	BalanceAt   time.Time // время последнего снимка баланса
	CreatedAt   time.Time
}

// TradeSignal - неизменяемый сигнал одной подтвержденной сделки мастера.
// Создается ровно один раз после подтверждения исполнения и после создания
// не мутируется.
type TradeSignal struct {
	ID             string
	Symbol         string
	Side           Side
	MasterNotional float64
	MasterBalance  float64 // баланс мастера на момент сигнала
	IsExit         bool    // фиксация прибыли/убытка, а не новый вход
	CreatedAt      time.Time
}

// NewTradeSignal создает сигнал с уникальным ID
func NewTradeSignal(symbol string, side Side, notional, masterBalance float64, isExit bool) TradeSignal {
	return TradeSignal{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		MasterNotional: notional,
		MasterBalance:  masterBalance,
		IsExit:         isExit,
		CreatedAt:      time.Now().UTC(),
	}
}

// CopyStatus - статус исполнения копии на одном follower аккаунте
type CopyStatus string

const (
	CopyFilled          CopyStatus = "filled"
	CopyPartiallyFilled CopyStatus = "partially_filled"
	CopyRejected        CopyStatus = "rejected"
	CopySkipped         CopyStatus = "skipped"
)

// CopyExecutionResult - результат исполнения одного сигнала на одном follower.
// Пара (SignalID, AccountID) уникальна, запись неизменяема после сохранения.
type CopyExecutionResult struct {
	SignalID      string
	AccountID     string
	Status        CopyStatus
	Notional      float64
	BrokerOrderID string // присутствует только для filled/partially_filled
	Reason        string // причина для rejected/skipped
	LatencyMs     int64
	CreatedAt     time.Time
}

// Executed возвращает true если ордер был исполнен хотя бы частично
func (r CopyExecutionResult) Executed() bool {
	return r.Status == CopyFilled || r.Status == CopyPartiallyFilled
}

// PositionSource - происхождение отслеживаемой позиции
type PositionSource string

const (
	SourceStrategy PositionSource = "strategy"
	SourceCopy     PositionSource = "copy"
	SourceAdopted  PositionSource = "adopted" // найдена у брокера без локальной записи
)

// PositionState - состояние позиции. Переходы только вперед:
// open -> exit_scheduled -> closed. Из closed позиция не возвращается,
// новый вход создает новую запись.
type PositionState string

const (
	PositionOpen          PositionState = "open"
	PositionExitScheduled PositionState = "exit_scheduled"
	PositionClosed        PositionState = "closed"
)

// TrackedPosition - локально отслеживаемая позиция по аккаунту и символу
type TrackedPosition struct {
	ID         int64
	AccountID  string
	Symbol     string
	Side       Side // направление входа: buy - long, sell - short
	Quantity   float64
	EntryPrice float64 // 0 означает "цена входа неизвестна" - кандидат на дрифт
	EntryTime  time.Time
	Source     PositionSource
	State      PositionState

	// GraceUntil - до этого момента adopted позиция не проверяется
	// на выход (защита от решения по одному шумному чтению)
	GraceUntil time.Time

	// ZeroPnlSince - с какого момента P&L держится около нуля,
	// нулевое время если P&L отличим от нуля
	ZeroPnlSince time.Time

	ExitReason string
	UpdatedAt  time.Time
}

// HasEntryPrice возвращает true если цена входа известна
func (p TrackedPosition) HasEntryPrice() bool {
	return p.EntryPrice > 0
}

// Pnl возвращает относительный P&L позиции по текущей цене
// с учетом направления входа
func (p TrackedPosition) Pnl(price float64) float64 {
	pnl := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == SideSell {
		return -pnl
	}

	return pnl
}

// InGrace возвращает true если позиция еще в grace периоде
func (p TrackedPosition) InGrace(now time.Time) bool {
	return now.Before(p.GraceUntil)
}

// ActivityLog - строка журнала активности
type ActivityLog struct {
	ID        int64
	AccountID string // пустой для общесистемных записей
	Level     string
	Action    string
	Message   string
	CreatedAt time.Time
}
