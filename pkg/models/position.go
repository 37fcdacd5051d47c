package models

import "time"

type PositionSide string

const (
	LongPosition  PositionSide = "LONG"
	ShortPosition PositionSide = "SHORT"
)

// SideFor maps a tradeable action to the position side it opens.
func SideFor(action TradeAction) PositionSide {
	if action == SellAction {
		return ShortPosition
	}
	return LongPosition
}

type PositionStatus string

const (
	OpeningPositionStatus PositionStatus = "OPENING"
	OpenPositionStatus    PositionStatus = "OPEN"
	ClosedPositionStatus  PositionStatus = "CLOSED"
)

// Position is an open or closed holding created by the order executor. The
// executor maintains at most one open position per task.
type Position struct {
	ID          string         `json:"id" db:"id"`
	TaskID      string         `json:"task_id" db:"task_id"`
	ExecutionID string         `json:"execution_id" db:"execution_id"`
	Symbol      string         `json:"symbol" db:"symbol"`
	Side        PositionSide   `json:"side" db:"side"`
	Quantity    float64        `json:"quantity" db:"quantity"`
	EntryPrice  float64        `json:"entry_price" db:"entry_price"`
	ExitPrice   float64        `json:"exit_price" db:"exit_price"`
	StopLoss    float64        `json:"stop_loss" db:"stop_loss"`
	TakeProfit  float64        `json:"take_profit" db:"take_profit"`
	Status      PositionStatus `json:"status" db:"status"`
	RealizedPnL float64        `json:"realized_pnl" db:"realized_pnl"`
	OpenedAt    time.Time      `json:"opened_at" db:"opened_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty" db:"closed_at"`
}

// RealizedPnLAt computes the profit of closing the full position at price.
func (p Position) RealizedPnLAt(price float64) float64 {
	if p.Side == ShortPosition {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

type OrderSide string

const (
	BuyOrderSide  OrderSide = "BUY"
	SellOrderSide OrderSide = "SELL"
)

type OrderType string

const (
	MarketOrderType OrderType = "MARKET"
	LimitOrderType  OrderType = "LIMIT"
)

// Order is the persisted record of a submitted exchange order.
type Order struct {
	ID          string    `json:"id" db:"id"`
	TaskID      string    `json:"task_id" db:"task_id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Side        OrderSide `json:"side" db:"side"`
	Type        OrderType `json:"type" db:"order_type"`
	Quantity    float64   `json:"quantity" db:"quantity"`
	Price       float64   `json:"price" db:"price"`
	ExchangeID  string    `json:"exchange_id" db:"exchange_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
