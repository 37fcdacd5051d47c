package models

import "time"

// TradeAction is the direction a decision resolves to.
type TradeAction string

const (
	BuyAction  TradeAction = "BUY"
	SellAction TradeAction = "SELL"
	HoldAction TradeAction = "HOLD"
)

// Tradeable reports whether the action results in an order.
func (a TradeAction) Tradeable() bool {
	return a == BuyAction || a == SellAction
}

// AgentDecision is the append-only audit record of a single analyst or
// reviewer opinion tied to one execution.
type AgentDecision struct {
	ID          int64       `json:"id" db:"id"`
	ExecutionID string      `json:"execution_id" db:"execution_id"`
	Role        string      `json:"role" db:"agent_role"`
	Action      TradeAction `json:"action" db:"action"`
	Confidence  float64     `json:"confidence" db:"confidence"`
	Reasoning   string      `json:"reasoning" db:"reasoning"`
	Data        string      `json:"data,omitempty" db:"data"` // supporting JSON, if any
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// Opinion is one analyst's answer before aggregation.
type Opinion struct {
	Role       string      `json:"role"`
	Action     TradeAction `json:"action"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
}

// Consensus is the reduced outcome of a swarm of opinions.
type Consensus struct {
	Action     TradeAction `json:"action"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
	Agreement  int         `json:"agreement"` // percent of members voting the winning action
	Unanimous  bool        `json:"unanimous"`
	Members    []Opinion   `json:"members,omitempty"`
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
}
