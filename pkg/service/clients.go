package service

import (
	"context"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
)

// Logger defines the logging interface of the orchestrator services.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// MarketDataClient provides market context for a symbol.
type MarketDataClient interface {
	GetRecentCandles(ctx context.Context, symbol, interval string, count int) ([]models.Candle, error)
	Get24hTicker(ctx context.Context, symbol string) (models.Ticker, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// SentimentClient provides an optional market-mood signal. A nil signal with
// a nil error is a valid outcome meaning no signal is available.
type SentimentClient interface {
	GetSignal(ctx context.Context, symbol string) (*models.SentimentSignal, error)
}

// AnalystAgent produces one trading opinion. Implementations must be
// stateless and safe for concurrent calls; the swarm fans out into N of them.
type AnalystAgent interface {
	Analyze(ctx context.Context, role string, mctx models.MarketContext) (models.Opinion, error)
}

// ReviewRequest is the input to the AI risk reviewer.
type ReviewRequest struct {
	Symbol      string               `json:"symbol"`
	Action      models.TradeAction   `json:"action"`
	Confidence  float64              `json:"confidence"`
	Reasoning   string               `json:"reasoning"`
	Quantity    float64              `json:"quantity"`
	NotionalUSD float64              `json:"notional_usd"`
	Market      models.MarketContext `json:"market"`
}

// Review is the AI risk reviewer's verdict.
type Review struct {
	Approved          bool    `json:"approved"`
	RiskScore         float64 `json:"risk_score"` // in [0,1]
	Confidence        float64 `json:"confidence"` // in [0,1]
	SuggestedQuantity float64 `json:"suggested_quantity,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

// RiskReviewer is the third risk-gate layer.
type RiskReviewer interface {
	Review(ctx context.Context, req ReviewRequest) (Review, error)
}

// OrderRequest describes one order submission to the wallet.
type OrderRequest struct {
	Symbol    string           `json:"symbol"`
	Side      models.OrderSide `json:"side"`
	Type      models.OrderType `json:"type"`
	Quantity  float64          `json:"quantity"`
	Price     float64          `json:"price,omitempty"`      // limit orders only
	StopPrice float64          `json:"stop_price,omitempty"` // stop orders only
}

// OrderResult is the wallet's fill report.
type OrderResult struct {
	OrderID   string  `json:"order_id"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
}

// Wallet is the pluggable exchange interface orders go through.
type Wallet interface {
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// ProgressNotifier receives fire-and-forget pipeline progress events.
// Implementations must never block for long; failures are swallowed.
type ProgressNotifier interface {
	Emit(executionID string, stage models.StageName, percent int, message string)
}

// NopNotifier discards progress events.
type NopNotifier struct{}

func (NopNotifier) Emit(string, models.StageName, int, string) {}
