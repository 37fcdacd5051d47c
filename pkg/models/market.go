package models

import (
	"strings"
	"time"
)

var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC", "ETH"}

// QuoteAsset extracts the quote currency of a symbol like BTCUSDT. Unknown
// quotes default to USDT.
func QuoteAsset(symbol string) string {
	for _, quote := range quoteAssets {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return quote
		}
	}
	return "USDT"
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Ticker is a 24h rolling window statistic for a symbol.
type Ticker struct {
	Symbol         string  `json:"symbol"`
	LastPrice      float64 `json:"last_price"`
	PriceChangePct float64 `json:"price_change_pct"`
	HighPrice      float64 `json:"high_price"`
	LowPrice       float64 `json:"low_price"`
	Volume         float64 `json:"volume"`
}

type SentimentClass string

const (
	BullishSentiment SentimentClass = "BULLISH"
	BearishSentiment SentimentClass = "BEARISH"
	NeutralSentiment SentimentClass = "NEUTRAL"
)

// Aligned reports whether the sentiment classification points in the same
// direction as the proposed action.
func (c SentimentClass) Aligned(action TradeAction) bool {
	switch c {
	case BullishSentiment:
		return action == BuyAction
	case BearishSentiment:
		return action == SellAction
	case NeutralSentiment:
		return action == HoldAction
	}
	return false
}

// SentimentSignal is an optional external market-mood input.
type SentimentSignal struct {
	Score          float64        `json:"score"`
	Classification SentimentClass `json:"classification"`
	Confidence     float64        `json:"confidence"`
}

// MarketContext is the composed output of the data-fetch stage, handed to the
// analysts and to the risk gate.
type MarketContext struct {
	Symbol         string           `json:"symbol"`
	Price          float64          `json:"price"`
	Candles        []Candle         `json:"candles,omitempty"`
	Ticker         Ticker           `json:"ticker"`
	SMA            float64          `json:"sma"`
	Sentiment      *SentimentSignal `json:"sentiment,omitempty"`
	CollectedAt    time.Time        `json:"collected_at"`
	QuoteBalance   float64          `json:"quote_balance"`
	PortfolioValue float64          `json:"portfolio_value"`
}
