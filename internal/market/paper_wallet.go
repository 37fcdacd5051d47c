package market

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/service"
)

// PaperWallet simulates an exchange account. Orders fill instantly at the
// live market price; balances are tracked in memory.
type PaperWallet struct {
	market service.MarketDataClient

	mu       sync.Mutex
	balances map[string]float64
}

func NewPaperWallet(market service.MarketDataClient, initial map[string]float64) *PaperWallet {
	balances := make(map[string]float64, len(initial))
	for asset, amount := range initial {
		balances[strings.ToUpper(asset)] = amount
	}
	return &PaperWallet{market: market, balances: balances}
}

func (w *PaperWallet) GetBalance(_ context.Context, asset string) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[strings.ToUpper(asset)], nil
}

func (w *PaperWallet) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	return w.market.GetCurrentPrice(ctx, symbol)
}

// PlaceOrder fills the full quantity at the current market price and moves
// the quote balance accordingly. Base asset tracking is intentionally coarse;
// positions are the source of truth for holdings.
func (w *PaperWallet) PlaceOrder(ctx context.Context, req service.OrderRequest) (service.OrderResult, error) {
	if req.Quantity <= 0 {
		return service.OrderResult{}, errors.Errorf("invalid order quantity %f", req.Quantity)
	}

	price := req.Price
	if price == 0 {
		p, err := w.market.GetCurrentPrice(ctx, req.Symbol)
		if err != nil {
			return service.OrderResult{}, errors.Wrap(err, "paper fill price")
		}
		price = p
	}

	quote := models.QuoteAsset(req.Symbol)
	notional := req.Quantity * price

	w.mu.Lock()
	defer w.mu.Unlock()
	if req.Side == "BUY" {
		if w.balances[quote] < notional {
			return service.OrderResult{}, errors.Errorf("insufficient %s balance: have %f, need %f",
				quote, w.balances[quote], notional)
		}
		w.balances[quote] -= notional
	} else {
		w.balances[quote] += notional
	}

	return service.OrderResult{
		OrderID:   "paper-" + uuid.NewString(),
		FilledQty: req.Quantity,
		AvgPrice:  price,
	}, nil
}
