package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

// ExecOutcome is the decision stage's report.
type ExecOutcome struct {
	Action         models.TradeAction `json:"action"`
	Reason         string             `json:"reason,omitempty"`
	Order          *models.Order      `json:"order,omitempty"`
	Position       *models.Position   `json:"position,omitempty"`
	ClosedPosition *models.Position   `json:"closed_position,omitempty"`
}

// OrderExecutor commits the side-effecting part of the pipeline: it closes
// or suppresses against the task's existing position, re-checks price
// freshness, places the order with bounded retries, derives stop levels and
// persists the order and position records.
type OrderExecutor struct {
	wallet Wallet
	market MarketDataClient
	store  storage.Store
	logger Logger
}

func NewOrderExecutor(wallet Wallet, market MarketDataClient, store storage.Store, logger Logger) *OrderExecutor {
	return &OrderExecutor{wallet: wallet, market: market, store: store, logger: logger}
}

// Execute places the order approved by the risk gate. A same-side existing
// position suppresses the order into a hold; an opposite-side position is
// closed at market first.
func (oe *OrderExecutor) Execute(ctx context.Context, task models.Task, executionID string, mctx models.MarketContext, gate GateResult) (ExecOutcome, error) {
	side := models.SideFor(gate.Action)
	outcome := ExecOutcome{Action: gate.Action}

	existing, err := oe.store.GetOpenPosition(task.ID)
	switch {
	case err == nil:
		if existing.Side == side {
			oe.logger.Infof("Task %s already holds a %s position, suppressing %s", task.ID, existing.Side, gate.Action)
			outcome.Action = models.HoldAction
			outcome.Reason = "existing position on same side"
			return outcome, nil
		}
		closed, err := oe.closeAtMarket(ctx, existing)
		if err != nil {
			return outcome, errors.Wrapf(err, "close opposite %s position %s", existing.Side, existing.ID)
		}
		outcome.ClosedPosition = closed
	case errors.Is(err, storage.ErrNotFound):
		// no open position
	default:
		return outcome, errors.Wrap(err, "load open position")
	}

	qty, err := oe.clampQuantity(ctx, task, gate, mctx)
	if err != nil {
		return outcome, err
	}

	if err := oe.checkFreshness(ctx, task, gate.Action, mctx.Price); err != nil {
		return outcome, err
	}

	fill, err := oe.placeWithRetries(ctx, task, OrderRequest{
		Symbol:   task.Symbol,
		Side:     orderSideFor(gate.Action),
		Type:     models.MarketOrderType,
		Quantity: qty,
	})
	if err != nil {
		return outcome, err
	}

	entry := fill.AvgPrice
	if entry <= 0 {
		entry = mctx.Price
	}
	stopLoss, takeProfit := deriveStops(task.Config.Executor, gate, side, entry)

	now := time.Now().UTC()
	order := models.Order{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		ExecutionID: executionID,
		Symbol:      task.Symbol,
		Side:        orderSideFor(gate.Action),
		Type:        models.MarketOrderType,
		Quantity:    fill.FilledQty,
		Price:       entry,
		ExchangeID:  fill.OrderID,
		CreatedAt:   now,
	}
	position := models.Position{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		ExecutionID: executionID,
		Symbol:      task.Symbol,
		Side:        side,
		Quantity:    fill.FilledQty,
		EntryPrice:  entry,
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		Status:      models.OpenPositionStatus,
		OpenedAt:    now,
	}
	if err := oe.store.SaveOrder(order); err != nil {
		return outcome, errors.Wrap(err, "save order")
	}
	if err := oe.store.SavePosition(position); err != nil {
		return outcome, errors.Wrap(err, "save position")
	}

	oe.logger.Infof("Task %s opened %s %.6f %s at %.2f (SL %.2f, TP %.2f)",
		task.ID, side, fill.FilledQty, task.Symbol, entry, stopLoss, takeProfit)
	outcome.Order = &order
	outcome.Position = &position
	return outcome, nil
}

// closeAtMarket closes an opposite-side position at the current market price
// and records its realized PnL.
func (oe *OrderExecutor) closeAtMarket(ctx context.Context, pos models.Position) (*models.Position, error) {
	price, err := oe.wallet.GetMarketPrice(ctx, pos.Symbol)
	if err != nil {
		return nil, errors.Wrap(err, "market price for close")
	}
	closeSide := models.SellOrderSide
	if pos.Side == models.ShortPosition {
		closeSide = models.BuyOrderSide
	}
	if _, err := oe.wallet.PlaceOrder(ctx, OrderRequest{
		Symbol:   pos.Symbol,
		Side:     closeSide,
		Type:     models.MarketOrderType,
		Quantity: pos.Quantity,
	}); err != nil {
		return nil, errors.Wrap(err, "close order")
	}
	pnl := pos.RealizedPnLAt(price)
	now := time.Now().UTC()
	if err := oe.store.ClosePosition(pos.ID, price, pnl, now); err != nil {
		return nil, errors.Wrap(err, "persist closed position")
	}
	oe.logger.Infof("Closed %s position %s at %.2f (PnL %.2f)", pos.Side, pos.ID, price, pnl)
	pos.Status = models.ClosedPositionStatus
	pos.ExitPrice = price
	pos.RealizedPnL = pnl
	pos.ClosedAt = &now
	return &pos, nil
}

// clampQuantity caps the gate-approved quantity at what the available quote
// balance can cover.
func (oe *OrderExecutor) clampQuantity(ctx context.Context, task models.Task, gate GateResult, mctx models.MarketContext) (float64, error) {
	qty := gate.Quantity
	if qty <= 0 {
		return 0, errors.Wrap(ErrInsufficientBalance, "resolved quantity is zero")
	}
	balance, err := oe.wallet.GetBalance(ctx, models.QuoteAsset(task.Symbol))
	if err != nil {
		return 0, errors.Wrap(err, "get balance")
	}
	if mctx.Price > 0 && qty*mctx.Price > balance {
		qty = balance / mctx.Price
	}
	if qty <= 0 {
		return 0, errors.Wrapf(ErrInsufficientBalance, "balance %.2f cannot cover order", balance)
	}
	return qty, nil
}

// checkFreshness re-fetches the current price immediately before submission
// and aborts when the market moved against the intended direction by more
// than the configured threshold.
func (oe *OrderExecutor) checkFreshness(ctx context.Context, task models.Task, action models.TradeAction, analysisPrice float64) error {
	if analysisPrice <= 0 {
		return nil
	}
	fresh, err := oe.market.GetCurrentPrice(ctx, task.Symbol)
	if err != nil {
		return errors.Wrap(err, "refresh price")
	}
	movePct := (fresh - analysisPrice) / analysisPrice * 100
	threshold := task.Config.Executor.StalenessThresholdPct
	adverse := (action == models.BuyAction && movePct > threshold) ||
		(action == models.SellAction && -movePct > threshold)
	if adverse {
		return errors.Wrapf(ErrPriceStale,
			"%s moved %.2f%% against %s since analysis (%.2f -> %.2f, threshold %.2f%%)",
			task.Symbol, movePct, action, analysisPrice, fresh, threshold)
	}
	return nil
}

// placeWithRetries submits the order, retrying up to MaxRetries additional
// times with a linearly growing delay. The last error is fatal for the
// execution.
func (oe *OrderExecutor) placeWithRetries(ctx context.Context, task models.Task, req OrderRequest) (OrderResult, error) {
	cfg := task.Config.Executor
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.RetryBaseDelay * time.Duration(attempt)
			oe.logger.Warnf("Retrying order for task %s in %s (attempt %d/%d): %v",
				task.ID, delay, attempt, cfg.MaxRetries, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return OrderResult{}, ctx.Err()
			}
		}
		fill, err := oe.wallet.PlaceOrder(ctx, req)
		if err == nil {
			return fill, nil
		}
		lastErr = err
	}
	return OrderResult{}, errors.Wrapf(lastErr, "order failed after %d retries", cfg.MaxRetries)
}

func orderSideFor(action models.TradeAction) models.OrderSide {
	if action == models.SellAction {
		return models.SellOrderSide
	}
	return models.BuyOrderSide
}

// deriveStops prefers the analyst's suggested levels, falling back to the
// configured default percentages around the entry price.
func deriveStops(cfg models.ExecutorConfig, gate GateResult, side models.PositionSide, entry float64) (float64, float64) {
	stopLoss, takeProfit := gate.StopLoss, gate.TakeProfit
	if stopLoss <= 0 {
		if side == models.ShortPosition {
			stopLoss = entry * (1 + cfg.DefaultStopLossPct/100)
		} else {
			stopLoss = entry * (1 - cfg.DefaultStopLossPct/100)
		}
	}
	if takeProfit <= 0 {
		if side == models.ShortPosition {
			takeProfit = entry * (1 - cfg.DefaultTakeProfitPct/100)
		} else {
			takeProfit = entry * (1 + cfg.DefaultTakeProfitPct/100)
		}
	}
	return stopLoss, takeProfit
}
