package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/service"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

func approvedGate(action models.TradeAction, qty float64) service.GateResult {
	return service.GateResult{
		Outcome:    service.GateApproved,
		Action:     action,
		Confidence: 0.8,
		Quantity:   qty,
	}
}

func openPosition(store storage.Store, side models.PositionSide, entry float64) models.Position {
	pos := models.Position{
		ID:         "pos-1",
		TaskID:     "task-1",
		Symbol:     "BTCUSDT",
		Side:       side,
		Quantity:   0.01,
		EntryPrice: entry,
		Status:     models.OpenPositionStatus,
		OpenedAt:   time.Now().UTC(),
	}
	_ = store.SavePosition(pos)
	return pos
}

func TestExecutorPlacesOrder(t *testing.T) {
	store := storage.NewMockStore()
	market := newStubMarket(50000)
	wallet := &stubWallet{balance: 10000, fillPrice: 50000}
	oe := service.NewOrderExecutor(wallet, market, store, newLogger())
	task := newTask(models.SoloTaskMode)

	outcome, err := oe.Execute(context.Background(), task, "exec-1",
		marketCtx(50000, 10000), approvedGate(models.BuyAction, 0.01))
	require.NoError(t, err)

	assert.Equal(t, models.BuyAction, outcome.Action)
	require.NotNil(t, outcome.Order)
	require.NotNil(t, outcome.Position)
	assert.Nil(t, outcome.ClosedPosition)

	assert.Equal(t, models.BuyOrderSide, outcome.Order.Side)
	assert.Equal(t, 0.01, outcome.Order.Quantity)
	assert.Equal(t, "ex-1", outcome.Order.ExchangeID)

	pos := outcome.Position
	assert.Equal(t, models.LongPosition, pos.Side)
	assert.Equal(t, float64(50000), pos.EntryPrice)
	// default stops: 2% below and 4% above entry
	assert.InDelta(t, 49000, pos.StopLoss, 1e-6)
	assert.InDelta(t, 52000, pos.TakeProfit, 1e-6)

	saved, err := store.GetOpenPosition("task-1")
	require.NoError(t, err)
	assert.Equal(t, pos.ID, saved.ID)
	assert.Len(t, storage.Orders(store), 1)
}

func TestExecutorAnalystStopsPreferred(t *testing.T) {
	store := storage.NewMockStore()
	wallet := &stubWallet{balance: 10000, fillPrice: 50000}
	oe := service.NewOrderExecutor(wallet, newStubMarket(50000), store, newLogger())
	task := newTask(models.SoloTaskMode)

	gate := approvedGate(models.BuyAction, 0.01)
	gate.StopLoss = 48500
	gate.TakeProfit = 55000

	outcome, err := oe.Execute(context.Background(), task, "exec-1", marketCtx(50000, 10000), gate)
	require.NoError(t, err)
	assert.Equal(t, float64(48500), outcome.Position.StopLoss)
	assert.Equal(t, float64(55000), outcome.Position.TakeProfit)
}

func TestExecutorSameSideSuppresses(t *testing.T) {
	store := storage.NewMockStore()
	wallet := &stubWallet{balance: 10000, fillPrice: 50000}
	oe := service.NewOrderExecutor(wallet, newStubMarket(50000), store, newLogger())
	task := newTask(models.SoloTaskMode)

	openPosition(store, models.LongPosition, 48000)

	outcome, err := oe.Execute(context.Background(), task, "exec-1",
		marketCtx(50000, 10000), approvedGate(models.BuyAction, 0.01))
	require.NoError(t, err)

	assert.Equal(t, models.HoldAction, outcome.Action)
	assert.Nil(t, outcome.Order)
	assert.Empty(t, wallet.placed)

	// the original position is untouched
	pos, err := store.GetOpenPosition("task-1")
	require.NoError(t, err)
	assert.Equal(t, "pos-1", pos.ID)
}

func TestExecutorOppositeSideClosesFirst(t *testing.T) {
	store := storage.NewMockStore()
	wallet := &stubWallet{balance: 10000, fillPrice: 50000}
	oe := service.NewOrderExecutor(wallet, newStubMarket(50000), store, newLogger())
	task := newTask(models.SoloTaskMode)

	// short opened at 52000, closing at 50000 realizes a profit
	openPosition(store, models.ShortPosition, 52000)

	outcome, err := oe.Execute(context.Background(), task, "exec-1",
		marketCtx(50000, 10000), approvedGate(models.BuyAction, 0.01))
	require.NoError(t, err)

	require.NotNil(t, outcome.ClosedPosition)
	assert.Equal(t, models.ClosedPositionStatus, outcome.ClosedPosition.Status)
	assert.InDelta(t, (52000-50000)*0.01, outcome.ClosedPosition.RealizedPnL, 1e-6)

	require.Len(t, wallet.placed, 2)
	assert.Equal(t, models.BuyOrderSide, wallet.placed[0].Side) // closing the short
	assert.Equal(t, models.BuyOrderSide, wallet.placed[1].Side) // opening the long

	pos, err := store.GetOpenPosition("task-1")
	require.NoError(t, err)
	assert.Equal(t, models.LongPosition, pos.Side)
}

func TestExecutorStaleness(t *testing.T) {
	t.Run("adverse move beyond threshold aborts", func(t *testing.T) {
		store := storage.NewMockStore()
		market := newStubMarket(50000)
		market.priceFn = func() (float64, error) { return 51000, nil } // +2% against a buy
		wallet := &stubWallet{balance: 10000, fillPrice: 51000}
		oe := service.NewOrderExecutor(wallet, market, store, newLogger())
		task := newTask(models.SoloTaskMode)

		_, err := oe.Execute(context.Background(), task, "exec-1",
			marketCtx(50000, 10000), approvedGate(models.BuyAction, 0.01))
		require.Error(t, err)
		assert.ErrorIs(t, err, service.ErrPriceStale)
		assert.Empty(t, wallet.placed)
	})

	t.Run("favorable move proceeds", func(t *testing.T) {
		store := storage.NewMockStore()
		market := newStubMarket(50000)
		market.priceFn = func() (float64, error) { return 49000, nil } // -2% helps a buy
		wallet := &stubWallet{balance: 10000, fillPrice: 49000}
		oe := service.NewOrderExecutor(wallet, market, store, newLogger())
		task := newTask(models.SoloTaskMode)

		_, err := oe.Execute(context.Background(), task, "exec-1",
			marketCtx(50000, 10000), approvedGate(models.BuyAction, 0.01))
		require.NoError(t, err)
	})

	t.Run("sell aborts on adverse drop", func(t *testing.T) {
		store := storage.NewMockStore()
		market := newStubMarket(50000)
		market.priceFn = func() (float64, error) { return 49000, nil } // -2% against a sell
		wallet := &stubWallet{balance: 10000, fillPrice: 49000}
		oe := service.NewOrderExecutor(wallet, market, store, newLogger())
		task := newTask(models.SoloTaskMode)

		_, err := oe.Execute(context.Background(), task, "exec-1",
			marketCtx(50000, 10000), approvedGate(models.SellAction, 0.01))
		assert.ErrorIs(t, err, service.ErrPriceStale)
	})
}

func TestExecutorRetries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		store := storage.NewMockStore()
		wallet := &stubWallet{balance: 10000, fillPrice: 50000, failFirst: 2}
		oe := service.NewOrderExecutor(wallet, newStubMarket(50000), store, newLogger())
		task := newTask(models.SoloTaskMode) // MaxRetries 2, 1ms base delay

		outcome, err := oe.Execute(context.Background(), task, "exec-1",
			marketCtx(50000, 10000), approvedGate(models.BuyAction, 0.01))
		require.NoError(t, err)
		assert.NotNil(t, outcome.Order)
		assert.Len(t, wallet.placed, 1)
	})

	t.Run("persistent failure exhausts retries", func(t *testing.T) {
		store := storage.NewMockStore()
		wallet := &stubWallet{
			balance: 10000, fillPrice: 50000,
			failFirst: 100, placeErr: errors.New("exchange down"),
		}
		oe := service.NewOrderExecutor(wallet, newStubMarket(50000), store, newLogger())
		task := newTask(models.SoloTaskMode)

		_, err := oe.Execute(context.Background(), task, "exec-1",
			marketCtx(50000, 10000), approvedGate(models.BuyAction, 0.01))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 retries")
		assert.Empty(t, storage.Orders(store))
	})
}

func TestExecutorQuantityClamp(t *testing.T) {
	t.Run("quantity clamped to available balance", func(t *testing.T) {
		store := storage.NewMockStore()
		wallet := &stubWallet{balance: 100, fillPrice: 100}
		oe := service.NewOrderExecutor(wallet, newStubMarket(100), store, newLogger())
		task := newTask(models.SoloTaskMode)
		task.Symbol = "SOLUSDT"

		outcome, err := oe.Execute(context.Background(), task, "exec-1",
			marketCtx(100, 100), approvedGate(models.BuyAction, 5))
		require.NoError(t, err)
		assert.InDelta(t, 1.0, outcome.Order.Quantity, 1e-9)
	})

	t.Run("zero balance is an error", func(t *testing.T) {
		store := storage.NewMockStore()
		wallet := &stubWallet{balance: 0, fillPrice: 100}
		oe := service.NewOrderExecutor(wallet, newStubMarket(100), store, newLogger())
		task := newTask(models.SoloTaskMode)

		_, err := oe.Execute(context.Background(), task, "exec-1",
			marketCtx(100, 0), approvedGate(models.BuyAction, 5))
		assert.ErrorIs(t, err, service.ErrInsufficientBalance)
	})
}
