package service_test

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/service"
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTask(mode models.TaskMode, roles ...string) models.Task {
	cfg := models.DefaultTaskConfig()
	if len(roles) > 0 {
		cfg.Consensus.Roles = roles
	}
	cfg.Executor.RetryBaseDelay = time.Millisecond
	now := time.Now().UTC()
	return models.Task{
		ID:        "task-1",
		Name:      "test task",
		Symbol:    "BTCUSDT",
		Mode:      mode,
		Trigger:   models.ManualTrigger,
		Status:    models.ActiveTaskStatus,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// stubAnalyst answers with a per-role script, falling back to a default.
type stubAnalyst struct {
	byRole     map[string]models.Opinion
	defaultOp  models.Opinion
	err        error
	errForRole string

	mu   sync.Mutex
	seen []string
}

func (a *stubAnalyst) Analyze(_ context.Context, role string, _ models.MarketContext) (models.Opinion, error) {
	a.mu.Lock()
	a.seen = append(a.seen, role)
	a.mu.Unlock()
	if a.err != nil && (a.errForRole == "" || a.errForRole == role) {
		return models.Opinion{}, a.err
	}
	if op, ok := a.byRole[role]; ok {
		return op, nil
	}
	return a.defaultOp, nil
}

func (a *stubAnalyst) roles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

type stubReviewer struct {
	review service.Review
	err    error
	calls  int
}

func (r *stubReviewer) Review(_ context.Context, _ service.ReviewRequest) (service.Review, error) {
	r.calls++
	if r.err != nil {
		return service.Review{}, r.err
	}
	return r.review, nil
}

func approvingReviewer() *stubReviewer {
	return &stubReviewer{review: service.Review{Approved: true, RiskScore: 0.2, Confidence: 1}}
}

// stubMarket serves fixed market data; priceFn overrides GetCurrentPrice when
// set, so tests can move the market between analysis and submission.
type stubMarket struct {
	candles    []models.Candle
	ticker     models.Ticker
	price      float64
	priceFn    func() (float64, error)
	candlesErr error
}

func (m *stubMarket) GetRecentCandles(_ context.Context, _, _ string, _ int) ([]models.Candle, error) {
	if m.candlesErr != nil {
		return nil, m.candlesErr
	}
	return m.candles, nil
}

func (m *stubMarket) Get24hTicker(_ context.Context, symbol string) (models.Ticker, error) {
	t := m.ticker
	t.Symbol = symbol
	return t, nil
}

func (m *stubMarket) GetCurrentPrice(_ context.Context, _ string) (float64, error) {
	if m.priceFn != nil {
		return m.priceFn()
	}
	return m.price, nil
}

func newStubMarket(price float64) *stubMarket {
	return &stubMarket{
		price: price,
		candles: []models.Candle{
			{Close: price * 0.99},
			{Close: price},
		},
		ticker: models.Ticker{LastPrice: price},
	}
}

// stubWallet fills orders at the configured price and can fail the first N
// placements.
type stubWallet struct {
	balance   float64
	fillPrice float64
	failFirst int
	placeErr  error
	placed    []service.OrderRequest
}

func (w *stubWallet) GetBalance(_ context.Context, _ string) (float64, error) {
	return w.balance, nil
}

func (w *stubWallet) GetMarketPrice(_ context.Context, _ string) (float64, error) {
	return w.fillPrice, nil
}

func (w *stubWallet) PlaceOrder(_ context.Context, req service.OrderRequest) (service.OrderResult, error) {
	if w.failFirst > 0 {
		w.failFirst--
		err := w.placeErr
		if err == nil {
			err = errTransient
		}
		return service.OrderResult{}, err
	}
	w.placed = append(w.placed, req)
	return service.OrderResult{
		OrderID:   "ex-1",
		FilledQty: req.Quantity,
		AvgPrice:  w.fillPrice,
	}, nil
}

var errTransient = errTransientType{}

type errTransientType struct{}

func (errTransientType) Error() string { return "exchange unavailable" }

type stubSentiment struct {
	signal *models.SentimentSignal
	err    error
}

func (s *stubSentiment) GetSignal(_ context.Context, _ string) (*models.SentimentSignal, error) {
	return s.signal, s.err
}

func buyOpinion(conf float64) models.Opinion {
	return models.Opinion{Action: models.BuyAction, Confidence: conf, Reasoning: "momentum up"}
}

func buyConsensus(conf float64) models.Consensus {
	return models.Consensus{
		Action:     models.BuyAction,
		Confidence: conf,
		Agreement:  100,
		Unanimous:  true,
		Reasoning:  "momentum up",
	}
}
