package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

// GateOutcome tags the risk-gate result. A rejection is a valid outcome, not
// an error; genuine faults are returned as errors alongside.
type GateOutcome string

const (
	GateApproved GateOutcome = "APPROVED"
	GateRejected GateOutcome = "REJECTED"
)

// LayerVerdict is the audit record of one gate layer. With the force
// override set, verdicts are still recorded even though they don't bind.
type LayerVerdict struct {
	Layer  string `json:"layer"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// GateResult is the combined decision of the three risk layers.
type GateResult struct {
	Outcome     GateOutcome        `json:"outcome"`
	Action      models.TradeAction `json:"action"`
	Confidence  float64            `json:"confidence"`
	Reason      string             `json:"reason,omitempty"`
	Quantity    float64            `json:"quantity"`
	NotionalUSD float64            `json:"notional_usd"`
	Warning     bool               `json:"warning"`
	RiskScore   float64            `json:"risk_score"`
	Forced      bool               `json:"forced"`
	Layers      []LayerVerdict     `json:"layers"`
	StopLoss    float64            `json:"stop_loss,omitempty"`
	TakeProfit  float64            `json:"take_profit,omitempty"`
}

func rejected(reason string, confidence float64, layers []LayerVerdict) GateResult {
	return GateResult{
		Outcome:    GateRejected,
		Action:     models.HoldAction,
		Confidence: confidence,
		Reason:     reason,
		Layers:     layers,
	}
}

// RiskGate runs the three-layer guard: threshold/alignment gate, hard-limit
// rules, then the AI reviewer. Each layer can force the final action to
// hold; the reviewer can additionally shrink the order instead of rejecting.
type RiskGate struct {
	reviewer RiskReviewer
	store    storage.Store
	logger   Logger
	now      func() time.Time
}

func NewRiskGate(reviewer RiskReviewer, store storage.Store, logger Logger) *RiskGate {
	return &RiskGate{
		reviewer: reviewer,
		store:    store,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Validate runs the layers in order. Without the force override a layer
// rejection short-circuits; with it every layer still runs and records its
// verdict, and the gate always approves.
func (g *RiskGate) Validate(ctx context.Context, task models.Task, executionID string, mctx models.MarketContext, consensus models.Consensus) (GateResult, error) {
	cfg := task.Config
	force := cfg.Risk.Force
	var layers []LayerVerdict

	pre := g.preTradeGate(cfg.Risk, mctx, consensus)
	layers = append(layers, pre)
	if !pre.Passed && !force {
		g.logger.Infof("Task %s rejected at pre-trade gate: %s", task.ID, pre.Reason)
		return rejected(pre.Reason, consensus.Confidence, layers), nil
	}

	qty, notional, rules := g.evaluateRules(task, mctx, consensus)
	layers = append(layers, rules)
	if !rules.Passed && !force {
		g.logger.Infof("Task %s rejected by risk rules: %s", task.ID, rules.Reason)
		return rejected(rules.Reason, consensus.Confidence, layers), nil
	}

	review, err := g.reviewer.Review(ctx, ReviewRequest{
		Symbol:      task.Symbol,
		Action:      consensus.Action,
		Confidence:  consensus.Confidence,
		Reasoning:   consensus.Reasoning,
		Quantity:    qty,
		NotionalUSD: notional,
		Market:      mctx,
	})
	if err != nil {
		if force {
			// Forced runs proceed without a reviewer verdict; record the
			// failure for the audit trail.
			layers = append(layers, LayerVerdict{Layer: "ai_review", Passed: false, Reason: fmt.Sprintf("reviewer unavailable: %v", err)})
			review = Review{Approved: true, Confidence: 1}
		} else {
			return GateResult{}, errors.Wrap(err, "risk reviewer")
		}
	} else {
		layers = append(layers, LayerVerdict{
			Layer:  "ai_review",
			Passed: review.Approved,
			Reason: review.Reason,
		})
	}

	if !review.Approved && !force {
		g.logger.Infof("Task %s rejected by AI reviewer (score %.2f): %s", task.ID, review.RiskScore, review.Reason)
		res := rejected(review.Reason, review.Confidence, layers)
		res.RiskScore = review.RiskScore
		return res, nil
	}

	result := GateResult{
		Outcome:     GateApproved,
		Action:      consensus.Action,
		Confidence:  consensus.Confidence * review.Confidence,
		Quantity:    qty,
		NotionalUSD: notional,
		RiskScore:   review.RiskScore,
		Forced:      force,
		Layers:      layers,
		StopLoss:    consensus.StopLoss,
		TakeProfit:  consensus.TakeProfit,
	}

	warnThreshold := cfg.Risk.WarnRiskScore
	if review.Approved && review.RiskScore > warnThreshold {
		// Elevated but approved risk shrinks the order instead of blocking it.
		result.Warning = true
		if review.SuggestedQuantity > 0 && review.SuggestedQuantity < qty {
			result.Quantity = review.SuggestedQuantity
		} else {
			result.Quantity = qty * (1 - cfg.Risk.SizeReductionPct/100)
		}
		if mctx.Price > 0 {
			result.NotionalUSD = result.Quantity * mctx.Price
		}
		result.Reason = fmt.Sprintf("risk score %.2f above %.2f, size reduced", review.RiskScore, warnThreshold)
		g.logger.Warnf("Task %s approved with warning: %s", task.ID, result.Reason)
	}

	if force {
		result.Confidence = consensus.Confidence
		result.Action = consensus.Action
	}
	return result, nil
}

// preTradeGate is layer 1: hold actions, weak confidence and sentiment
// misalignment never reach sizing.
func (g *RiskGate) preTradeGate(cfg models.RiskConfig, mctx models.MarketContext, consensus models.Consensus) LayerVerdict {
	v := LayerVerdict{Layer: "pre_trade"}
	if consensus.Action == models.HoldAction {
		v.Reason = "analysis resolved to hold"
		return v
	}
	if consensus.Confidence < cfg.MinConfidence {
		v.Reason = fmt.Sprintf("confidence %.2f below minimum %.2f", consensus.Confidence, cfg.MinConfidence)
		return v
	}
	if cfg.RequireSentiment || cfg.MinSentimentConfidence > 0 {
		if mctx.Sentiment == nil {
			if cfg.RequireSentiment {
				v.Reason = "sentiment signal required but unavailable"
				return v
			}
		} else {
			if cfg.MinSentimentConfidence > 0 && mctx.Sentiment.Confidence < cfg.MinSentimentConfidence {
				v.Reason = fmt.Sprintf("sentiment confidence %.2f below minimum %.2f", mctx.Sentiment.Confidence, cfg.MinSentimentConfidence)
				return v
			}
			if !mctx.Sentiment.Classification.Aligned(consensus.Action) {
				v.Reason = fmt.Sprintf("sentiment %s misaligned with %s", mctx.Sentiment.Classification, consensus.Action)
				return v
			}
		}
	}
	v.Passed = true
	return v
}

// evaluateRules is layer 2: resolve the order size and check it against the
// hard limits and the safety circuit breaker.
func (g *RiskGate) evaluateRules(task models.Task, mctx models.MarketContext, consensus models.Consensus) (float64, float64, LayerVerdict) {
	v := LayerVerdict{Layer: "risk_rules"}
	cfg := task.Config
	now := g.now()

	qty := resolveQuantity(cfg.Sizing, mctx)
	notional := qty * mctx.Price
	if qty <= 0 {
		if cfg.Risk.Force && mctx.Price > 0 {
			// Demo runs fall back to a fixed notional so they can fabricate
			// a position without real sizing inputs.
			qty = cfg.Sizing.FallbackNotionalUSD / mctx.Price
			notional = cfg.Sizing.FallbackNotionalUSD
		} else {
			v.Reason = "sizing resolved to zero quantity"
			return qty, notional, v
		}
	}

	if cfg.Risk.MaxPositionUSD > 0 && notional > cfg.Risk.MaxPositionUSD {
		v.Reason = fmt.Sprintf("notional %.2f exceeds max position %.2f", notional, cfg.Risk.MaxPositionUSD)
		return qty, notional, v
	}
	if cfg.Risk.MaxPortfolioUtilization > 0 && mctx.PortfolioValue > 0 &&
		notional > cfg.Risk.MaxPortfolioUtilization*mctx.PortfolioValue {
		v.Reason = fmt.Sprintf("notional %.2f exceeds %.0f%% of portfolio", notional, cfg.Risk.MaxPortfolioUtilization*100)
		return qty, notional, v
	}

	safety, err := g.store.GetSafetyStatus(task.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		v.Reason = fmt.Sprintf("safety status unavailable: %v", err)
		return qty, notional, v
	}
	if err == nil {
		if safety.CoolingDown(now) {
			v.Reason = fmt.Sprintf("cooling down until %s after %d consecutive losses",
				safety.CooldownUntil.Format(time.RFC3339), safety.ConsecutiveLosses)
			return qty, notional, v
		}
		if cfg.Risk.MaxDailyLossUSD > 0 && safety.SameDay(now) && -safety.DailyPnL >= cfg.Risk.MaxDailyLossUSD {
			v.Reason = fmt.Sprintf("daily loss %.2f reached limit %.2f", -safety.DailyPnL, cfg.Risk.MaxDailyLossUSD)
			return qty, notional, v
		}
	}

	v.Passed = true
	return qty, notional, v
}

// resolveQuantity applies the configured sizing in priority order: fixed
// quantity, fixed USD amount, percentage of balance, default percentage.
func resolveQuantity(cfg models.SizingConfig, mctx models.MarketContext) float64 {
	if cfg.FixedQuantity > 0 {
		return cfg.FixedQuantity
	}
	if mctx.Price <= 0 {
		return 0
	}
	if cfg.FixedUSD > 0 {
		return cfg.FixedUSD / mctx.Price
	}
	pct := cfg.BalancePct
	if pct <= 0 {
		pct = cfg.DefaultBalancePct
	}
	return mctx.QuoteBalance * pct / 100 / mctx.Price
}
