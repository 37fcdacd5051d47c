package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ConsensusConfig tunes the swarm vote reduction.
type ConsensusConfig struct {
	Roles        []string           `json:"roles,omitempty"`         // analyst roles; one call per role in swarm mode
	RoleWeights  map[string]float64 `json:"role_weights,omitempty"`  // default weight 1.0 per role
	MinAgreement int                `json:"min_agreement,omitempty"` // percent, default 50
}

// RiskConfig tunes the three-layer risk gate.
type RiskConfig struct {
	MinConfidence           float64 `json:"min_confidence,omitempty"`            // default 0.6
	RequireSentiment        bool    `json:"require_sentiment,omitempty"`         // reject when no signal is available
	MinSentimentConfidence  float64 `json:"min_sentiment_confidence,omitempty"`  // 0 disables the check
	MaxPositionUSD          float64 `json:"max_position_usd,omitempty"`          // hard limit, 0 disables
	MaxDailyLossUSD         float64 `json:"max_daily_loss_usd,omitempty"`        // hard limit, 0 disables
	MaxPortfolioUtilization float64 `json:"max_portfolio_utilization,omitempty"` // fraction of portfolio, 0 disables
	WarnRiskScore           float64 `json:"warn_risk_score,omitempty"`           // default 0.6
	SizeReductionPct        float64 `json:"size_reduction_pct,omitempty"`        // default 50
	Force                   bool    `json:"force,omitempty"`                     // bypass all layers, audit only
}

// SizingConfig resolves the order quantity, first match wins.
type SizingConfig struct {
	FixedQuantity       float64 `json:"fixed_quantity,omitempty"`
	FixedUSD            float64 `json:"fixed_usd,omitempty"`
	BalancePct          float64 `json:"balance_pct,omitempty"`
	DefaultBalancePct   float64 `json:"default_balance_pct,omitempty"`   // default 10
	FallbackNotionalUSD float64 `json:"fallback_notional_usd,omitempty"` // forced/demo runs, default 100
}

// ExecutorConfig tunes order submission.
type ExecutorConfig struct {
	StalenessThresholdPct float64       `json:"staleness_threshold_pct,omitempty"` // default 1
	MaxRetries            int           `json:"max_retries,omitempty"`             // default 2
	RetryBaseDelay        time.Duration `json:"retry_base_delay,omitempty"`        // default 500ms
	DefaultStopLossPct    float64       `json:"default_stop_loss_pct,omitempty"`   // default 2
	DefaultTakeProfitPct  float64       `json:"default_take_profit_pct,omitempty"` // default 4
}

// LoopConfig tunes auto-loop rescheduling.
type LoopConfig struct {
	Enabled   bool          `json:"enabled,omitempty"`
	Interval  time.Duration `json:"interval,omitempty"`   // default 30s, floor 5s
	MaxCycles int           `json:"max_cycles,omitempty"` // 0 means unlimited
}

// TaskConfig is the typed per-task configuration. Extras carries genuinely
// provider-specific values that have no named field.
type TaskConfig struct {
	Consensus ConsensusConfig   `json:"consensus,omitempty"`
	Risk      RiskConfig        `json:"risk,omitempty"`
	Sizing    SizingConfig      `json:"sizing,omitempty"`
	Executor  ExecutorConfig    `json:"executor,omitempty"`
	Loop      LoopConfig        `json:"loop,omitempty"`
	Extras    map[string]string `json:"extras,omitempty"`
}

const (
	defaultMinAgreement       = 50
	defaultMinConfidence      = 0.6
	defaultWarnRiskScore      = 0.6
	defaultSizeReductionPct   = 50
	defaultBalancePct         = 10
	defaultFallbackNotional   = 100
	defaultStalenessThreshold = 1.0
	defaultMaxRetries         = 2
	defaultRetryBaseDelay     = 500 * time.Millisecond
	defaultStopLossPct        = 2.0
	defaultTakeProfitPct      = 4.0
	defaultLoopInterval       = 30 * time.Second
	minLoopInterval           = 5 * time.Second
)

// DefaultTaskConfig returns a config with every tunable at its default.
func DefaultTaskConfig() TaskConfig {
	cfg := TaskConfig{}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero-valued tunables with their defaults and clamps
// out-of-range values. Safe to call repeatedly.
func (c *TaskConfig) Normalize() {
	if c.Consensus.MinAgreement <= 0 {
		c.Consensus.MinAgreement = defaultMinAgreement
	}
	if len(c.Consensus.Roles) == 0 {
		c.Consensus.Roles = []string{"analyst"}
	}
	if c.Risk.MinConfidence <= 0 {
		c.Risk.MinConfidence = defaultMinConfidence
	}
	if c.Risk.WarnRiskScore <= 0 {
		c.Risk.WarnRiskScore = defaultWarnRiskScore
	}
	if c.Risk.SizeReductionPct <= 0 || c.Risk.SizeReductionPct > 100 {
		c.Risk.SizeReductionPct = defaultSizeReductionPct
	}
	if c.Sizing.DefaultBalancePct <= 0 || c.Sizing.DefaultBalancePct > 100 {
		c.Sizing.DefaultBalancePct = defaultBalancePct
	}
	if c.Sizing.FallbackNotionalUSD <= 0 {
		c.Sizing.FallbackNotionalUSD = defaultFallbackNotional
	}
	if c.Executor.StalenessThresholdPct <= 0 {
		c.Executor.StalenessThresholdPct = defaultStalenessThreshold
	}
	if c.Executor.MaxRetries < 0 {
		c.Executor.MaxRetries = 0
	} else if c.Executor.MaxRetries == 0 {
		c.Executor.MaxRetries = defaultMaxRetries
	}
	if c.Executor.RetryBaseDelay <= 0 {
		c.Executor.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.Executor.DefaultStopLossPct <= 0 {
		c.Executor.DefaultStopLossPct = defaultStopLossPct
	}
	if c.Executor.DefaultTakeProfitPct <= 0 {
		c.Executor.DefaultTakeProfitPct = defaultTakeProfitPct
	}
	if c.Loop.Interval <= 0 {
		c.Loop.Interval = defaultLoopInterval
	}
	if c.Loop.Interval < minLoopInterval {
		c.Loop.Interval = minLoopInterval
	}
	if c.Loop.MaxCycles < 0 {
		c.Loop.MaxCycles = 0
	}
}

// RoleWeight returns the configured weight for a role, defaulting to 1.
func (c ConsensusConfig) RoleWeight(role string) float64 {
	if w, ok := c.RoleWeights[role]; ok && w > 0 {
		return w
	}
	return 1.0
}

// Value stores the config as JSON.
func (c TaskConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal task config")
	}
	return b, nil
}

// Scan loads the config from a JSON column.
func (c *TaskConfig) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = TaskConfig{}
		return nil
	case []byte:
		return errors.Wrap(json.Unmarshal(v, c), "scan task config")
	case string:
		return errors.Wrap(json.Unmarshal([]byte(v), c), "scan task config")
	}
	return errors.Errorf("unsupported task config column type %T", src)
}

// Value stores the stats as JSON.
func (s TaskStats) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal task stats")
	}
	return b, nil
}

// Scan loads the stats from a JSON column.
func (s *TaskStats) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = TaskStats{}
		return nil
	case []byte:
		return errors.Wrap(json.Unmarshal(v, s), "scan task stats")
	case string:
		return errors.Wrap(json.Unmarshal([]byte(v), s), "scan task stats")
	}
	return errors.Errorf("unsupported task stats column type %T", src)
}

// Value stores the result as JSON; a nil result stores NULL.
func (r *Result) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "marshal result")
	}
	return b, nil
}

// Scan loads the result from a JSON column.
func (r *Result) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*r = Result{}
		return nil
	case []byte:
		return errors.Wrap(json.Unmarshal(v, r), "scan result")
	case string:
		return errors.Wrap(json.Unmarshal([]byte(v), r), "scan result")
	}
	return errors.Errorf("unsupported result column type %T", src)
}
