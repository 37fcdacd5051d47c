package models

import "time"

// SafetyStatus is the circuit-breaker aggregate consumed by the risk gate.
// It is maintained by trade-outcome recording; the orchestrator only reads it.
type SafetyStatus struct {
	TaskID            string     `json:"task_id" db:"task_id"`
	ConsecutiveLosses int        `json:"consecutive_losses" db:"consecutive_losses"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
	DailyPnL          float64    `json:"daily_pnl" db:"daily_pnl"`
	DailyTrades       int        `json:"daily_trades" db:"daily_trades"`
	DayStart          time.Time  `json:"day_start" db:"day_start"` // UTC midnight of the counting day
}

// CoolingDown reports whether trading is halted at the given instant.
func (s SafetyStatus) CoolingDown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

// SameDay reports whether the daily counters still apply at the given
// instant; counters reset at UTC midnight.
func (s SafetyStatus) SameDay(now time.Time) bool {
	y1, m1, d1 := s.DayStart.UTC().Date()
	y2, m2, d2 := now.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
