package models

import "time"

type TaskStatus string

const (
	ActiveTaskStatus   TaskStatus = "ACTIVE"
	PausedTaskStatus   TaskStatus = "PAUSED"
	DisabledTaskStatus TaskStatus = "DISABLED"
)

type TaskMode string

const (
	SoloTaskMode  TaskMode = "SOLO"
	SwarmTaskMode TaskMode = "SWARM"
)

type TriggerKind string

const (
	ManualTrigger   TriggerKind = "MANUAL"
	ScheduleTrigger TriggerKind = "SCHEDULE"
	AutoLoopTrigger TriggerKind = "AUTO_LOOP"
)

// Task is a recurring trading configuration: one symbol, one analysis mode,
// one schedule. A task is never deleted while executions reference it.
type Task struct {
	ID         string      `json:"id" db:"id"`
	Name       string      `json:"name" db:"name"`
	Symbol     string      `json:"symbol" db:"symbol"`
	Mode       TaskMode    `json:"mode" db:"mode"`
	Trigger    TriggerKind `json:"trigger" db:"trigger_kind"`
	Status     TaskStatus  `json:"status" db:"status"`
	Config     TaskConfig  `json:"config" db:"config"`
	CycleCount int         `json:"cycle_count" db:"cycle_count"`
	Stats      TaskStats   `json:"stats" db:"stats"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" db:"updated_at"`
}

// TaskStats accumulates outcomes across executions of a task.
type TaskStats struct {
	Executions int     `json:"executions"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	TotalPnL   float64 `json:"total_pnl"`
}

// WinRate returns the fraction of closed trades that were profitable.
func (s TaskStats) WinRate() float64 {
	closed := s.Wins + s.Losses
	if closed == 0 {
		return 0
	}
	return float64(s.Wins) / float64(closed)
}

// Active reports whether the task may start a new execution.
func (t *Task) Active() bool {
	return t.Status == ActiveTaskStatus
}
