package models

import "time"

type ExecutionStatus string

const (
	PendingExecutionStatus   ExecutionStatus = "PENDING"
	RunningExecutionStatus   ExecutionStatus = "RUNNING"
	CompletedExecutionStatus ExecutionStatus = "COMPLETED"
	FailedExecutionStatus    ExecutionStatus = "FAILED"
	CancelledExecutionStatus ExecutionStatus = "CANCELLED"
)

type StepStatus string

const (
	PendingStepStatus   StepStatus = "PENDING"
	RunningStepStatus   StepStatus = "RUNNING"
	CompletedStepStatus StepStatus = "COMPLETED"
	FailedStepStatus    StepStatus = "FAILED"
	SkippedStepStatus   StepStatus = "SKIPPED"
)

// StageName identifies one of the four fixed pipeline stages.
type StageName string

const (
	DataFetchStage      StageName = "data_fetch"
	AnalysisStage       StageName = "analysis"
	RiskValidationStage StageName = "risk_validation"
	DecisionStage       StageName = "decision"
)

// Stages lists the pipeline stages in execution order.
var Stages = []StageName{DataFetchStage, AnalysisStage, RiskValidationStage, DecisionStage}

// Step records the progress of one pipeline stage within an execution.
type Step struct {
	ID          int64      `json:"id" db:"id"`
	ExecutionID string     `json:"execution_id" db:"execution_id"`
	Stage       StageName  `json:"stage" db:"stage"`
	Status      StepStatus `json:"status" db:"status"`
	Result      string     `json:"result,omitempty" db:"result"` // opaque JSON payload
	ErrorMsg    string     `json:"error,omitempty" db:"error_msg"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Result is the terminal outcome of an execution.
type Result struct {
	Action     TradeAction `json:"action"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
	OrderID    string      `json:"order_id,omitempty"`
	PositionID string      `json:"position_id,omitempty"`
}

// Execution is one run of the four-stage pipeline for a task. It is created
// at pipeline start, mutated as each stage completes and immutable once
// terminal.
type Execution struct {
	ID         string          `json:"id" db:"id"`
	TaskID     string          `json:"task_id" db:"task_id"`
	Status     ExecutionStatus `json:"status" db:"status"`
	Result     *Result         `json:"result,omitempty" db:"result"`
	ErrorMsg   string          `json:"error,omitempty" db:"error_msg"`
	Steps      []Step          `json:"steps,omitempty"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case CompletedExecutionStatus, FailedExecutionStatus, CancelledExecutionStatus:
		return true
	}
	return false
}
