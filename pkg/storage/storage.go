package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations of the orchestrator.
//
// The lock operations are the concurrency foundation: each one must execute
// as a single conditional statement (compare-and-swap) against the backing
// store and report via its boolean whether the condition held. They must not
// be implemented as read-then-write.
type Store interface {
	// Begin starts a transaction scoped copy of the store. Commit and
	// Rollback only apply to stores returned by Begin.
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	ListTasks() ([]models.Task, error)
	UpdateTaskStatus(id string, status models.TaskStatus) error
	UpdateTaskStats(id string, stats models.TaskStats) error
	// IncrementCycleCount bumps the auto-loop counter and returns the new value.
	IncrementCycleCount(id string) (int, error)

	// Execution operations
	SaveExecution(e models.Execution) error
	GetExecution(id string) (models.Execution, error)
	ListRunningExecutions() ([]models.Execution, error)
	UpdateExecutionStatus(id string, status models.ExecutionStatus, errorMsg string) error
	UpdateExecutionResult(id string, result models.Result) error

	// Step operations
	SaveStep(s models.Step) error
	UpdateStep(executionID string, stage models.StageName, status models.StepStatus, result, errorMsg string) error

	// Agent decision audit trail
	SaveAgentDecision(d models.AgentDecision) error
	ListAgentDecisions(executionID string) ([]models.AgentDecision, error)

	// Lock operations, each a single atomic statement.
	// InsertLock fails (false, nil) when any lock row already exists for the
	// task, expired or not; a uniqueness violation on a concurrent insert
	// counts as acquisition failure, not an error.
	InsertLock(l models.ExecutionLock) (bool, error)
	// ReclaimExpiredLock transfers ownership only if the existing lock has
	// expired at the given instant.
	ReclaimExpiredLock(taskID, ownerExecutionID string, now, expiresAt time.Time) (bool, error)
	// RefreshLock extends expiry only if ownerExecutionID still owns the lock.
	RefreshLock(taskID, ownerExecutionID string, now, expiresAt time.Time) (bool, error)
	// DeleteLock removes the lock only if ownerExecutionID still owns it.
	DeleteLock(taskID, ownerExecutionID string) (bool, error)
	// DeleteLockUnchecked removes the lock regardless of owner; recovery only.
	DeleteLockUnchecked(taskID string) error
	GetLock(taskID string) (models.ExecutionLock, error)
	ListExpiredLocks(now time.Time) ([]models.ExecutionLock, error)

	// Position and order operations
	SaveOrder(o models.Order) error
	SavePosition(p models.Position) error
	// GetOpenPosition returns the single OPEN/OPENING position of a task,
	// or ErrNotFound.
	GetOpenPosition(taskID string) (models.Position, error)
	ClosePosition(id string, exitPrice, realizedPnL float64, closedAt time.Time) error

	// Safety circuit-breaker read model; ErrNotFound when never recorded.
	GetSafetyStatus(taskID string) (models.SafetyStatus, error)
}
