package models

import "time"

// ExecutionLock is the single-flight mutex document for a task. At most one
// non-expired lock may exist per task, and only the execution named in
// OwnerExecutionID may refresh or delete it.
type ExecutionLock struct {
	TaskID           string    `json:"task_id" db:"task_id"`
	OwnerExecutionID string    `json:"owner_execution_id" db:"owner_execution_id"`
	AcquiredAt       time.Time `json:"acquired_at" db:"acquired_at"`
	ExpiresAt        time.Time `json:"expires_at" db:"expires_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat" db:"last_heartbeat"`
}

// Expired reports whether the lock may be reclaimed at the given instant.
func (l ExecutionLock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}
