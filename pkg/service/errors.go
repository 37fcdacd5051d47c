package service

import "github.com/pkg/errors"

// Sentinel errors of the execution pipeline. Risk rejections are not errors;
// they surface as a rejected gate result and a completed execution.
var (
	// ErrLockContention means another execution currently owns the task.
	ErrLockContention = errors.New("task locked by another execution")
	// ErrPriceStale means the market moved adversely between analysis and
	// submission beyond the configured threshold.
	ErrPriceStale = errors.New("price stale")
	// ErrInsufficientBalance means sizing resolved to a quantity the
	// available balance cannot cover.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrTaskNotActive means the task is paused or disabled.
	ErrTaskNotActive = errors.New("task not active")
)
