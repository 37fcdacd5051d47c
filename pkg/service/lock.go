package service

import (
	"time"

	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

// LockTTL is how long an execution may hold the task lock without a
// heartbeat before another execution can take over.
const LockTTL = 30 * time.Minute

// LockManager guards the at-most-one-execution-per-task invariant with a
// lock document in the shared store. Every operation maps onto a single
// conditional store statement; the expiry is the backstop against crashed
// owners.
type LockManager struct {
	store  storage.Store
	ttl    time.Duration
	logger Logger
	now    func() time.Time
}

func NewLockManager(store storage.Store, logger Logger) *LockManager {
	return &LockManager{
		store:  store,
		ttl:    LockTTL,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Acquire claims the task lock for executionID. It first attempts a plain
// insert; if a row already exists it falls back to a conditional takeover
// that only succeeds when the existing lock has expired. The re-check inside
// the store statement closes the race between observing an expired lock and
// claiming it.
func (lm *LockManager) Acquire(taskID, executionID string) (bool, error) {
	now := lm.now()
	ok, err := lm.store.InsertLock(models.ExecutionLock{
		TaskID:           taskID,
		OwnerExecutionID: executionID,
		AcquiredAt:       now,
		ExpiresAt:        now.Add(lm.ttl),
		LastHeartbeat:    now,
	})
	if err != nil {
		return false, errors.Wrapf(err, "insert lock for task %s", taskID)
	}
	if ok {
		lm.logger.Debugf("Execution %s acquired lock on task %s", executionID, taskID)
		return true, nil
	}

	ok, err = lm.store.ReclaimExpiredLock(taskID, executionID, now, now.Add(lm.ttl))
	if err != nil {
		return false, errors.Wrapf(err, "reclaim lock for task %s", taskID)
	}
	if ok {
		lm.logger.Infof("Execution %s reclaimed expired lock on task %s", executionID, taskID)
	}
	return ok, nil
}

// Heartbeat extends the lock expiry, but only while executionID still owns
// it. A revived owner whose lock was reclaimed gets false and must stop.
func (lm *LockManager) Heartbeat(taskID, executionID string) (bool, error) {
	now := lm.now()
	ok, err := lm.store.RefreshLock(taskID, executionID, now, now.Add(lm.ttl))
	if err != nil {
		return false, errors.Wrapf(err, "refresh lock for task %s", taskID)
	}
	if !ok {
		lm.logger.Warnf("Execution %s lost lock on task %s before heartbeat", executionID, taskID)
	}
	return ok, nil
}

// Release deletes the lock if executionID still owns it. Failure to release
// is logged, never retried; expiry cleans up whatever remains.
func (lm *LockManager) Release(taskID, executionID string) bool {
	ok, err := lm.store.DeleteLock(taskID, executionID)
	if err != nil {
		lm.logger.Errorf("Failed to release lock on task %s: %v", taskID, err)
		return false
	}
	if !ok {
		lm.logger.Warnf("Execution %s no longer owned lock on task %s at release", executionID, taskID)
	}
	return ok
}
