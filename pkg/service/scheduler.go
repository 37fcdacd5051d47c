package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

// RunFunc triggers one pipeline cycle for a task. The scheduler invokes it
// from its own workers.
type RunFunc func(ctx context.Context, taskID string) error

type scheduledRun struct {
	taskID  string
	fireAt  time.Time
	retried bool
}

// AutoLoopScheduler owns the delayed re-triggering of tasks. Runs are queued
// and consumed by a supervised worker pool instead of detached timers, so a
// failing delayed run is observed, retried once, and then dropped with a log
// rather than silently swallowed.
type AutoLoopScheduler struct {
	store  storage.Store
	run    RunFunc
	logger Logger

	queue chan scheduledRun
	wg    sync.WaitGroup
	ctx   context.Context

	mu      sync.Mutex
	stopped bool
}

func NewAutoLoopScheduler(ctx context.Context, store storage.Store, run RunFunc, logger Logger) *AutoLoopScheduler {
	return &AutoLoopScheduler{
		store:  store,
		run:    run,
		logger: logger,
		queue:  make(chan scheduledRun, 64),
		ctx:    ctx,
	}
}

// Start launches the worker goroutines consuming scheduled runs.
func (s *AutoLoopScheduler) Start(workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop stops accepting new runs and waits for workers to drain.
func (s *AutoLoopScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

// ScheduleNext decides whether the task gets another cycle after an
// execution finished, regardless of how it finished. Returns true when a run
// was queued.
func (s *AutoLoopScheduler) ScheduleNext(taskID string) (bool, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return false, errors.Wrapf(err, "load task %s", taskID)
	}
	if !task.Active() || !task.Config.Loop.Enabled {
		s.logger.Debugf("Task %s not active or loop disabled, not rescheduling", taskID)
		return false, nil
	}

	cycle, err := s.store.IncrementCycleCount(taskID)
	if err != nil {
		return false, errors.Wrapf(err, "increment cycle count for task %s", taskID)
	}
	if max := task.Config.Loop.MaxCycles; max > 0 && cycle > max {
		s.logger.Infof("Task %s reached max cycles (%d), stopping loop", taskID, max)
		return false, nil
	}

	delay := task.Config.Loop.Interval
	if delay < minSchedulerDelay {
		delay = minSchedulerDelay
	}
	return s.enqueue(scheduledRun{taskID: taskID, fireAt: time.Now().Add(delay)}), nil
}

// TriggerNow queues an immediate run, used by StartContinuous.
func (s *AutoLoopScheduler) TriggerNow(taskID string) bool {
	return s.enqueue(scheduledRun{taskID: taskID, fireAt: time.Now()})
}

const minSchedulerDelay = 5 * time.Second

func (s *AutoLoopScheduler) enqueue(r scheduledRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.queue <- r:
		s.logger.Debugf("Scheduled task %s to run at %s", r.taskID, r.fireAt.Format(time.RFC3339))
		return true
	default:
		s.logger.Errorf("Scheduler queue full, dropping run for task %s", r.taskID)
		return false
	}
}

func (s *AutoLoopScheduler) worker() {
	defer s.wg.Done()
	for r := range s.queue {
		if !s.wait(r.fireAt) {
			return
		}
		s.fire(r)
	}
}

// wait blocks until fireAt or scheduler shutdown; false means shut down.
func (s *AutoLoopScheduler) wait(fireAt time.Time) bool {
	delay := time.Until(fireAt)
	if delay <= 0 {
		return s.ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fire re-checks the task right before running: a task paused or deleted
// during the delay is skipped silently. A failing run is rescheduled exactly
// once, then given up with a log.
func (s *AutoLoopScheduler) fire(r scheduledRun) {
	task, err := s.store.GetTask(r.taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debugf("Task %s gone before scheduled run, skipping", r.taskID)
			return
		}
		s.logger.Errorf("Failed to load task %s before scheduled run: %v", r.taskID, err)
		return
	}
	if !task.Active() {
		s.logger.Debugf("Task %s is %s, skipping scheduled run", r.taskID, task.Status)
		return
	}

	if err := s.safeRun(r.taskID); err != nil {
		if errors.Is(err, ErrLockContention) {
			// Normal overlap with a concurrent trigger, not a fault.
			s.logger.Infof("Scheduled run of task %s skipped: %v", r.taskID, err)
			return
		}
		if r.retried {
			s.logger.Errorf("Scheduled run of task %s failed twice, giving up: %v", r.taskID, err)
			return
		}
		s.logger.Warnf("Scheduled run of task %s failed, retrying once: %v", r.taskID, err)
		s.enqueue(scheduledRun{taskID: r.taskID, fireAt: time.Now().Add(minSchedulerDelay), retried: true})
	}
}

func (s *AutoLoopScheduler) safeRun(taskID string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("panic in scheduled run: %v", rec)
		}
	}()
	return s.run(s.ctx, taskID)
}

// ReschedulableStatus reports whether an execution status allows another
// loop cycle. Every terminal status does: only an explicit pause or the
// cycle limit stops a loop.
func ReschedulableStatus(status models.ExecutionStatus) bool {
	switch status {
	case models.CompletedExecutionStatus, models.FailedExecutionStatus, models.CancelledExecutionStatus:
		return true
	}
	return false
}
