package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

// Collaborators bundles the external clients the orchestrator depends on.
// They are constructed once at process start and injected; the orchestrator
// holds no global clients.
type Collaborators struct {
	Market    MarketDataClient
	Sentiment SentimentClient // optional, may be nil
	Analyst   AnalystAgent
	Reviewer  RiskReviewer
	Wallet    Wallet
	Notifier  ProgressNotifier // optional, may be nil
}

// OrchestratorService is the facade over the execution core: it triggers
// pipeline runs, manages the continuous loop and recovers stuck executions
// at startup.
type OrchestratorService struct {
	store     storage.Store
	logger    Logger
	locks     *LockManager
	pipeline  *PipelineRunner
	scheduler *AutoLoopScheduler
}

func NewOrchestratorService(ctx context.Context, store storage.Store, clients Collaborators, logger Logger) *OrchestratorService {
	locks := NewLockManager(store, logger)
	consensus := NewConsensusAggregator(clients.Analyst, store, logger)
	gate := NewRiskGate(clients.Reviewer, store, logger)
	executor := NewOrderExecutor(clients.Wallet, clients.Market, store, logger)
	pipeline := NewPipelineRunner(store, clients.Market, clients.Sentiment, clients.Wallet,
		consensus, gate, executor, locks, clients.Notifier, logger)

	svc := &OrchestratorService{
		store:    store,
		logger:   logger,
		locks:    locks,
		pipeline: pipeline,
	}
	svc.scheduler = NewAutoLoopScheduler(ctx, store, svc.runCycle, logger)
	svc.scheduler.Start(0)
	return svc
}

// Close drains the scheduler.
func (s *OrchestratorService) Close() {
	s.scheduler.Stop()
}

// TriggerOnce runs one pipeline cycle for the task and returns the resulting
// execution. Lock contention surfaces as ErrLockContention; pipeline
// failures return the failed execution record alongside the error.
func (s *OrchestratorService) TriggerOnce(ctx context.Context, taskID string) (models.Execution, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.Execution{}, errors.Wrapf(err, "load task %s", taskID)
	}
	if !task.Active() {
		return models.Execution{}, errors.Wrapf(ErrTaskNotActive, "task %s is %s", taskID, task.Status)
	}

	execution, runErr := s.pipeline.Run(ctx, task)
	if errors.Is(runErr, ErrLockContention) {
		return models.Execution{}, runErr
	}

	// The loop continues regardless of how the execution ended; only an
	// explicit pause or the cycle limit stops it.
	if ReschedulableStatus(execution.Status) {
		if _, err := s.scheduler.ScheduleNext(taskID); err != nil {
			s.logger.Errorf("Failed to schedule next cycle for task %s: %v", taskID, err)
		}
	}
	return execution, runErr
}

// runCycle is the scheduler's callback; it reuses TriggerOnce semantics.
func (s *OrchestratorService) runCycle(ctx context.Context, taskID string) error {
	_, err := s.TriggerOnce(ctx, taskID)
	if errors.Is(err, ErrTaskNotActive) {
		// Paused between scheduling and firing; skip silently.
		s.logger.Debugf("Task %s no longer active, skipping cycle", taskID)
		return nil
	}
	return err
}

// StartContinuous enables the auto-loop for a task and queues the first run.
func (s *OrchestratorService) StartContinuous(taskID string) (models.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "load task %s", taskID)
	}
	task.Status = models.ActiveTaskStatus
	task.Config.Loop.Enabled = true
	task.Config.Normalize()
	task.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveTask(task); err != nil {
		return models.Task{}, errors.Wrapf(err, "save task %s", taskID)
	}
	s.scheduler.TriggerNow(taskID)
	s.logger.Infof("Started continuous execution of task %s (interval %s)", taskID, task.Config.Loop.Interval)
	return task, nil
}

// StopContinuous pauses the task and disables its loop. Pausing is the only
// cancellation surface: in-flight executions finish, new ones do not start.
func (s *OrchestratorService) StopContinuous(taskID string) (models.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "load task %s", taskID)
	}
	task.Status = models.PausedTaskStatus
	task.Config.Loop.Enabled = false
	task.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveTask(task); err != nil {
		return models.Task{}, errors.Wrapf(err, "save task %s", taskID)
	}
	s.logger.Infof("Stopped continuous execution of task %s", taskID)
	return task, nil
}

// RecoverStuckOnStartup reconciles crash leftovers: executions still marked
// running whose lock expired are failed and unlocked, and running executions
// with no lock at all are failed with a distinct reason. Returns the number
// of executions recovered.
func (s *OrchestratorService) RecoverStuckOnStartup(ctx context.Context) (int, error) {
	_ = ctx
	recovered := 0

	expired, err := s.store.ListExpiredLocks(time.Now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "list expired locks")
	}
	for _, lock := range expired {
		execution, err := s.store.GetExecution(lock.OwnerExecutionID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Errorf("Failed to load execution %s during recovery: %v", lock.OwnerExecutionID, err)
			continue
		}
		if err == nil && execution.Status == models.RunningExecutionStatus {
			if err := s.store.UpdateExecutionStatus(execution.ID, models.FailedExecutionStatus, "lock expired"); err != nil {
				s.logger.Errorf("Failed to fail execution %s during recovery: %v", execution.ID, err)
				continue
			}
			recovered++
			s.logger.Warnf("Recovered execution %s of task %s: lock expired", execution.ID, lock.TaskID)
		}
		if err := s.store.DeleteLockUnchecked(lock.TaskID); err != nil {
			s.logger.Errorf("Failed to delete expired lock for task %s: %v", lock.TaskID, err)
		}
	}

	running, err := s.store.ListRunningExecutions()
	if err != nil {
		return recovered, errors.Wrap(err, "list running executions")
	}
	for _, execution := range running {
		_, err := s.store.GetLock(execution.TaskID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Errorf("Failed to load lock for task %s during recovery: %v", execution.TaskID, err)
			continue
		}
		if err := s.store.UpdateExecutionStatus(execution.ID, models.FailedExecutionStatus, "orphaned, no lock found"); err != nil {
			s.logger.Errorf("Failed to fail orphaned execution %s: %v", execution.ID, err)
			continue
		}
		recovered++
		s.logger.Warnf("Recovered orphaned execution %s of task %s: no lock found", execution.ID, execution.TaskID)
	}

	if recovered > 0 {
		s.logger.Infof("Startup recovery marked %d executions failed", recovered)
	}
	return recovered, nil
}

// CreateTask validates and persists a new task with normalized config.
func (s *OrchestratorService) CreateTask(name, symbol string, mode models.TaskMode, cfg models.TaskConfig) (models.Task, error) {
	if name == "" {
		return models.Task{}, errors.New("task name cannot be empty")
	}
	if len(name) > 100 {
		return models.Task{}, errors.New("task name too long (max 100 characters)")
	}
	if symbol == "" {
		return models.Task{}, errors.New("task symbol cannot be empty")
	}
	switch mode {
	case models.SoloTaskMode, models.SwarmTaskMode:
	default:
		return models.Task{}, fmt.Errorf("invalid mode %q; must be SOLO or SWARM", mode)
	}
	cfg.Normalize()

	now := time.Now().UTC()
	task := models.Task{
		ID:        uuid.NewString(),
		Name:      name,
		Symbol:    symbol,
		Mode:      mode,
		Trigger:   models.ManualTrigger,
		Status:    models.ActiveTaskStatus,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveTask(task); err != nil {
		return models.Task{}, errors.Wrap(err, "save task")
	}
	s.logger.Infof("Created task '%s' (%s, %s) with ID %s", name, symbol, mode, task.ID)
	return task, nil
}

// UpdateTaskStatus changes a task's lifecycle status.
func (s *OrchestratorService) UpdateTaskStatus(taskID string, status models.TaskStatus) error {
	switch status {
	case models.ActiveTaskStatus, models.PausedTaskStatus, models.DisabledTaskStatus:
	default:
		return fmt.Errorf("invalid status %q; must be ACTIVE, PAUSED or DISABLED", status)
	}
	if err := s.store.UpdateTaskStatus(taskID, status); err != nil {
		return errors.Wrapf(err, "update task %s", taskID)
	}
	s.logger.Infof("Updated task %s to status %s", taskID, status)
	return nil
}

func (s *OrchestratorService) GetTask(taskID string) (models.Task, error) {
	return s.store.GetTask(taskID)
}

func (s *OrchestratorService) ListTasks() ([]models.Task, error) {
	return s.store.ListTasks()
}

func (s *OrchestratorService) GetExecution(executionID string) (models.Execution, error) {
	return s.store.GetExecution(executionID)
}
