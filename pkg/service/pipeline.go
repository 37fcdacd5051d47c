package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

const (
	defaultCandleInterval = "15m"
	defaultCandleCount    = 50
)

// PipelineRunner drives one execution through the four fixed stages:
// data_fetch, analysis, risk_validation, decision. Stages run strictly
// sequentially; step progress is persisted synchronously so stage N's
// effects are visible before stage N+1 begins.
type PipelineRunner struct {
	store     storage.Store
	market    MarketDataClient
	sentiment SentimentClient // optional
	wallet    Wallet
	consensus *ConsensusAggregator
	gate      *RiskGate
	executor  *OrderExecutor
	locks     *LockManager
	notifier  ProgressNotifier
	logger    Logger

	candleInterval string
	candleCount    int
}

func NewPipelineRunner(
	store storage.Store,
	market MarketDataClient,
	sentiment SentimentClient,
	wallet Wallet,
	consensus *ConsensusAggregator,
	gate *RiskGate,
	executor *OrderExecutor,
	locks *LockManager,
	notifier ProgressNotifier,
	logger Logger,
) *PipelineRunner {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &PipelineRunner{
		store:          store,
		market:         market,
		sentiment:      sentiment,
		wallet:         wallet,
		consensus:      consensus,
		gate:           gate,
		executor:       executor,
		locks:          locks,
		notifier:       notifier,
		logger:         logger,
		candleInterval: defaultCandleInterval,
		candleCount:    defaultCandleCount,
	}
}

// Run executes one full pipeline for the task. It returns ErrLockContention
// without creating an execution when another execution owns the task. All
// other failures are recorded on the execution and returned; the lock is
// released on every path.
func (pr *PipelineRunner) Run(ctx context.Context, task models.Task) (models.Execution, error) {
	// Rows written by hand or by older versions may miss defaults; every
	// stage below relies on a normalized config.
	task.Config.Normalize()

	executionID := uuid.NewString()

	acquired, err := pr.locks.Acquire(task.ID, executionID)
	if err != nil {
		return models.Execution{}, errors.Wrap(err, "acquire lock")
	}
	if !acquired {
		pr.logger.Infof("Task %s is locked, skipping execution", task.ID)
		return models.Execution{}, ErrLockContention
	}
	defer pr.locks.Release(task.ID, executionID)

	execution := models.Execution{
		ID:        executionID,
		TaskID:    task.ID,
		Status:    models.RunningExecutionStatus,
		StartedAt: time.Now().UTC(),
	}
	if err := pr.createExecution(execution); err != nil {
		return models.Execution{}, errors.Wrap(err, "create execution")
	}

	runErr := pr.runStages(ctx, task, executionID)
	if runErr != nil {
		pr.logger.Errorf("Execution %s of task %s failed: %v", executionID, task.ID, runErr)
	}

	final, err := pr.store.GetExecution(executionID)
	if err != nil {
		return execution, errors.Wrap(err, "reload execution")
	}
	return final, runErr
}

// createExecution persists the execution and its four pending steps in one
// transaction so a crash cannot leave a stepless execution.
func (pr *PipelineRunner) createExecution(execution models.Execution) (err error) {
	txStore, err := pr.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				pr.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			pr.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = txStore.SaveExecution(execution); err != nil {
		return err
	}
	for _, stage := range models.Stages {
		if err = txStore.SaveStep(models.Step{
			ExecutionID: execution.ID,
			Stage:       stage,
			Status:      models.PendingStepStatus,
		}); err != nil {
			return err
		}
	}
	return nil
}

// runStages walks the state machine. Panics in collaborators are converted
// into stage failures so a misbehaving client cannot take the scheduler down.
func (pr *PipelineRunner) runStages(ctx context.Context, task models.Task, executionID string) (runErr error) {
	currentStage := models.DataFetchStage
	defer func() {
		if r := recover(); r != nil {
			runErr = errors.Errorf("panic in stage %s: %v", currentStage, r)
			pr.failFrom(task, executionID, currentStage, runErr)
		}
	}()

	// Stage 1: data fetch. Any failure here is fatal for the execution.
	pr.startStep(executionID, currentStage, 10, "collecting market data")
	mctx, err := pr.fetchMarketContext(ctx, task)
	if err != nil {
		err = errors.Wrap(err, "data fetch")
		pr.failFrom(task, executionID, currentStage, err)
		return err
	}
	pr.completeStep(executionID, currentStage, 25, mctx)
	pr.heartbeat(task.ID, executionID)

	// Stage 2: analysis via the consensus aggregator.
	currentStage = models.AnalysisStage
	pr.startStep(executionID, currentStage, 30, "running analysts")
	consensus, err := pr.consensus.Aggregate(ctx, task, executionID, mctx)
	if err != nil {
		err = errors.Wrap(err, "analysis")
		pr.failFrom(task, executionID, currentStage, err)
		return err
	}
	pr.completeStep(executionID, currentStage, 50, consensus)
	pr.heartbeat(task.ID, executionID)

	// Stage 3: risk validation.
	currentStage = models.RiskValidationStage
	pr.startStep(executionID, currentStage, 55, "validating risk")
	gate, err := pr.gate.Validate(ctx, task, executionID, mctx, consensus)
	if err != nil {
		err = errors.Wrap(err, "risk validation")
		pr.failFrom(task, executionID, currentStage, err)
		return err
	}
	pr.completeStep(executionID, currentStage, 75, gate)
	pr.heartbeat(task.ID, executionID)

	currentStage = models.DecisionStage
	if gate.Outcome == GateRejected {
		// A rejection is a valid outcome: the decision stage is skipped and
		// the execution completes with a hold result.
		pr.skipStep(executionID, currentStage, gate.Reason)
		result := models.Result{
			Action:     models.HoldAction,
			Confidence: gate.Confidence,
			Reasoning:  gate.Reason,
		}
		if err := pr.finishExecution(task, executionID, result, nil); err != nil {
			return err
		}
		pr.emit(executionID, currentStage, 100, "rejected: "+gate.Reason)
		return nil
	}

	// Stage 4: decision and order execution.
	pr.startStep(executionID, currentStage, 80, "executing decision")
	outcome, err := pr.executor.Execute(ctx, task, executionID, mctx, gate)
	if err != nil {
		err = errors.Wrap(err, "decision")
		pr.failFrom(task, executionID, currentStage, err)
		return err
	}

	result := models.Result{
		Action:     outcome.Action,
		Confidence: gate.Confidence,
		Reasoning:  consensus.Reasoning,
	}
	if outcome.Reason != "" {
		result.Reasoning = outcome.Reason
	}
	if outcome.Order != nil {
		result.OrderID = outcome.Order.ID
	}
	if outcome.Position != nil {
		result.PositionID = outcome.Position.ID
	}
	pr.completeStep(executionID, currentStage, 95, outcome)
	if err := pr.finishExecution(task, executionID, result, &outcome); err != nil {
		return err
	}
	pr.emit(executionID, currentStage, 100, fmt.Sprintf("completed: %s", result.Action))
	return nil
}

func (pr *PipelineRunner) fetchMarketContext(ctx context.Context, task models.Task) (models.MarketContext, error) {
	candles, err := pr.market.GetRecentCandles(ctx, task.Symbol, pr.candleInterval, pr.candleCount)
	if err != nil {
		return models.MarketContext{}, errors.Wrap(err, "candles")
	}
	ticker, err := pr.market.Get24hTicker(ctx, task.Symbol)
	if err != nil {
		return models.MarketContext{}, errors.Wrap(err, "ticker")
	}
	price, err := pr.market.GetCurrentPrice(ctx, task.Symbol)
	if err != nil {
		return models.MarketContext{}, errors.Wrap(err, "price")
	}

	mctx := models.MarketContext{
		Symbol:      task.Symbol,
		Price:       price,
		Candles:     candles,
		Ticker:      ticker,
		SMA:         closeSMA(candles),
		CollectedAt: time.Now().UTC(),
	}

	if pr.sentiment != nil {
		signal, err := pr.sentiment.GetSignal(ctx, task.Symbol)
		if err != nil {
			// Absence of a signal is a valid outcome; only log it.
			pr.logger.Warnf("Sentiment unavailable for %s: %v", task.Symbol, err)
		} else {
			mctx.Sentiment = signal
		}
	}

	balance, err := pr.wallet.GetBalance(ctx, models.QuoteAsset(task.Symbol))
	if err != nil {
		return models.MarketContext{}, errors.Wrap(err, "balance")
	}
	mctx.QuoteBalance = balance
	mctx.PortfolioValue = balance
	if pos, err := pr.store.GetOpenPosition(task.ID); err == nil {
		mctx.PortfolioValue += pos.Quantity * price
	}
	return mctx, nil
}

func closeSMA(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Close
	}
	return sum / float64(len(candles))
}

// finishExecution writes the result, the terminal status and the rolled-up
// task statistics.
func (pr *PipelineRunner) finishExecution(task models.Task, executionID string, result models.Result, outcome *ExecOutcome) error {
	if err := pr.store.UpdateExecutionResult(executionID, result); err != nil {
		return errors.Wrap(err, "persist result")
	}
	if err := pr.store.UpdateExecutionStatus(executionID, models.CompletedExecutionStatus, ""); err != nil {
		return errors.Wrap(err, "complete execution")
	}
	pr.updateStats(task, result, outcome)
	return nil
}

func (pr *PipelineRunner) updateStats(task models.Task, result models.Result, outcome *ExecOutcome) {
	fresh, err := pr.store.GetTask(task.ID)
	if err != nil {
		pr.logger.Errorf("Failed to reload task %s for stats: %v", task.ID, err)
		return
	}
	stats := fresh.Stats
	stats.Executions++
	if outcome != nil {
		if outcome.Order != nil {
			stats.Trades++
		}
		if closed := outcome.ClosedPosition; closed != nil {
			stats.TotalPnL += closed.RealizedPnL
			if closed.RealizedPnL >= 0 {
				stats.Wins++
			} else {
				stats.Losses++
			}
		}
	}
	if err := pr.store.UpdateTaskStats(task.ID, stats); err != nil {
		pr.logger.Errorf("Failed to update stats for task %s: %v", task.ID, err)
	}
}

// failFrom marks the failing stage and all stages after it, then fails the
// execution. Failure does not stop the recurring cycle; the caller still
// schedules the auto-loop.
func (pr *PipelineRunner) failFrom(task models.Task, executionID string, stage models.StageName, cause error) {
	reached := false
	for _, s := range models.Stages {
		if s == stage {
			reached = true
			if err := pr.store.UpdateStep(executionID, s, models.FailedStepStatus, "", cause.Error()); err != nil {
				pr.logger.Errorf("Failed to mark step %s failed: %v", s, err)
			}
			continue
		}
		if reached {
			if err := pr.store.UpdateStep(executionID, s, models.SkippedStepStatus, "", "not reached"); err != nil {
				pr.logger.Errorf("Failed to mark step %s skipped: %v", s, err)
			}
		}
	}
	if err := pr.store.UpdateExecutionStatus(executionID, models.FailedExecutionStatus, cause.Error()); err != nil {
		pr.logger.Errorf("Failed to mark execution %s failed: %v", executionID, err)
	}
	pr.updateStats(task, models.Result{}, nil)
	pr.emit(executionID, stage, 100, "failed: "+cause.Error())
}

func (pr *PipelineRunner) startStep(executionID string, stage models.StageName, percent int, message string) {
	if err := pr.store.UpdateStep(executionID, stage, models.RunningStepStatus, "", ""); err != nil {
		pr.logger.Errorf("Failed to mark step %s running: %v", stage, err)
	}
	pr.emit(executionID, stage, percent, message)
}

func (pr *PipelineRunner) completeStep(executionID string, stage models.StageName, percent int, payload interface{}) {
	result := ""
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			result = string(b)
		}
	}
	if err := pr.store.UpdateStep(executionID, stage, models.CompletedStepStatus, result, ""); err != nil {
		pr.logger.Errorf("Failed to mark step %s completed: %v", stage, err)
	}
	pr.emit(executionID, stage, percent, string(stage)+" completed")
}

func (pr *PipelineRunner) skipStep(executionID string, stage models.StageName, reason string) {
	if err := pr.store.UpdateStep(executionID, stage, models.SkippedStepStatus, "", reason); err != nil {
		pr.logger.Errorf("Failed to mark step %s skipped: %v", stage, err)
	}
}

// heartbeat keeps the lock alive between long stages. Losing it here is
// pathological (the TTL far exceeds a stage); log and carry on, release
// will report the theft.
func (pr *PipelineRunner) heartbeat(taskID, executionID string) {
	if _, err := pr.locks.Heartbeat(taskID, executionID); err != nil {
		pr.logger.Errorf("Heartbeat failed for task %s: %v", taskID, err)
	}
}

// emit forwards progress to the notifier; notifier faults never reach the
// pipeline.
func (pr *PipelineRunner) emit(executionID string, stage models.StageName, percent int, message string) {
	defer func() {
		if r := recover(); r != nil {
			pr.logger.Warnf("Progress notifier panicked: %v", r)
		}
	}()
	pr.notifier.Emit(executionID, stage, percent, message)
}
