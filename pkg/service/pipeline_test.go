package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/service"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

type pipelineFixture struct {
	store    storage.Store
	market   *stubMarket
	wallet   *stubWallet
	analyst  *stubAnalyst
	reviewer *stubReviewer
	runner   *service.PipelineRunner
}

func newPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:    storage.NewMockStore(),
		market:   newStubMarket(50000),
		wallet:   &stubWallet{balance: 10000, fillPrice: 50000},
		analyst:  &stubAnalyst{defaultOp: buyOpinion(0.8)},
		reviewer: approvingReviewer(),
	}
	logger := newLogger()
	locks := service.NewLockManager(f.store, logger)
	consensus := service.NewConsensusAggregator(f.analyst, f.store, logger)
	gate := service.NewRiskGate(f.reviewer, f.store, logger)
	executor := service.NewOrderExecutor(f.wallet, f.market, f.store, logger)
	f.runner = service.NewPipelineRunner(f.store, f.market, nil, f.wallet,
		consensus, gate, executor, locks, nil, logger)
	return f
}

func stepByStage(t *testing.T, execution models.Execution, stage models.StageName) models.Step {
	t.Helper()
	for _, s := range execution.Steps {
		if s.Stage == stage {
			return s
		}
	}
	t.Fatalf("step %s not found", stage)
	return models.Step{}
}

func TestPipelineHappyPath(t *testing.T) {
	f := newPipeline(t)
	task := newTask(models.SoloTaskMode)
	task.Config.Sizing.FixedUSD = 1000
	require.NoError(t, f.store.SaveTask(task))

	execution, err := f.runner.Run(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, models.CompletedExecutionStatus, execution.Status)
	require.NotNil(t, execution.Result)
	assert.Equal(t, models.BuyAction, execution.Result.Action)
	assert.NotEmpty(t, execution.Result.OrderID)
	assert.NotEmpty(t, execution.Result.PositionID)
	assert.NotNil(t, execution.FinishedAt)

	require.Len(t, execution.Steps, 4)
	for _, stage := range models.Stages {
		step := stepByStage(t, execution, stage)
		assert.Equal(t, models.CompletedStepStatus, step.Status, "stage %s", stage)
		assert.NotNil(t, step.FinishedAt, "stage %s", stage)
	}

	// lock released: a fresh acquire succeeds
	_, err = f.store.GetLock(task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// stats rolled up
	fresh, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Stats.Executions)
	assert.Equal(t, 1, fresh.Stats.Trades)
}

func TestPipelineNormalizesBareConfig(t *testing.T) {
	// Task rows written by other tooling can carry an empty config; the run
	// must fill defaults instead of tripping over missing roles.
	f := newPipeline(t)
	task := newTask(models.SoloTaskMode)
	task.Config = models.TaskConfig{}
	require.NoError(t, f.store.SaveTask(task))

	execution, err := f.runner.Run(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, models.CompletedExecutionStatus, execution.Status)
	require.NotNil(t, execution.Result)
	assert.Equal(t, models.BuyAction, execution.Result.Action)
	assert.Equal(t, []string{"analyst"}, f.analyst.roles())
}

func TestPipelineRejectionCompletesWithHold(t *testing.T) {
	f := newPipeline(t)
	f.analyst.defaultOp = buyOpinion(0.4) // below the 0.6 minimum
	task := newTask(models.SoloTaskMode)
	require.NoError(t, f.store.SaveTask(task))

	execution, err := f.runner.Run(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, models.CompletedExecutionStatus, execution.Status)
	require.NotNil(t, execution.Result)
	assert.Equal(t, models.HoldAction, execution.Result.Action)
	assert.Contains(t, execution.Result.Reasoning, "below minimum")

	decision := stepByStage(t, execution, models.DecisionStage)
	assert.Equal(t, models.SkippedStepStatus, decision.Status)

	riskStep := stepByStage(t, execution, models.RiskValidationStage)
	assert.Equal(t, models.CompletedStepStatus, riskStep.Status)

	// no order was placed
	assert.Empty(t, f.wallet.placed)
	assert.Empty(t, storage.Orders(f.store))

	fresh, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Stats.Executions)
	assert.Equal(t, 0, fresh.Stats.Trades)
}

func TestPipelineStageFailure(t *testing.T) {
	t.Run("data fetch failure fails the execution", func(t *testing.T) {
		f := newPipeline(t)
		f.market.candlesErr = errors.New("api down")
		task := newTask(models.SoloTaskMode)
		require.NoError(t, f.store.SaveTask(task))

		execution, err := f.runner.Run(context.Background(), task)
		require.Error(t, err)

		assert.Equal(t, models.FailedExecutionStatus, execution.Status)
		assert.Contains(t, execution.ErrorMsg, "api down")

		assert.Equal(t, models.FailedStepStatus, stepByStage(t, execution, models.DataFetchStage).Status)
		for _, stage := range []models.StageName{models.AnalysisStage, models.RiskValidationStage, models.DecisionStage} {
			step := stepByStage(t, execution, stage)
			assert.Equal(t, models.SkippedStepStatus, step.Status)
			assert.Equal(t, "not reached", step.ErrorMsg)
		}

		_, err = f.store.GetLock(task.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("analyst failure fails the analysis stage", func(t *testing.T) {
		f := newPipeline(t)
		f.analyst.err = errors.New("model timeout")
		task := newTask(models.SoloTaskMode)
		require.NoError(t, f.store.SaveTask(task))

		execution, err := f.runner.Run(context.Background(), task)
		require.Error(t, err)

		assert.Equal(t, models.FailedExecutionStatus, execution.Status)
		assert.Equal(t, models.CompletedStepStatus, stepByStage(t, execution, models.DataFetchStage).Status)
		assert.Equal(t, models.FailedStepStatus, stepByStage(t, execution, models.AnalysisStage).Status)
	})

	t.Run("failed execution still counts in stats", func(t *testing.T) {
		f := newPipeline(t)
		f.market.candlesErr = errors.New("api down")
		task := newTask(models.SoloTaskMode)
		require.NoError(t, f.store.SaveTask(task))

		_, _ = f.runner.Run(context.Background(), task)

		fresh, err := f.store.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, fresh.Stats.Executions)
	})
}

func TestPipelineLockContention(t *testing.T) {
	f := newPipeline(t)
	task := newTask(models.SoloTaskMode)
	require.NoError(t, f.store.SaveTask(task))

	now := time.Now().UTC()
	storage.SeedLock(f.store, models.ExecutionLock{
		TaskID:           task.ID,
		OwnerExecutionID: "exec-other",
		AcquiredAt:       now,
		ExpiresAt:        now.Add(30 * time.Minute),
		LastHeartbeat:    now,
	})

	_, err := f.runner.Run(context.Background(), task)
	assert.ErrorIs(t, err, service.ErrLockContention)

	// no execution record was created
	running, err := f.store.ListRunningExecutions()
	require.NoError(t, err)
	assert.Empty(t, running)

	// the competing lock is untouched
	lock, err := f.store.GetLock(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "exec-other", lock.OwnerExecutionID)
}

func TestPipelinePnLRollsIntoStats(t *testing.T) {
	f := newPipeline(t)
	task := newTask(models.SoloTaskMode)
	task.Config.Sizing.FixedUSD = 1000
	require.NoError(t, f.store.SaveTask(task))

	// existing short at a higher entry closes profitably before the buy
	openPosition(f.store, models.ShortPosition, 52000)

	execution, err := f.runner.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedExecutionStatus, execution.Status)

	fresh, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Stats.Wins)
	assert.Equal(t, 0, fresh.Stats.Losses)
	assert.InDelta(t, (52000-50000)*0.01, fresh.Stats.TotalPnL, 1e-6)
}
