package storage_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_storage "github.com/aeolus87/moniqo-be-sub000/internal/storage"
	"github.com/aeolus87/moniqo-be-sub000/internal/testutil"
	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	newTxStore := func(t *testing.T) storage.Store {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		txStore, err := store.Begin()
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = txStore.Rollback()
			store.Close()
		})
		return txStore
	}

	newTestTask := func(id string) models.Task {
		now := time.Now().UTC().Truncate(time.Millisecond)
		return models.Task{
			ID:        id,
			Name:      "btc momentum",
			Symbol:    "BTCUSDT",
			Mode:      models.SwarmTaskMode,
			Trigger:   models.ManualTrigger,
			Status:    models.ActiveTaskStatus,
			Config:    models.DefaultTaskConfig(),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	t.Run("SaveAndGetTask", func(t *testing.T) {
		store := newTxStore(t)
		task := newTestTask("task-1")
		task.Config.Consensus.Roles = []string{"technical", "fundamental"}
		task.Config.Risk.MaxPositionUSD = 5000

		require.NoError(t, store.SaveTask(task))

		saved, err := store.GetTask("task-1")
		require.NoError(t, err)
		assert.Equal(t, task.Name, saved.Name)
		assert.Equal(t, task.Mode, saved.Mode)
		assert.Equal(t, []string{"technical", "fundamental"}, saved.Config.Consensus.Roles)
		assert.Equal(t, float64(5000), saved.Config.Risk.MaxPositionUSD)
	})

	t.Run("GetMissingTask", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetTask("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveTaskUpserts", func(t *testing.T) {
		store := newTxStore(t)
		task := newTestTask("task-1")
		require.NoError(t, store.SaveTask(task))

		task.Name = "renamed"
		task.Status = models.PausedTaskStatus
		require.NoError(t, store.SaveTask(task))

		saved, err := store.GetTask("task-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", saved.Name)
		assert.Equal(t, models.PausedTaskStatus, saved.Status)
	})

	t.Run("UpdateTaskStatsAndCycles", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveTask(newTestTask("task-1")))

		stats := models.TaskStats{Executions: 5, Trades: 2, Wins: 1, Losses: 1, TotalPnL: 12.5}
		require.NoError(t, store.UpdateTaskStats("task-1", stats))

		n, err := store.IncrementCycleCount("task-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = store.IncrementCycleCount("task-1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		saved, err := store.GetTask("task-1")
		require.NoError(t, err)
		assert.Equal(t, stats, saved.Stats)
		assert.Equal(t, 2, saved.CycleCount)
	})

	t.Run("ExecutionLifecycle", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveTask(newTestTask("task-1")))

		execution := models.Execution{
			ID:        "exec-1",
			TaskID:    "task-1",
			Status:    models.RunningExecutionStatus,
			StartedAt: time.Now().UTC(),
		}
		require.NoError(t, store.SaveExecution(execution))
		for _, stage := range models.Stages {
			require.NoError(t, store.SaveStep(models.Step{
				ExecutionID: "exec-1",
				Stage:       stage,
				Status:      models.PendingStepStatus,
			}))
		}

		running, err := store.ListRunningExecutions()
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Nil(t, running[0].Result)

		require.NoError(t, store.UpdateStep("exec-1", models.DataFetchStage, models.RunningStepStatus, "", ""))
		require.NoError(t, store.UpdateStep("exec-1", models.DataFetchStage, models.CompletedStepStatus, `{"price":50000}`, ""))

		result := models.Result{Action: models.BuyAction, Confidence: 0.72, Reasoning: "momentum"}
		require.NoError(t, store.UpdateExecutionResult("exec-1", result))
		require.NoError(t, store.UpdateExecutionStatus("exec-1", models.CompletedExecutionStatus, ""))

		saved, err := store.GetExecution("exec-1")
		require.NoError(t, err)
		assert.Equal(t, models.CompletedExecutionStatus, saved.Status)
		require.NotNil(t, saved.Result)
		assert.Equal(t, models.BuyAction, saved.Result.Action)
		assert.InDelta(t, 0.72, saved.Result.Confidence, 1e-9)
		assert.NotNil(t, saved.FinishedAt)
		require.Len(t, saved.Steps, 4)

		fetch := saved.Steps[0]
		assert.Equal(t, models.DataFetchStage, fetch.Stage)
		assert.Equal(t, models.CompletedStepStatus, fetch.Status)
		assert.Equal(t, `{"price":50000}`, fetch.Result)
		assert.NotNil(t, fetch.StartedAt)
		assert.NotNil(t, fetch.FinishedAt)
	})

	t.Run("AgentDecisions", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveTask(newTestTask("task-1")))
		require.NoError(t, store.SaveExecution(models.Execution{
			ID: "exec-1", TaskID: "task-1",
			Status: models.RunningExecutionStatus, StartedAt: time.Now().UTC(),
		}))

		require.NoError(t, store.SaveAgentDecision(models.AgentDecision{
			ExecutionID: "exec-1", Role: "technical",
			Action: models.BuyAction, Confidence: 0.8, Reasoning: "breakout",
		}))
		require.NoError(t, store.SaveAgentDecision(models.AgentDecision{
			ExecutionID: "exec-1", Role: "consensus",
			Action: models.BuyAction, Confidence: 0.8, Data: `{"agreement":100}`,
		}))

		decisions, err := store.ListAgentDecisions("exec-1")
		require.NoError(t, err)
		require.Len(t, decisions, 2)
		assert.Equal(t, "technical", decisions[0].Role)
		assert.Equal(t, "consensus", decisions[1].Role)
	})

	t.Run("LockCAS", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveTask(newTestTask("task-1")))
		now := time.Now().UTC()

		lock := models.ExecutionLock{
			TaskID:           "task-1",
			OwnerExecutionID: "exec-a",
			AcquiredAt:       now,
			ExpiresAt:        now.Add(30 * time.Minute),
			LastHeartbeat:    now,
		}
		ok, err := store.InsertLock(lock)
		require.NoError(t, err)
		assert.True(t, ok)

		// second insert conflicts
		lock.OwnerExecutionID = "exec-b"
		ok, err = store.InsertLock(lock)
		require.NoError(t, err)
		assert.False(t, ok)

		// reclaim fails while the lock is live
		ok, err = store.ReclaimExpiredLock("task-1", "exec-b", now, now.Add(30*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		// refresh only works for the owner
		ok, err = store.RefreshLock("task-1", "exec-b", now, now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = store.RefreshLock("task-1", "exec-a", now, now.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)

		// reclaim succeeds once expired from the reclaimer's point of view
		future := now.Add(2 * time.Hour)
		ok, err = store.ReclaimExpiredLock("task-1", "exec-b", future, future.Add(30*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		saved, err := store.GetLock("task-1")
		require.NoError(t, err)
		assert.Equal(t, "exec-b", saved.OwnerExecutionID)

		// delete only works for the owner
		ok, err = store.DeleteLock("task-1", "exec-a")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = store.DeleteLock("task-1", "exec-b")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = store.GetLock("task-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ExpiredLocks", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveTask(newTestTask("task-1")))
		past := time.Now().UTC().Add(-time.Hour)

		ok, err := store.InsertLock(models.ExecutionLock{
			TaskID:           "task-1",
			OwnerExecutionID: "exec-dead",
			AcquiredAt:       past,
			ExpiresAt:        past.Add(30 * time.Minute),
			LastHeartbeat:    past,
		})
		require.NoError(t, err)
		require.True(t, ok)

		expired, err := store.ListExpiredLocks(time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "exec-dead", expired[0].OwnerExecutionID)

		require.NoError(t, store.DeleteLockUnchecked("task-1"))
		_, err = store.GetLock("task-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("OrdersAndPositions", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveTask(newTestTask("task-1")))
		require.NoError(t, store.SaveExecution(models.Execution{
			ID: "exec-1", TaskID: "task-1",
			Status: models.RunningExecutionStatus, StartedAt: time.Now().UTC(),
		}))
		now := time.Now().UTC()

		require.NoError(t, store.SaveOrder(models.Order{
			ID: "order-1", TaskID: "task-1", ExecutionID: "exec-1",
			Symbol: "BTCUSDT", Side: models.BuyOrderSide, Type: models.MarketOrderType,
			Quantity: 0.01, Price: 50000, ExchangeID: "ex-1", CreatedAt: now,
		}))

		pos := models.Position{
			ID: "pos-1", TaskID: "task-1", ExecutionID: "exec-1",
			Symbol: "BTCUSDT", Side: models.LongPosition,
			Quantity: 0.01, EntryPrice: 50000,
			StopLoss: 49000, TakeProfit: 52000,
			Status: models.OpenPositionStatus, OpenedAt: now,
		}
		require.NoError(t, store.SavePosition(pos))

		open, err := store.GetOpenPosition("task-1")
		require.NoError(t, err)
		assert.Equal(t, "pos-1", open.ID)
		assert.Equal(t, models.LongPosition, open.Side)

		// a second open position for the task violates the partial unique index
		dup := pos
		dup.ID = "pos-2"
		assert.Error(t, store.SavePosition(dup))
	})

	t.Run("ClosePosition", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveTask(newTestTask("task-1")))
		now := time.Now().UTC()
		require.NoError(t, store.SaveExecution(models.Execution{
			ID: "exec-1", TaskID: "task-1",
			Status: models.RunningExecutionStatus, StartedAt: now,
		}))

		require.NoError(t, store.SavePosition(models.Position{
			ID: "pos-1", TaskID: "task-1", ExecutionID: "exec-1",
			Symbol: "BTCUSDT", Side: models.ShortPosition,
			Quantity: 0.01, EntryPrice: 52000,
			Status: models.OpenPositionStatus, OpenedAt: now,
		}))

		require.NoError(t, store.ClosePosition("pos-1", 50000, 20, now))

		_, err := store.GetOpenPosition("task-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SafetyStatus", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetSafetyStatus("task-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("InitStore", func(t *testing.T) {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		require.NoError(t, err)
		require.NoError(t, store.Close())
	})

	t.Run("InitStoreRejectsUnmigratedDatabase", func(t *testing.T) {
		_, err := testDB.DB.Exec("CREATE DATABASE moniqo_bare")
		require.NoError(t, err)

		bare, err := url.Parse(testDB.ConnStr)
		require.NoError(t, err)
		bare.Path = "/moniqo_bare"

		_, err = internal_storage.InitStore(bare.String())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema not found")
	})
}
