package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // no-op for *sqlx.Tx
}

// SaveTask upserts a task row.
func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, name, symbol, mode, trigger_kind, status, config, cycle_count, stats, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			mode = EXCLUDED.mode,
			trigger_kind = EXCLUDED.trigger_kind,
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			stats = EXCLUDED.stats,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Symbol, t.Mode, t.Trigger, t.Status, t.Config, t.CycleCount, t.Stats, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks() ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, "SELECT * FROM tasks ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateTaskStatus(id string, status models.TaskStatus) error {
	res, err := s.db.Exec("UPDATE tasks SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateTaskStats(id string, stats models.TaskStats) error {
	res, err := s.db.Exec("UPDATE tasks SET stats = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", stats, id)
	if err != nil {
		return fmt.Errorf("update task stats: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) IncrementCycleCount(id string) (int, error) {
	var count int
	err := s.db.QueryRowx(
		"UPDATE tasks SET cycle_count = cycle_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = $1 RETURNING cycle_count",
		id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment cycle count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SaveExecution(e models.Execution) error {
	_, err := s.db.Exec(`
		INSERT INTO executions (id, task_id, status, result, error_msg, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TaskID, e.Status, e.Result, e.ErrorMsg, e.StartedAt, e.FinishedAt)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(id string) (models.Execution, error) {
	row := s.db.QueryRowx(
		"SELECT id, task_id, status, result, error_msg, started_at, finished_at FROM executions WHERE id = $1", id)
	e, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return models.Execution{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("get execution %s: %w", id, err)
	}

	err = s.db.Select(&e.Steps, "SELECT * FROM execution_steps WHERE execution_id = $1 ORDER BY id", id)
	if err != nil {
		return models.Execution{}, fmt.Errorf("get execution %s steps: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) ListRunningExecutions() ([]models.Execution, error) {
	rows, err := s.db.Queryx(
		"SELECT id, task_id, status, result, error_msg, started_at, finished_at FROM executions WHERE status = $1",
		models.RunningExecutionStatus)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan running execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanExecution handles the nullable result and finished_at columns.
func scanExecution(scan func(dest ...interface{}) error) (models.Execution, error) {
	var (
		e          models.Execution
		result     sql.NullString
		finishedAt sql.NullTime
	)
	if err := scan(&e.ID, &e.TaskID, &e.Status, &result, &e.ErrorMsg, &e.StartedAt, &finishedAt); err != nil {
		return models.Execution{}, err
	}
	if result.Valid {
		var r models.Result
		if err := r.Scan(result.String); err != nil {
			return models.Execution{}, err
		}
		e.Result = &r
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	return e, nil
}

func (s *PostgresStore) UpdateExecutionStatus(id string, status models.ExecutionStatus, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE executions
		SET status = $1,
		error_msg = $2,
		finished_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN CURRENT_TIMESTAMP ELSE finished_at END
		WHERE id = $4`,
		status, errorMsg, status, id)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateExecutionResult(id string, result models.Result) error {
	res, err := s.db.Exec("UPDATE executions SET result = $1 WHERE id = $2", &result, id)
	if err != nil {
		return fmt.Errorf("update execution result: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveStep(step models.Step) error {
	_, err := s.db.Exec(`
		INSERT INTO execution_steps (execution_id, stage, status, result, error_msg, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.ExecutionID, step.Stage, step.Status, step.Result, step.ErrorMsg, step.StartedAt, step.FinishedAt)
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStep(executionID string, stage models.StageName, status models.StepStatus, result, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE execution_steps
		SET status = $1,
		result = CASE WHEN $2 <> '' THEN $2 ELSE result END,
		error_msg = $3,
		started_at = CASE WHEN $4 = 'RUNNING' THEN CURRENT_TIMESTAMP ELSE started_at END,
		finished_at = CASE WHEN $5 IN ('COMPLETED', 'FAILED', 'SKIPPED') THEN CURRENT_TIMESTAMP ELSE finished_at END
		WHERE execution_id = $6 AND stage = $7`,
		status, result, errorMsg, status, status, executionID, stage)
	if err != nil {
		return fmt.Errorf("update step %s/%s: %w", executionID, stage, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveAgentDecision(d models.AgentDecision) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO agent_decisions (execution_id, agent_role, action, confidence, reasoning, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ExecutionID, d.Role, d.Action, d.Confidence, d.Reasoning, d.Data, createdAt)
	if err != nil {
		return fmt.Errorf("save agent decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAgentDecisions(executionID string) ([]models.AgentDecision, error) {
	decisions := []models.AgentDecision{}
	err := s.db.Select(&decisions, "SELECT * FROM agent_decisions WHERE execution_id = $1 ORDER BY id", executionID)
	if err != nil {
		return nil, fmt.Errorf("list agent decisions: %w", err)
	}
	return decisions, nil
}

// InsertLock acquires by insertion. ON CONFLICT DO NOTHING turns the
// uniqueness race into a zero-row result, which the lock manager reads as
// acquisition failure.
func (s *PostgresStore) InsertLock(l models.ExecutionLock) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO execution_locks (task_id, owner_execution_id, acquired_at, expires_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO NOTHING`,
		l.TaskID, l.OwnerExecutionID, l.AcquiredAt, l.ExpiresAt, l.LastHeartbeat)
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	return oneRow(res)
}

// ReclaimExpiredLock re-checks expiry inside the statement itself so two
// concurrent reclaims cannot both win.
func (s *PostgresStore) ReclaimExpiredLock(taskID, ownerExecutionID string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE execution_locks
		SET owner_execution_id = $2, acquired_at = $3, expires_at = $4, last_heartbeat = $3
		WHERE task_id = $1 AND expires_at < $3`,
		taskID, ownerExecutionID, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("reclaim lock: %w", err)
	}
	return oneRow(res)
}

func (s *PostgresStore) RefreshLock(taskID, ownerExecutionID string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE execution_locks
		SET expires_at = $4, last_heartbeat = $3
		WHERE task_id = $1 AND owner_execution_id = $2`,
		taskID, ownerExecutionID, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	return oneRow(res)
}

func (s *PostgresStore) DeleteLock(taskID, ownerExecutionID string) (bool, error) {
	res, err := s.db.Exec(
		"DELETE FROM execution_locks WHERE task_id = $1 AND owner_execution_id = $2",
		taskID, ownerExecutionID)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	return oneRow(res)
}

func (s *PostgresStore) DeleteLockUnchecked(taskID string) error {
	_, err := s.db.Exec("DELETE FROM execution_locks WHERE task_id = $1", taskID)
	if err != nil {
		return fmt.Errorf("delete lock unchecked: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLock(taskID string) (models.ExecutionLock, error) {
	var l models.ExecutionLock
	err := s.db.Get(&l, "SELECT * FROM execution_locks WHERE task_id = $1", taskID)
	if err == sql.ErrNoRows {
		return models.ExecutionLock{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ExecutionLock{}, fmt.Errorf("get lock %s: %w", taskID, err)
	}
	return l, nil
}

func (s *PostgresStore) ListExpiredLocks(now time.Time) ([]models.ExecutionLock, error) {
	locks := []models.ExecutionLock{}
	err := s.db.Select(&locks, "SELECT * FROM execution_locks WHERE expires_at < $1", now)
	if err != nil {
		return nil, fmt.Errorf("list expired locks: %w", err)
	}
	return locks, nil
}

func (s *PostgresStore) SaveOrder(o models.Order) error {
	_, err := s.db.Exec(`
		INSERT INTO orders (id, task_id, execution_id, symbol, side, order_type, quantity, price, exchange_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.TaskID, o.ExecutionID, o.Symbol, o.Side, o.Type, o.Quantity, o.Price, o.ExchangeID, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePosition(p models.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions (id, task_id, execution_id, symbol, side, quantity, entry_price, exit_price,
			stop_loss, take_profit, status, realized_pnl, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.TaskID, p.ExecutionID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.ExitPrice,
		p.StopLoss, p.TakeProfit, p.Status, p.RealizedPnL, p.OpenedAt, p.ClosedAt)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOpenPosition(taskID string) (models.Position, error) {
	var p models.Position
	err := s.db.Get(&p, "SELECT * FROM positions WHERE task_id = $1 AND status <> 'CLOSED'", taskID)
	if err == sql.ErrNoRows {
		return models.Position{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Position{}, fmt.Errorf("get open position for task %s: %w", taskID, err)
	}
	return p, nil
}

func (s *PostgresStore) ClosePosition(id string, exitPrice, realizedPnL float64, closedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE positions
		SET status = 'CLOSED', exit_price = $1, realized_pnl = $2, closed_at = $3
		WHERE id = $4`,
		exitPrice, realizedPnL, closedAt, id)
	if err != nil {
		return fmt.Errorf("close position %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) GetSafetyStatus(taskID string) (models.SafetyStatus, error) {
	var st models.SafetyStatus
	err := s.db.Get(&st, "SELECT * FROM safety_status WHERE task_id = $1", taskID)
	if err == sql.ErrNoRows {
		return models.SafetyStatus{}, storage.ErrNotFound
	}
	if err != nil {
		return models.SafetyStatus{}, fmt.Errorf("get safety status %s: %w", taskID, err)
	}
	return st, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
