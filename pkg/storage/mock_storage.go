package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
)

// mockStore implements Store with in-memory state. The mutex gives the lock
// operations the same atomicity the Postgres store gets from single
// conditional statements, so concurrency tests exercise real CAS semantics.
type mockStore struct {
	mu         sync.Mutex
	tasks      map[string]models.Task
	executions map[string]models.Execution
	steps      []models.Step
	decisions  []models.AgentDecision
	locks      map[string]models.ExecutionLock
	positions  map[string]models.Position
	orders     []models.Order
	safety     map[string]models.SafetyStatus
	nextStepID int64
	nextDecID  int64
}

// NewMockStore returns an empty in-memory store for tests.
func NewMockStore() Store {
	return &mockStore{
		tasks:      make(map[string]models.Task),
		executions: make(map[string]models.Execution),
		locks:      make(map[string]models.ExecutionLock),
		positions:  make(map[string]models.Position),
		safety:     make(map[string]models.SafetyStatus),
	}
}

// Begin returns the store itself; the in-memory store has no transactions.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) ListTasks() ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) UpdateTaskStatus(id string, status models.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *mockStore) UpdateTaskStats(id string, stats models.TaskStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Stats = stats
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *mockStore) IncrementCycleCount(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return 0, ErrNotFound
	}
	t.CycleCount++
	m.tasks[id] = t
	return t.CycleCount, nil
}

func (m *mockStore) SaveExecution(e models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = e
	return nil
}

func (m *mockStore) GetExecution(id string) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return models.Execution{}, ErrNotFound
	}
	e.Steps = nil
	for _, s := range m.steps {
		if s.ExecutionID == id {
			e.Steps = append(e.Steps, s)
		}
	}
	return e, nil
}

func (m *mockStore) ListRunningExecutions() ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, e := range m.executions {
		if e.Status == models.RunningExecutionStatus {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateExecutionStatus(id string, status models.ExecutionStatus, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.ErrorMsg = errorMsg
	if e.Terminal() {
		now := time.Now()
		e.FinishedAt = &now
	}
	m.executions[id] = e
	return nil
}

func (m *mockStore) UpdateExecutionResult(id string, result models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.Result = &result
	m.executions[id] = e
	return nil
}

func (m *mockStore) SaveStep(s models.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStepID++
	s.ID = m.nextStepID
	m.steps = append(m.steps, s)
	return nil
}

func (m *mockStore) UpdateStep(executionID string, stage models.StageName, status models.StepStatus, result, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for i, s := range m.steps {
		if s.ExecutionID == executionID && s.Stage == stage {
			m.steps[i].Status = status
			if result != "" {
				m.steps[i].Result = result
			}
			m.steps[i].ErrorMsg = errorMsg
			switch status {
			case models.RunningStepStatus:
				m.steps[i].StartedAt = &now
			case models.CompletedStepStatus, models.FailedStepStatus, models.SkippedStepStatus:
				m.steps[i].FinishedAt = &now
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveAgentDecision(d models.AgentDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDecID++
	d.ID = m.nextDecID
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *mockStore) ListAgentDecisions(executionID string) ([]models.AgentDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AgentDecision
	for _, d := range m.decisions {
		if d.ExecutionID == executionID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) InsertLock(l models.ExecutionLock) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.locks[l.TaskID]; exists {
		return false, nil
	}
	m.locks[l.TaskID] = l
	return true, nil
}

func (m *mockStore) ReclaimExpiredLock(taskID, ownerExecutionID string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, exists := m.locks[taskID]
	if !exists || !l.Expired(now) {
		return false, nil
	}
	l.OwnerExecutionID = ownerExecutionID
	l.AcquiredAt = now
	l.ExpiresAt = expiresAt
	l.LastHeartbeat = now
	m.locks[taskID] = l
	return true, nil
}

func (m *mockStore) RefreshLock(taskID, ownerExecutionID string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, exists := m.locks[taskID]
	if !exists || l.OwnerExecutionID != ownerExecutionID {
		return false, nil
	}
	l.ExpiresAt = expiresAt
	l.LastHeartbeat = now
	m.locks[taskID] = l
	return true, nil
}

func (m *mockStore) DeleteLock(taskID, ownerExecutionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, exists := m.locks[taskID]
	if !exists || l.OwnerExecutionID != ownerExecutionID {
		return false, nil
	}
	delete(m.locks, taskID)
	return true, nil
}

func (m *mockStore) DeleteLockUnchecked(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, taskID)
	return nil
}

func (m *mockStore) GetLock(taskID string) (models.ExecutionLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[taskID]
	if !ok {
		return models.ExecutionLock{}, ErrNotFound
	}
	return l, nil
}

func (m *mockStore) ListExpiredLocks(now time.Time) ([]models.ExecutionLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionLock
	for _, l := range m.locks {
		if l.Expired(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockStore) SaveOrder(o models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
	return nil
}

func (m *mockStore) SavePosition(p models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *mockStore) GetOpenPosition(taskID string) (models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.TaskID == taskID && p.Status != models.ClosedPositionStatus {
			return p, nil
		}
	}
	return models.Position{}, ErrNotFound
}

func (m *mockStore) ClosePosition(id string, exitPrice, realizedPnL float64, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = models.ClosedPositionStatus
	p.ExitPrice = exitPrice
	p.RealizedPnL = realizedPnL
	p.ClosedAt = &closedAt
	m.positions[id] = p
	return nil
}

func (m *mockStore) GetSafetyStatus(taskID string) (models.SafetyStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.safety[taskID]
	if !ok {
		return models.SafetyStatus{}, ErrNotFound
	}
	return s, nil
}

// SeedSafetyStatus installs a safety record for tests.
func SeedSafetyStatus(s Store, status models.SafetyStatus) {
	if m, ok := s.(*mockStore); ok {
		m.mu.Lock()
		m.safety[status.TaskID] = status
		m.mu.Unlock()
	}
}

// SeedLock installs a lock row directly, bypassing CAS; tests only.
func SeedLock(s Store, l models.ExecutionLock) {
	if m, ok := s.(*mockStore); ok {
		m.mu.Lock()
		m.locks[l.TaskID] = l
		m.mu.Unlock()
	}
}

// Orders returns saved orders; tests only.
func Orders(s Store) []models.Order {
	if m, ok := s.(*mockStore); ok {
		m.mu.Lock()
		defer m.mu.Unlock()
		out := make([]models.Order, len(m.orders))
		copy(out, m.orders)
		return out
	}
	return nil
}
