package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskType represents different types of async tasks
type TaskType string

// TaskStatus represents the current status of a task
type TaskStatus string

// TaskExecutor defines the function signature for task execution
type TaskExecutor func(t *Task) error

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
)

var (
	ErrQueueFull       = errors.New("task queue is full")
	ErrUnknownTaskType = errors.New("task type is not registered")
	ErrPoolStopped     = errors.New("worker pool is stopped")
)

// TaskRegistry manages task type to executor mappings
type TaskRegistry struct {
	executors map[TaskType]TaskExecutor
	mu        sync.RWMutex
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{executors: make(map[TaskType]TaskExecutor)}
}

// Register registers a task executor for a specific task type
func (r *TaskRegistry) Register(taskType TaskType, executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[taskType] = executor
}

// Get retrieves the executor for a specific task type
func (r *TaskRegistry) Get(taskType TaskType) (TaskExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, exists := r.executors[taskType]
	return executor, exists
}

// Task represents an async task with its properties and callback
type Task struct {
	ID        string
	Type      TaskType
	Params    interface{}
	PageID    string
	Callback  TaskCallback
	CreatedAt time.Time
	Context   context.Context

	mu        sync.RWMutex
	status    TaskStatus
	result    interface{}
	err       error
	updatedAt time.Time
	done      sync.Once
}

// TaskInfo is a point-in-time copy of a task, safe to serialize
type TaskInfo struct {
	ID        string      `json:"id"`
	Type      TaskType    `json:"type"`
	Status    TaskStatus  `json:"status"`
	PageID    string      `json:"page_id,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func NewTask(ctx context.Context, taskType TaskType, params interface{}) *Task {
	now := time.Now()
	return &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Params:    params,
		CreatedAt: now,
		Context:   ctx,
		status:    TaskStatusPending,
		updatedAt: now,
	}
}

// SetResult is called by executors to attach their output
func (t *Task) SetResult(result interface{}) {
	t.mu.Lock()
	t.result = result
	t.mu.Unlock()
}

func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *Task) Info() TaskInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info := TaskInfo{
		ID:        t.ID,
		Type:      t.Type,
		Status:    t.status,
		PageID:    t.PageID,
		Result:    t.result,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.updatedAt,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

func (t *Task) setRunning() {
	t.mu.Lock()
	t.status = TaskStatusRunning
	t.updatedAt = time.Now()
	t.mu.Unlock()
}

// finish records the outcome and fires the callback exactly once
func (t *Task) finish(err error) {
	t.done.Do(func() {
		t.mu.Lock()
		t.err = err
		if err != nil {
			t.status = TaskStatusFailed
		} else {
			t.status = TaskStatusComplete
		}
		t.updatedAt = time.Now()
		result := t.result
		t.mu.Unlock()

		if t.Callback == nil {
			return
		}
		if err != nil {
			t.Callback.OnError(err)
		} else {
			t.Callback.OnComplete(result)
		}
	})
}

// Execute executes the task and calls appropriate callbacks
func (t *Task) Execute(executor TaskExecutor) {
	defer func() {
		if r := recover(); r != nil {
			t.finish(fmt.Errorf("task panicked: %v", r))
		}
	}()

	select {
	case <-t.Context.Done():
		t.finish(t.Context.Err())
		return
	default:
	}

	t.setRunning()
	t.finish(executor(t))
}

// TaskCallback defines the interface for task completion handling
type TaskCallback interface {
	OnComplete(result interface{})
	OnError(err error)
}

// WorkerStatus represents the current status of a worker
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)
